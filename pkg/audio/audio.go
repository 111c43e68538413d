// Package audio provides PCM sample math and WAV container framing for the
// dispatchwire pipeline.
//
// All audio in the pipeline is linear PCM, 16-bit signed little-endian. The
// sample rate and channel count are carried in a [Format] value rather than
// assumed, so the segmenter and splitter work unchanged if the capture
// configuration changes.
package audio

import (
	"math"
	"time"
)

// bitsPerSample is fixed at 16 for the signed little-endian PCM this
// pipeline processes end to end.
const bitsPerSample = 16

// fullScale is the maximum absolute amplitude of a 16-bit sample, used to
// normalise RMS into the [0, 1] range for dBFS conversion.
const fullScale = 32768.0

// Format describes the shape of a raw PCM byte stream.
type Format struct {
	// SampleRate is the sample rate in Hz (e.g. 16000).
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * bitsPerSample / 8
}

// FrameBytes returns the byte length of a frame of the given sample count.
func (f Format) FrameBytes(samples int) int {
	return samples * f.Channels * bitsPerSample / 8
}

// Duration returns the play time of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Bytes returns the number of PCM bytes covering d, rounded down to a whole
// sample boundary.
func (f Format) Bytes(d time.Duration) int {
	n := int(d * time.Duration(f.BytesPerSecond()) / time.Second)
	align := f.Channels * bitsPerSample / 8
	if align > 0 {
		n -= n % align
	}
	return n
}

// RMS returns the root-mean-square amplitude of a 16-bit signed
// little-endian PCM buffer, in raw sample units (0–32767). Returns 0 for
// buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// EnergyDB returns the energy of a PCM buffer in decibels relative to full
// scale: 20·log10(rms / fullScale). A silent buffer (rms = 0) maps to
// negative infinity so it can never exceed a finite threshold.
func EnergyDB(pcm []byte) float64 {
	rms := RMS(pcm)
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/fullScale)
}
