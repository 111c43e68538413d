package segmenter_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/dispatchwire/dispatchwire/internal/segmenter"
	"github.com/dispatchwire/dispatchwire/pkg/audio"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

func testConfig() segmenter.Config {
	return segmenter.Config{
		Format:       mono16k,
		ThresholdDB:  -50,
		Lookback:     time.Second,
		FrameSamples: 1024,
	}
}

// tonePCM generates `samples` samples of a 440 Hz sine at amplitude 10000
// (≈ -13 dBFS, well above the -50 threshold).
func tonePCM(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(10000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func silencePCM(samples int) []byte {
	return make([]byte, samples*2)
}

func seconds(d time.Duration) int {
	return int(d / time.Second * 16000)
}

func TestNext_SilenceOnlyNeverFinalizes(t *testing.T) {
	// 5 seconds of pure silence: the stream ends without any utterance.
	s, err := segmenter.New(bytes.NewReader(silencePCM(5*16000)), testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	utt, err := s.Next(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if utt != nil {
		t.Fatal("silence-only stream produced an utterance")
	}
}

func TestNext_SingleUtteranceWithLookbackPadding(t *testing.T) {
	// silence(2s) + tone(1s) + silence(lookback + a little) must produce
	// exactly one utterance with a ~1s look-back prefix and ~1s trailing
	// silence around the tone.
	var stream bytes.Buffer
	stream.Write(silencePCM(2 * 16000))
	stream.Write(tonePCM(1 * 16000))
	stream.Write(silencePCM(16000 + 4096))

	s, err := segmenter.New(&stream, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	utt, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(utt.PCM) == 0 {
		t.Fatal("finalized utterance has empty buffer")
	}

	// Expected length: lookback prefix (N frames) + tone + N trailing
	// silence frames. The look-back window is ceil(1s / 64ms) = 16 frames
	// of 1024 samples.
	n := s.LookbackFrames()
	wantSamples := n*1024 + 16000 + n*1024
	gotSamples := len(utt.PCM) / 2
	// The tone occupies whole frames, so allow one frame of slack.
	if diff := gotSamples - wantSamples; diff < -1024 || diff > 1024 {
		t.Fatalf("utterance samples = %d, want ≈ %d", gotSamples, wantSamples)
	}

	// The prefix recovered from the look-back buffer must be ≈ 1s long:
	// everything before the first loud frame is silence.
	firstLoud := -1
	for off := 0; off+2048 <= len(utt.PCM); off += 2048 {
		if audio.EnergyDB(utt.PCM[off:off+2048]) > -50 {
			firstLoud = off / 2
			break
		}
	}
	if firstLoud < 0 {
		t.Fatal("no loud frame found in utterance")
	}
	if diff := firstLoud - n*1024; diff < -1024 || diff > 1024 {
		t.Fatalf("look-back prefix = %d samples, want ≈ %d", firstLoud, n*1024)
	}

	// The stream is exhausted afterwards; no second utterance.
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("second Next err = %v, want io.EOF", err)
	}
}

func TestNext_StreamEndMidUtteranceDiscardsPartial(t *testing.T) {
	// Tone with no trailing silence: the utterance never closes, and the
	// partial buffer must be discarded at EOF rather than finalized.
	var stream bytes.Buffer
	stream.Write(tonePCM(16000))

	s, err := segmenter.New(&stream, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	utt, err := s.Next(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if utt != nil {
		t.Fatal("partial utterance was finalized at stream end")
	}
}

func TestNext_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := segmenter.New(bytes.NewReader(silencePCM(16000)), testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNext_TwoUtterances(t *testing.T) {
	gap := silencePCM(seconds(2 * time.Second))
	var stream bytes.Buffer
	stream.Write(gap)
	stream.Write(tonePCM(8000))
	stream.Write(gap)
	stream.Write(tonePCM(8000))
	stream.Write(gap)

	s, err := segmenter.New(&stream, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 2; i++ {
		utt, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("utterance %d: %v", i+1, err)
		}
		if utt.Duration < time.Second {
			t.Fatalf("utterance %d duration = %v, want at least the padding", i+1, utt.Duration)
		}
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("third Next err = %v, want io.EOF", err)
	}
}

func TestBytesRead_TracksConsumption(t *testing.T) {
	s, err := segmenter.New(bytes.NewReader(silencePCM(4096)), testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _ = s.Next(context.Background())

	// 4096 samples = 8192 bytes = 4 whole frames.
	if got := s.BytesRead(); got != 8192 {
		t.Fatalf("BytesRead = %d, want 8192", got)
	}
	if s.LastRead().IsZero() {
		t.Fatal("LastRead not updated")
	}
}
