// Package splitter divides one utterance's audio into the minimal set of
// contiguous nonsilent chunks, the unit actually sent to the transcription
// service. Shorter inputs cost less and hallucinate less, so an utterance
// with internal pauses becomes several small requests instead of one long
// one.
//
// Detection is deterministic: the same buffer and parameters always yield
// the same boundaries.
package splitter

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dispatchwire/dispatchwire/pkg/audio"
)

// analysisWindow is the granularity of silence classification. 10 ms is
// fine enough that boundary jitter stays well below the minimum chunk
// duration.
const analysisWindow = 10 * time.Millisecond

// Params tune one splitting pass.
type Params struct {
	// MinSilence is the shortest silent gap that separates two chunks.
	MinSilence time.Duration

	// ThresholdDB is the dBFS level at or below which a window counts as
	// silent.
	ThresholdDB float64

	// MinChunk discards detected chunks shorter than this. Zero keeps
	// everything.
	MinChunk time.Duration
}

// Range is a half-open time interval [Start, End) within the parent
// utterance.
type Range struct {
	Start time.Duration
	End   time.Duration
}

// Chunk is one nonsilent interval exported as an independent audio file.
// Chunks are transient: the consumer deletes the file right after the
// transcription call returns.
type Chunk struct {
	Path     string
	Index    int
	Duration time.Duration
}

// DetectNonsilent returns all maximal nonsilent intervals of pcm, in time
// order, non-overlapping. An empty result means the buffer carries no
// speech at all. Intervals shorter than p.MinChunk are dropped.
func DetectNonsilent(pcm []byte, f audio.Format, p Params) []Range {
	windowBytes := f.Bytes(analysisWindow)
	if windowBytes <= 0 || len(pcm) < windowBytes {
		return nil
	}

	// Classify each whole window; a trailing partial window inherits its
	// own energy reading.
	var silent []bool
	for off := 0; off < len(pcm); off += windowBytes {
		end := off + windowBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		silent = append(silent, audio.EnergyDB(pcm[off:end]) <= p.ThresholdDB)
	}

	minGap := int(p.MinSilence / analysisWindow)
	if minGap < 1 {
		minGap = 1
	}

	// A nonsilent interval ends only at a silent run of at least minGap
	// windows (or the buffer edge). Shorter pauses stay inside the chunk.
	var (
		ranges  []Range
		start   = -1 // window index where the current interval began
		run     = 0  // length of the current silent run
		lastEnd = 0  // window index one past the last nonsilent window seen
	)
	for i, isSilent := range silent {
		if isSilent {
			run++
			if start >= 0 && run >= minGap {
				ranges = append(ranges, Range{
					Start: time.Duration(start) * analysisWindow,
					End:   time.Duration(lastEnd) * analysisWindow,
				})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
		run = 0
		lastEnd = i + 1
	}
	if start >= 0 {
		end := time.Duration(lastEnd) * analysisWindow
		if max := f.Duration(len(pcm)); end > max {
			end = max
		}
		ranges = append(ranges, Range{Start: time.Duration(start) * analysisWindow, End: end})
	}

	if p.MinChunk > 0 {
		kept := ranges[:0]
		for _, r := range ranges {
			if r.End-r.Start >= p.MinChunk {
				kept = append(kept, r)
			}
		}
		ranges = kept
	}
	return ranges
}

// Split reads the utterance WAV at path, detects nonsilent intervals, and
// writes each as an independent chunk WAV in dir. Returns the chunks in
// time order. An empty slice with nil error means "no speech detected; do
// not transcribe".
func Split(path, dir string, p Params) ([]Chunk, error) {
	pcm, f, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, fmt.Errorf("splitter: %w", err)
	}

	ranges := DetectNonsilent(pcm, f, p)
	if len(ranges) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("splitter: create chunk dir: %w", err)
	}

	chunks := make([]Chunk, 0, len(ranges))
	for i, r := range ranges {
		lo, hi := f.Bytes(r.Start), f.Bytes(r.End)
		if hi > len(pcm) {
			hi = len(pcm)
		}
		chunkPath := filepath.Join(dir, fmt.Sprintf("chunk_%05d.wav", i))
		if err := audio.WriteWAVFile(chunkPath, pcm[lo:hi], f); err != nil {
			return nil, fmt.Errorf("splitter: %w", err)
		}
		chunks = append(chunks, Chunk{
			Path:     chunkPath,
			Index:    i,
			Duration: r.End - r.Start,
		})
	}
	return chunks, nil
}

// Cleanup removes chunk files, best-effort. A leaked chunk is a lesser harm
// than failing the pipeline, so errors are ignored.
func Cleanup(chunks []Chunk) {
	for _, c := range chunks {
		_ = os.Remove(c.Path)
	}
}
