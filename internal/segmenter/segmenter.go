// Package segmenter turns an unbounded PCM byte stream into discrete
// utterances using an energy-threshold voice-activity detector with
// look-back padding.
//
// The detector is a two-state machine. While idle it keeps a circular
// buffer of the most recent frames (the look-back window); the moment a
// frame's energy crosses the threshold the buffered frames are flushed into
// the utterance first, recovering the syllable onset that preceded the
// crossing. Recording continues through natural pauses; once trailing
// silence accumulates to a full look-back window the utterance is closed.
//
// A Segmenter owns no goroutines of its own: [Segmenter.Next] blocks on the
// underlying reader and is driven by the pipeline's producer. Silence-only
// input never produces an utterance.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dispatchwire/dispatchwire/pkg/audio"
)

// Config tunes the voice-activity detector.
type Config struct {
	// Format is the PCM shape of the input stream.
	Format audio.Format

	// ThresholdDB is the energy level in dBFS above which a frame counts as
	// speech.
	ThresholdDB float64

	// Lookback sets both the onset padding recovered before the threshold
	// crossing and the trailing silence that closes an utterance.
	Lookback time.Duration

	// FrameSamples is the per-read frame size in samples.
	FrameSamples int
}

// Utterance is one finalized speech segment: look-back prefix, speech, and
// a trailing-silence suffix. The buffer is never empty and never mutated
// after finalization.
type Utterance struct {
	// PCM is the raw audio of the segment.
	PCM []byte

	// Start is the wall-clock time the utterance began recording.
	Start time.Time

	// Duration is the play time of PCM.
	Duration time.Duration
}

// Segmenter consumes fixed-size frames from an io.Reader and emits
// utterances. A Segmenter is bound to one stream; when the stream dies the
// owner discards the Segmenter and builds a fresh one against the restarted
// source.
type Segmenter struct {
	r   io.Reader
	cfg Config

	frameBytes     int
	lookbackFrames int

	// liveness counters read by the stall watchdog from another goroutine.
	bytesRead    atomic.Int64
	lastReadUnix atomic.Int64
}

// New creates a Segmenter reading from r. The look-back window is rounded
// up to a whole number of frames.
func New(r io.Reader, cfg Config) (*Segmenter, error) {
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		return nil, fmt.Errorf("segmenter: invalid format %+v", cfg.Format)
	}
	if cfg.FrameSamples <= 0 {
		return nil, fmt.Errorf("segmenter: frame size %d must be positive", cfg.FrameSamples)
	}
	if cfg.Lookback <= 0 {
		return nil, fmt.Errorf("segmenter: lookback %v must be positive", cfg.Lookback)
	}

	frameDur := time.Duration(cfg.FrameSamples) * time.Second / time.Duration(cfg.Format.SampleRate)
	n := int((cfg.Lookback + frameDur - 1) / frameDur)
	if n < 1 {
		n = 1
	}

	s := &Segmenter{
		r:              r,
		cfg:            cfg,
		frameBytes:     cfg.Format.FrameBytes(cfg.FrameSamples),
		lookbackFrames: n,
	}
	s.lastReadUnix.Store(time.Now().UnixNano())
	return s, nil
}

// LookbackFrames returns the look-back window size in frames.
func (s *Segmenter) LookbackFrames() int { return s.lookbackFrames }

// BytesRead returns the total bytes consumed from the stream.
func (s *Segmenter) BytesRead() int64 { return s.bytesRead.Load() }

// LastRead returns the time of the most recent successful frame read. The
// stall watchdog compares this against the stall timeout.
func (s *Segmenter) LastRead() time.Time {
	return time.Unix(0, s.lastReadUnix.Load())
}

// Next blocks until one complete utterance has been detected and returns
// it. It returns io.EOF when the stream ends (a short or empty read), the
// read error when the stream fails, or ctx.Err() when cancelled between
// frame reads. Any in-progress utterance is discarded on all three —
// partial segments are never finalized.
func (s *Segmenter) Next(ctx context.Context) (*Utterance, error) {
	lookback := make([][]byte, 0, s.lookbackFrames)
	for i := 0; i < s.lookbackFrames; i++ {
		lookback = append(lookback, make([]byte, s.frameBytes))
	}

	var (
		active       []byte
		recording    bool
		silenceCount int
		start        time.Time
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame := make([]byte, s.frameBytes)
		if _, err := io.ReadFull(s.r, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("segmenter: read frame: %w", err)
		}
		s.bytesRead.Add(int64(s.frameBytes))
		s.lastReadUnix.Store(time.Now().UnixNano())

		if audio.EnergyDB(frame) > s.cfg.ThresholdDB {
			if !recording {
				recording = true
				start = time.Now()
				// Recover the onset that led into the crossing.
				for _, f := range lookback {
					active = append(active, f...)
				}
			}
			active = append(active, frame...)
			silenceCount = 0
			continue
		}

		if recording {
			// Silence inside speech is part of natural cadence; keep it.
			active = append(active, frame...)
			silenceCount++
			if silenceCount >= s.lookbackFrames {
				return &Utterance{
					PCM:      active,
					Start:    start,
					Duration: s.cfg.Format.Duration(len(active)),
				}, nil
			}
			continue
		}

		// Look-back phase: evict the oldest frame.
		copy(lookback, lookback[1:])
		lookback[len(lookback)-1] = frame
	}
}
