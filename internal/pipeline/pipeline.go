// Package pipeline wires the capture, segmentation, transcription and
// delivery stages together.
//
// Two goroutines do the work. The producer supervises the ffmpeg capture
// process, runs the segmenter against its PCM output, and writes each
// finalized utterance to a temp WAV that it enqueues for the consumer. The
// consumer feeds utterances through the quality gate and routes accepted
// transcripts to storage, WebSocket subscribers and the notifier. The
// unbounded queue between them guarantees the producer never drops live
// audio because the transcription backend is slow.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/dispatchwire/dispatchwire/internal/broadcast"
	"github.com/dispatchwire/dispatchwire/internal/config"
	"github.com/dispatchwire/dispatchwire/internal/filter"
	"github.com/dispatchwire/dispatchwire/internal/notify"
	"github.com/dispatchwire/dispatchwire/internal/observe"
	"github.com/dispatchwire/dispatchwire/internal/quality"
	"github.com/dispatchwire/dispatchwire/internal/segmenter"
	"github.com/dispatchwire/dispatchwire/internal/source"
	"github.com/dispatchwire/dispatchwire/internal/store"
	"github.com/dispatchwire/dispatchwire/pkg/audio"
)

// Gate decides the fate of one utterance. *quality.Controller satisfies it.
type Gate interface {
	Process(ctx context.Context, path string, dur time.Duration) (quality.Transcription, error)
}

// TranscriptStore persists accepted transcripts. *store.Store satisfies it;
// nil disables persistence.
type TranscriptStore interface {
	Insert(ctx context.Context, t store.Transcript) (int64, error)
	MarkNotified(ctx context.Context, id int64, alert string, code int) error
}

// Publisher pushes accepted transcripts to subscribers. *broadcast.Hub
// satisfies it; nil disables broadcasting.
type Publisher interface {
	Publish(ctx context.Context, ev broadcast.Event)
}

// Notifier delivers push alerts. *notify.Notifier satisfies it.
type Notifier interface {
	Enabled() bool
	Notify(ctx context.Context, title, message string) (int, error)
}

// Deps bundles the pipeline's collaborators. Config, Gate, Filter, Metrics
// and Log are required; the delivery sinks are optional.
type Deps struct {
	Config   config.Config
	Gate     Gate
	Store    TranscriptStore
	Hub      Publisher
	Notifier Notifier
	Matcher  *notify.Matcher
	Filter   *filter.Filter
	Metrics  *observe.Metrics
	Log      *slog.Logger
}

// Pipeline is the running capture-to-delivery machine.
type Pipeline struct {
	deps   Deps
	format audio.Format
	q      *queue

	// seg is the segmenter of the current capture, read by the readiness
	// probe from other goroutines.
	seg atomic.Pointer[segmenter.Segmenter]
}

// New constructs a Pipeline and ensures the recordings directory exists.
func New(deps Deps) (*Pipeline, error) {
	if err := os.MkdirAll(deps.Config.Segmenter.RecordingsDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: recordings dir: %w", err)
	}
	return &Pipeline{
		deps: deps,
		format: audio.Format{
			SampleRate: deps.Config.Stream.SampleRate,
			Channels:   deps.Config.Stream.Channels,
		},
		q: newQueue(),
	}, nil
}

// LastRead reports the time of the most recent successful stream read, for
// the readiness probe. Zero until the first capture attaches.
func (p *Pipeline) LastRead() time.Time {
	seg := p.seg.Load()
	if seg == nil {
		return time.Time{}
	}
	return seg.LastRead()
}

// Run blocks until ctx is cancelled, running the producer and consumer.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.produce(ctx) })
	g.Go(func() error { return p.consume(ctx) })
	return g.Wait()
}

// produce supervises the capture process: launch, segment until the stream
// dies or stalls, restart after a pause. It only returns when ctx ends.
func (p *Pipeline) produce(ctx context.Context) error {
	defer p.q.close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.captureOnce(ctx); err != nil {
			return err
		}

		p.deps.Metrics.StreamRestarts.Add(ctx, 1)
		p.deps.Log.Info("restarting capture", "backoff", p.deps.Config.Stream.RestartBackoff())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.deps.Config.Stream.RestartBackoff()):
		}
	}
}

// captureOnce runs one capture process to completion. A nil return means
// the stream ended or stalled and the supervisor should restart; a non-nil
// return ends the producer.
func (p *Pipeline) captureOnce(ctx context.Context) error {
	cfg := p.deps.Config

	capture, err := source.Start(ctx, source.Config{
		URL:        cfg.Stream.URL,
		Format:     p.format,
		FFmpegPath: cfg.Stream.FFmpegPath,
	})
	if err != nil {
		p.deps.Log.Error("capture start failed", "error", err)
		return nil
	}
	defer capture.Stop()

	seg, err := segmenter.New(capture, segmenter.Config{
		Format:       p.format,
		ThresholdDB:  cfg.Segmenter.ThresholdDB,
		Lookback:     cfg.Segmenter.Lookback(),
		FrameSamples: cfg.Segmenter.FrameSamples,
	})
	if err != nil {
		return fmt.Errorf("pipeline: segmenter: %w", err)
	}
	p.seg.Store(seg)

	// Stall watchdog: a capture that stops delivering bytes without dying
	// (dropped TCP session, frozen relay) is killed so the supervisor can
	// relaunch it.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		interval := cfg.Stream.StallTimeout() / 4
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if age := time.Since(seg.LastRead()); age > cfg.Stream.StallTimeout() {
					p.deps.Log.Warn("stream stalled, killing capture", "last_read_age", age.Round(time.Second))
					capture.Stop()
					return
				}
			}
		}
	}()

	var counted int64
	for {
		utt, err := seg.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != io.EOF {
				p.deps.Log.Warn("stream read failed", "error", err)
			} else {
				p.deps.Log.Info("stream ended", "bytes_read", seg.BytesRead())
			}
			return nil
		}

		if read := seg.BytesRead(); read > counted {
			p.deps.Metrics.StreamBytes.Add(ctx, read-counted)
			counted = read
		}
		p.deps.Metrics.RecordUtterance(ctx, utt.Duration)

		path := filepath.Join(cfg.Segmenter.RecordingsDir,
			fmt.Sprintf("utt_%d.wav", utt.Start.UnixNano()))
		if err := audio.WriteWAVFile(path, utt.PCM, p.format); err != nil {
			p.deps.Log.Error("writing utterance failed", "path", path, "error", err)
			continue
		}

		p.q.push(item{Path: path, Start: utt.Start, Duration: utt.Duration})
		p.deps.Metrics.QueueDepth.Add(ctx, 1)
		p.deps.Log.Debug("utterance queued",
			"path", path, "duration", utt.Duration, "queue_depth", p.q.len())
	}
}

// consume drains the queue until the producer closes it or ctx ends.
func (p *Pipeline) consume(ctx context.Context) error {
	for {
		it, ok := p.q.pop(ctx)
		if !ok {
			return ctx.Err()
		}
		p.deps.Metrics.QueueDepth.Add(ctx, -1)
		p.handle(ctx, it)
	}
}

// handle feeds one utterance through the gate and routes the result.
func (p *Pipeline) handle(ctx context.Context, it item) {
	res, err := p.deps.Gate.Process(ctx, it.Path, it.Duration)
	if err != nil {
		p.deps.Log.Error("transcription failed, skipping utterance",
			"path", it.Path, "error", err)
		p.deps.Metrics.RecordGateOutcome(ctx, "error", "")
		p.remove(it.Path)
		return
	}
	p.deps.Metrics.RecordGateOutcome(ctx, string(res.Outcome), string(res.Reason))
	if res.Escalated {
		p.deps.Metrics.Escalations.Add(ctx, 1,
			metric.WithAttributes(attribute.String("model", res.Model)))
	}

	if res.Outcome != quality.OutcomeAccepted {
		p.deps.Log.Debug("utterance discarded",
			"outcome", string(res.Outcome), "reason", string(res.Reason), "duration", it.Duration)
		p.remove(it.Path)
		return
	}

	if marker := p.deps.Filter.Match(res.Text); marker != "" {
		p.deps.Log.Info("transcript dropped as stream filler", "marker", marker)
		p.deps.Metrics.FilteredTranscripts.Add(ctx, 1)
		p.remove(it.Path)
		return
	}

	// Accepted: give the recording its permanent, timestamped name.
	final := filepath.Join(p.deps.Config.Segmenter.RecordingsDir,
		it.Start.Format("2006-01-02_15-04-05")+".wav")
	if err := os.Rename(it.Path, final); err != nil {
		p.deps.Log.Error("renaming recording failed", "error", err)
		final = it.Path
	}
	p.deps.Log.Info("transcript accepted",
		"text", res.Text, "model", res.Model, "escalated", res.Escalated, "duration", it.Duration)

	var id int64
	if p.deps.Store != nil {
		id, err = p.deps.Store.Insert(ctx, store.Transcript{
			RecordedAt: it.Start,
			Duration:   it.Duration,
			Text:       res.Text,
			Model:      res.Model,
			Escalated:  res.Escalated,
			AudioPath:  final,
		})
		if err != nil {
			p.deps.Log.Error("persisting transcript failed", "error", err)
		}
	}

	if p.deps.Hub != nil {
		p.deps.Hub.Publish(ctx, broadcast.Event{
			Type:      "transcript",
			ID:        id,
			Timestamp: it.Start,
			Duration:  it.Duration.Seconds(),
			Text:      res.Text,
			Model:     res.Model,
			Escalated: res.Escalated,
		})
	}

	p.notify(ctx, id, res.Text)
}

// notify raises a push alert when the transcript matches a priority pattern.
func (p *Pipeline) notify(ctx context.Context, id int64, text string) {
	if p.deps.Notifier == nil || p.deps.Matcher == nil || !p.deps.Notifier.Enabled() {
		return
	}
	hit, ok := p.deps.Matcher.Match(text)
	if !ok {
		return
	}
	code, err := p.deps.Notifier.Notify(ctx, "Dispatch: "+hit, text)
	if err != nil {
		p.deps.Log.Error("notification failed", "error", err)
		return
	}
	if code == 0 {
		return
	}
	p.deps.Metrics.NotificationsSent.Add(ctx, 1)
	if p.deps.Store != nil && id != 0 {
		if err := p.deps.Store.MarkNotified(ctx, id, hit, code); err != nil {
			p.deps.Log.Warn("marking transcript notified failed", "id", id, "error", err)
		}
	}
}

func (p *Pipeline) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.deps.Log.Warn("removing temp recording failed", "path", path, "error", err)
	}
}
