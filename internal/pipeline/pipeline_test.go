package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dispatchwire/dispatchwire/internal/broadcast"
	"github.com/dispatchwire/dispatchwire/internal/config"
	"github.com/dispatchwire/dispatchwire/internal/filter"
	"github.com/dispatchwire/dispatchwire/internal/notify"
	"github.com/dispatchwire/dispatchwire/internal/observe"
	"github.com/dispatchwire/dispatchwire/internal/quality"
	"github.com/dispatchwire/dispatchwire/internal/store"
	"github.com/dispatchwire/dispatchwire/pkg/audio"
)

type fakeGate struct {
	mu    sync.Mutex
	res   quality.Transcription
	err   error
	paths []string
}

func (f *fakeGate) Process(_ context.Context, path string, _ time.Duration) (quality.Transcription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return f.res, f.err
}

type fakeStore struct {
	mu       sync.Mutex
	inserted []store.Transcript
	notified []int64
	nextID   int64
}

func (f *fakeStore) Insert(_ context.Context, t store.Transcript) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t.ID = f.nextID
	f.inserted = append(f.inserted, t)
	return f.nextID, nil
}

func (f *fakeStore) MarkNotified(_ context.Context, id int64, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, id)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (f *fakePublisher) Publish(_ context.Context, ev broadcast.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type fakeNotifier struct {
	mu       sync.Mutex
	enabled  bool
	messages []string
}

func (f *fakeNotifier) Enabled() bool { return f.enabled }

func (f *fakeNotifier) Notify(_ context.Context, _, message string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return 200, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPipelineConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Stream: config.StreamConfig{
			URL:               "https://example.invalid/feed",
			SampleRate:        16000,
			Channels:          1,
			StallTimeoutSec:   30,
			RestartBackoffSec: 1,
		},
		Segmenter: config.SegmenterConfig{
			ThresholdDB:   -50,
			LookbackMs:    1000,
			FrameSamples:  1024,
			RecordingsDir: t.TempDir(),
		},
	}
}

func newTestPipeline(t *testing.T, deps Deps) *Pipeline {
	t.Helper()
	if deps.Config.Segmenter.RecordingsDir == "" {
		deps.Config = testPipelineConfig(t)
	}
	if deps.Filter == nil {
		deps.Filter = filter.New(nil)
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Log == nil {
		deps.Log = discardLogger()
	}
	p, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// writeTempUtterance creates a WAV the consumer can process.
func writeTempUtterance(t *testing.T, dir string) item {
	t.Helper()
	f := audio.Format{SampleRate: 16000, Channels: 1}
	path := filepath.Join(dir, "utt_1.wav")
	if err := audio.WriteWAVFile(path, make([]byte, f.Bytes(time.Second)), f); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return item{
		Path:     path,
		Start:    time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
		Duration: 3 * time.Second,
	}
}

func TestHandle_AcceptedTranscript(t *testing.T) {
	gate := &fakeGate{res: quality.Transcription{
		Text:    "engine 12 respond to oak street",
		Model:   "whisper-1",
		Outcome: quality.OutcomeAccepted,
	}}
	st := &fakeStore{}
	pub := &fakePublisher{}
	p := newTestPipeline(t, Deps{Gate: gate, Store: st, Hub: pub})

	it := writeTempUtterance(t, p.deps.Config.Segmenter.RecordingsDir)
	p.handle(context.Background(), it)

	// The temp file was renamed to its timestamped final name.
	final := filepath.Join(p.deps.Config.Segmenter.RecordingsDir, "2026-08-31_12-00-00.wav")
	if _, err := os.Stat(final); err != nil {
		t.Errorf("final recording missing: %v", err)
	}
	if _, err := os.Stat(it.Path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp recording still present: %v", err)
	}

	if st.count() != 1 {
		t.Fatalf("inserted = %d, want 1", st.count())
	}
	got := st.inserted[0]
	if got.Text != "engine 12 respond to oak street" || got.Model != "whisper-1" {
		t.Errorf("stored transcript = %+v", got)
	}
	if got.AudioPath != final {
		t.Errorf("AudioPath = %q, want %q", got.AudioPath, final)
	}

	if len(pub.events) != 1 {
		t.Fatalf("published events = %d, want 1", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Text != got.Text || ev.ID != 1 || ev.Type != "transcript" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHandle_QualityDiscardRemovesFile(t *testing.T) {
	gate := &fakeGate{res: quality.Transcription{
		Outcome: quality.OutcomeQuality,
		Reason:  quality.ReasonRepetition,
	}}
	st := &fakeStore{}
	p := newTestPipeline(t, Deps{Gate: gate, Store: st})

	it := writeTempUtterance(t, p.deps.Config.Segmenter.RecordingsDir)
	p.handle(context.Background(), it)

	if _, err := os.Stat(it.Path); !errors.Is(err, os.ErrNotExist) {
		t.Error("discarded recording not deleted")
	}
	if st.count() != 0 {
		t.Errorf("discarded transcript persisted: %d rows", st.count())
	}
}

func TestHandle_FilteredTranscriptDropped(t *testing.T) {
	gate := &fakeGate{res: quality.Transcription{
		Text:    "save big with geico insurance today",
		Model:   "whisper-1",
		Outcome: quality.OutcomeAccepted,
	}}
	st := &fakeStore{}
	pub := &fakePublisher{}
	p := newTestPipeline(t, Deps{Gate: gate, Store: st, Hub: pub, Filter: filter.New([]string{"geico"})})

	it := writeTempUtterance(t, p.deps.Config.Segmenter.RecordingsDir)
	p.handle(context.Background(), it)

	if _, err := os.Stat(it.Path); !errors.Is(err, os.ErrNotExist) {
		t.Error("filtered recording not deleted")
	}
	if st.count() != 0 || len(pub.events) != 0 {
		t.Error("filtered transcript reached delivery sinks")
	}
}

func TestHandle_GateErrorSkipsUtterance(t *testing.T) {
	gate := &fakeGate{err: errors.New("api down")}
	st := &fakeStore{}
	p := newTestPipeline(t, Deps{Gate: gate, Store: st})

	it := writeTempUtterance(t, p.deps.Config.Segmenter.RecordingsDir)
	p.handle(context.Background(), it)

	if _, err := os.Stat(it.Path); !errors.Is(err, os.ErrNotExist) {
		t.Error("failed utterance's recording not deleted")
	}
	if st.count() != 0 {
		t.Error("failed utterance persisted")
	}
}

func TestHandle_PriorityMatchNotifies(t *testing.T) {
	gate := &fakeGate{res: quality.Transcription{
		Text:    "confirmed structure fire with entrapment",
		Model:   "whisper-1",
		Outcome: quality.OutcomeAccepted,
	}}
	st := &fakeStore{}
	notifier := &fakeNotifier{enabled: true}
	matcher := notify.NewMatcher(config.NotifyConfig{
		Patterns:       []string{"structure fire"},
		FuzzyThreshold: 0.92,
	}, discardLogger())
	p := newTestPipeline(t, Deps{Gate: gate, Store: st, Notifier: notifier, Matcher: matcher})

	it := writeTempUtterance(t, p.deps.Config.Segmenter.RecordingsDir)
	p.handle(context.Background(), it)

	if len(notifier.messages) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.messages))
	}
	if len(st.notified) != 1 || st.notified[0] != 1 {
		t.Errorf("notified ids = %v, want [1]", st.notified)
	}
}

func TestHandle_RoutineTrafficDoesNotNotify(t *testing.T) {
	gate := &fakeGate{res: quality.Transcription{
		Text:    "medic 3 returning to quarters",
		Model:   "whisper-1",
		Outcome: quality.OutcomeAccepted,
	}}
	notifier := &fakeNotifier{enabled: true}
	matcher := notify.NewMatcher(config.NotifyConfig{
		Patterns:       []string{"structure fire"},
		FuzzyThreshold: 0.92,
	}, discardLogger())
	p := newTestPipeline(t, Deps{Gate: gate, Notifier: notifier, Matcher: matcher})

	it := writeTempUtterance(t, p.deps.Config.Segmenter.RecordingsDir)
	p.handle(context.Background(), it)

	if len(notifier.messages) != 0 {
		t.Errorf("routine traffic notified: %v", notifier.messages)
	}
}

// TestRun_EndToEnd drives the whole pipeline with a fake capture binary
// that plays back a prepared PCM stream containing one utterance.
func TestRun_EndToEnd(t *testing.T) {
	f := audio.Format{SampleRate: 16000, Channels: 1}

	// 1.5 s silence, 1 s tone, 1.5 s silence: the trailing silence exceeds
	// the look-back window, so the utterance finalizes before EOF.
	pcm := make([]byte, 0, f.Bytes(4*time.Second))
	pcm = append(pcm, make([]byte, f.Bytes(1500*time.Millisecond))...)
	toneSamples := f.Bytes(time.Second) / 2
	for i := 0; i < toneSamples; i++ {
		s := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(f.SampleRate)))
		pcm = append(pcm, byte(s), byte(s>>8))
	}
	pcm = append(pcm, make([]byte, f.Bytes(1500*time.Millisecond))...)

	raw := filepath.Join(t.TempDir(), "stream.raw")
	if err := os.WriteFile(raw, pcm, 0o644); err != nil {
		t.Fatalf("write raw stream: %v", err)
	}
	bin := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\ncat "+raw+"\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	cfg := testPipelineConfig(t)
	cfg.Stream.FFmpegPath = bin

	gate := &fakeGate{res: quality.Transcription{
		Text:    "engine 12 on scene",
		Model:   "whisper-1",
		Outcome: quality.OutcomeAccepted,
	}}
	st := &fakeStore{}
	p := newTestPipeline(t, Deps{Config: cfg, Gate: gate, Store: st})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for st.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	if st.count() != 1 {
		t.Fatalf("stored transcripts = %d, want 1", st.count())
	}
	if st.inserted[0].Text != "engine 12 on scene" {
		t.Errorf("Text = %q", st.inserted[0].Text)
	}
	if p.LastRead().IsZero() {
		t.Error("LastRead still zero after capture ran")
	}
}
