package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordUtterance(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUtterance(ctx, 3500*time.Millisecond)
	m.RecordUtterance(ctx, 800*time.Millisecond)

	rm := collect(t, reader)

	count := findMetric(rm, "dispatchwire.utterances")
	if count == nil {
		t.Fatal("utterances counter not found")
	}
	sum, ok := count.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatalf("utterances data = %#v", count.Data)
	}
	if sum.DataPoints[0].Value != 2 {
		t.Errorf("utterances = %d, want 2", sum.DataPoints[0].Value)
	}

	durs := findMetric(rm, "dispatchwire.utterance.duration")
	if durs == nil {
		t.Fatal("utterance duration histogram not found")
	}
	hist, ok := durs.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("duration data = %#v", durs.Data)
	}
	if hist.DataPoints[0].Count != 2 {
		t.Errorf("duration observations = %d, want 2", hist.DataPoints[0].Count)
	}
}

func TestRecordGateOutcome_Attributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGateOutcome(ctx, "accepted", "")
	m.RecordGateOutcome(ctx, "quality", "repetition")
	m.RecordGateOutcome(ctx, "quality", "repetition")

	rm := collect(t, reader)
	met := findMetric(rm, "dispatchwire.gate.outcomes")
	if met == nil {
		t.Fatal("gate outcomes counter not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data = %#v", met.Data)
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("attribute sets = %d, want 2", len(sum.DataPoints))
	}
	for _, dp := range sum.DataPoints {
		outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
		switch outcome.AsString() {
		case "accepted":
			if dp.Value != 1 {
				t.Errorf("accepted = %d, want 1", dp.Value)
			}
		case "quality":
			if dp.Value != 2 {
				t.Errorf("quality = %d, want 2", dp.Value)
			}
			reason, _ := dp.Attributes.Value(attribute.Key("reason"))
			if reason.AsString() != "repetition" {
				t.Errorf("reason = %q", reason.AsString())
			}
		default:
			t.Errorf("unexpected outcome %q", outcome.AsString())
		}
	}
}

func TestRecordTranscription_ByModel(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscription(ctx, "whisper-1", 1200*time.Millisecond)
	m.RecordTranscriptionError(ctx, "gpt-4o-transcribe")

	rm := collect(t, reader)

	durs := findMetric(rm, "dispatchwire.transcription.duration")
	if durs == nil {
		t.Fatal("transcription duration histogram not found")
	}
	hist := durs.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("datapoints = %d", len(hist.DataPoints))
	}
	model, _ := hist.DataPoints[0].Attributes.Value(attribute.Key("model"))
	if model.AsString() != "whisper-1" {
		t.Errorf("model = %q", model.AsString())
	}

	errs := findMetric(rm, "dispatchwire.transcription.errors")
	if errs == nil {
		t.Fatal("transcription errors counter not found")
	}
	sum := errs.Data.(metricdata.Sum[int64])
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("errors = %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestQueueDepth_UpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.QueueDepth.Add(ctx, 1)
	m.QueueDepth.Add(ctx, 1)
	m.QueueDepth.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "dispatchwire.queue.depth")
	if met == nil {
		t.Fatal("queue depth gauge not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("queue depth = %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
