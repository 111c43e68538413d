// Package observe provides application-wide observability primitives for
// dispatchwire: OpenTelemetry metrics and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dispatchwire
// metrics.
const meterName = "github.com/dispatchwire/dispatchwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// UtteranceDuration tracks the length of detected utterances in seconds.
	UtteranceDuration metric.Float64Histogram

	// TranscriptionDuration tracks remote transcription latency. Use with
	// attribute.String("model", ...).
	TranscriptionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts utterances emitted by the segmenter.
	Utterances metric.Int64Counter

	// GateOutcomes counts per-utterance gate dispositions. Use with
	// attributes: attribute.String("outcome", ...), attribute.String("reason", ...).
	GateOutcomes metric.Int64Counter

	// Escalations counts alternate-model passes. Use with
	// attribute.String("pass", ...).
	Escalations metric.Int64Counter

	// TranscriptionErrors counts failed transcription calls after retries.
	// Use with attribute.String("model", ...).
	TranscriptionErrors metric.Int64Counter

	// StreamBytes counts raw PCM bytes read from the capture process.
	StreamBytes metric.Int64Counter

	// StreamRestarts counts capture process restarts.
	StreamRestarts metric.Int64Counter

	// NotificationsSent counts delivered push notifications.
	NotificationsSent metric.Int64Counter

	// FilteredTranscripts counts transcripts dropped as stream filler.
	FilteredTranscripts metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks utterances waiting for transcription.
	QueueDepth metric.Int64UpDownCounter

	// Subscribers tracks connected WebSocket clients.
	Subscribers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Utterances
// run from under a second to around a minute; API calls sit in the low
// seconds.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.UtteranceDuration, err = m.Float64Histogram("dispatchwire.utterance.duration",
		metric.WithDescription("Duration of detected utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("dispatchwire.transcription.duration",
		metric.WithDescription("Latency of remote transcription calls by model."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("dispatchwire.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("dispatchwire.utterances",
		metric.WithDescription("Total utterances emitted by the segmenter."),
	); err != nil {
		return nil, err
	}
	if met.GateOutcomes, err = m.Int64Counter("dispatchwire.gate.outcomes",
		metric.WithDescription("Per-utterance quality gate dispositions by outcome and reason."),
	); err != nil {
		return nil, err
	}
	if met.Escalations, err = m.Int64Counter("dispatchwire.gate.escalations",
		metric.WithDescription("Alternate-model transcription passes by pass kind."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionErrors, err = m.Int64Counter("dispatchwire.transcription.errors",
		metric.WithDescription("Transcription calls failed after retries, by model."),
	); err != nil {
		return nil, err
	}
	if met.StreamBytes, err = m.Int64Counter("dispatchwire.stream.bytes",
		metric.WithDescription("Raw PCM bytes read from the capture process."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.StreamRestarts, err = m.Int64Counter("dispatchwire.stream.restarts",
		metric.WithDescription("Capture process restarts."),
	); err != nil {
		return nil, err
	}
	if met.NotificationsSent, err = m.Int64Counter("dispatchwire.notifications.sent",
		metric.WithDescription("Delivered push notifications."),
	); err != nil {
		return nil, err
	}
	if met.FilteredTranscripts, err = m.Int64Counter("dispatchwire.filter.dropped",
		metric.WithDescription("Transcripts dropped as stream filler."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("dispatchwire.queue.depth",
		metric.WithDescription("Utterances waiting for transcription."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("dispatchwire.ws.subscribers",
		metric.WithDescription("Connected WebSocket subscribers."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordUtterance records one detected utterance and its duration.
func (m *Metrics) RecordUtterance(ctx context.Context, dur time.Duration) {
	m.Utterances.Add(ctx, 1)
	m.UtteranceDuration.Record(ctx, dur.Seconds())
}

// RecordGateOutcome records the final disposition of one utterance.
func (m *Metrics) RecordGateOutcome(ctx context.Context, outcome, reason string) {
	m.GateOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("reason", reason),
		),
	)
}

// RecordTranscription records the latency of one successful transcription
// call.
func (m *Metrics) RecordTranscription(ctx context.Context, model string, dur time.Duration) {
	m.TranscriptionDuration.Record(ctx, dur.Seconds(),
		metric.WithAttributes(attribute.String("model", model)),
	)
}

// RecordTranscriptionError records a transcription call that failed after
// all retries.
func (m *Metrics) RecordTranscriptionError(ctx context.Context, model string) {
	m.TranscriptionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("model", model)),
	)
}
