// Package transcribe sends audio chunks to the OpenAI transcription API.
//
// The central abstraction is the Gateway: callers hand it a WAV file path plus
// the chunk duration and a Pass selecting the model/hint combination, and get
// back the transcript text together with the hint that was actually sent (the
// quality gate needs the hint to detect prompt echo). Hint selection is
// duration-aware: very short chunks are primed with a minimal hint because the
// full domain vocabulary anchors them into hallucinated boilerplate.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dispatchwire/dispatchwire/internal/config"
	"github.com/dispatchwire/dispatchwire/internal/observe"
	"github.com/dispatchwire/dispatchwire/internal/resilience"
)

// Pass selects the model and hint for one transcription attempt.
type Pass int

const (
	// PassPrimary uses the primary model with a duration-selected hint.
	PassPrimary Pass = iota

	// PassAlternate uses the alternate model with its domain hint.
	PassAlternate

	// PassBare uses the alternate model with no hint at all. This is the
	// last escalation step before a flagged utterance is discarded.
	PassBare
)

// String returns a short label for logging.
func (p Pass) String() string {
	switch p {
	case PassPrimary:
		return "primary"
	case PassAlternate:
		return "alternate"
	case PassBare:
		return "bare"
	}
	return fmt.Sprintf("pass(%d)", int(p))
}

// Result is the outcome of a single successful transcription call.
type Result struct {
	// Text is the transcript with surrounding whitespace trimmed.
	Text string

	// Model is the model that produced Text.
	Model string

	// Hint is the prompt that primed the request. Empty for PassBare.
	Hint string
}

// Gateway wraps the OpenAI audio transcription endpoint with retry and an
// optional circuit breaker. It is safe for concurrent use.
type Gateway struct {
	client  oai.Client
	cfg     config.TranscriberConfig
	retry   resilience.Policy
	breaker *resilience.Breaker
	metrics *observe.Metrics
	log     *slog.Logger
}

// Option is a functional option for the Gateway.
type Option func(*Gateway)

// WithBreaker guards every API call with the given circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(g *Gateway) {
		g.breaker = b
	}
}

// WithMetrics records per-call latency and failure counts by model.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *Gateway) {
		g.client = newClient(g.cfg, hc)
	}
}

// New constructs a Gateway from the transcriber configuration.
func New(cfg config.TranscriberConfig, log *slog.Logger, opts ...Option) (*Gateway, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("transcribe: api key must not be empty")
	}
	if cfg.PrimaryModel == "" || cfg.AlternateModel == "" {
		return nil, fmt.Errorf("transcribe: both models must be set")
	}

	g := &Gateway{
		client: newClient(cfg, nil),
		cfg:    cfg,
		retry: resilience.Policy{
			MaxAttempts:   cfg.Retry.MaxAttempts,
			InitialDelay:  cfg.Retry.InitialDelay(),
			BackoffFactor: cfg.Retry.BackoffFactor,
			Retryable:     IsTransient,
		},
		log: log,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

func newClient(cfg config.TranscriberConfig, hc *http.Client) oai.Client {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if hc != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(hc))
	}
	return oai.NewClient(reqOpts...)
}

// Transcribe sends the WAV file at path to the API and returns the transcript.
// dur is the chunk duration used for hint selection; pass picks the
// model/hint combination. Transient failures are retried per the configured
// policy, each attempt reopening the file from the start.
func (g *Gateway) Transcribe(ctx context.Context, path string, dur time.Duration, pass Pass) (Result, error) {
	model, hint := g.selectModelHint(dur, pass)

	start := time.Now()
	text, err := resilience.DoWithResult(ctx, g.retry, "transcribe "+model, func(ctx context.Context) (string, error) {
		if g.breaker != nil {
			var out string
			err := g.breaker.Execute(func() error {
				var callErr error
				out, callErr = g.call(ctx, path, model, hint)
				return callErr
			})
			return out, err
		}
		return g.call(ctx, path, model, hint)
	})
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordTranscriptionError(ctx, model)
		}
		return Result{}, err
	}
	if g.metrics != nil {
		g.metrics.RecordTranscription(ctx, model, time.Since(start))
	}

	g.log.Debug("chunk transcribed",
		"model", model,
		"pass", pass.String(),
		"chunk_duration", dur,
		"latency", time.Since(start),
		"words", len(strings.Fields(text)))
	return Result{Text: text, Model: model, Hint: hint}, nil
}

func (g *Gateway) selectModelHint(dur time.Duration, pass Pass) (model, hint string) {
	switch pass {
	case PassAlternate:
		return g.cfg.AlternateModel, g.cfg.AlternateHint
	case PassBare:
		return g.cfg.AlternateModel, ""
	}
	hint = g.cfg.Hint
	if dur < g.cfg.ShortHintMax() {
		hint = g.cfg.ShortHint
	}
	return g.cfg.PrimaryModel, hint
}

func (g *Gateway) call(ctx context.Context, path, model, hint string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("transcribe: open chunk: %w", err)
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		Model:       oai.AudioModel(model),
		File:        f,
		Temperature: oai.Float(g.cfg.Temperature),
	}
	if hint != "" {
		params.Prompt = oai.String(hint)
	}

	resp, err := g.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribe: %s: %w", model, err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// IsTransient reports whether err is worth retrying: API responses with
// status 408, 429 or any 5xx, and transport-level network failures. An open
// circuit breaker is never transient so the retry loop fails fast.
func IsTransient(err error) bool {
	if errors.Is(err, resilience.ErrBreakerOpen) {
		return false
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		return apiErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
