// Command dispatchwire captures an emergency-dispatch radio stream, cuts it
// into utterances, transcribes them through OpenAI with a hallucination
// quality gate, and fans accepted transcripts out to PostgreSQL, WebSocket
// subscribers and Pushover.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dispatchwire/dispatchwire/internal/broadcast"
	"github.com/dispatchwire/dispatchwire/internal/config"
	"github.com/dispatchwire/dispatchwire/internal/filter"
	"github.com/dispatchwire/dispatchwire/internal/health"
	"github.com/dispatchwire/dispatchwire/internal/notify"
	"github.com/dispatchwire/dispatchwire/internal/observe"
	"github.com/dispatchwire/dispatchwire/internal/pipeline"
	"github.com/dispatchwire/dispatchwire/internal/quality"
	"github.com/dispatchwire/dispatchwire/internal/resilience"
	"github.com/dispatchwire/dispatchwire/internal/store"
	"github.com/dispatchwire/dispatchwire/internal/transcribe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dispatchwire: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dispatchwire: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("dispatchwire starting",
		"version", version,
		"config", *configPath,
		"stream", cfg.Stream.URL,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "dispatchwire",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Transcription gateway and quality gate ────────────────────────────────
	breaker := resilience.NewBreaker(resilience.BreakerConfig{Name: "openai"})
	gateway, err := transcribe.New(cfg.Transcriber, logger,
		transcribe.WithBreaker(breaker), transcribe.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to build transcription gateway", "err", err)
		return 1
	}
	gate := quality.NewController(gateway, cfg.Splitter, cfg.Quality, cfg.Segmenter.RecordingsDir, logger)

	// ── Storage (optional) ────────────────────────────────────────────────────
	var st *store.Store
	if cfg.Storage.PostgresDSN != "" {
		st, err = store.NewStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to PostgreSQL", "err", err)
			return 1
		}
		defer st.Close()
		slog.Info("transcript store ready")
	} else {
		slog.Warn("no postgres_dsn configured — transcripts are not persisted")
	}

	// ── Delivery sinks ────────────────────────────────────────────────────────
	hub := broadcast.NewHub(logger, broadcast.WithMetrics(metrics))
	notifier := notify.NewNotifier(cfg.Notify, logger)
	matcher := notify.NewMatcher(cfg.Notify, logger)
	if notifier.Enabled() {
		slog.Info("pushover notifications enabled",
			"patterns", len(cfg.Notify.Patterns), "fuzzy_words", len(cfg.Notify.FuzzyWords))
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	deps := pipeline.Deps{
		Config:   *cfg,
		Gate:     gate,
		Hub:      hub,
		Notifier: notifier,
		Matcher:  matcher,
		Filter:   filter.New(cfg.Filter.Words),
		Metrics:  metrics,
		Log:      logger,
	}
	if st != nil {
		deps.Store = st
	}
	pipe, err := pipeline.New(deps)
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		srv = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           buildHandler(cfg, metrics, st, hub, pipe),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server failed", "err", err)
				stop()
			}
		}()
	}

	slog.Info("pipeline running — press Ctrl+C to shut down")
	if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("pipeline error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	hub.Close()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// buildHandler assembles the HTTP mux: probes, metrics, the WebSocket feed
// and the transcript REST API.
func buildHandler(cfg *config.Config, metrics *observe.Metrics, st *store.Store, hub *broadcast.Hub, pipe *pipeline.Pipeline) http.Handler {
	checkers := []health.Checker{
		health.Stream(pipe.LastRead, 2*cfg.Stream.StallTimeout()),
	}
	if st != nil {
		checkers = append(checkers, health.Database(st))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", hub.HandleWS)
	if st != nil {
		mux.HandleFunc("GET /api/transcripts", handleRecent(st))
		mux.HandleFunc("GET /api/search", handleSearch(st))
	}
	return observe.Middleware(metrics)(mux)
}

// apiTranscript is the JSON shape of one transcript in API responses.
type apiTranscript struct {
	ID         int64     `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	Duration   float64   `json:"duration_sec"`
	Text       string    `json:"text"`
	Model      string    `json:"model"`
	Escalated  bool      `json:"escalated"`
	Notified   bool      `json:"notified"`
	Alert      string    `json:"alert,omitempty"`
}

func toAPI(ts []store.Transcript) []apiTranscript {
	out := make([]apiTranscript, 0, len(ts))
	for _, t := range ts {
		out = append(out, apiTranscript{
			ID:         t.ID,
			RecordedAt: t.RecordedAt,
			Duration:   t.Duration.Seconds(),
			Text:       t.Text,
			Model:      t.Model,
			Escalated:  t.Escalated,
			Notified:   t.Notified,
			Alert:      t.Alert,
		})
	}
	return out
}

func handleRecent(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryLimit(r, 50)
		ts, err := st.GetRecent(r.Context(), limit)
		if err != nil {
			slog.Error("listing transcripts failed", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, toAPI(ts))
	}
}

func handleSearch(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			http.Error(w, "missing query parameter q", http.StatusBadRequest)
			return
		}
		opts := store.SearchOpts{Limit: queryLimit(r, 50)}
		if raw := r.URL.Query().Get("from"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				http.Error(w, "invalid from timestamp, want RFC 3339", http.StatusBadRequest)
				return
			}
			opts.From = t
		}
		if raw := r.URL.Query().Get("to"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				http.Error(w, "invalid to timestamp, want RFC 3339", http.StatusBadRequest)
				return
			}
			opts.To = t
		}
		ts, err := st.Search(r.Context(), q, opts)
		if err != nil {
			slog.Error("searching transcripts failed", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, toAPI(ts))
	}
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 500 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "err", err)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
