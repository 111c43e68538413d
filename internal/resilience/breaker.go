package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerConfig holds tuning knobs for a [Breaker]. Zero-valued fields get
// sensible defaults.
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures before the breaker
	// opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before allowing a
	// probe call. Default: 30s.
	ResetTimeout time.Duration
}

// Breaker is a three-state circuit breaker. While open it rejects calls
// with [ErrBreakerOpen]; after the reset timeout a single probe is allowed
// through, and its outcome decides whether the breaker closes again.
//
// Safe for concurrent use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.Mutex
	open        bool
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewBreaker creates a [Breaker] from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
	}
}

// Execute runs fn unless the breaker is open. In the open state, once the
// reset timeout has elapsed, exactly one concurrent probe call is let
// through; success closes the breaker, failure re-opens it.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.open {
		if time.Since(b.lastFailure) < b.resetTimeout || b.probing {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probing = true
		slog.Info("breaker allowing probe call", "name", b.name)
	}
	wasProbe := b.probing
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if wasProbe {
		b.probing = false
	}

	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if wasProbe || b.failures >= b.maxFailures {
			if !b.open {
				slog.Warn("breaker opened", "name", b.name, "consecutive_failures", b.failures)
			}
			b.open = true
		}
		return err
	}

	if b.open {
		slog.Info("breaker closed after successful probe", "name", b.name)
	}
	b.open = false
	b.failures = 0
	return nil
}

// Open reports whether the breaker is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && time.Since(b.lastFailure) < b.resetTimeout
}
