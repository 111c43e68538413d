package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dispatchwire/dispatchwire/internal/config"
)

// defaultEndpoint is the Pushover message API.
const defaultEndpoint = "https://api.pushover.net/1/messages.json"

// Notifier delivers push notifications with a global cooldown. It is safe
// for concurrent use.
type Notifier struct {
	token    string
	user     string
	cooldown time.Duration
	endpoint string
	hc       *http.Client
	log      *slog.Logger

	mu   sync.Mutex
	last time.Time
}

// Option is a functional option for the Notifier.
type Option func(*Notifier)

// WithEndpoint overrides the Pushover API URL.
func WithEndpoint(u string) Option {
	return func(n *Notifier) {
		n.endpoint = u
	}
}

// WithHTTPClient overrides the HTTP client used for delivery.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Notifier) {
		n.hc = hc
	}
}

// NewNotifier constructs a Notifier. With no token and user configured it is
// disabled and every Notify call is a silent no-op.
func NewNotifier(cfg config.NotifyConfig, log *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		token:    cfg.PushoverToken,
		user:     cfg.PushoverUser,
		cooldown: cfg.Cooldown(),
		endpoint: defaultEndpoint,
		hc:       &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Enabled reports whether delivery credentials are configured.
func (n *Notifier) Enabled() bool {
	return n.token != "" && n.user != ""
}

// Notify sends one push message and returns the Pushover HTTP status code.
// Calls while disabled or inside the cooldown window are dropped without
// error and return code 0, so a long incident does not flood the recipient.
func (n *Notifier) Notify(ctx context.Context, title, message string) (int, error) {
	if !n.Enabled() {
		return 0, nil
	}

	n.mu.Lock()
	if since := time.Since(n.last); n.last != (time.Time{}) && since < n.cooldown {
		n.mu.Unlock()
		n.log.Debug("notification suppressed by cooldown", "since_last", since)
		return 0, nil
	}
	n.last = time.Now()
	n.mu.Unlock()

	form := url.Values{
		"token":   {n.token},
		"user":    {n.user},
		"title":   {title},
		"message": {message},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("notify: pushover returned status %d", resp.StatusCode)
	}
	n.log.Info("notification sent", "title", title)
	return resp.StatusCode, nil
}
