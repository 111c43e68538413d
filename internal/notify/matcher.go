// Package notify raises push alerts for high-priority dispatch traffic.
//
// Matching runs two layers: regular expressions for structured patterns
// (box numbers, incident types) and per-token Jaro-Winkler similarity for
// plain words, so proper nouns mangled by radio compression still alert.
// Delivery goes through Pushover with a global cooldown to keep a busy
// incident from flooding a phone.
package notify

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/dispatchwire/dispatchwire/internal/config"
)

// Matcher decides whether an accepted transcript warrants a notification.
type Matcher struct {
	patterns  []*regexp.Regexp
	fuzzy     []string
	threshold float64
}

// NewMatcher compiles the configured patterns. Invalid expressions are
// logged and skipped rather than failing startup.
func NewMatcher(cfg config.NotifyConfig, log *slog.Logger) *Matcher {
	m := &Matcher{threshold: cfg.FuzzyThreshold}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			log.Warn("skipping invalid notify pattern", "pattern", p, "error", err)
			continue
		}
		m.patterns = append(m.patterns, re)
	}
	for _, w := range cfg.FuzzyWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			m.fuzzy = append(m.fuzzy, w)
		}
	}
	return m
}

// Match returns what matched within text. The boolean is false when the
// transcript is routine traffic.
func (m *Matcher) Match(text string) (string, bool) {
	for _, re := range m.patterns {
		if hit := re.FindString(text); hit != "" {
			return hit, true
		}
	}
	if len(m.fuzzy) == 0 {
		return "", false
	}
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,!?;:\"'")
		if token == "" {
			continue
		}
		for _, w := range m.fuzzy {
			if matchr.JaroWinkler(token, w, true) >= m.threshold {
				return w, true
			}
		}
	}
	return "", false
}
