// Package filter drops stream filler before it reaches storage. Scanner
// feeds carry advertisement reads and station idents between dispatch
// traffic; a transcript containing any configured marker word is noise, not
// an incident.
package filter

import "strings"

// Filter matches transcripts against a list of case-insensitive marker
// substrings.
type Filter struct {
	words []string
}

// New builds a Filter from the configured marker words. Empty entries are
// ignored.
func New(words []string) *Filter {
	f := &Filter{}
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			f.words = append(f.words, w)
		}
	}
	return f
}

// Match returns the first marker word found in text, or "" when the
// transcript is clean.
func (f *Filter) Match(text string) string {
	lower := strings.ToLower(text)
	for _, w := range f.words {
		if strings.Contains(lower, w) {
			return w
		}
	}
	return ""
}
