// Package quality implements the transcript quality gate.
//
// Remote transcription models hallucinate on noisy radio audio in three
// recognisable ways: implausibly fast speech (many words crammed into a short
// chunk), a single phrase looping over and over, and the priming hint echoed
// back verbatim. The Checker detects all three; the Controller drives the
// bounded escalation protocol that gives a flagged utterance two more chances
// on the alternate model before discarding it.
package quality

import (
	"strings"
	"time"
	"unicode"

	"github.com/dispatchwire/dispatchwire/internal/config"
)

// Reason identifies which heuristic flagged a transcript. The empty value
// means the transcript passed.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonSpeed      Reason = "speed"
	ReasonRepetition Reason = "repetition"
	ReasonPromptEcho Reason = "prompt_echo"
)

// Checker applies the hallucination heuristics with configured thresholds.
type Checker struct {
	cfg config.QualityConfig
}

// NewChecker constructs a Checker.
func NewChecker(cfg config.QualityConfig) *Checker {
	return &Checker{cfg: cfg}
}

// Evaluate runs all heuristics in a fixed order and returns the first one
// that fires. dur is the speech duration the transcript covers; hint is the
// prompt the transcription request was primed with, empty when none was sent.
func (c *Checker) Evaluate(text, hint string, dur time.Duration) Reason {
	if c.SpeedAnomaly(text, dur) {
		return ReasonSpeed
	}
	if c.RepeatedPhrase(text) {
		return ReasonRepetition
	}
	if c.PromptEcho(text, hint) {
		return ReasonPromptEcho
	}
	return ReasonNone
}

// SpeedAnomaly reports whether text packs words faster than a human can
// speak. Transcripts below the minimum word count never trigger: a handful
// of words in a clipped chunk produces absurd rates that mean nothing.
func (c *Checker) SpeedAnomaly(text string, dur time.Duration) bool {
	words := len(strings.Fields(text))
	if words < c.cfg.SpeedMinWords {
		return false
	}
	secs := dur.Seconds()
	if secs <= 0 {
		return false
	}
	return float64(words)/secs > c.cfg.MaxWordsPerSecond
}

// RepeatedPhrase reports whether a single n-gram covers a large fraction of
// the transcript. Looping phrases are the classic whisper failure mode on
// carrier hum and mobile-radio static.
func (c *Checker) RepeatedPhrase(text string) bool {
	tokens := strings.Fields(normalize(text))
	if len(tokens) == 0 {
		return false
	}
	for n := c.cfg.NGramMin; n <= c.cfg.NGramMax && n <= len(tokens); n++ {
		counts := make(map[string]int)
		for i := 0; i+n <= len(tokens); i++ {
			counts[strings.Join(tokens[i:i+n], " ")]++
		}
		for _, count := range counts {
			if count < 2 {
				continue
			}
			coverage := float64(count*n) / float64(len(tokens))
			if coverage >= c.cfg.HallucinationCoverage {
				return true
			}
		}
	}
	return false
}

// PromptEcho reports whether a long run of the transcript appears verbatim
// in the priming hint. Both sides are normalised first so that casing and
// punctuation differences do not hide an echo.
func (c *Checker) PromptEcho(text, hint string) bool {
	if hint == "" {
		return false
	}
	normText := []rune(normalize(text))
	normHint := normalize(hint)
	run := c.cfg.EchoMinRun
	if len(normText) < run || len([]rune(normHint)) < run {
		return false
	}
	for i := 0; i+run <= len(normText); i++ {
		if strings.Contains(normHint, string(normText[i:i+run])) {
			return true
		}
	}
	return false
}

// normalize lowercases s, strips everything that is not a letter, digit or
// space, and collapses whitespace runs to single spaces.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}
