package quality

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dispatchwire/dispatchwire/internal/config"
	"github.com/dispatchwire/dispatchwire/internal/splitter"
	"github.com/dispatchwire/dispatchwire/internal/transcribe"
)

// Outcome is the final disposition of one utterance.
type Outcome string

const (
	// OutcomeAccepted means the transcript passed the gate and should be
	// persisted and broadcast.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeNoSpeech means silence splitting found no usable chunks.
	OutcomeNoSpeech Outcome = "no_speech"

	// OutcomeEmpty means every chunk transcribed to an empty string.
	OutcomeEmpty Outcome = "empty"

	// OutcomeQuality means the transcript was still flagged after the
	// escalation protocol ran out of attempts.
	OutcomeQuality Outcome = "quality"
)

// Transcription is the result of feeding one utterance through the gate.
type Transcription struct {
	// Text is the final transcript. Empty unless Outcome is OutcomeAccepted.
	Text string

	// Model is the model that produced the accepted text.
	Model string

	// Outcome tells the caller whether to keep or discard the utterance.
	Outcome Outcome

	// Reason is the heuristic that caused a quality discard.
	Reason Reason

	// Escalated is true when the accepted text came from the alternate
	// model rather than the first pass.
	Escalated bool

	// Speech is the summed duration of the nonsilent chunks.
	Speech time.Duration

	// Chunks is the number of chunks that were transcribed.
	Chunks int
}

// Transcriber is the remote transcription dependency of the Controller.
// *transcribe.Gateway satisfies it; tests substitute a scripted fake.
type Transcriber interface {
	Transcribe(ctx context.Context, path string, dur time.Duration, pass transcribe.Pass) (transcribe.Result, error)
}

// Controller runs the full per-utterance protocol: silence-split, transcribe
// every chunk, evaluate the combined transcript, and escalate flagged
// utterances through at most two more passes on the alternate model.
type Controller struct {
	gw       Transcriber
	splitCfg config.SplitterConfig
	checker  *Checker
	cfg      config.QualityConfig
	workDir  string
	log      *slog.Logger
}

// NewController constructs a Controller. workDir holds the transient chunk
// files; each pass gets its own subdirectory that is removed afterwards.
func NewController(gw Transcriber, splitCfg config.SplitterConfig, qcfg config.QualityConfig, workDir string, log *slog.Logger) *Controller {
	return &Controller{
		gw:       gw,
		splitCfg: splitCfg,
		checker:  NewChecker(qcfg),
		cfg:      qcfg,
		workDir:  workDir,
		log:      log,
	}
}

// Process transcribes the utterance WAV at path. dur is the full utterance
// duration including the silence padding; the heuristics rate against it and
// it decides whether a still-flagged utterance earns the final no-hint
// attempt. Chunks whose remote call fails after retries are omitted from the
// transcript; a non-nil error means the utterance itself could not be split.
func (c *Controller) Process(ctx context.Context, path string, dur time.Duration) (Transcription, error) {
	first, err := c.runPass(ctx, path, c.splitCfg.Primary, transcribe.PassPrimary)
	if err != nil {
		return Transcription{}, err
	}
	if t, done := c.settle(first, false); done {
		return t, nil
	}
	reason := c.evaluate(first, dur)
	if reason == ReasonNone {
		return accepted(first, false), nil
	}
	c.log.Info("transcript flagged, escalating",
		"reason", string(reason), "utterance_duration", dur,
		"text_words", len(strings.Fields(first.text)), "discarded_text", first.text)

	// First escalation: fresh split parameters, alternate model with hint.
	second, err := c.runPass(ctx, path, c.splitCfg.Escalation, transcribe.PassAlternate)
	if err != nil {
		return Transcription{}, err
	}
	if t, done := c.settle(second, true); done {
		return t, nil
	}
	reason = c.evaluate(second, dur)
	if reason == ReasonNone {
		return accepted(second, true), nil
	}

	// Short utterances are not worth a third remote call.
	if dur < c.cfg.MinEscalation() {
		c.log.Info("flagged utterance too short for final attempt, discarding",
			"reason", string(reason), "utterance_duration", dur)
		return discarded(second, reason), nil
	}

	// Last chance: same split, alternate model, no hint. If the model still
	// produces a flagged transcript with nothing to echo, the audio is noise.
	third, err := c.runPass(ctx, path, c.splitCfg.Escalation, transcribe.PassBare)
	if err != nil {
		return Transcription{}, err
	}
	if t, done := c.settle(third, true); done {
		return t, nil
	}
	if reason = c.evaluate(third, dur); reason != ReasonNone {
		c.log.Info("transcript still flagged after final attempt, discarding", "reason", string(reason))
		return discarded(third, reason), nil
	}
	return accepted(third, true), nil
}

// passResult accumulates one split-and-transcribe pass over an utterance.
type passResult struct {
	text   string
	model  string
	hints  []string
	speech time.Duration
	chunks int
}

func (c *Controller) runPass(ctx context.Context, path string, sp config.SplitterParams, pass transcribe.Pass) (passResult, error) {
	dir, err := os.MkdirTemp(c.workDir, "chunks-")
	if err != nil {
		return passResult{}, fmt.Errorf("quality: chunk dir: %w", err)
	}
	defer os.RemoveAll(dir)

	chunks, err := splitter.Split(path, dir, splitter.Params{
		MinSilence:  sp.MinSilence(),
		ThresholdDB: sp.ThresholdDB,
		MinChunk:    c.splitCfg.MinChunk(),
	})
	if err != nil {
		return passResult{}, fmt.Errorf("quality: split: %w", err)
	}

	pr := passResult{chunks: len(chunks)}
	var parts []string
	seen := make(map[string]bool)
	for _, ch := range chunks {
		pr.speech += ch.Duration
		res, err := c.gw.Transcribe(ctx, ch.Path, ch.Duration, pass)
		if err != nil {
			if ctx.Err() != nil {
				return passResult{}, ctx.Err()
			}
			// A chunk lost to the API is dropped from the concatenation;
			// the rest of the utterance still goes through.
			c.log.Warn("chunk transcription failed, omitting",
				"chunk", ch.Path, "chunk_duration", ch.Duration, "error", err)
			continue
		}
		pr.model = res.Model
		if res.Text != "" {
			parts = append(parts, res.Text)
		}
		if res.Hint != "" && !seen[res.Hint] {
			seen[res.Hint] = true
			pr.hints = append(pr.hints, res.Hint)
		}
	}
	pr.text = strings.Join(parts, " ")
	return pr, nil
}

// settle handles the two dispositions that end a pass without heuristics:
// nothing to transcribe and nothing transcribed.
func (c *Controller) settle(pr passResult, escalated bool) (Transcription, bool) {
	if pr.chunks == 0 {
		return Transcription{Outcome: OutcomeNoSpeech, Escalated: escalated}, true
	}
	if pr.text == "" {
		return Transcription{Outcome: OutcomeEmpty, Escalated: escalated, Speech: pr.speech, Chunks: pr.chunks}, true
	}
	return Transcription{}, false
}

// evaluate rates the pass against dur, the full utterance duration, so the
// silence padding counts toward the speaking time the way it does on air.
func (c *Controller) evaluate(pr passResult, dur time.Duration) Reason {
	if c.checker.SpeedAnomaly(pr.text, dur) {
		return ReasonSpeed
	}
	if c.checker.RepeatedPhrase(pr.text) {
		return ReasonRepetition
	}
	for _, hint := range pr.hints {
		if c.checker.PromptEcho(pr.text, hint) {
			return ReasonPromptEcho
		}
	}
	return ReasonNone
}

func accepted(pr passResult, escalated bool) Transcription {
	return Transcription{
		Text:      pr.text,
		Model:     pr.model,
		Outcome:   OutcomeAccepted,
		Escalated: escalated,
		Speech:    pr.speech,
		Chunks:    pr.chunks,
	}
}

func discarded(pr passResult, reason Reason) Transcription {
	return Transcription{
		Model:     pr.model,
		Outcome:   OutcomeQuality,
		Reason:    reason,
		Escalated: true,
		Speech:    pr.speech,
		Chunks:    pr.chunks,
	}
}
