// Package config provides the configuration schema and loader for the
// dispatchwire transcription pipeline.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is loaded from a YAML file
// using [Load] or [LoadFromReader] and validated eagerly: every component
// receives a fully-populated sub-struct, never ambient global state.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Stream      StreamConfig      `yaml:"stream"`
	Segmenter   SegmenterConfig   `yaml:"segmenter"`
	Splitter    SplitterConfig    `yaml:"splitter"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Quality     QualityConfig     `yaml:"quality"`
	Storage     StorageConfig     `yaml:"storage"`
	Notify      NotifyConfig      `yaml:"notify"`
	Filter      FilterConfig      `yaml:"filter"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the HTTP endpoints
	// (/healthz, /readyz, /metrics, /ws). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`
}

// StreamConfig describes the upstream audio source.
type StreamConfig struct {
	// URL is the stream address handed to the capture process. Required.
	URL string `yaml:"url"`

	// SampleRate is the PCM sample rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the PCM channel count. Default: 1.
	Channels int `yaml:"channels"`

	// FFmpegPath is the capture binary. Default: "ffmpeg" (resolved via PATH).
	FFmpegPath string `yaml:"ffmpeg_path"`

	// StallTimeoutSec is how long the producer may go without reading a
	// single byte before the supervisor tears down and restarts the capture
	// process. Default: 30.
	StallTimeoutSec int `yaml:"stall_timeout_sec"`

	// RestartBackoffSec is the pause before relaunching a dead capture
	// process. Default: 5.
	RestartBackoffSec int `yaml:"restart_backoff_sec"`
}

// StallTimeout returns the stall detection window as a [time.Duration].
func (s StreamConfig) StallTimeout() time.Duration {
	return time.Duration(s.StallTimeoutSec) * time.Second
}

// RestartBackoff returns the capture restart pause as a [time.Duration].
func (s StreamConfig) RestartBackoff() time.Duration {
	return time.Duration(s.RestartBackoffSec) * time.Second
}

// SegmenterConfig tunes the streaming voice-activity detector.
type SegmenterConfig struct {
	// ThresholdDB is the energy threshold in dBFS above which a frame counts
	// as speech. Default: -50.
	ThresholdDB float64 `yaml:"threshold_db"`

	// LookbackMs is the look-back padding window in milliseconds. It sets
	// both the onset prefix recovered before the threshold crossing and the
	// trailing silence that closes an utterance. Default: 1000.
	LookbackMs int `yaml:"lookback_ms"`

	// FrameSamples is the read granularity in samples. Default: 1024.
	FrameSamples int `yaml:"frame_samples"`

	// RecordingsDir holds temp utterance files and accepted recordings.
	// Default: "recordings".
	RecordingsDir string `yaml:"recordings_dir"`
}

// Lookback returns the look-back window as a [time.Duration].
func (s SegmenterConfig) Lookback() time.Duration {
	return time.Duration(s.LookbackMs) * time.Millisecond
}

// SplitterParams are the silence-detection knobs for one splitting pass.
type SplitterParams struct {
	// MinSilenceMs is the minimum internal silence gap that separates two
	// chunks, in milliseconds.
	MinSilenceMs int `yaml:"min_silence_ms"`

	// ThresholdDB is the dBFS level below which a window counts as silent.
	ThresholdDB float64 `yaml:"threshold_db"`
}

// MinSilence returns the gap length as a [time.Duration].
func (p SplitterParams) MinSilence() time.Duration {
	return time.Duration(p.MinSilenceMs) * time.Millisecond
}

// SplitterConfig tunes silence-gap chunking. Primary applies to first-pass
// transcription; Escalation is the fresh parameter set used when the quality
// gate re-splits for the alternate model.
type SplitterConfig struct {
	Primary    SplitterParams `yaml:"primary"`
	Escalation SplitterParams `yaml:"escalation"`

	// MinChunkMs discards chunks shorter than this before transcription.
	// Default: 250.
	MinChunkMs int `yaml:"min_chunk_ms"`
}

// MinChunk returns the minimum chunk duration as a [time.Duration].
func (s SplitterConfig) MinChunk() time.Duration {
	return time.Duration(s.MinChunkMs) * time.Millisecond
}

// RetryConfig is a data-driven retry policy for remote calls.
type RetryConfig struct {
	// MaxAttempts caps the total number of tries. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelaySec is the pause before the first retry. Default: 1.
	InitialDelaySec float64 `yaml:"initial_delay_sec"`

	// BackoffFactor multiplies the delay after each failed attempt.
	// Default: 2.
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// InitialDelay returns the first retry pause as a [time.Duration].
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelaySec * float64(time.Second))
}

// TranscriberConfig configures the remote transcription gateway.
type TranscriberConfig struct {
	// APIKey authenticates against the OpenAI API. Required.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API endpoint. Leave empty for the default.
	BaseURL string `yaml:"base_url"`

	// PrimaryModel is the first-pass model. Default: "whisper-1".
	PrimaryModel string `yaml:"primary_model"`

	// AlternateModel handles escalations. Default: "gpt-4o-transcribe".
	AlternateModel string `yaml:"alternate_model"`

	// Temperature is the sampling temperature for transcription requests.
	// Default: 0.1.
	Temperature float64 `yaml:"temperature"`

	// ShortHint primes chunks shorter than ShortHintMaxMs. A long domain
	// hint anchors short utterances into hallucinated boilerplate, so short
	// chunks get this minimal hint instead.
	ShortHint string `yaml:"short_hint"`

	// Hint is the full domain vocabulary hint for the primary model.
	Hint string `yaml:"hint"`

	// AlternateHint is the domain hint for the alternate model. Falls back
	// to Hint when empty.
	AlternateHint string `yaml:"alternate_hint"`

	// ShortHintMaxMs is the chunk duration below which ShortHint is used.
	// Default: 2000.
	ShortHintMaxMs int `yaml:"short_hint_max_ms"`

	Retry RetryConfig `yaml:"retry"`
}

// ShortHintMax returns the short-hint duration boundary.
func (t TranscriberConfig) ShortHintMax() time.Duration {
	return time.Duration(t.ShortHintMaxMs) * time.Millisecond
}

// QualityConfig holds the heuristic thresholds of the transcript quality gate.
type QualityConfig struct {
	// MaxWordsPerSecond flags transcripts whose sustained rate exceeds this.
	// Default: 5.5.
	MaxWordsPerSecond float64 `yaml:"max_words_per_second"`

	// SpeedMinWords is the word count below which the speed check never
	// fires. Default: 20.
	SpeedMinWords int `yaml:"speed_min_words"`

	// HallucinationCoverage flags a transcript when one repeated n-gram
	// covers at least this fraction of its words. Default: 0.4.
	HallucinationCoverage float64 `yaml:"hallucination_coverage"`

	// NGramMin and NGramMax bound the phrase lengths examined by the
	// repeated-phrase detector. Defaults: 3 and 6.
	NGramMin int `yaml:"ngram_min"`
	NGramMax int `yaml:"ngram_max"`

	// EchoMinRun is the shortest transcript substring (in characters, after
	// normalisation) that counts as a prompt echo when found verbatim in the
	// priming hint. Default: 30.
	EchoMinRun int `yaml:"echo_min_run"`

	// MinEscalationMs: utterances shorter than this that are still flagged
	// after the first alternate-model pass are discarded outright instead of
	// earning the final no-hint attempt. Default: 1000.
	MinEscalationMs int `yaml:"min_escalation_ms"`
}

// MinEscalation returns the discard-short boundary as a [time.Duration].
func (q QualityConfig) MinEscalation() time.Duration {
	return time.Duration(q.MinEscalationMs) * time.Millisecond
}

// StorageConfig configures transcript persistence.
type StorageConfig struct {
	// PostgresDSN is the PostgreSQL connection string. Empty disables
	// persistence (transcripts are still logged and broadcast).
	PostgresDSN string `yaml:"postgres_dsn"`
}

// NotifyConfig configures the Pushover notifier and the priority matcher.
type NotifyConfig struct {
	// PushoverToken and PushoverUser authenticate against the Pushover
	// message API. Both empty disables notifications.
	PushoverToken string `yaml:"pushover_token"`
	PushoverUser  string `yaml:"pushover_user"`

	// CooldownSec is the minimum gap between notifications. Default: 600.
	CooldownSec int `yaml:"cooldown_sec"`

	// Patterns are case-insensitive regular expressions matched against
	// accepted transcripts. Invalid patterns are logged and skipped.
	Patterns []string `yaml:"patterns"`

	// FuzzyWords are plain words matched per-token with Jaro-Winkler
	// similarity, so radio-mangled proper nouns still alert.
	FuzzyWords []string `yaml:"fuzzy_words"`

	// FuzzyThreshold is the minimum similarity for a fuzzy word match.
	// Default: 0.92.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// Cooldown returns the notification cooldown as a [time.Duration].
func (n NotifyConfig) Cooldown() time.Duration {
	return time.Duration(n.CooldownSec) * time.Second
}

// FilterConfig lists substrings that mark a transcript as stream filler
// (advertisement reads, station idents). Matching transcripts are discarded
// before persistence.
type FilterConfig struct {
	Words []string `yaml:"words"`
}
