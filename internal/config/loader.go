package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Stream.SampleRate == 0 {
		cfg.Stream.SampleRate = 16000
	}
	if cfg.Stream.Channels == 0 {
		cfg.Stream.Channels = 1
	}
	if cfg.Stream.FFmpegPath == "" {
		cfg.Stream.FFmpegPath = "ffmpeg"
	}
	if cfg.Stream.StallTimeoutSec == 0 {
		cfg.Stream.StallTimeoutSec = 30
	}
	if cfg.Stream.RestartBackoffSec == 0 {
		cfg.Stream.RestartBackoffSec = 5
	}

	if cfg.Segmenter.ThresholdDB == 0 {
		cfg.Segmenter.ThresholdDB = -50
	}
	if cfg.Segmenter.LookbackMs == 0 {
		cfg.Segmenter.LookbackMs = 1000
	}
	if cfg.Segmenter.FrameSamples == 0 {
		cfg.Segmenter.FrameSamples = 1024
	}
	if cfg.Segmenter.RecordingsDir == "" {
		cfg.Segmenter.RecordingsDir = "recordings"
	}

	if cfg.Splitter.Primary.MinSilenceMs == 0 {
		cfg.Splitter.Primary.MinSilenceMs = 500
	}
	if cfg.Splitter.Primary.ThresholdDB == 0 {
		cfg.Splitter.Primary.ThresholdDB = cfg.Segmenter.ThresholdDB
	}
	if cfg.Splitter.Escalation.MinSilenceMs == 0 {
		cfg.Splitter.Escalation.MinSilenceMs = 300
	}
	if cfg.Splitter.Escalation.ThresholdDB == 0 {
		cfg.Splitter.Escalation.ThresholdDB = cfg.Splitter.Primary.ThresholdDB
	}
	if cfg.Splitter.MinChunkMs == 0 {
		cfg.Splitter.MinChunkMs = 250
	}

	if cfg.Transcriber.PrimaryModel == "" {
		cfg.Transcriber.PrimaryModel = "whisper-1"
	}
	if cfg.Transcriber.AlternateModel == "" {
		cfg.Transcriber.AlternateModel = "gpt-4o-transcribe"
	}
	if cfg.Transcriber.Temperature == 0 {
		cfg.Transcriber.Temperature = 0.1
	}
	if cfg.Transcriber.ShortHintMaxMs == 0 {
		cfg.Transcriber.ShortHintMaxMs = 2000
	}
	if cfg.Transcriber.AlternateHint == "" {
		cfg.Transcriber.AlternateHint = cfg.Transcriber.Hint
	}
	if cfg.Transcriber.Retry.MaxAttempts == 0 {
		cfg.Transcriber.Retry.MaxAttempts = 3
	}
	if cfg.Transcriber.Retry.InitialDelaySec == 0 {
		cfg.Transcriber.Retry.InitialDelaySec = 1
	}
	if cfg.Transcriber.Retry.BackoffFactor == 0 {
		cfg.Transcriber.Retry.BackoffFactor = 2
	}

	if cfg.Quality.MaxWordsPerSecond == 0 {
		cfg.Quality.MaxWordsPerSecond = 5.5
	}
	if cfg.Quality.SpeedMinWords == 0 {
		cfg.Quality.SpeedMinWords = 20
	}
	if cfg.Quality.HallucinationCoverage == 0 {
		cfg.Quality.HallucinationCoverage = 0.4
	}
	if cfg.Quality.NGramMin == 0 {
		cfg.Quality.NGramMin = 3
	}
	if cfg.Quality.NGramMax == 0 {
		cfg.Quality.NGramMax = 6
	}
	if cfg.Quality.EchoMinRun == 0 {
		cfg.Quality.EchoMinRun = 30
	}
	if cfg.Quality.MinEscalationMs == 0 {
		cfg.Quality.MinEscalationMs = 1000
	}

	if cfg.Notify.CooldownSec == 0 {
		cfg.Notify.CooldownSec = 600
	}
	if cfg.Notify.FuzzyThreshold == 0 {
		cfg.Notify.FuzzyThreshold = 0.92
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found, so a broken config
// fails fast at startup with the full list.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Stream.URL == "" {
		errs = append(errs, errors.New("stream.url is required"))
	}
	if cfg.Stream.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("stream.sample_rate %d must be positive", cfg.Stream.SampleRate))
	}
	if cfg.Stream.Channels <= 0 {
		errs = append(errs, fmt.Errorf("stream.channels %d must be positive", cfg.Stream.Channels))
	}
	if cfg.Stream.StallTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("stream.stall_timeout_sec %d must not be negative", cfg.Stream.StallTimeoutSec))
	}

	if cfg.Segmenter.ThresholdDB > 0 {
		errs = append(errs, fmt.Errorf("segmenter.threshold_db %.1f must be negative (dBFS)", cfg.Segmenter.ThresholdDB))
	}
	if cfg.Segmenter.LookbackMs <= 0 {
		errs = append(errs, fmt.Errorf("segmenter.lookback_ms %d must be positive", cfg.Segmenter.LookbackMs))
	}
	if cfg.Segmenter.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("segmenter.frame_samples %d must be positive", cfg.Segmenter.FrameSamples))
	}

	for name, p := range map[string]SplitterParams{
		"splitter.primary":    cfg.Splitter.Primary,
		"splitter.escalation": cfg.Splitter.Escalation,
	} {
		if p.MinSilenceMs <= 0 {
			errs = append(errs, fmt.Errorf("%s.min_silence_ms %d must be positive", name, p.MinSilenceMs))
		}
		if p.ThresholdDB > 0 {
			errs = append(errs, fmt.Errorf("%s.threshold_db %.1f must be negative (dBFS)", name, p.ThresholdDB))
		}
	}

	if cfg.Transcriber.APIKey == "" {
		errs = append(errs, errors.New("transcriber.api_key is required"))
	}
	if cfg.Transcriber.Temperature < 0 || cfg.Transcriber.Temperature > 1 {
		errs = append(errs, fmt.Errorf("transcriber.temperature %.2f is out of range [0, 1]", cfg.Transcriber.Temperature))
	}
	if cfg.Transcriber.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("transcriber.retry.max_attempts %d must be at least 1", cfg.Transcriber.Retry.MaxAttempts))
	}
	if cfg.Transcriber.Retry.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("transcriber.retry.backoff_factor %.2f must be at least 1", cfg.Transcriber.Retry.BackoffFactor))
	}

	if cfg.Quality.HallucinationCoverage <= 0 || cfg.Quality.HallucinationCoverage > 1 {
		errs = append(errs, fmt.Errorf("quality.hallucination_coverage %.2f is out of range (0, 1]", cfg.Quality.HallucinationCoverage))
	}
	if cfg.Quality.NGramMin < 2 || cfg.Quality.NGramMax < cfg.Quality.NGramMin {
		errs = append(errs, fmt.Errorf("quality.ngram bounds [%d, %d] are invalid", cfg.Quality.NGramMin, cfg.Quality.NGramMax))
	}
	if cfg.Quality.EchoMinRun < 1 {
		errs = append(errs, fmt.Errorf("quality.echo_min_run %d must be positive", cfg.Quality.EchoMinRun))
	}

	if (cfg.Notify.PushoverToken == "") != (cfg.Notify.PushoverUser == "") {
		errs = append(errs, errors.New("notify.pushover_token and notify.pushover_user must be set together"))
	}
	for i, p := range cfg.Notify.Patterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			errs = append(errs, fmt.Errorf("notify.patterns[%d] %q is not a valid regexp: %v", i, p, err))
		}
	}
	if cfg.Notify.FuzzyThreshold < 0 || cfg.Notify.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("notify.fuzzy_threshold %.2f is out of range [0, 1]", cfg.Notify.FuzzyThreshold))
	}

	return errors.Join(errs...)
}
