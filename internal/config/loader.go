package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the corresponding config field is
// empty, so secrets can stay out of the config file.
const (
	EnvDiscordToken     = "PARLEY_DISCORD_TOKEN"
	EnvTranscriptionKey = "PARLEY_ASSEMBLYAI_KEY"
	EnvChatKey          = "PARLEY_OPENAI_KEY"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies environment fallbacks
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills empty secret fields from the environment.
func applyEnv(cfg *Config) {
	if cfg.Discord.Token == "" {
		cfg.Discord.Token = os.Getenv(EnvDiscordToken)
	}
	if cfg.Transcription.APIKey == "" {
		cfg.Transcription.APIKey = os.Getenv(EnvTranscriptionKey)
	}
	if cfg.Chat.APIKey == "" {
		cfg.Chat.APIKey = os.Getenv(EnvChatKey)
	}
}

// applyDefaults fills zero-valued fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Transcription.SampleRate == 0 {
		cfg.Transcription.SampleRate = 16000
	}
	if cfg.Transcription.Transcript == "" {
		cfg.Transcription.Transcript = TranscriptFinal
	}
	if cfg.Speech.Language == "" {
		cfg.Speech.Language = "en"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Discord.Token == "" {
		errs = append(errs, fmt.Errorf("discord.token is required (or set %s)", EnvDiscordToken))
	}

	if cfg.Transcription.APIKey == "" {
		errs = append(errs, fmt.Errorf("transcription.api_key is required (or set %s)", EnvTranscriptionKey))
	}
	if cfg.Transcription.SampleRate <= 0 || cfg.Transcription.SampleRate%1000 != 0 {
		errs = append(errs, fmt.Errorf("transcription.sample_rate %d must be a positive multiple of 1000", cfg.Transcription.SampleRate))
	}
	if !cfg.Transcription.Transcript.IsValid() {
		errs = append(errs, fmt.Errorf("transcription.transcript %q is invalid; valid values: final, partial", cfg.Transcription.Transcript))
	}
	errs = append(errs, validateChunkWindow(cfg.Transcription)...)

	if cfg.Chat.APIKey == "" {
		errs = append(errs, fmt.Errorf("chat.api_key is required (or set %s)", EnvChatKey))
	}
	if cfg.Chat.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("chat.cooldown_seconds %d must not be negative", cfg.Chat.CooldownSeconds))
	}

	if cfg.Playback.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("playback.queue_size %d must not be negative", cfg.Playback.QueueSize))
	}
	if cfg.Playback.IdleTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("playback.idle_timeout_seconds %d must not be negative", cfg.Playback.IdleTimeoutSeconds))
	}
	if cfg.Playback.RecoveryTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("playback.recovery_timeout_seconds %d must not be negative", cfg.Playback.RecoveryTimeoutSeconds))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// validateChunkWindow checks the optional chunk duration overrides. The three
// values are overridden together or not at all.
func validateChunkWindow(tc TranscriptionConfig) []error {
	if tc.MinChunkMillis == 0 && tc.MaxChunkMillis == 0 && tc.UsableMinMillis == 0 {
		return nil
	}

	var errs []error
	if tc.MinChunkMillis <= 0 || tc.MaxChunkMillis <= 0 || tc.UsableMinMillis <= 0 {
		errs = append(errs, errors.New("transcription chunk window overrides must all be set together and positive"))
		return errs
	}
	if tc.MinChunkMillis >= tc.MaxChunkMillis {
		errs = append(errs, fmt.Errorf("transcription.min_chunk_millis %d must be below max_chunk_millis %d", tc.MinChunkMillis, tc.MaxChunkMillis))
	}
	if tc.UsableMinMillis < tc.MinChunkMillis || tc.UsableMinMillis >= tc.MaxChunkMillis {
		errs = append(errs, fmt.Errorf("transcription.usable_min_millis %d must lie within [min_chunk_millis, max_chunk_millis)", tc.UsableMinMillis))
	}
	return errs
}
