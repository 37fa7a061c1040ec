// Package config provides the configuration schema, loader, and file watcher
// for the Parley voice conversation bot.
package config

import "time"

// LogLevel controls log verbosity for the Parley process.
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

// TranscriptKind selects which transcript messages drive conversation turns.
type TranscriptKind string

const (
	TranscriptFinal   TranscriptKind = "final"
	TranscriptPartial TranscriptKind = "partial"
)

// IsValid reports whether k is a recognised transcript kind.
func (k TranscriptKind) IsValid() bool {
	return k == TranscriptFinal || k == TranscriptPartial
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Discord       DiscordConfig       `yaml:"discord"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Chat          ChatConfig          `yaml:"chat"`
	Speech        SpeechConfig        `yaml:"speech"`
	Playback      PlaybackConfig      `yaml:"playback"`
}

// ServerConfig holds logging and observability settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Defaults to "info".
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving the Prometheus scrape endpoint
	// (e.g., ":9090"). Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DiscordConfig holds Discord gateway credentials and scoping.
type DiscordConfig struct {
	// Token is the bot token. Falls back to the PARLEY_DISCORD_TOKEN
	// environment variable when empty.
	Token string `yaml:"token"`

	// GuildID restricts slash-command registration to one guild. Empty
	// registers commands globally.
	GuildID string `yaml:"guild_id"`
}

// TranscriptionConfig holds the speech-to-text service settings.
type TranscriptionConfig struct {
	// APIKey authenticates against the transcription service. Falls back to
	// the PARLEY_ASSEMBLYAI_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// Endpoint overrides the service WebSocket endpoint. Empty uses the
	// service default.
	Endpoint string `yaml:"endpoint"`

	// SampleRate is the rate, in Hz, of the audio sent for transcription.
	// Must be a multiple of 1000. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// Transcript selects which transcript kind drives conversation turns.
	// Defaults to "final".
	Transcript TranscriptKind `yaml:"transcript"`

	// MinChunkMillis, MaxChunkMillis and UsableMinMillis override the chunk
	// duration window. Zero values keep the service defaults.
	MinChunkMillis  int `yaml:"min_chunk_millis"`
	MaxChunkMillis  int `yaml:"max_chunk_millis"`
	UsableMinMillis int `yaml:"usable_min_millis"`
}

// ChatConfig holds the conversational AI client settings.
type ChatConfig struct {
	// APIKey authenticates against the AI backend. Falls back to the
	// PARLEY_OPENAI_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// Model selects the chat model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// SystemPrompt is prepended to every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// CooldownSeconds is the wait between retries after a rate-limited ask.
	// Zero keeps the default of 60 seconds.
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// SpeechConfig holds speech synthesis settings.
type SpeechConfig struct {
	// Language is the synthesis language code (e.g., "en", "de"). Defaults
	// to "en".
	Language string `yaml:"language"`

	// FFmpegPath overrides the ffmpeg binary used to decode synthesized
	// clips. Empty resolves "ffmpeg" from PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// PlaybackConfig holds playback queue settings.
type PlaybackConfig struct {
	// QueueSize bounds the track queue; the oldest entry is evicted when
	// full. Zero means unbounded.
	QueueSize int `yaml:"queue_size"`

	// IdleTimeoutSeconds is how long the playback loop waits for a new track
	// before tearing the session down. Zero means wait indefinitely.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// RecoveryTimeoutSeconds is the idle timeout installed after the first
	// idle expiry. Zero keeps the default of 120 seconds.
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
}

// Cooldown returns the chat retry cooldown as a duration.
func (c ChatConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// IdleTimeout returns the playback idle timeout as a duration.
func (p PlaybackConfig) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSeconds) * time.Second
}

// RecoveryTimeout returns the playback recovery timeout as a duration.
func (p PlaybackConfig) RecoveryTimeout() time.Duration {
	return time.Duration(p.RecoveryTimeoutSeconds) * time.Second
}
