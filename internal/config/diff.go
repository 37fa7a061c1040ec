package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LanguageChanged bool
	NewLanguage     string

	ChatChanged     bool
	NewModel        string
	NewSystemPrompt string
	NewCooldown     int

	PlaybackChanged bool
	NewPlayback     PlaybackConfig
}

// Any reports whether the diff contains any change at all.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.LanguageChanged || d.ChatChanged || d.PlaybackChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; credentials,
// transport and transcription settings require a new session.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Speech.Language != new.Speech.Language {
		d.LanguageChanged = true
		d.NewLanguage = new.Speech.Language
	}

	if old.Chat.Model != new.Chat.Model ||
		old.Chat.SystemPrompt != new.Chat.SystemPrompt ||
		old.Chat.CooldownSeconds != new.Chat.CooldownSeconds {
		d.ChatChanged = true
		d.NewModel = new.Chat.Model
		d.NewSystemPrompt = new.Chat.SystemPrompt
		d.NewCooldown = new.Chat.CooldownSeconds
	}

	if old.Playback != new.Playback {
		d.PlaybackChanged = true
		d.NewPlayback = new.Playback
	}

	return d
}
