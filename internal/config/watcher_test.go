package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, logLevel string) {
	t.Helper()
	content := `
server:
  log_level: ` + logLevel + `
discord:
  token: tok
transcription:
  api_key: stt
chat:
  api_key: chat
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfigFile(t, path, "warn")

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != LogWarn {
		t.Errorf("initial log level = %q, want warn", got)
	}
}

func TestWatcher_InvalidInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: nonsense\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfigFile(t, path, "info")

	var changes atomic.Int32
	w, err := NewWatcher(path, func(old, new *Config) {
		if old.Server.LogLevel == LogInfo && new.Server.LogLevel == LogDebug {
			changes.Add(1)
		}
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Ensure a different mtime even on coarse-grained filesystems.
	time.Sleep(20 * time.Millisecond)
	writeConfigFile(t, path, "debug")
	now := time.Now()
	os.Chtimes(path, now, now)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if changes.Load() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := changes.Load(); n != 1 {
		t.Fatalf("change callbacks = %d, want 1", n)
	}
	if got := w.Current().Server.LogLevel; got != LogDebug {
		t.Errorf("current log level = %q, want debug", got)
	}
}

func TestWatcher_KeepsOldConfigOnInvalidEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfigFile(t, path, "info")

	var changes atomic.Int32
	w, err := NewWatcher(path, func(old, new *Config) {
		changes.Add(1)
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte("not: [valid"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	now := time.Now()
	os.Chtimes(path, now, now)

	time.Sleep(100 * time.Millisecond)
	if n := changes.Load(); n != 0 {
		t.Errorf("change callbacks after invalid edit = %d, want 0", n)
	}
	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Errorf("current log level = %q, want old config retained", got)
	}
}
