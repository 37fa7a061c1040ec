// Command parley is the main entry point for the Parley Discord voice bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/bot"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/dispatch"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio/chunk"
	discordaudio "github.com/MrWong99/parley/pkg/audio/discord"
	"github.com/MrWong99/parley/pkg/audio/ffmpegsrc"
	"github.com/MrWong99/parley/pkg/provider/chat"
	"github.com/MrWong99/parley/pkg/provider/chat/openai"
	"github.com/MrWong99/parley/pkg/provider/stt/assemblyai"
	"github.com/MrWong99/parley/pkg/provider/tts/googletrans"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
		"metrics_addr", cfg.Server.MetricsAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Discord gateway ───────────────────────────────────────────────────────
	b, err := bot.New(bot.Config{Token: cfg.Discord.Token, GuildID: cfg.Discord.GuildID})
	if err != nil {
		slog.Error("failed to connect to Discord", "err", err)
		return 1
	}
	slog.Info("discord gateway connected", "guild_id", cfg.Discord.GuildID)

	// ── Conversation pipeline ─────────────────────────────────────────────────
	chatClient, err := newChatClient(cfg.Chat)
	if err != nil {
		slog.Error("failed to create chat client", "err", err)
		return 1
	}

	manager, err := newSessionManager(cfg, b, chatClient)
	if err != nil {
		slog.Error("failed to create session manager", "err", err)
		return 1
	}

	bot.NewVoiceCommands(b, manager, chatClient)

	// ── Metrics and probe server ──────────────────────────────────────────────
	var obsSrv *observe.Server
	if cfg.Server.MetricsAddr != "" {
		obsSrv = observe.NewServer(cfg.Server.MetricsAddr, observe.Checker{
			Name: "discord",
			Check: func(context.Context) error {
				if lat := b.Session().HeartbeatLatency(); lat > 5*time.Second {
					return fmt.Errorf("gateway heartbeat latency %s", lat)
				}
				return nil
			},
		})
		obsSrv.Start()
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.LanguageChanged || d.ChatChanged || d.PlaybackChanged {
			slog.Warn("chat, speech or playback settings changed; restart to apply")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("parley ready — press Ctrl+C to shut down")

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("discord bot error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := manager.Leave(); err != nil && !errors.Is(err, session.ErrNoSession) {
		slog.Warn("session close error", "err", err)
	}
	if err := b.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}
	if obsSrv != nil {
		if err := obsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Pipeline wiring ───────────────────────────────────────────────────────────

func newChatClient(cc config.ChatConfig) (chat.Client, error) {
	var opts []openai.Option
	if cc.Model != "" {
		opts = append(opts, openai.WithModel(cc.Model))
	}
	if cc.SystemPrompt != "" {
		opts = append(opts, openai.WithSystemPrompt(cc.SystemPrompt))
	}
	return openai.New(cc.APIKey, opts...)
}

func newSessionManager(cfg *config.Config, b *bot.Bot, chatClient chat.Client) (*session.Manager, error) {
	policy := chunkPolicy(cfg.Transcription)

	newLink := func() (session.Transcriber, error) {
		opts := []assemblyai.Option{
			assemblyai.WithTranscriptKind(assemblyai.TranscriptKind(cfg.Transcription.Transcript)),
			assemblyai.WithPolicy(policy),
		}
		if cfg.Transcription.Endpoint != "" {
			opts = append(opts, assemblyai.WithEndpoint(cfg.Transcription.Endpoint))
		}
		return assemblyai.New(cfg.Transcription.APIKey, opts...)
	}

	var ffmpegOpts []ffmpegsrc.Option
	if cfg.Speech.FFmpegPath != "" {
		ffmpegOpts = append(ffmpegOpts, ffmpegsrc.WithBinary(cfg.Speech.FFmpegPath))
	}

	var playbackOpts []playback.Option
	if cfg.Playback.QueueSize > 0 {
		playbackOpts = append(playbackOpts, playback.WithQueueSize(cfg.Playback.QueueSize))
	}
	if cfg.Playback.IdleTimeoutSeconds > 0 {
		playbackOpts = append(playbackOpts, playback.WithIdleTimeout(cfg.Playback.IdleTimeout()))
	}
	if cfg.Playback.RecoveryTimeoutSeconds > 0 {
		playbackOpts = append(playbackOpts, playback.WithRecoveryTimeout(cfg.Playback.RecoveryTimeout()))
	}

	var dispatchOpts []dispatch.Option
	if cfg.Chat.CooldownSeconds > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithCooldown(cfg.Chat.Cooldown()))
	}

	return session.NewManager(
		session.Deps{
			Transport:      discordaudio.New(b.Session(), b.GuildID()),
			NewTranscriber: newLink,
			Chat:           chatClient,
			Synth:          googletrans.New(),
			Decoder:        ffmpegsrc.New(ffmpegOpts...),
		},
		session.Config{
			SampleRate:      cfg.Transcription.SampleRate,
			Language:        cfg.Speech.Language,
			Policy:          policy,
			PlaybackOptions: playbackOpts,
			DispatchOptions: dispatchOpts,
		},
	)
}

// chunkPolicy builds the chunk duration window from the config, falling back
// to the service defaults when no override is configured.
func chunkPolicy(tc config.TranscriptionConfig) chunk.Policy {
	policy := chunk.DefaultPolicy(tc.SampleRate)
	if tc.MinChunkMillis > 0 {
		policy.Min = time.Duration(tc.MinChunkMillis) * time.Millisecond
		policy.Max = time.Duration(tc.MaxChunkMillis) * time.Millisecond
		policy.UsableMin = time.Duration(tc.UsableMinMillis) * time.Millisecond
	}
	return policy
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
