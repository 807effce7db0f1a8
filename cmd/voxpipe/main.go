// Command voxpipe is the entry point for the VoxPipe voice agent server.
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

	"github.com/voxpipe/voxpipe/internal/agent/openai"
	"github.com/voxpipe/voxpipe/internal/checkpoint"
	"github.com/voxpipe/voxpipe/internal/checkpoint/postgres"
	"github.com/voxpipe/voxpipe/internal/config"
	"github.com/voxpipe/voxpipe/internal/hooks"
	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/internal/pipeline"
	"github.com/voxpipe/voxpipe/internal/resilience"
	"github.com/voxpipe/voxpipe/internal/server"
	"github.com/voxpipe/voxpipe/internal/turn"
	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/stt"
	"github.com/voxpipe/voxpipe/pkg/provider/stt/batchwhisper"
	"github.com/voxpipe/voxpipe/pkg/provider/stt/deepgram"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
	"github.com/voxpipe/voxpipe/pkg/provider/tts/elevenlabs"
	"github.com/voxpipe/voxpipe/pkg/vad"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxpipe: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxpipe: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxpipe starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxpipe"})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	store, checkers, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise checkpoint store", "err", err)
		return 1
	}
	defer closeStore()

	sttP, err := buildSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to build stt provider", "err", err)
		return 1
	}
	ttsP, err := buildTTS(cfg.Providers.TTS)
	if err != nil {
		slog.Error("failed to build tts provider", "err", err)
		return 1
	}
	agent, err := buildAgent(cfg.Providers.Agent, store)
	if err != nil {
		slog.Error("failed to build agent provider", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	srv := server.New(sessionFactory(cfg, sttP, ttsP, agent, store), server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Checkers:   checkers,
	})

	slog.Info("server ready")
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// sessionFactory builds one pipeline per accepted WebSocket connection.
func sessionFactory(cfg *config.Config, sttP stt.Provider, ttsP tts.Provider, agent turn.Agent, store checkpoint.Store) server.SessionFactory {
	transport := audio.Format{
		MuLaw:      cfg.Server.TransportEncoding == config.EncodingMuLaw,
		SampleRate: cfg.Server.TransportSampleRate,
	}

	return func() (server.Session, error) {
		mws := []hooks.Middleware{hooks.NewStageStats(observe.DefaultMetrics())}
		if len(cfg.Pipeline.Vocabulary) > 0 {
			mws = append(mws, hooks.NewVocabulary(hooks.VocabularyConfig{
				Terms: cfg.Pipeline.Vocabulary,
			}))
		}
		if cfg.Pipeline.Filler.Enabled {
			mws = append(mws, hooks.NewFiller(hooks.FillerConfig{
				Threshold:  cfg.Pipeline.Filler.Threshold,
				Phrases:    cfg.Pipeline.Filler.Phrases,
				MaxPerTurn: cfg.Pipeline.Filler.MaxPerTurn,
			}))
		}

		p := pipeline.New(sttP, ttsP, agent, store, pipeline.Config{
			SampleRate:  cfg.Pipeline.SampleRate,
			Transport:   transport,
			Greeting:    cfg.Pipeline.Greeting,
			Language:    cfg.Pipeline.Language,
			TurnTimeout: cfg.Pipeline.TurnTimeout,
			VAD: vad.Config{
				EnergyThreshold: cfg.Pipeline.VAD.EnergyThreshold,
				FrameDuration:   cfg.Pipeline.VAD.FrameDuration,
				SpeechFrames:    cfg.Pipeline.VAD.SpeechFrames,
				SilenceFrames:   cfg.Pipeline.VAD.SilenceFrames,
				MinUtterance:    cfg.Pipeline.VAD.MinUtterance,
			},
			TTS: tts.StreamConfig{
				Voice: tts.VoiceConfig{
					ID:         cfg.Pipeline.Voice.VoiceID,
					Stability:  cfg.Pipeline.Voice.Stability,
					Similarity: cfg.Pipeline.Voice.Similarity,
					Style:      cfg.Pipeline.Voice.Style,
				},
				FlushDelay:        cfg.Pipeline.Voice.FlushDelay,
				InterruptCooldown: cfg.Pipeline.Voice.InterruptCooldown,
			},
			Middlewares: mws,
		})
		return p, nil
	}
}

// ── Provider wiring ─────────────────────────────────────────────────────────

func buildSTT(entry config.ProviderEntry) (stt.Provider, error) {
	primary, err := buildSTTBackend(entry)
	if err != nil {
		return nil, err
	}
	if entry.Fallback == nil {
		return primary, nil
	}
	secondary, err := buildSTTBackend(*entry.Fallback)
	if err != nil {
		return nil, fmt.Errorf("stt fallback: %w", err)
	}
	fb := resilience.NewSTTFallback(primary, entry.Name, resilience.FallbackConfig{})
	fb.AddFallback(entry.Fallback.Name, secondary)
	slog.Info("stt failover enabled", "primary", entry.Name, "fallback", entry.Fallback.Name)
	return fb, nil
}

func buildSTTBackend(entry config.ProviderEntry) (stt.Provider, error) {
	switch entry.Name {
	case "deepgram":
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	case "batchwhisper":
		var opts []batchwhisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, batchwhisper.WithLanguage(lang))
		}
		if v, ok := entry.Options["echo_filter"].(bool); ok && !v {
			opts = append(opts, batchwhisper.WithEchoFilter(false, 0, 0, 0))
		}
		return batchwhisper.New(entry.BaseURL, opts...)
	default:
		return nil, fmt.Errorf("unknown stt provider %q", entry.Name)
	}
}

func buildTTS(entry config.ProviderEntry) (tts.Provider, error) {
	primary, err := buildTTSBackend(entry)
	if err != nil {
		return nil, err
	}
	if entry.Fallback == nil {
		return primary, nil
	}
	secondary, err := buildTTSBackend(*entry.Fallback)
	if err != nil {
		return nil, fmt.Errorf("tts fallback: %w", err)
	}
	fb := resilience.NewTTSFallback(primary, entry.Name, resilience.FallbackConfig{})
	fb.AddFallback(entry.Fallback.Name, secondary)
	slog.Info("tts failover enabled", "primary", entry.Name, "fallback", entry.Fallback.Name)
	return fb, nil
}

func buildTTSBackend(entry config.ProviderEntry) (tts.Provider, error) {
	switch entry.Name {
	case "elevenlabs":
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown tts provider %q", entry.Name)
	}
}

func buildAgent(entry config.ProviderEntry, store checkpoint.Store) (turn.Agent, error) {
	switch entry.Name {
	case "openai":
		return openai.New(store, openai.Config{
			APIKey:       entry.APIKey,
			BaseURL:      entry.BaseURL,
			Model:        entry.Model,
			SystemPrompt: optString(entry.Options, "system_prompt"),
		})
	default:
		return nil, fmt.Errorf("unknown agent provider %q", entry.Name)
	}
}

// buildStore selects the checkpoint store: postgres when a DSN is
// configured, in-memory otherwise.
func buildStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, []server.Checker, func(), error) {
	if dsn := cfg.Checkpoint.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		slog.Info("checkpoint store ready", "backend", "postgres")
		checker := server.Checker{Name: "database", Check: pg.Ping}
		return pg, []server.Checker{checker}, pg.Close, nil
	}
	slog.Info("checkpoint store ready", "backend", "memory")
	return checkpoint.NewMemStore(), nil, func() {}, nil
}

// ── Startup summary ─────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        VoxPipe startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Agent", cfg.Providers.Agent.Name, cfg.Providers.Agent.Model)
	backend := "memory"
	if cfg.Checkpoint.PostgresDSN != "" {
		backend = "postgres"
	}
	fmt.Printf("║  Checkpoints     : %-19s ║\n", backend)
	fmt.Printf("║  Transport       : %-19s ║\n", fmt.Sprintf("%s @ %d Hz", cfg.Server.TransportEncoding, cfg.Server.TransportSampleRate))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ──────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ─────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map. Returns ""
// if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
