// Command vocoded is the main entry point for the streaming voice
// conversation server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/ribu-singh/Vocode-Backend/internal/agent"
	"github.com/ribu-singh/Vocode-Backend/internal/config"
	"github.com/ribu-singh/Vocode-Backend/internal/conversation"
	"github.com/ribu-singh/Vocode-Backend/internal/health"
	"github.com/ribu-singh/Vocode-Backend/internal/observe"
	"github.com/ribu-singh/Vocode-Backend/internal/server"
	"github.com/ribu-singh/Vocode-Backend/internal/session"
	"github.com/ribu-singh/Vocode-Backend/internal/store"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/llm"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/llm/anyllm"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/stt"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/stt/deepgram"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/tts"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/tts/elevenlabs"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/vad"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/vad/energy"
)

const defaultListenAddr = ":3000"

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
			fmt.Fprintf(os.Stderr, "vocoded: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocoded: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("vocoded starting",
		"config", *configPath,
		"listen_addr", listenAddr(cfg),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "vocode-backend",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		slog.Error("providers.stt, providers.llm, and providers.tts must all be configured")
		return 1
	}
	if providers.VAD == nil {
		providers.VAD = energy.New()
		slog.Info("provider created", "kind", "vad", "name", "energy (default)")
	}

	// ── Turn archive (optional) ───────────────────────────────────────────────
	var checkers []health.Checker
	mgrOpts := []session.ManagerOption{
		session.WithLogger(logger),
		session.WithMetrics(metrics),
	}
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		archive, err := store.NewTurnArchive(ctx, dsn)
		if err != nil {
			slog.Error("failed to open turn archive", "err", err)
			return 1
		}
		defer archive.Close()
		mgrOpts = append(mgrOpts, session.WithArchive(archive))
		checkers = append(checkers, health.Checker{Name: "postgres", Check: archive.Ping})
		slog.Info("turn archive enabled")
	}

	// ── Session manager ───────────────────────────────────────────────────────
	mgr := session.NewManager(*providers, sessionConfig(cfg), mgrOpts...)

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.SessionChanged {
			slog.Warn("session defaults changed; a restart is needed to apply them", "fields", d.SessionFields)
		}
		if d.RestartRequired {
			slog.Warn("server, provider, or archive settings changed; restart to apply")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Serve ─────────────────────────────────────────────────────────────────
	srvCfg := server.Config{ListenAddr: listenAddr(cfg)}
	if tls := cfg.Server.TLS; tls != nil {
		srvCfg.CertFile = tls.CertFile
		srvCfg.KeyFile = tls.KeyFile
	}
	srv := server.New(srvCfg, mgr,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithReadyChecks(checkers...),
	)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if rms := optFloat(entry.Options, "rms_reference"); rms > 0 {
			opts = append(opts, energy.WithRMSReference(rms))
		}
		return energy.New(opts...), nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in a [session.ProviderSet] for the session manager.
func buildProviders(cfg *config.Config, reg *config.Registry) (*session.ProviderSet, error) {
	ps := &session.ProviderSet{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	return ps, nil
}

// sessionConfig converts the YAML session block into the session manager's
// runtime configuration.
func sessionConfig(cfg *config.Config) session.Config {
	s := cfg.Session
	return session.Config{
		Agent: agent.Config{
			SystemPrompt: s.SystemPrompt,
			FallbackText: s.FallbackText,
		},
		Voice:            voiceProfile(cfg),
		Language:         s.Language,
		EndpointingMs:    s.EndpointingMs,
		Greeting:         s.Greeting,
		OutboundBufferMs: s.OutboundBufferMs,
		BargeIn: conversation.BargeInConfig{
			FrameSizeMs:      s.BargeIn.FrameSizeMs,
			SpeechThreshold:  s.BargeIn.SpeechThreshold,
			SilenceThreshold: s.BargeIn.SilenceThreshold,
			EchoSimilarity:   s.BargeIn.EchoSimilarity,
		},
		DefaultInput:    s.Input.AudioConfig(),
		DefaultOutput:   s.Output.AudioConfig(),
		ArchiveInterval: cfg.Archive.FlushInterval(),
	}
}

// voiceProfile converts the config voice block into a tts.VoiceProfile.
// Pitch and speed ride along as metadata for providers that support them.
func voiceProfile(cfg *config.Config) tts.VoiceProfile {
	vc := cfg.Session.Voice
	profile := tts.VoiceProfile{
		ID:       vc.VoiceID,
		Name:     vc.Name,
		Provider: cfg.Providers.TTS.Name,
	}
	meta := map[string]string{}
	if vc.PitchShift != 0 {
		meta["pitch_shift"] = fmt.Sprintf("%g", vc.PitchShift)
	}
	if vc.SpeedFactor != 0 {
		meta["speed_factor"] = fmt.Sprintf("%g", vc.SpeedFactor)
	}
	if len(meta) > 0 {
		profile.Metadata = meta
	}
	return profile
}

func listenAddr(cfg *config.Config) string {
	if cfg.Server.ListenAddr != "" {
		return cfg.Server.ListenAddr
	}
	return defaultListenAddr
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         vocoded — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	if cfg.Archive.PostgresDSN != "" {
		fmt.Printf("║  Archive         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Archive         : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", listenAddr(cfg))
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

// ── Helpers ───────────────────────────────────────────────────────────────────

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

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a float value from a provider Options map[string]any.
// YAML decodes numbers as int or float64 depending on their spelling.
func optFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
