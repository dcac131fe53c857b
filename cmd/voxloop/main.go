// Command voxloop is the main entry point for the voxloop voice pipeline server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxloop/voxloop/internal/app"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/resilience"
	"github.com/voxloop/voxloop/pkg/provider/embeddings"
	ollamaembed "github.com/voxloop/voxloop/pkg/provider/embeddings/ollama"
	oaembed "github.com/voxloop/voxloop/pkg/provider/embeddings/openai"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/llm/anyllm"
	oallm "github.com/voxloop/voxloop/pkg/provider/llm/openai"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/stt/deepgram"
	"github.com/voxloop/voxloop/pkg/provider/stt/whisper"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/provider/tts/coqui"
	"github.com/voxloop/voxloop/pkg/provider/tts/elevenlabs"
	"github.com/voxloop/voxloop/pkg/provider/vad"
	energyvad "github.com/voxloop/voxloop/pkg/provider/vad/energy"
)

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
			fmt.Fprintf(os.Stderr, "voxloop: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxloop: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxloop starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── HTTP server (WebSocket sessions, /metrics, /healthz) ──────────────────
	httpSrv := newHTTPServer(cfg, application)
	httpErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	// ── Run until signal or listener failure ──────────────────────────────────
	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	exit := 0
	select {
	case err := <-httpErr:
		slog.Error("http server error", "err", err)
		stop()
		<-runErr
		exit = 1
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
			exit = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai uses the native SDK adapter. anthropic, gemini, deepseek,
	// mistral, groq, llamacpp, llamafile share the any-llm pattern: optional
	// APIKey + optional BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
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

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
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

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		return energyvad.New(), nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = p
			if fbs := cfg.Providers.LLM.Fallbacks; len(fbs) > 0 {
				group := resilience.NewLLMFallback(p, name, resilience.FallbackConfig{})
				for _, fb := range fbs {
					fp, err := reg.CreateLLM(fb.Entry())
					if err != nil {
						return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
					}
					group.AddFallback(fb.Name, fp)
				}
				ps.LLM = group
			}
			slog.Info("provider created", "kind", "llm", "name", name, "fallbacks", len(cfg.Providers.LLM.Fallbacks))
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "stt", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			if fbs := cfg.Providers.STT.Fallbacks; len(fbs) > 0 {
				group := resilience.NewSTTFallback(p, name, resilience.FallbackConfig{})
				for _, fb := range fbs {
					fp, err := reg.CreateSTT(fb.Entry())
					if err != nil {
						return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
					}
					group.AddFallback(fb.Name, fp)
				}
				ps.STT = group
			}
			slog.Info("provider created", "kind", "stt", "name", name, "fallbacks", len(cfg.Providers.STT.Fallbacks))
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			if fbs := cfg.Providers.TTS.Fallbacks; len(fbs) > 0 {
				group := resilience.NewTTSFallback(p, name, resilience.FallbackConfig{})
				for _, fb := range fbs {
					fp, err := reg.CreateTTS(fb.Entry())
					if err != nil {
						return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
					}
					group.AddFallback(fb.Name, fp)
				}
				ps.TTS = group
			}
			slog.Info("provider created", "kind", "tts", "name", name, "fallbacks", len(cfg.Providers.TTS.Fallbacks))
		}
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "vad", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		} else {
			ps.VAD = p
			slog.Info("provider created", "kind", "vad", "name", name)
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "embeddings", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxloop — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	if cfg.History.PostgresDSN != "" {
		fmt.Printf("║  History         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  History         : %-19s ║\n", "memory")
	}
	fmt.Printf("║  Keywords        : %-19d ║\n", len(cfg.Session.Keywords))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
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

// ── Logger ─────────────────────────────────────────────────────────────────────

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

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
