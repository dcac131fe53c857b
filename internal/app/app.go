// Package app wires all voxloop subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run blocks until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithHistoryStore, WithToolRegistry, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/toolhost"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/internal/transcript/llmcorrect"
	"github.com/voxloop/voxloop/internal/transcript/phonetic"
	"github.com/voxloop/voxloop/internal/turn"
	"github.com/voxloop/voxloop/pkg/history"
	"github.com/voxloop/voxloop/pkg/provider/embeddings"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/provider/vad"
)

// defaultEmbeddingDimensions matches OpenAI text-embedding-3-small, the most
// common embedding model in the wild, and is used when history.embedding_dimensions
// is unset.
const defaultEmbeddingDimensions = 1536

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	VAD        vad.Engine
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and wires the voxloop voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics   *observe.Metrics
	tools     *toolhost.Registry
	mcpHost   *toolhost.MCPHost
	store     history.Store
	corrector turn.Corrector
	sessions  *SessionManager

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithToolRegistry injects a tool registry instead of building one from the
// configured MCP servers.
func WithToolRegistry(r *toolhost.Registry) Option {
	return func(a *App) { a.tools = r }
}

// WithMetrics injects a metrics instance. When set, New skips OTel SDK
// initialisation, so tests can run in parallel without fighting over the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCorrector injects a transcript corrector instead of building the
// phonetic/LLM pipeline from config.
func WithCorrector(c turn.Corrector) Option {
	return func(a *App) { a.corrector = c }
}

// WithLogger sets the application logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: telemetry setup, MCP server
// connection + tool discovery, history store connection, and transcript
// correction pipeline assembly.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Tool host ─────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 3. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 4. Transcript correction ─────────────────────────────────────────
	a.initCorrector()

	// ── 5. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Tools:     a.tools,
		Corrector: a.corrector,
		History:   a.store,
		Metrics:   a.metrics,
		Logger:    a.log,
	})

	a.log.Info("application initialised",
		"llm", cfg.Providers.LLM.Name,
		"stt", cfg.Providers.STT.Name,
		"tts", cfg.Providers.TTS.Name,
		"vad", cfg.Providers.VAD.Name,
		"tools", len(a.tools.Definitions()),
	)

	return a, nil
}

// initTelemetry sets up the OTel SDK unless a metrics instance was injected.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxloop",
	})
	if err != nil {
		return fmt.Errorf("otel provider: %w", err)
	}
	a.closers = append(a.closers, func() error {
		return shutdown(context.Background())
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	a.metrics = m
	return nil
}

// initTools connects to each configured MCP server and registers the
// discovered tools. A server that fails to connect aborts startup rather than
// silently running without its tools.
func (a *App) initTools(ctx context.Context) error {
	if a.tools == nil {
		a.tools = toolhost.NewRegistry(toolhost.RegistryConfig{Logger: a.log})
	}
	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}

	a.mcpHost = toolhost.NewMCPHost()
	a.closers = append(a.closers, a.mcpHost.Close)

	// Servers are independent; connect and list tools concurrently.
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range a.cfg.MCP.Servers {
		g.Go(func() error {
			tools, err := a.mcpHost.Connect(gctx, srv.HostConfig())
			if err != nil {
				return fmt.Errorf("mcp server %q: %w", srv.Name, err)
			}
			if err := a.tools.RegisterAll(tools); err != nil {
				return fmt.Errorf("mcp server %q: %w", srv.Name, err)
			}
			a.log.Info("mcp server connected", "name", srv.Name, "tools", len(tools))
			return nil
		})
	}
	return g.Wait()
}

// initHistory connects the history store. Postgres when a DSN is configured,
// an in-memory store otherwise. Semantic search is available in either case
// when an embeddings provider is configured.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	if dsn := a.cfg.History.PostgresDSN; dsn != "" {
		dims := a.cfg.History.EmbeddingDimensions
		if dims <= 0 {
			dims = defaultEmbeddingDimensions
		}
		store, err := history.NewPostgres(ctx, dsn, dims, a.providers.Embeddings)
		if err != nil {
			return fmt.Errorf("postgres history store: %w", err)
		}
		a.store = store
		a.log.Info("history store connected", "backend", "postgres", "embedding_dims", dims)
	} else {
		a.store = history.NewMemory(a.providers.Embeddings)
		a.log.Info("history store created", "backend", "memory")
	}

	a.closers = append(a.closers, func() error {
		a.store.Close()
		return nil
	})
	return nil
}

// initCorrector assembles the transcript correction pipeline from config:
// phonetic matching against the session keyword list, with optional LLM
// second-pass correction.
func (a *App) initCorrector() {
	if a.corrector != nil {
		return
	}

	tc := a.cfg.Transcript
	var phoneticOpts []phonetic.Option
	if tc.PhoneticThreshold > 0 {
		phoneticOpts = append(phoneticOpts, phonetic.WithPhoneticThreshold(tc.PhoneticThreshold))
	}
	if tc.FuzzyThreshold > 0 {
		phoneticOpts = append(phoneticOpts, phonetic.WithFuzzyThreshold(tc.FuzzyThreshold))
	}

	pipelineOpts := []transcript.PipelineOption{
		transcript.WithPhoneticMatcher(phonetic.New(phoneticOpts...)),
	}
	if tc.LLMCorrection && a.providers.LLM != nil {
		var llmOpts []llmcorrect.Option
		if tc.LLMTemperature > 0 {
			llmOpts = append(llmOpts, llmcorrect.WithTemperature(tc.LLMTemperature))
		}
		pipelineOpts = append(pipelineOpts,
			transcript.WithLLMCorrector(llmcorrect.New(a.providers.LLM, llmOpts...)))
	}

	pipeline := transcript.NewPipeline(pipelineOpts...)
	a.corrector = transcript.NewKeywordCorrector(pipeline, a.cfg.Session.KeywordList())
}

// Sessions returns the session manager. Transports use it to create a session
// per connection.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Metrics returns the application metrics instance.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// History returns the history store, for search endpoints.
func (a *App) History() history.Store { return a.store }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run blocks until ctx is cancelled, then stops all active sessions. The
// transport layer (HTTP/WebSocket server) runs outside the App; Run only owns
// session lifecycle.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("application running")
	<-ctx.Done()
	a.sessions.StopAll()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops all sessions and tears down subsystems in init order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		// Stop sessions first so nothing writes to the history store while
		// it closes.
		a.sessions.StopAll()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
