package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/session"
	"github.com/voxloop/voxloop/internal/toolhost"
	"github.com/voxloop/voxloop/internal/turn"
	"github.com/voxloop/voxloop/pkg/event"
	"github.com/voxloop/voxloop/pkg/history"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/types"
)

// defaultSampleRate is used when session.sample_rate is unset. 16 kHz mono is
// what most STT providers are optimised for.
const defaultSampleRate = 16000

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// StartedAt is when the session was created.
	StartedAt time.Time
}

// SessionManager creates and tracks voice sessions, one per client
// connection. All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	started  map[string]time.Time

	// Dependencies injected at construction.
	cfg       *config.Config
	providers *Providers
	tools     *toolhost.Registry
	corrector turn.Corrector
	store     history.Store
	metrics   *observe.Metrics
	log       *slog.Logger
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers
	Tools     *toolhost.Registry
	Corrector turn.Corrector
	History   history.Store
	Metrics   *observe.Metrics
	Logger    *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		sessions:  make(map[string]*session.Session),
		started:   make(map[string]time.Time),
		cfg:       cfg.Config,
		providers: cfg.Providers,
		tools:     cfg.Tools,
		corrector: cfg.Corrector,
		store:     cfg.History,
		metrics:   cfg.Metrics,
		log:       log,
	}
}

// Create builds a session from the configured defaults and starts its run
// loop. Events flow to sink in commit order. The returned session is tracked
// until Stop or StopAll.
func (sm *SessionManager) Create(sink event.Sink) (*session.Session, error) {
	sc := sm.cfg.Session
	sampleRate := sc.SampleRate
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}

	pipeline := turn.Config{
		STT: sm.providers.STT,
		STTConfig: stt.StreamConfig{
			SampleRate: sampleRate,
			Channels:   1,
			Language:   sc.Language,
			Keywords:   sc.KeywordBoosts(),
		},
		LLM:            sm.providers.LLM,
		TTS:            sm.providers.TTS,
		Voice:          sc.Voice.Profile(),
		STTName:        sm.cfg.Providers.STT.Name,
		LLMName:        sm.cfg.Providers.LLM.Name,
		TTSName:        sm.cfg.Providers.TTS.Name,
		SystemPrompt:   sc.SystemPrompt,
		Corrector:      sm.corrector,
		Temperature:    sc.Temperature,
		MaxTokens:      sc.MaxTokens,
		MaxToolRounds:  sc.MaxToolRounds,
		MaxSentenceLen: sc.MaxSentenceLen,
		SentenceQueue:  sc.SentenceQueue,
		STTTimeout:     sc.STTTimeout,
		LLMTimeout:     sc.LLMTimeout,
		TTSTimeout:     sc.TTSTimeout,
	}
	if defs := sm.tools.Definitions(); len(defs) > 0 {
		pipeline.Tools = defs
		pipeline.Exec = sm.tools
	}

	sessCfg := session.Config{
		Pipeline:     pipeline,
		VAD:          sm.providers.VAD,
		VADConfig:    sc.VAD.EngineConfig(sampleRate),
		Sink:         sink,
		FailureLimit: sc.FailureLimit,
		FailureReset: sc.FailureReset,
		Metrics:      sm.metrics,
		Logger:       sm.log,
	}
	if sm.store != nil {
		sessCfg.Recorder = &historyRecorder{store: sm.store}
	}
	if sc.ContextWindow > 0 && sm.providers.LLM != nil {
		compactor, err := session.NewCompactor(session.CompactorConfig{
			MaxTokens:  sc.ContextWindow,
			Summariser: session.NewLLMSummariser(sm.providers.LLM),
		})
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		sessCfg.Compactor = compactor
	}
	s, err := session.New(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	sm.mu.Lock()
	sm.sessions[s.ID()] = s
	sm.started[s.ID()] = time.Now().UTC()
	active := len(sm.sessions)
	sm.mu.Unlock()

	sm.log.Info("session created", "session_id", s.ID(), "active", active)
	return s, nil
}

// Get returns the session with the given ID, or false if it is not tracked.
func (sm *SessionManager) Get(id string) (*session.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	return s, ok
}

// Stop stops the session with the given ID and removes it from tracking.
// Returns an error if the session is not tracked.
func (sm *SessionManager) Stop(id string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
		delete(sm.started, id)
	}
	sm.mu.Unlock()

	if !ok {
		return fmt.Errorf("stop session: unknown session %q", id)
	}
	s.Stop()
	sm.log.Info("session stopped", "session_id", id)
	return nil
}

// StopAll stops every tracked session. Used during shutdown.
func (sm *SessionManager) StopAll() {
	sm.mu.Lock()
	sessions := make([]*session.Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.sessions = make(map[string]*session.Session)
	sm.started = make(map[string]time.Time)
	sm.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	if len(sessions) > 0 {
		sm.log.Info("all sessions stopped", "count", len(sessions))
	}
}

// Active returns metadata for every tracked session, in no particular order.
func (sm *SessionManager) Active() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	infos := make([]SessionInfo, 0, len(sm.sessions))
	for id := range sm.sessions {
		infos = append(infos, SessionInfo{SessionID: id, StartedAt: sm.started[id]})
	}
	return infos
}

// historyRecorder bridges the session's Recorder hook to the history store.
type historyRecorder struct {
	store history.Store
}

func (r *historyRecorder) Record(ctx context.Context, sessionID string, entry types.HistoryEntry) error {
	return r.store.Append(ctx, sessionID, entry)
}
