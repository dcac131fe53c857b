package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/embeddings"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory constructs a provider of type T from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// Registry maps provider names to their constructor functions for each
// pipeline capability. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]Factory[llm.Provider]
	stt        map[string]Factory[stt.Provider]
	tts        map[string]Factory[tts.Provider]
	vad        map[string]Factory[vad.Engine]
	embeddings map[string]Factory[embeddings.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]Factory[llm.Provider]),
		stt:        make(map[string]Factory[stt.Provider]),
		tts:        make(map[string]Factory[tts.Provider]),
		vad:        make(map[string]Factory[vad.Engine]),
		embeddings: make(map[string]Factory[embeddings.Provider]),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory Factory[stt.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory Factory[tts.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory Factory[vad.Engine]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory Factory[embeddings.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(&r.mu, r.llm, "llm", entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(&r.mu, r.stt, "stt", entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(&r.mu, r.tts, "tts", entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return create(&r.mu, r.vad, "vad", entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return create(&r.mu, r.embeddings, "embeddings", entry)
}

func create[T any](mu *sync.RWMutex, factories map[string]Factory[T], kind string, entry ProviderEntry) (T, error) {
	mu.RLock()
	factory, ok := factories[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}
