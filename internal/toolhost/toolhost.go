// Package toolhost provides the tool registry a session executes LLM tool
// calls through.
//
// The registry is an explicitly owned object passed into session
// construction; its lifecycle is tied to application start/stop, not to any
// single session. Tools come from two sources: in-process Go functions
// ([FuncTool]) and external MCP servers ([MCPHost]), both exposed through the
// same [Tool] surface so the turn controller cannot tell them apart.
//
// Every execution runs under a per-tool timeout. Tool failures are returned
// as errors to the caller, which surfaces them to the model as error results
// rather than failing the turn.
package toolhost

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voxloop/voxloop/internal/turn"
	"github.com/voxloop/voxloop/pkg/types"
)

// defaultTimeout bounds a single tool execution.
const defaultTimeout = 10 * time.Second

// Tool is one callable tool: its definition as offered to the model, and its
// handler.
type Tool interface {
	// Definition describes the tool for completion requests.
	Definition() types.ToolDefinition

	// Call executes the tool with JSON-encoded arguments and returns its
	// textual output, ready for insertion into the conversation.
	Call(ctx context.Context, args string) (string, error)
}

// FuncTool adapts an in-process Go function to the [Tool] interface.
type FuncTool struct {
	// Def is the tool definition offered to the model.
	Def types.ToolDefinition

	// Fn is the handler. It receives the JSON-encoded argument string from
	// the model's tool call.
	Fn func(ctx context.Context, args string) (string, error)
}

// Definition returns Def.
func (f FuncTool) Definition() types.ToolDefinition { return f.Def }

// Call invokes Fn.
func (f FuncTool) Call(ctx context.Context, args string) (string, error) {
	return f.Fn(ctx, args)
}

// RegistryConfig tunes a [Registry].
type RegistryConfig struct {
	// Timeout bounds each tool execution. <= 0 selects the default.
	Timeout time.Duration

	Logger *slog.Logger
}

// Registry maps tool names to tools and executes calls on behalf of turn
// controllers. Safe for concurrent use; one registry serves all sessions.
type Registry struct {
	timeout time.Duration
	log     *slog.Logger

	mu    sync.RWMutex
	tools map[string]Tool
}

var _ turn.ToolExecutor = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		timeout: cfg.Timeout,
		log:     cfg.Logger.With("component", "toolhost"),
		tools:   make(map[string]Tool),
	}
}

// Register adds a tool. Tool names are unique; registering a duplicate name
// fails rather than silently replacing the earlier tool.
func (r *Registry) Register(t Tool) error {
	name := t.Definition().Name
	if name == "" {
		return fmt.Errorf("toolhost: tool definition has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("toolhost: tool %q already registered", name)
	}
	r.tools[name] = t
	r.log.Debug("tool registered", "tool", name)
	return nil
}

// RegisterAll registers every tool in ts, stopping at the first failure.
func (r *Registry) RegisterAll(ts []Tool) error {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Definitions returns all registered tool definitions sorted by name, in the
// shape completion requests expect.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named tool under the registry's timeout. It implements
// [turn.ToolExecutor]; errors returned here are surfaced to the model as
// tool-error results by the turn controller.
func (r *Registry) Execute(ctx context.Context, call types.ToolCall) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("toolhost: unknown tool %q", call.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := t.Call(ctx, call.Arguments)
	if err != nil {
		return "", fmt.Errorf("toolhost: %w", err)
	}
	return out, nil
}
