package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voxloop/voxloop/pkg/types"
)

// Transport selects how an MCP server connection is established.
type Transport string

const (
	// TransportStdio launches the server as a child process and speaks MCP
	// over its stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a server over the streamable-HTTP
	// transport.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one external MCP server.
type ServerConfig struct {
	// Name identifies the server within the host. Must be unique and
	// non-empty.
	Name string

	// Transport selects the connection mechanism.
	Transport Transport

	// Command is the launch command for stdio servers, split on whitespace
	// into executable + args.
	Command string

	// URL is the endpoint for streamable-HTTP servers.
	URL string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string
}

// MCPHost maintains connections to external MCP servers and exposes their
// tool catalogues as [Tool] values for registration in a [Registry].
//
// The zero value is not usable; create instances with [NewMCPHost]. Safe for
// concurrent use.
type MCPHost struct {
	// client is reused across all server connections; the SDK allows a single
	// Client to manage multiple sessions.
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewMCPHost creates a host with no server connections.
func NewMCPHost() *MCPHost {
	return &MCPHost{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxloop", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Connect establishes a connection to the server described by cfg, lists its
// tools, and returns them ready for [Registry.RegisterAll]. Connecting a
// server under an already-used name fails.
func (h *MCPHost) Connect(ctx context.Context, cfg ServerConfig) ([]Tool, error) {
	if cfg.Name == "" {
		return nil, errors.New("toolhost: mcp server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return nil, fmt.Errorf("toolhost: unknown transport %q for mcp server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("toolhost: stdio mcp server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("toolhost: streamable-http mcp server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	h.mu.Lock()
	if _, exists := h.sessions[cfg.Name]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("toolhost: mcp server %q already connected", cfg.Name)
	}
	h.mu.Unlock()

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("toolhost: connect to mcp server %q: %w", cfg.Name, err)
	}

	var tools []Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("toolhost: list tools for mcp server %q: %w", cfg.Name, err)
		}
		tools = append(tools, &mcpTool{
			def: types.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			},
			session: session,
		})
	}

	h.mu.Lock()
	h.sessions[cfg.Name] = session
	h.mu.Unlock()

	return tools, nil
}

// Close shuts down all server connections. The host must not be used after
// Close returns.
func (h *MCPHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolhost: close mcp server %q: %w", name, err)
		}
		delete(h.sessions, name)
	}
	return firstErr
}

// mcpTool adapts one tool of a connected MCP server to the [Tool] interface.
type mcpTool struct {
	def     types.ToolDefinition
	session *mcpsdk.ClientSession
}

func (t *mcpTool) Definition() types.ToolDefinition { return t.def }

// Call invokes the tool on its server session. Application-level tool errors
// (IsError results) are returned as Go errors so callers treat them uniformly
// with transport failures.
func (t *mcpTool) Call(ctx context.Context, args string) (string, error) {
	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("invalid args JSON for tool %q: %w", t.def.Name, err)
		}
	}

	res, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("call to tool %q failed: %w", t.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("tool %q reported an error: %s", t.def.Name, sb.String())
	}
	return sb.String(), nil
}

// splitCommand splits a command line on whitespace into executable + args.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// schemaToMap normalises an SDK input schema to the map shape completion
// requests expect.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
