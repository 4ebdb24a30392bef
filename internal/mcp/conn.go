package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/LingTravel/Atlas/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

const (
	// handshakeTimeout bounds the initialize round trip.
	handshakeTimeout = 10 * time.Second

	// discoveryTimeout bounds the tools/list round trip.
	discoveryTimeout = 10 * time.Second

	// DefaultCallTimeout bounds each tools/call round trip unless the
	// ConnConfig overrides it.
	DefaultCallTimeout = 30 * time.Second
)

// ToolDefinition is an MCP tool as returned by tools/list, tagged with
// the server that owns it. Definitions are frozen at discovery and
// never mutated afterward.
type ToolDefinition struct {
	Server      string         `json:"-"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// FullName returns the namespaced identity "server.tool". Short names
// are only unique within one server; the namespaced form is unique
// across all of them.
func (d ToolDefinition) FullName() string {
	return d.Server + "." + d.Name
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the result payload of a tools/call response.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverCapabilities describes what an MCP server supports.
type serverCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// ConnState is the liveness state of a connection.
type ConnState int32

const (
	StateStarting ConnState = iota
	StateReady
	StateFailed
	StateStopped
)

func (s ConnState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnConfig configures a connection to one MCP server.
type ConnConfig struct {
	// Name is the server name; it namespaces every discovered tool.
	Name string

	// Transport delivers the JSON-RPC messages.
	Transport Transport

	// Logger is the structured logger. Uses slog.Default() if nil.
	Logger *slog.Logger

	// IncludeTools and ExcludeTools filter the discovered catalog by
	// short name. A non-empty include list wins over exclude.
	IncludeTools []string
	ExcludeTools []string

	// CallTimeout bounds each Call. DefaultCallTimeout when zero.
	CallTimeout time.Duration
}

// Conn owns one MCP server session: launch, handshake, discovery,
// concurrent call dispatch, teardown. It reaches Ready only after the
// handshake and the discovery both succeed; any other outcome is
// Failed, with the transport torn down and no reader goroutine left.
type Conn struct {
	name        string
	transport   Transport
	logger      *slog.Logger
	callTimeout time.Duration
	include     map[string]bool
	exclude     map[string]bool

	nextID atomic.Int64
	state  atomic.Int32

	mu            sync.RWMutex
	tools         []ToolDefinition
	serverName    string
	serverVersion string
}

// NewConn creates a connection in the Starting state. Nothing touches
// the transport until Start.
func NewConn(cfg ConnConfig) *Conn {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	c := &Conn{
		name:      cfg.Name,
		transport: cfg.Transport,
		logger: logger.With(
			"mcp_server", cfg.Name,
			"conn_id", uuid.NewString()[:8],
		),
		callTimeout: timeout,
		include:     toSet(cfg.IncludeTools),
		exclude:     toSet(cfg.ExcludeTools),
	}
	c.state.Store(int32(StateStarting))
	return c
}

// Name returns the server name this connection is bound to.
func (c *Conn) Name() string {
	return c.name
}

// State returns the current liveness state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Start brings the connection to Ready: transport start, the
// initialize/initialized handshake under one bounded timeout, then
// tool discovery under a second. On any failure the transport is
// closed, the state becomes Failed, and the error is returned.
func (c *Conn) Start(ctx context.Context) error {
	if err := c.transport.Start(ctx); err != nil {
		return c.fail(fmt.Errorf("launch: %w", err))
	}
	if err := c.handshake(ctx); err != nil {
		return c.fail(err)
	}
	if err := c.discover(ctx); err != nil {
		return c.fail(err)
	}

	c.state.Store(int32(StateReady))
	c.logger.Info("MCP server ready", "tools", len(c.Tools()))
	return nil
}

// fail marks the connection Failed and tears the transport down so no
// background goroutine outlives a failed start.
func (c *Conn) fail(err error) error {
	c.state.Store(int32(StateFailed))
	if closeErr := c.transport.Close(); closeErr != nil {
		c.logger.Warn("transport close after failed start", "error", closeErr)
	}
	return err
}

// handshake performs the fixed initialize exchange: an initialize
// request awaiting its response, then the notifications/initialized
// notification, which expects no response and never enters the
// pending table.
func (c *Conn) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "atlas",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(hctx, "initialize", params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("initialize: %w", ErrHandshakeTimeout)
		}
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.serverVersion = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.transport.Notify(hctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// discover fetches the tool catalog. The catalog is frozen here; it is
// never refreshed for the life of the connection.
func (c *Conn) discover(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	resp, err := c.send(dctx, "tools/list", nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("tools/list: %w", ErrDiscoveryTimeout)
		}
		return fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	tools := make([]ToolDefinition, 0, len(result.Tools))
	for _, td := range result.Tools {
		if len(c.include) > 0 {
			if !c.include[td.Name] {
				continue
			}
		} else if c.exclude[td.Name] {
			continue
		}
		td.Server = c.name
		tools = append(tools, td)
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools",
		"count", len(tools),
		"filtered", len(result.Tools)-len(tools),
	)
	return nil
}

// Call invokes a tool by short name with the given arguments. Calls
// may be issued concurrently; each gets a distinct request ID so the
// responses demultiplex regardless of arrival order. A call that sees
// no response within the per-call timeout returns ErrRequestTimeout
// and abandons the request locally — it is never retried.
func (c *Conn) Call(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if st := c.State(); st != StateReady {
		return nil, fmt.Errorf("call %s on %s (%s): %w", name, c.name, st, ErrNotReady)
	}

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(cctx, "tools/call", params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("call %s on %s: %w", name, c.name, ErrRequestTimeout)
		}
		return nil, fmt.Errorf("call %s on %s: %w", name, c.name, err)
	}

	var result CallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// Ping checks whether the server is responsive. Used by connwatch for
// health monitoring.
func (c *Conn) Ping(ctx context.Context) error {
	if st := c.State(); st != StateReady {
		return fmt.Errorf("ping %s (%s): %w", c.name, st, ErrNotReady)
	}
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Tools returns a copy of the discovered catalog.
func (c *Conn) Tools() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out
}

// hasTool reports whether the catalog contains the short name.
func (c *Conn) hasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, td := range c.tools {
		if td.Name == name {
			return true
		}
	}
	return false
}

// Stop tears the connection down and always leaves it Stopped. It is
// idempotent and safe on a connection that never successfully started.
func (c *Conn) Stop() error {
	prev := ConnState(c.state.Swap(int32(StateStopped)))
	err := c.transport.Close()
	if prev != StateStopped {
		c.logger.Info("MCP connection stopped", "previous_state", prev.String())
	}
	return err
}

// send issues a JSON-RPC request with a fresh ID and checks for
// protocol-level errors.
func (c *Conn) send(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// splitToolName splits a namespaced "server.tool" identity. The third
// result is false for a bare short name. Cutting at the first dot is
// unambiguous because dotted server names are rejected at validation.
func splitToolName(name string) (server, short string, ok bool) {
	server, short, ok = strings.Cut(name, ".")
	if !ok {
		return "", name, false
	}
	return server, short, true
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
