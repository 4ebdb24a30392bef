package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// startTimeout bounds one connection's entire startup (launch,
// handshake, discovery) so an unresponsive server cannot stall the
// startup of the others.
const startTimeout = 30 * time.Second

// ServerSpec describes how to launch and connect one MCP server. It is
// supplied fully parsed by the composing layer; this package never
// reads configuration files.
type ServerSpec struct {
	// Name keys the connection and namespaces its tools. It must not
	// contain "." — that separates server from tool in full names.
	Name string

	// TransportKind selects the transport: "stdio" (default when
	// empty), "http", or "websocket".
	TransportKind string

	// Command, Args and Env describe the subprocess for stdio servers.
	// Env values of the exact form "${NAME}" are resolved against the
	// parent environment at launch.
	Command string
	Args    []string
	Env     map[string]string

	// URL and Headers describe the endpoint for http and websocket
	// servers.
	URL     string
	Headers map[string]string

	// AutoStart controls whether Manager.Start connects this server.
	AutoStart bool

	// IncludeTools and ExcludeTools filter the discovered catalog.
	IncludeTools []string
	ExcludeTools []string
}

// Manager owns the set of connections, keyed by server name. A failure
// for one spec never prevents the others from starting; only
// connections that reached Ready are retained.
type Manager struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
	order []string
}

// NewManager creates an empty manager. Connections are established by
// Start.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// Start connects every auto-start spec, one at a time, each under its
// own bounded timeout. Per-server failures are logged, collected, and
// returned joined for the caller to report — they never abort the
// startup of the remaining servers. Duplicate names are rejected; the
// first spec wins.
func (m *Manager) Start(ctx context.Context, specs []ServerSpec) error {
	var errs []error

	for _, spec := range specs {
		if !spec.AutoStart {
			m.logger.Debug("skipping MCP server (auto_start disabled)", "server", spec.Name)
			continue
		}

		if strings.Contains(spec.Name, ".") {
			m.logger.Error("invalid MCP server spec", "server", spec.Name, "error", "name contains '.'")
			errs = append(errs, fmt.Errorf("server %q: name must not contain '.'", spec.Name))
			continue
		}

		if _, exists := m.get(spec.Name); exists {
			m.logger.Warn("rejecting MCP server spec", "server", spec.Name, "error", ErrDuplicateServer)
			errs = append(errs, fmt.Errorf("server %q: %w", spec.Name, ErrDuplicateServer))
			continue
		}

		transport, err := newTransport(spec, m.logger)
		if err != nil {
			m.logger.Error("invalid MCP server spec", "server", spec.Name, "error", err)
			errs = append(errs, fmt.Errorf("server %q: %w", spec.Name, err))
			continue
		}

		conn := NewConn(ConnConfig{
			Name:         spec.Name,
			Transport:    transport,
			Logger:       m.logger,
			IncludeTools: spec.IncludeTools,
			ExcludeTools: spec.ExcludeTools,
		})

		startCtx, cancel := context.WithTimeout(ctx, startTimeout)
		err = conn.Start(startCtx)
		cancel()
		if err != nil {
			m.logger.Error("MCP server failed to start", "server", spec.Name, "error", err)
			errs = append(errs, fmt.Errorf("server %q: %w", spec.Name, err))
			continue
		}

		m.mu.Lock()
		m.conns[spec.Name] = conn
		m.order = append(m.order, spec.Name)
		m.mu.Unlock()
	}

	return errors.Join(errs...)
}

// newTransport builds the transport for a spec.
func newTransport(spec ServerSpec, logger *slog.Logger) (Transport, error) {
	switch spec.TransportKind {
	case "", "stdio":
		if spec.Command == "" {
			return nil, errors.New("stdio transport requires a command")
		}
		return NewStdioTransport(StdioConfig{
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
			Logger:  logger,
		}), nil
	case "http":
		if spec.URL == "" {
			return nil, errors.New("http transport requires a url")
		}
		return NewHTTPTransport(HTTPConfig{
			URL:     spec.URL,
			Headers: spec.Headers,
			Logger:  logger,
		}), nil
	case "websocket", "ws":
		if spec.URL == "" {
			return nil, errors.New("websocket transport requires a url")
		}
		return NewWSTransport(WSConfig{
			URL:     spec.URL,
			Headers: spec.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", spec.TransportKind)
	}
}

// Stop stops every retained connection, isolating per-connection
// failures, then clears the set. Safe to call repeatedly.
func (m *Manager) Stop() error {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, name := range m.order {
		conns = append(conns, m.conns[name])
	}
	m.conns = make(map[string]*Conn)
	m.order = nil
	m.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Stop(); err != nil {
			m.logger.Warn("error stopping MCP connection", "server", conn.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %q: %w", conn.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Invoke routes a tool invocation. A namespaced "server.tool" name
// goes straight to that server. A bare short name must match exactly
// one connected server; matching several is an explicit ambiguity
// error rather than a silent first-match. Routing failures come back
// as structured errors, never panics.
func (m *Manager) Invoke(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if server, short, ok := splitToolName(name); ok {
		conn, exists := m.get(server)
		if !exists {
			return nil, fmt.Errorf("invoke %s: server %q: %w", name, server, ErrNotConnected)
		}
		return conn.Call(ctx, short, args)
	}

	var matches []*Conn
	for _, conn := range m.connections() {
		if conn.hasTool(name) {
			matches = append(matches, conn)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("invoke %s: %w", name, ErrToolNotFound)
	case 1:
		return matches[0].Call(ctx, name, args)
	default:
		servers := make([]string, len(matches))
		for i, conn := range matches {
			servers[i] = conn.Name()
		}
		return nil, fmt.Errorf("invoke %s: exposed by %v, use the server.tool form: %w",
			name, servers, ErrAmbiguousTool)
	}
}

// Tools returns the union of every connection's catalog, each entry
// tagged with its owning server, in connection order.
func (m *Manager) Tools() []ToolDefinition {
	var out []ToolDefinition
	for _, conn := range m.connections() {
		out = append(out, conn.Tools()...)
	}
	return out
}

// Conn returns the connection for a server name.
func (m *Manager) Conn(name string) (*Conn, bool) {
	return m.get(name)
}

// Names returns the connected server names in connection order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Manager) get(name string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[name]
	return conn, ok
}

// connections snapshots the retained connections in connection order.
func (m *Manager) connections() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.conns[name])
	}
	return out
}
