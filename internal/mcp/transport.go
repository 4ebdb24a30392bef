package mcp

import "context"

// Transport is the interface for MCP server communication.
// Implementations handle framing, encoding, and response correlation
// over a specific medium (stdio subprocess, HTTP, WebSocket).
type Transport interface {
	// Start establishes the session: spawns the subprocess or dials the
	// remote endpoint, and launches any reader goroutine. It must be
	// called before Send or Notify. A transport that fails to start
	// leaves no goroutine running.
	Start(ctx context.Context) error

	// Send transmits a JSON-RPC request and blocks until the matching
	// response arrives or ctx is done. Multiple Sends may be in flight
	// concurrently; responses are matched by request ID.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify transmits a JSON-RPC notification. No response is awaited
	// and nothing is entered in the pending table.
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the session and releases resources. For stdio
	// transports this terminates the subprocess. Close is idempotent,
	// safe to call on a transport that never started, and resolves
	// every outstanding Send with ErrConnClosed.
	Close() error
}
