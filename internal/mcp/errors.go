package mcp

import "errors"

// Failure classes surfaced by Conn and Manager. Callers match with
// errors.Is; every error returned from Call/Invoke wraps one of these
// or an *RPCError from the remote server.
var (
	// ErrNotReady means the connection never reached, or has left, the
	// Ready state. Calls fail fast without touching the transport.
	ErrNotReady = errors.New("connection not ready")

	// ErrConnClosed means the transport shut down (process exited, pipe
	// broke, socket closed) while the request was outstanding.
	ErrConnClosed = errors.New("connection closed")

	// ErrRequestTimeout means no response arrived within the per-call
	// deadline. The request is abandoned locally; it is never retried.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrHandshakeTimeout means the initialize exchange did not
	// complete within its bound.
	ErrHandshakeTimeout = errors.New("initialize handshake timed out")

	// ErrDiscoveryTimeout means tools/list did not complete within its
	// bound.
	ErrDiscoveryTimeout = errors.New("tool discovery timed out")

	// ErrToolNotFound means no connected server exposes the named tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrAmbiguousTool means a bare tool name matched more than one
	// connected server. Callers must use the "server.tool" form.
	ErrAmbiguousTool = errors.New("ambiguous tool name")

	// ErrNotConnected means the named server is not in the manager's
	// set of ready connections.
	ErrNotConnected = errors.New("server not connected")

	// ErrDuplicateServer means two server specs share a name. The first
	// spec wins; the duplicate is rejected.
	ErrDuplicateServer = errors.New("duplicate server name")
)
