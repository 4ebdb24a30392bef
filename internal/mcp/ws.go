package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsCloseTimeout bounds the close handshake with the server.
const wsCloseTimeout = 2 * time.Second

// WSConfig configures a WebSocket MCP transport.
type WSConfig struct {
	// URL is the ws:// or wss:// MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with the upgrade
	// request (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSTransport communicates with an MCP server over a WebSocket. Each
// JSON-RPC message is one text frame. Like the stdio transport, a
// single reader goroutine demultiplexes responses against the pending
// table, so any number of Sends can be in flight concurrently.
type WSTransport struct {
	config  WSConfig
	logger  *slog.Logger
	pending *pendingTable

	// writeMu serializes writes; gorilla/websocket allows at most one
	// concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	started    bool
	closed     bool
	readerDone chan struct{}
}

// NewWSTransport creates a WebSocket transport for the given config.
// The connection is not dialed until Start.
func NewWSTransport(cfg WSConfig) *WSTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		config:  cfg,
		logger:  logger,
		pending: newPendingTable(),
	}
}

// Start dials the endpoint and launches the reader goroutine.
func (t *WSTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrConnClosed
	}
	if t.started {
		return nil
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s (status %d): %w", t.config.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", t.config.URL, err)
	}

	t.conn = conn
	t.started = true
	t.readerDone = make(chan struct{})

	go t.readLoop(conn)

	t.logger.Debug("MCP websocket connected", "url", t.config.URL)
	return nil
}

// Send transmits one JSON-RPC frame and blocks until the reader
// resolves the matching response, the socket closes, or ctx is done.
func (t *WSTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch, err := t.pending.register(req.ID)
	if err != nil {
		return nil, err
	}

	if err := t.writeMessage(req); err != nil {
		t.pending.drop(req.ID)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("awaiting %s response: %w", req.Method, ErrConnClosed)
		}
		return resp, nil
	case <-ctx.Done():
		t.pending.drop(req.ID)
		return nil, ctx.Err()
	}
}

// Notify transmits a JSON-RPC notification frame.
func (t *WSTransport) Notify(_ context.Context, notif *Notification) error {
	return t.writeMessage(notif)
}

func (t *WSTransport) writeMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket transport not started")
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

// readLoop runs for the life of the socket, resolving responses by ID.
// Malformed frames are logged and skipped. When the socket closes,
// every remaining pending request is resolved with ErrConnClosed.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	defer close(t.readerDone)
	defer t.pending.close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("MCP websocket read ended", "error", err)
			}
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Warn("skipping malformed MCP message",
				"error", err,
				"frame", truncateForLog(data),
			)
			continue
		}
		if !resp.isResponse() {
			t.logger.Debug("ignoring non-response MCP message", "id", resp.ID)
			continue
		}
		if !t.pending.resolve(resp.ID, &resp) {
			t.logger.Debug("no pending request for MCP response", "id", resp.ID)
		}
	}
}

// Close performs a best-effort close handshake, tears the socket down,
// and awaits the reader. Safe to call repeatedly and on a transport
// that never started.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	conn := t.conn
	readerDone := t.readerDone
	t.mu.Unlock()

	if !started {
		t.pending.close()
		return nil
	}

	t.writeMu.Lock()
	deadline := time.Now().Add(wsCloseTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.writeMu.Unlock()

	err := conn.Close()

	select {
	case <-readerDone:
	case <-time.After(wsCloseTimeout):
		t.logger.Warn("websocket reader did not exit after close")
	}
	return err
}

// pendingSize reports outstanding requests. Used in tests.
func (t *WSTransport) pendingSize() int {
	return t.pending.size()
}
