package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsEchoServer runs a test WebSocket endpoint. Each incoming frame is
// parsed as a Request and passed to handle, whose responses are written
// back in the order handle returns them.
func wsEchoServer(t *testing.T, handle func(req *Request) []*Response) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req Request
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			for _, resp := range handle(&req) {
				if err := conn.WriteJSON(resp); err != nil {
					return
				}
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSTransport_RoundTrip(t *testing.T) {
	srv := wsEchoServer(t, func(req *Request) []*Response {
		return []*Response{{JSONRPC: jsonrpcVersion, ID: req.ID, Result: []byte(`{"ok":true}`)}}
	})
	defer srv.Close()

	tr := NewWSTransport(WSConfig{URL: wsURL(srv), Logger: discardLogger()})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := tr.Send(ctx, NewRequest(1, "ping", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 1 || resp.Result == nil {
		t.Errorf("unexpected response: %+v", resp)
	}
	if n := tr.pendingSize(); n != 0 {
		t.Errorf("pendingSize = %d, want 0", n)
	}
}

func TestWSTransport_DemuxOutOfOrder(t *testing.T) {
	// The server holds the first request and answers both, reversed,
	// when the second arrives.
	var held *Request
	srv := wsEchoServer(t, func(req *Request) []*Response {
		if held == nil {
			held = req
			return nil
		}
		return []*Response{
			{JSONRPC: jsonrpcVersion, ID: req.ID, Result: []byte(`{}`)},
			{JSONRPC: jsonrpcVersion, ID: held.ID, Result: []byte(`{}`)},
		}
	})
	defer srv.Close()

	tr := NewWSTransport(WSConfig{URL: wsURL(srv), Logger: discardLogger()})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := make(chan error, 1)
	go func() {
		resp, err := tr.Send(ctx, NewRequest(1, "a", nil))
		if err == nil && resp.ID != 1 {
			err = errors.New("wrong response for request 1")
		}
		first <- err
	}()

	// Make sure request 1 is in flight before issuing request 2.
	time.Sleep(50 * time.Millisecond)

	resp, err := tr.Send(ctx, NewRequest(2, "b", nil))
	if err != nil {
		t.Fatalf("Send 2: %v", err)
	}
	if resp.ID != 2 {
		t.Errorf("response ID = %d, want 2", resp.ID)
	}
	if err := <-first; err != nil {
		t.Fatalf("Send 1: %v", err)
	}
}

func TestWSTransport_ServerCloseFailsPending(t *testing.T) {
	// The handler never answers; it closes the socket after the first
	// request arrives. (httptest's CloseClientConnections cannot reach
	// hijacked websocket connections, so the handler closes the
	// connection itself.)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage() // wait for the pending request
		conn.Close()
	}))
	defer srv.Close()

	tr := NewWSTransport(WSConfig{URL: wsURL(srv), Logger: discardLogger()})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := tr.Send(ctx, NewRequest(1, "ping", nil))
		done <- err
	}()

	if err := <-done; !errors.Is(err, ErrConnClosed) {
		t.Errorf("Send = %v, want ErrConnClosed", err)
	}
	if n := tr.pendingSize(); n != 0 {
		t.Errorf("pendingSize = %d, want 0", n)
	}
}

func TestWSTransport_Notify(t *testing.T) {
	got := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var n Notification
		json.Unmarshal(data, &n)
		got <- n.Method
	}))
	defer srv.Close()

	tr := NewWSTransport(WSConfig{URL: wsURL(srv), Logger: discardLogger()})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()

	if err := tr.Notify(context.Background(), NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case method := <-got:
		if method != "notifications/initialized" {
			t.Errorf("method = %q", method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the notification")
	}
}

func TestWSTransport_DialFailure(t *testing.T) {
	tr := NewWSTransport(WSConfig{URL: "ws://127.0.0.1:1", Logger: discardLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Start(ctx); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestWSTransport_CloseIdempotent(t *testing.T) {
	srv := wsEchoServer(t, func(req *Request) []*Response { return nil })
	defer srv.Close()

	tr := NewWSTransport(WSConfig{URL: wsURL(srv), Logger: discardLogger()})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWSTransport_CloseBeforeStart(t *testing.T) {
	tr := NewWSTransport(WSConfig{URL: "ws://unused", Logger: discardLogger()})
	if err := tr.Close(); err != nil {
		t.Fatalf("Close before Start: %v", err)
	}
	if err := tr.Start(context.Background()); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Start after Close = %v, want ErrConnClosed", err)
	}
}
