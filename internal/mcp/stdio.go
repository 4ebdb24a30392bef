package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// stopGraceTimeout is how long Close waits for the subprocess to
	// exit on its own after stdin is closed, before killing it.
	stopGraceTimeout = 5 * time.Second

	// reapTimeout bounds the final wait for process reaping.
	reapTimeout = 2 * time.Second

	// maxLineSize is the read buffer for a single JSON-RPC line.
	maxLineSize = 1 << 20
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess,
	// merged over the parent environment. A value of the exact form
	// "${NAME}" resolves to the parent environment's NAME, or to the
	// empty string when NAME is unset.
	Env map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. A single reader goroutine drains stdout and resolves
// responses against the pending table, so any number of Sends can be
// in flight concurrently and responses may arrive in any order.
type StdioTransport struct {
	config  StdioConfig
	logger  *slog.Logger
	pending *pendingTable

	// writeMu serializes stdin writes so concurrent Sends never
	// interleave partial lines.
	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu         sync.Mutex
	cmd        *exec.Cmd
	started    bool
	closed     bool
	readerDone chan struct{}
	waitErr    chan error
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not launched until Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		pending: newPendingTable(),
	}
}

// Start launches the subprocess with piped stdin/stdout/stderr and
// spins up the reader goroutine. Environment placeholders are resolved
// against the parent environment at launch time.
func (t *StdioTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrConnClosed
	}
	if t.started {
		return nil
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = resolveEnv(t.config.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging — not part of the protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.started = true
	t.readerDone = make(chan struct{})
	t.waitErr = make(chan error, 1)

	t.writeMu.Lock()
	t.stdin = stdin
	t.writeMu.Unlock()

	go t.readLoop(stdout)
	go t.drainStderr(stderr)
	go func() {
		// The process may only be reaped once reads are finished,
		// per the os/exec pipe contract.
		<-t.readerDone
		t.waitErr <- cmd.Wait()
	}()

	t.logger.Debug("MCP subprocess started",
		"command", t.config.Command,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// Send transmits one newline-terminated JSON request and blocks until
// the reader resolves the matching response, the stream closes, or ctx
// is done. A timed-out Send removes its pending entry; the request is
// not cancelled at the server.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
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

// Notify sends a JSON-RPC notification over stdin. No response is
// expected and no pending entry is created.
func (t *StdioTransport) Notify(_ context.Context, notif *Notification) error {
	return t.writeMessage(notif)
}

// writeMessage marshals v and writes it as one line to the subprocess.
func (t *StdioTransport) writeMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.stdin == nil {
		return fmt.Errorf("stdio transport not started")
	}
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// readLoop runs for the life of the subprocess. It reads
// newline-delimited JSON messages from stdout and resolves pending
// requests by ID. Malformed lines are logged and skipped. When stdout
// reaches EOF (process exited or killed), every remaining pending
// request is resolved with ErrConnClosed.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer close(t.readerDone)
	defer t.pending.close()

	reader := bufio.NewReaderSize(stdout, maxLineSize)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			t.dispatch(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("MCP stdout read ended", "error", err)
			}
			return
		}
	}
}

// dispatch parses one line and routes it to the pending table.
func (t *StdioTransport) dispatch(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.logger.Warn("skipping malformed MCP message",
			"error", err,
			"line", truncateForLog(line),
		)
		return
	}

	// Server-initiated requests and notifications share the stream but
	// carry no result or error; they are not correlated.
	if !resp.isResponse() {
		t.logger.Debug("ignoring non-response MCP message", "id", resp.ID)
		return
	}

	if !t.pending.resolve(resp.ID, &resp) {
		t.logger.Debug("no pending request for MCP response", "id", resp.ID)
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Close terminates the subprocess and releases resources. The reader
// is awaited before the process is reaped: stdin is closed to request
// a graceful exit, and the process is killed if it does not oblige
// within the grace period. Safe to call repeatedly and on a transport
// that never started.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	cmd := t.cmd
	readerDone := t.readerDone
	waitErr := t.waitErr
	t.mu.Unlock()

	if !started {
		t.pending.close()
		return nil
	}

	t.logger.Debug("stopping MCP subprocess", "pid", cmd.Process.Pid)

	// Closing stdin asks the server to exit; its stdout EOF then ends
	// the reader, which resolves all remaining pending requests.
	t.writeMu.Lock()
	t.stdin.Close()
	t.writeMu.Unlock()

	select {
	case <-readerDone:
	case <-time.After(stopGraceTimeout):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-readerDone
	}

	// The reader saw EOF but the process may still be running with its
	// stdout closed. Bound the reap and force-kill as a last resort.
	select {
	case <-waitErr:
	case <-time.After(reapTimeout):
		_ = cmd.Process.Kill()
		<-waitErr
	}

	return nil
}

// pendingSize reports outstanding requests. Used in tests.
func (t *StdioTransport) pendingSize() int {
	return t.pending.size()
}

// resolveEnv merges extra over the parent environment, expanding
// whole-value "${NAME}" placeholders against the parent environment.
// Keys are sorted so the child environment is deterministic.
func resolveEnv(extra map[string]string) []string {
	env := os.Environ()

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := extra[k]
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			v = os.Getenv(v[2 : len(v)-1])
		}
		env = append(env, k+"="+v)
	}
	return env
}

// truncateForLog caps logged wire data at a readable length.
func truncateForLog(b []byte) string {
	const max = 200
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
