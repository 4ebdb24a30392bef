package mcp

import "sync"

// pendingTable tracks outstanding requests awaiting responses. Each
// entry maps a request ID to a buffered channel the issuing caller
// blocks on. An entry leaves the table exactly once: resolved by the
// reader goroutine, dropped by a timed-out caller, or closed in bulk
// when the stream ends. The one-slot buffer means a resolve racing a
// drop never blocks the reader.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[int64]chan *Response
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]chan *Response)}
}

// register creates a completion slot for the given request ID. It
// returns ErrConnClosed once the table has been closed.
func (p *pendingTable) register(id int64) (chan *Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrConnClosed
	}
	ch := make(chan *Response, 1)
	p.calls[id] = ch
	return ch, nil
}

// resolve delivers a response to the caller waiting on id and removes
// the entry. It reports whether a matching entry existed.
func (p *pendingTable) resolve(id int64, resp *Response) bool {
	p.mu.Lock()
	ch, ok := p.calls[id]
	delete(p.calls, id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// drop removes an entry without resolving it. Used by callers whose
// wait ended first (timeout or cancellation); a response arriving
// later is discarded by the reader as unmatched.
func (p *pendingTable) drop(id int64) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// close marks the table closed and closes every outstanding channel.
// Waiting callers observe the closed channel as ErrConnClosed. Further
// register calls fail.
func (p *pendingTable) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.calls {
		delete(p.calls, id)
		close(ch)
	}
}

// size returns the number of outstanding entries.
func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
