package session

import (
	"encoding/json"
	"sync"

	"github.com/juju/errors"

	"github.com/mnehpets/duplexrpc/jsonrpc"
)

type callResult struct {
	value json.RawMessage
	err   error
}

// pendingTable correlates outbound call ids with their waiting callers.
// Each entry is resolved at most once: whoever removes it delivers the
// result.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[string]chan callResult
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]chan callResult)}
}

func (p *pendingTable) add(id string) (<-chan callResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.Trace(jsonrpc.ErrConnectionLost)
	}
	ch := make(chan callResult, 1)
	p.calls[id] = ch
	return ch, nil
}

// resolve delivers res to the call registered under id. It reports false
// when there is no such call.
func (p *pendingTable) resolve(id string, res callResult) bool {
	p.mu.Lock()
	ch, ok := p.calls[id]
	delete(p.calls, id)
	p.mu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// failAll rejects every outstanding call with err and refuses new ones.
// It returns the number of calls rejected.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]chan callResult)
	p.closed = true
	p.mu.Unlock()

	for _, ch := range calls {
		ch <- callResult{err: err}
	}
	return len(calls)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
