package session

import (
	"context"
	"encoding/json"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/mnehpets/duplexrpc/jsonrpc"
)

// FrameTerminator ends every frame a session sends to its peer.
const FrameTerminator = "\r\n"

// SendFunc writes one encoded frame to the session's peer.
type SendFunc func(frame []byte) error

// CloseFunc terminates the session's transport.
type CloseFunc func() error

// Session is the execution context of one duplex connection or one HTTP
// request. Handlers reach it through FromContext.
type Session struct {
	id      string
	manager *Manager
	send    SendFunc
	closeFn CloseFunc
	pending *pendingTable

	mu   sync.Mutex
	vars map[string]any

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Registry returns the registry inbound calls are dispatched to.
func (s *Session) Registry() *jsonrpc.Registry {
	return s.manager.registry
}

// GetVar returns the session variable name.
func (s *Session) GetVar(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok
}

// SetVar sets the session variable name.
func (s *Session) SetVar(name string, value any) {
	s.mu.Lock()
	s.vars[name] = value
	s.mu.Unlock()
}

// Vars returns a snapshot of the session variables.
func (s *Session) Vars() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.vars)
}

// InvokeLocal dispatches method to the registry with s attached to ctx.
func (s *Session) InvokeLocal(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	return s.manager.registry.Invoke(WithSession(ctx, s), method, params)
}

// Dispatch runs req and returns the Response to send together with the
// handler's raw result, which is nil on failure.
func (s *Session) Dispatch(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, any) {
	result, err := s.InvokeLocal(ctx, req.Method, req.Params)
	if err != nil {
		s.manager.logger.Debugf("session %s: %s failed: %v", s.id, req.Method, err)
		s.manager.collector.request(OutcomeError)
		return jsonrpc.ErrorResponse(req.ID, err), nil
	}
	resp := jsonrpc.NewResponse(req.ID, result, nil)
	if resp.Failed() {
		s.manager.collector.request(OutcomeError)
		return resp, nil
	}
	s.manager.collector.request(OutcomeOK)
	return resp, result
}

// HandleRequest runs req and folds any failure into the returned Response.
func (s *Session) HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	resp, _ := s.Dispatch(ctx, req)
	return resp
}

// Call invokes method on the peer and waits for its Response. It fails with
// ErrNoTransport on sessions that cannot send and with ErrConnectionLost
// once the session is closed. A failure reported by the peer is a
// *jsonrpc.RemoteError.
func (s *Session) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if s.send == nil {
		return nil, errors.Trace(jsonrpc.ErrNoTransport)
	}
	id := uuid.NewString()
	req, err := jsonrpc.NewRequest(id, method, params...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	frame, err := jsonrpc.Encode(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	frame = append(frame, FrameTerminator...)

	ch, err := s.pending.add(id)
	if err != nil {
		s.manager.collector.call(OutcomeLost)
		return nil, err
	}
	if err := s.send(frame); err != nil {
		s.pending.remove(id)
		s.manager.collector.call(OutcomeLost)
		return nil, errors.Annotatef(jsonrpc.ErrConnectionLost, "sending %q: %v", method, err)
	}

	select {
	case res := <-ch:
		switch {
		case res.err == nil:
			s.manager.collector.call(OutcomeOK)
		case errors.Is(res.err, jsonrpc.ErrConnectionLost):
			s.manager.collector.call(OutcomeLost)
		default:
			s.manager.collector.call(OutcomeError)
		}
		return res.value, res.err
	case <-ctx.Done():
		s.pending.remove(id)
		s.manager.collector.call(OutcomeCanceled)
		return nil, errors.Trace(ctx.Err())
	}
}

// HandleResponse resolves the outbound call resp answers. Responses that
// match no pending call are dropped.
func (s *Session) HandleResponse(resp *jsonrpc.Response) {
	var id string
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		s.manager.logger.Debugf("session %s: dropping response with foreign id %s", s.id, resp.ID)
		return
	}
	res := callResult{value: resp.Result}
	if resp.Failed() {
		res = callResult{err: resp.Err()}
	}
	if !s.pending.resolve(id, res) {
		s.manager.logger.Debugf("session %s: dropping unmatched response %s", s.id, id)
	}
}

// Pending returns the number of outbound calls awaiting a Response.
func (s *Session) Pending() int {
	return s.pending.len()
}

// Close ends the session. Pending calls are rejected with
// ErrConnectionLost, onDestroy runs if registered, the session leaves the
// live set and the transport is closed. Only the first call has any effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if n := s.pending.failAll(jsonrpc.ErrConnectionLost); n > 0 {
			s.manager.logger.Debugf("session %s: rejected %d pending calls", s.id, n)
		}
		reg := s.manager.registry
		if reg.Has(jsonrpc.OnDestroy) {
			ctx := WithSession(context.Background(), s)
			if _, err := reg.Invoke(ctx, jsonrpc.OnDestroy, nil); err != nil {
				s.manager.logger.Warningf("session %s: %s failed: %v", s.id, jsonrpc.OnDestroy, err)
			}
		}
		s.manager.remove(s.id)
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
		close(s.done)
		s.manager.logger.Debugf("session %s closed", s.id)
	})
	return s.closeErr
}

// Done is closed once Close has completed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
