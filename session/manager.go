package session

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/mnehpets/duplexrpc/jsonrpc"
)

// Transport labels reported by the sessions_total metric.
const (
	TransportHTTP   = "http"
	TransportDuplex = "duplex"
)

// Manager creates sessions bound to one registry and tracks the live ones.
type Manager struct {
	registry  *jsonrpc.Registry
	logger    loggo.Logger
	collector *Collector

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for session lifecycle events.
func WithLogger(logger loggo.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithCollector records session and call metrics in c.
func WithCollector(c *Collector) ManagerOption {
	return func(m *Manager) {
		m.collector = c
	}
}

// NewManager returns a Manager dispatching to reg.
func NewManager(reg *jsonrpc.Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: reg,
		logger:   loggo.GetLogger("duplexrpc.session"),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the registry sessions dispatch to.
func (m *Manager) Registry() *jsonrpc.Registry {
	return m.registry
}

// Create starts a session seeded with vars. send and closeFn are the
// transport capabilities; both are nil for one-shot HTTP sessions.
//
// If an onCreate method is registered it runs before the session joins the
// live set. When it fails the session is discarded and the error returned.
func (m *Manager) Create(ctx context.Context, vars map[string]any, send SendFunc, closeFn CloseFunc) (*Session, error) {
	s := &Session{
		id:      uuid.NewString(),
		manager: m,
		send:    send,
		closeFn: closeFn,
		vars:    maps.Clone(vars),
		pending: newPendingTable(),
		done:    make(chan struct{}),
	}
	if s.vars == nil {
		s.vars = make(map[string]any)
	}

	if m.registry.Has(jsonrpc.OnCreate) {
		if _, err := m.registry.Invoke(WithSession(ctx, s), jsonrpc.OnCreate, nil); err != nil {
			return nil, errors.Annotatef(err, "%s for session %s", jsonrpc.OnCreate, s.id)
		}
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	transport := TransportHTTP
	if send != nil {
		transport = TransportDuplex
	}
	m.collector.sessionOpened(transport)
	m.logger.Debugf("session %s created (%s)", s.id, transport)
	return s, nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns the live sessions ordered by id.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.collector.sessionClosed()
	}
}
