package wsrpc

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/mnehpets/duplexrpc/session"
)

// DefaultKeepaliveInterval is the time between keepalive pings.
const DefaultKeepaliveInterval = 30 * time.Second

// Session variables seeded for every duplex connection.
const (
	VarHeaders    = "headers"
	VarToken      = "token"
	VarRemoteAddr = "remoteAddr"
)

// bearerPrefixLen is the length of the "Bearer " scheme prefix.
const bearerPrefixLen = 7

// Handler upgrades HTTP requests to websocket connections and serves a
// session on each.
type Handler struct {
	manager   *session.Manager
	upgrader  websocket.Upgrader
	keepalive time.Duration
	clock     clock.Clock
	logger    loggo.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithKeepaliveInterval sets the time between keepalive pings. A
// connection that does not answer a ping before the next one is due is
// terminated.
func WithKeepaliveInterval(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.keepalive = d
	}
}

// WithClock sets the clock driving the keepalive.
func WithClock(clk clock.Clock) HandlerOption {
	return func(h *Handler) {
		h.clock = clk
	}
}

// WithLogger sets the handler's logger.
func WithLogger(logger loggo.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithUpgrader replaces the websocket upgrader.
func WithUpgrader(u websocket.Upgrader) HandlerOption {
	return func(h *Handler) {
		h.upgrader = u
	}
}

// NewHandler returns a Handler that creates sessions with m.
func NewHandler(m *session.Manager, opts ...HandlerOption) *Handler {
	h := &Handler{
		manager: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		keepalive: DefaultKeepaliveInterval,
		clock:     clock.WallClock,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the connection until it ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	if err := h.Serve(r.Context(), conn, connectionVars(r)); err != nil {
		h.logger.Debugf("connection from %s ended: %v", r.RemoteAddr, err)
	}
}

// Serve runs a session over conn until the connection closes or ctx is
// done. The session is seeded with vars and closed before Serve returns.
func (h *Handler) Serve(ctx context.Context, conn Conn, vars map[string]any) error {
	t := newTransport(conn, h.logger)
	s, err := h.manager.Create(ctx, vars, t.Send, t.Close)
	if err != nil {
		_ = t.Close()
		return errors.Annotate(err, "creating session")
	}

	alive := &atomic.Bool{}
	alive.Store(true)
	conn.SetPongHandler(func(string) error {
		alive.Store(true)
		return nil
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.ping(s.ID(), t, alive, stop)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = t.Close()
		case <-stop:
		}
	}()

	d := &dispatcher{session: s, send: t.Send, logger: h.logger}
	err = d.readLoop(ctx, conn)
	close(stop)
	_ = s.Close()
	d.wait()
	wg.Wait()
	return errors.Trace(err)
}

// ping sends a ping every keepalive interval and terminates the
// connection when the previous ping went unanswered.
func (h *Handler) ping(id string, t *transport, alive *atomic.Bool, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-h.clock.After(h.keepalive):
		}
		if !alive.Swap(false) {
			h.logger.Debugf("session %s: keepalive missed, terminating", id)
			_ = t.Close()
			return
		}
		if err := t.Ping(); err != nil {
			h.logger.Debugf("session %s: %v", id, err)
			_ = t.Close()
			return
		}
	}
}

func connectionVars(r *http.Request) map[string]any {
	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		headers[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	vars := map[string]any{
		VarHeaders:    headers,
		VarRemoteAddr: r.RemoteAddr,
	}
	if auth := r.Header.Get("Authorization"); len(auth) > bearerPrefixLen {
		vars[VarToken] = auth[bearerPrefixLen:]
	}
	return vars
}
