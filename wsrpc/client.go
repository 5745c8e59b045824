package wsrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/mnehpets/duplexrpc/jsonrpc"
	"github.com/mnehpets/duplexrpc/session"
)

// ErrClosed is returned by WaitReady once the client has stopped.
const ErrClosed = errors.ConstError("client closed")

// VarURL holds the server URL in the client's session vars.
const VarURL = "url"

const (
	defaultMinDelay = 100 * time.Millisecond
	defaultMaxDelay = 30 * time.Second
	backoffExponent = 2
)

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	LoggingIn
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case LoggingIn:
		return "logging in"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Logger is the logging interface used by the client.
type Logger interface {
	Debugf(string, ...any)
	Infof(string, ...any)
	Warningf(string, ...any)
	Errorf(string, ...any)
}

// ClientConfig holds the configuration of a Client.
type ClientConfig struct {
	// URL is the websocket endpoint, e.g. "wss://example.com/ws".
	URL string

	// Token is passed to the login method after every connect and sent
	// as a bearer token with the handshake.
	Token string

	// Registry serves requests sent by the server. Defaults to an empty
	// registry.
	Registry *jsonrpc.Registry

	Dialer *websocket.Dialer

	// Header is added to the handshake request.
	Header http.Header

	// LoginMethod defaults to jsonrpc.LoginMethod.
	LoginMethod string

	// MinDelay and MaxDelay bound the exponential backoff between
	// connection attempts.
	MinDelay time.Duration
	MaxDelay time.Duration

	// MaxAttempts is the number of consecutive failed attempts after which
	// the client gives up. Zero or negative means unlimited.
	MaxAttempts int

	Clock  clock.Clock
	Logger Logger
}

// Validate checks the configuration.
func (c ClientConfig) Validate() error {
	if c.URL == "" {
		return errors.NotValidf("empty URL")
	}
	if c.MinDelay < 0 || c.MaxDelay < 0 {
		return errors.NotValidf("negative backoff delay")
	}
	if c.MinDelay > 0 && c.MaxDelay > 0 && c.MinDelay > c.MaxDelay {
		return errors.NotValidf("MinDelay %v above MaxDelay %v", c.MinDelay, c.MaxDelay)
	}
	return nil
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Registry == nil {
		c.Registry = jsonrpc.NewRegistry()
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.LoginMethod == "" {
		c.LoginMethod = jsonrpc.LoginMethod
	}
	if c.MinDelay == 0 {
		c.MinDelay = defaultMinDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = max(defaultMaxDelay, c.MinDelay)
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = logger
	}
	return c
}

func (c ClientConfig) attempts() int {
	if c.MaxAttempts <= 0 {
		return -1
	}
	return c.MaxAttempts
}

// Client keeps a duplex connection to a server, logging in after every
// connect and reconnecting with backoff when the connection is lost.
// Requests sent by the server are served from the configured registry.
type Client struct {
	cfg     ClientConfig
	manager *session.Manager
	tomb    tomb.Tomb

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	current *session.Session
	changed chan struct{}
}

// NewClient starts a Client. It connects in the background; use WaitReady
// to block until the login has completed.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		manager: session.NewManager(cfg.Registry),
		changed: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.tomb.Go(c.loop)
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Call invokes method on the server. It fails with ErrNotReady until the
// login has completed and with ErrConnectionLost when the connection drops
// before the server replies.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	c.mu.Lock()
	s, state := c.current, c.state
	c.mu.Unlock()

	usable := state == Ready || (state == LoggingIn && method == c.cfg.LoginMethod)
	if !usable || s == nil {
		return nil, errors.Annotatef(jsonrpc.ErrNotReady, "calling %q while %s", method, state)
	}
	return s.Call(ctx, method, params...)
}

// WaitReady blocks until the client is Ready, ctx is done or the client
// has stopped.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()

		switch state {
		case Ready:
			return nil
		case Closed:
			return errors.Trace(ErrClosed)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}
}

// Close stops the client, rejecting pending calls. It returns the error
// that stopped the client, if any, other than the close itself.
func (c *Client) Close() error {
	c.tomb.Kill(nil)
	c.cancel()
	return c.tomb.Wait()
}

// Wait blocks until the client has stopped and returns the reason.
func (c *Client) Wait() error {
	return c.tomb.Wait()
}

func (c *Client) setState(state State, s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == state && c.current == s {
		return
	}
	c.cfg.Logger.Debugf("%s: %s -> %s", c.cfg.URL, c.state, state)
	c.state = state
	c.current = s
	close(c.changed)
	c.changed = make(chan struct{})
}

// link is one established connection and the goroutine reading it.
type link struct {
	session *session.Session
	done    chan struct{}
	err     error
}

func (c *Client) loop() error {
	defer c.setState(Closed, nil)
	defer c.cancel()

	for {
		var l *link
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				var err error
				l, err = c.connect()
				return err
			},
			IsFatalError: func(err error) bool {
				return errors.Is(err, tomb.ErrDying)
			},
			NotifyFunc: func(err error, attempt int) {
				c.setState(Disconnected, nil)
				c.cfg.Logger.Warningf("connecting to %s, attempt %d: %v", c.cfg.URL, attempt, err)
			},
			Attempts:    c.cfg.attempts(),
			Delay:       c.cfg.MinDelay,
			MaxDelay:    c.cfg.MaxDelay,
			BackoffFunc: retry.ExpBackoff(c.cfg.MinDelay, c.cfg.MaxDelay, backoffExponent, true),
			Clock:       c.cfg.Clock,
			Stop:        c.tomb.Dying(),
		})
		if c.dying() || retry.IsRetryStopped(err) || errors.Is(err, tomb.ErrDying) {
			return tomb.ErrDying
		}
		if err != nil {
			return errors.Annotatef(err, "connecting to %s", c.cfg.URL)
		}

		c.setState(Ready, l.session)
		c.cfg.Logger.Infof("connected to %s as session %s", c.cfg.URL, l.session.ID())

		select {
		case <-c.tomb.Dying():
			_ = l.session.Close()
			<-l.done
			return tomb.ErrDying
		case <-l.done:
			c.setState(Disconnected, nil)
			c.cfg.Logger.Infof("connection to %s lost: %v", c.cfg.URL, l.err)
		}
	}
}

func (c *Client) dying() bool {
	select {
	case <-c.tomb.Dying():
		return true
	default:
		return false
	}
}

// connect dials the server and logs in. The returned link is Ready.
func (c *Client) connect() (*link, error) {
	c.setState(Connecting, nil)

	header := c.cfg.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.cfg.Dialer.DialContext(c.ctx, c.cfg.URL, header)
	if err != nil {
		if c.dying() {
			return nil, tomb.ErrDying
		}
		return nil, errors.Annotate(err, "dialing")
	}

	t := newTransport(conn, logger)
	s, err := c.manager.Create(c.ctx, map[string]any{VarURL: c.cfg.URL}, t.Send, t.Close)
	if err != nil {
		_ = t.Close()
		return nil, errors.Annotate(err, "creating session")
	}

	l := &link{session: s, done: make(chan struct{})}
	d := &dispatcher{session: s, send: t.Send, logger: logger}
	go func() {
		err := d.readLoop(c.ctx, conn)
		_ = s.Close()
		d.wait()
		l.err = err
		close(l.done)
	}()

	c.setState(LoggingIn, s)
	if _, err := s.Call(c.ctx, c.cfg.LoginMethod, c.cfg.Token); err != nil {
		_ = s.Close()
		<-l.done
		if c.dying() {
			return nil, tomb.ErrDying
		}
		return nil, errors.Annotatef(err, "calling %s", c.cfg.LoginMethod)
	}
	return l, nil
}
