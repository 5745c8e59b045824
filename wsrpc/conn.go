package wsrpc

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/mnehpets/duplexrpc/jsonrpc"
)

// Conn is the part of *websocket.Conn used by the duplex adapters.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// writeWait bounds control frame writes.
const writeWait = 10 * time.Second

// transport serialises writes to a Conn. Frames are queued by Send and
// written in order by a single writer goroutine; control frames bypass the
// queue.
type transport struct {
	conn   Conn
	logger loggo.Logger

	mu     sync.Mutex
	outbox *queue.Queue
	closed bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newTransport(conn Conn, logger loggo.Logger) *transport {
	t := &transport{
		conn:   conn,
		logger: logger,
		outbox: queue.New(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// Send queues frame for writing. It fails with ErrConnectionLost once the
// transport is closed.
func (t *transport) Send(frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.Trace(jsonrpc.ErrConnectionLost)
	}
	t.outbox.Add(frame)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Ping writes a ping control frame.
func (t *transport) Ping() error {
	err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	return errors.Annotate(err, "sending ping")
}

// Close terminates the connection. Queued frames that were not yet written
// are dropped. Only the first call has any effect.
func (t *transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// Queued returns the number of frames waiting to be written.
func (t *transport) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outbox.Length()
}

func (t *transport) next() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.outbox.Length() == 0 {
		return nil, false
	}
	return t.outbox.Remove().([]byte), true
}

func (t *transport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case <-t.wake:
		}
		for {
			frame, ok := t.next()
			if !ok {
				break
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.logger.Errorf("writing frame: %v", err)
				_ = t.Close()
				return
			}
		}
	}
}
