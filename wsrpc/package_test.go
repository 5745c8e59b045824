package wsrpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"go.uber.org/goleak"

	"github.com/mnehpets/duplexrpc/jsonrpc"
	"github.com/mnehpets/duplexrpc/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const shortWait = 5 * time.Second

// fakeConn is an in-memory Conn. Frames pushed with deliver are returned
// by ReadMessage; written frames and pings are recorded on channels.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	pings  chan struct{}
	closed chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	pong     func(string) error
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte),
		out:    make(chan []byte, 32),
		pings:  make(chan struct{}, 8),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	err := f.writeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-f.closed:
		return websocket.ErrCloseSent
	default:
	}
	f.out <- append([]byte(nil), data...)
	return nil
}

func (f *fakeConn) WriteControl(kind int, _ []byte, _ time.Time) error {
	select {
	case <-f.closed:
		return websocket.ErrCloseSent
	default:
	}
	if kind == websocket.PingMessage {
		select {
		case f.pings <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	f.pong = h
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) answerPing() {
	f.mu.Lock()
	h := f.pong
	f.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

// deliver hands a frame to the reader.
func (f *fakeConn) deliver(c *qt.C, frame string) {
	c.Helper()
	select {
	case f.in <- []byte(frame):
	case <-time.After(shortWait):
		c.Fatalf("timed out delivering %s", frame)
	}
}

// written waits for the next frame written to the connection.
func (f *fakeConn) written(c *qt.C) []byte {
	c.Helper()
	select {
	case frame := <-f.out:
		return frame
	case <-time.After(shortWait):
		c.Fatal("timed out waiting for a written frame")
		return nil
	}
}

func (f *fakeConn) nextMessage(c *qt.C) jsonrpc.Message {
	c.Helper()
	frame := f.written(c)
	msg, err := jsonrpc.Decode(frame)
	c.Assert(err, qt.IsNil, qt.Commentf("frame %q", frame))
	return msg
}

func (f *fakeConn) nextResponse(c *qt.C) *jsonrpc.Response {
	c.Helper()
	resp, ok := f.nextMessage(c).(*jsonrpc.Response)
	c.Assert(ok, qt.IsTrue)
	return resp
}

func waitClosed(c *qt.C, ch <-chan struct{}, what string) {
	c.Helper()
	select {
	case <-ch:
	case <-time.After(shortWait):
		c.Fatalf("timed out waiting for %s", what)
	}
}

// sessionOf returns the session a handler runs in.
func sessionOf(ctx context.Context) (*session.Session, error) {
	s, ok := session.FromContext(ctx)
	if !ok {
		return nil, errors.New("no session in context")
	}
	return s, nil
}
