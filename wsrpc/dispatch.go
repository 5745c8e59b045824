package wsrpc

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/juju/loggo"

	"github.com/mnehpets/duplexrpc/jsonrpc"
	"github.com/mnehpets/duplexrpc/session"
)

// dispatcher routes the frames read from one connection into its session.
type dispatcher struct {
	session *session.Session
	send    session.SendFunc
	logger  loggo.Logger

	wg sync.WaitGroup
}

// readLoop reads frames until the connection fails or is closed.
func (d *dispatcher) readLoop(ctx context.Context, conn Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		d.handleFrame(ctx, data)
	}
}

func (d *dispatcher) handleFrame(ctx context.Context, data []byte) {
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		d.logger.Debugf("session %s: %v", d.session.ID(), err)
		d.reply(jsonrpc.ErrorResponse(jsonrpc.BestEffortID(data), err))
		return
	}
	switch m := msg.(type) {
	case *jsonrpc.Response:
		d.session.HandleResponse(m)
	case *jsonrpc.Request:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reply(d.session.HandleRequest(ctx, m))
		}()
	}
}

func (d *dispatcher) reply(resp *jsonrpc.Response) {
	frame, err := jsonrpc.Encode(resp)
	if err != nil {
		d.logger.Errorf("session %s: encoding reply: %v", d.session.ID(), err)
		return
	}
	frame = append(frame, session.FrameTerminator...)
	if err := d.send(frame); err != nil {
		d.logger.Debugf("session %s: reply to %s not sent: %v", d.session.ID(), resp.ID, err)
	}
}

// wait blocks until every in-flight request handler has returned.
func (d *dispatcher) wait() {
	d.wg.Wait()
}
