// Package wsrpc runs bidirectional JSON-RPC sessions over websocket
// connections.
//
// Each text frame carries one Request or Response. Either side may send a
// Request at any time; replies are matched to calls by id, so several calls
// can be outstanding at once in both directions. Replies written by this
// package are terminated with "\r\n".
//
// Handler is the server side: it upgrades HTTP requests and serves one
// session per connection, probing liveness with pings. Client is the
// dialing side: it logs in after every connect and reconnects with
// exponential backoff when the connection drops.
//
//	reg := jsonrpc.NewRegistry()
//	reg.MustFunc("ping", func() string { return "pong" })
//	http.Handle("/ws", wsrpc.NewHandler(session.NewManager(reg)))
//
//	c, err := wsrpc.NewClient(wsrpc.ClientConfig{URL: "ws://localhost:8080/ws", Token: tok})
//	...
//	if err := c.WaitReady(ctx); err != nil {
//	    ...
//	}
//	res, err := c.Call(ctx, "ping")
package wsrpc

import "github.com/juju/loggo"

var logger = loggo.GetLogger("duplexrpc.wsrpc")
