// Package jsonrpc provides the method registry and wire codec shared by the
// HTTP and websocket transports.
//
// # Wire format
//
// Two message shapes exist, each with exactly three members:
//
//	{"id": <any>, "method": "<name>", "params": [<arg>, ...]}   // Request
//	{"id": <any>, "result": <any>, "error": <any>}              // Response
//
// A Response with a non-null error is a failure and has a null result.
// Decode classifies a message by its exact member set; anything else is
// reported as ErrMalformedMessage.
//
// # Registering handlers
//
// Functions are registered by name:
//
//	r := jsonrpc.NewRegistry()
//	r.MustFunc("echo", func(ctx context.Context, s string) string { return s })
//
// Exported methods of a receiver can be registered under a namespace:
//
//	type MathMethods struct{}
//
//	func (m *MathMethods) Add(ctx context.Context, a, b int) (int, error) {
//	    return a + b, nil
//	}
//
//	r.Register("math", &MathMethods{}) // -> "math.Add"
//	r.Register("", &MathMethods{})     // -> "Add"
//
// # Handler signatures
//
// Any of these forms is accepted, where the leading context is optional and
// params are decoded positionally from the request's params array:
//
//	func(ctx context.Context, params...) (result, error)
//	func(ctx context.Context, params...) result
//	func(ctx context.Context, params...) error
//	func(ctx context.Context, params...)
//
// A final variadic parameter collects any remaining params. Missing trailing
// params are passed as zero values.
//
// # Hooks
//
// Some names are invoked by the session layer when registered: "onCreate"
// and "onDestroy" at session start and end, "http" for non-POST HTTP
// requests (it must return an HTTPResponse), and "loginWithSession" for the
// duplex client handshake.
//
// # Errors
//
// Failures are matched with errors.Is against the sentinel values
// ErrMethodNotFound, ErrInvalidParams, ErrMalformedMessage,
// ErrProtocolViolation, ErrConnectionLost, ErrNotReady and ErrNoTransport.
// A failure reported by the peer is a *RemoteError.
package jsonrpc
