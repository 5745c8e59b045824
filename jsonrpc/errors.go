package jsonrpc

import (
	"encoding/json"

	"github.com/juju/errors"
)

const (
	// ErrMethodNotFound is returned when the requested method is not registered.
	ErrMethodNotFound = errors.ConstError("method not found")

	// ErrInvalidParams is returned when request params cannot be decoded into
	// the handler's arguments.
	ErrInvalidParams = errors.ConstError("invalid params")

	// ErrMalformedMessage is returned for input that is not valid JSON or is
	// neither a Request nor a Response.
	ErrMalformedMessage = errors.ConstError("malformed message")

	// ErrProtocolViolation is returned when a handler produces a value of the
	// wrong shape, e.g. an http method that does not return an HTTPResponse.
	ErrProtocolViolation = errors.ConstError("protocol violation")

	// ErrConnectionLost rejects outbound calls whose connection went away.
	ErrConnectionLost = errors.ConstError("connection lost")

	// ErrNotReady is returned by a duplex client before its login completes.
	ErrNotReady = errors.ConstError("not ready")

	// ErrNoTransport is returned when an outbound call is attempted on a
	// session that cannot send frames.
	ErrNoTransport = errors.ConstError("session has no outbound transport")
)

// RemoteError is the failure reported by the peer in a Response's error field.
type RemoteError struct {
	Message string
	// Raw holds the error value exactly as received.
	Raw json.RawMessage
}

func (e *RemoteError) Error() string {
	if e == nil {
		return "jsonrpc: remote error: <nil>"
	}
	return e.Message
}

// newRemoteError builds a RemoteError from the wire error value. String
// values become the message; any other JSON is used verbatim.
func newRemoteError(raw json.RawMessage) *RemoteError {
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		msg = string(raw)
	}
	return &RemoteError{Message: msg, Raw: raw}
}
