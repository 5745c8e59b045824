package jsonrpc

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"
)

// Message is either a *Request or a *Response.
type Message interface {
	isMessage()
}

// Request asks the peer to invoke Method with Params. ID is chosen by the
// caller and echoed back verbatim in the Response.
type Request struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Response carries the outcome of a Request. A non-null Error signals
// failure, in which case Result is null.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (*Request) isMessage()  {}
func (*Response) isMessage() {}

var null = json.RawMessage("null")

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool {
	return !isNull(r.Error)
}

// Err returns the response failure as a *RemoteError, or nil.
func (r *Response) Err() error {
	if !r.Failed() {
		return nil
	}
	return newRemoteError(r.Error)
}

// MarshalJSON writes params as an array even when empty.
func (r *Request) MarshalJSON() ([]byte, error) {
	params := r.Params
	if params == nil {
		params = []json.RawMessage{}
	}
	return json.Marshal(struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}{normalize(r.ID), r.Method, params})
}

// MarshalJSON writes missing members as null.
func (r *Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}{normalize(r.ID), normalize(r.Result), normalize(r.Error)})
}

// NewRequest builds a Request, encoding each param as JSON.
func NewRequest(id any, method string, params ...any) (*Request, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, errors.Annotate(err, "encoding request id")
	}
	raw := make([]json.RawMessage, 0, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Annotatef(err, "encoding param %d of %q", i, method)
		}
		raw = append(raw, b)
	}
	return &Request{ID: rawID, Method: method, Params: raw}, nil
}

// NewResponse folds the outcome of a call into a Response. A nil result
// becomes null. A result that cannot be encoded becomes an error response.
func NewResponse(id json.RawMessage, result any, err error) *Response {
	if err != nil {
		return ErrorResponse(id, err)
	}
	if result == nil {
		return &Response{ID: id, Result: null, Error: null}
	}
	b, merr := json.Marshal(result)
	if merr != nil {
		return ErrorResponse(id, errors.Annotate(merr, "result is not JSON"))
	}
	return &Response{ID: id, Result: b, Error: null}
}

// ErrorResponse returns a failed Response whose error is the stringified err.
func ErrorResponse(id json.RawMessage, err error) *Response {
	b, _ := json.Marshal(err.Error())
	return &Response{ID: id, Result: null, Error: b}
}

// Encode writes the wire form of a message without any extra envelope.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case *Request:
		return json.Marshal(m)
	case *Response:
		return json.Marshal(m)
	default:
		return nil, errors.Errorf("jsonrpc: cannot encode %T", m)
	}
}

var (
	requestKeys  = [3]string{"id", "method", "params"}
	responseKeys = [3]string{"id", "result", "error"}
)

// Decode classifies data as a Request or Response by its exact set of
// members. Invalid JSON and any other shape yield ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Annotatef(ErrMalformedMessage, "parse error: %v", err)
	}
	switch {
	case hasExactly(fields, requestKeys):
		return decodeRequest(fields)
	case hasExactly(fields, responseKeys):
		return &Response{
			ID:     fields["id"],
			Result: fields["result"],
			Error:  fields["error"],
		}, nil
	default:
		return nil, errors.Annotate(ErrMalformedMessage, "not a JSON-RPC request or response")
	}
}

func decodeRequest(fields map[string]json.RawMessage) (*Request, error) {
	var method string
	if err := json.Unmarshal(fields["method"], &method); err != nil {
		return nil, errors.Annotate(ErrMalformedMessage, "method must be a string")
	}
	params, err := decodeParams(fields["params"])
	if err != nil {
		return nil, err
	}
	return &Request{ID: fields["id"], Method: method, Params: params}, nil
}

// decodeParams accepts an array of params, null for none, and treats any
// other value as the single param.
func decodeParams(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case isNull(trimmed):
		return nil, nil
	case trimmed[0] == '[':
		var params []json.RawMessage
		if err := json.Unmarshal(trimmed, &params); err != nil {
			return nil, errors.Annotatef(ErrMalformedMessage, "params: %v", err)
		}
		return params, nil
	default:
		return []json.RawMessage{trimmed}, nil
	}
}

// BestEffortID extracts the id member of a message that failed to decode,
// returning null when there is none.
func BestEffortID(data []byte) json.RawMessage {
	var peek struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &peek); err != nil || peek.ID == nil {
		return null
	}
	return peek.ID
}

func hasExactly(fields map[string]json.RawMessage, keys [3]string) bool {
	if len(fields) != len(keys) {
		return false
	}
	for _, k := range keys {
		if _, ok := fields[k]; !ok {
			return false
		}
	}
	return true
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, null)
}

func normalize(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return null
	}
	return raw
}
