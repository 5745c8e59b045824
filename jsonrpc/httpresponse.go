package jsonrpc

// HTTPResponse is a handler result that fully controls the HTTP reply.
//
// The HTTP adapter writes it directly instead of wrapping it in a Response
// envelope. Handlers for the non-POST "http" hook must return one.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// AsHTTPResponse reports whether v is an HTTPResponse (by value or pointer).
func AsHTTPResponse(v any) (*HTTPResponse, bool) {
	switch hr := v.(type) {
	case *HTTPResponse:
		return hr, hr != nil
	case HTTPResponse:
		return &hr, true
	default:
		return nil, false
	}
}
