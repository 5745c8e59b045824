// Package httprpc serves a method registry over one-shot HTTP requests.
//
// Every POST is dispatched in its own session that lives for that request
// only. The body is either a full Request envelope or, for paths of the form
// /rpc/<method>, the single parameter of <method>. Replies are Response
// envelopes with status 200 on success and 502 on any failure, unless the
// method returns a jsonrpc.HTTPResponse, which is written as is.
//
// OPTIONS requests are answered with permissive CORS headers. Any other
// method is passed to the registry's "http" method when one is registered.
package httprpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/mnehpets/duplexrpc/endpoint"
	"github.com/mnehpets/duplexrpc/jsonrpc"
	"github.com/mnehpets/duplexrpc/middleware"
	"github.com/mnehpets/duplexrpc/session"
)

var logger = loggo.GetLogger("duplexrpc.httprpc")

// ErrNoHTTPHandler is reported for non-POST requests when no "http"
// method is registered.
const ErrNoHTTPHandler = errors.ConstError("default http handler not found")

const (
	// RPCPrefix selects the single-parameter form of a call.
	RPCPrefix = "/rpc/"

	// tokenPrefixLen is the length of the "Bearer " scheme prefix removed
	// from the Authorization header.
	tokenPrefixLen = 7

	jsonContentType = "application/json"
)

// Session variables seeded from the request.
const (
	VarToken       = "token"
	VarHeaders     = "headers"
	VarMethod      = "method"
	VarURL         = "url"
	VarHTTPVersion = "httpVersion"
	VarBody        = "body"
)

type params struct {
	Body          []byte `body:"" maxLength:"1048576"`
	Authorization string `header:"Authorization"`
}

// Handler is the HTTP adapter for a session.Manager.
type Handler struct {
	manager *session.Manager
	inner   *endpoint.EndpointHandler[params]
}

// NewHandler returns an http.Handler dispatching to m. processors run after
// the permissive CORS processor and before the call is dispatched.
func NewHandler(m *session.Manager, processors ...endpoint.Processor) *Handler {
	h := &Handler{manager: m}
	procs := append([]endpoint.Processor{middleware.NewPermissiveCORS()}, processors...)
	h.inner = endpoint.Handler(h.serve, procs...)
	h.inner.OnError = func(err error) endpoint.Renderer {
		return errorRenderer(nil, err)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.inner.ServeHTTP(w, r)
}

func (h *Handler) serve(_ http.ResponseWriter, r *http.Request, p params) (endpoint.Renderer, error) {
	switch r.Method {
	case http.MethodOptions:
		return &endpoint.NoContentRenderer{Status: http.StatusOK}, nil
	case http.MethodPost:
		return h.serveCall(r, p), nil
	default:
		return h.serveHook(r, p), nil
	}
}

func (h *Handler) serveCall(r *http.Request, p params) endpoint.Renderer {
	req, err := parseRequest(r.URL.Path, p.Body)
	if err != nil {
		var id json.RawMessage
		if !strings.HasPrefix(r.URL.Path, RPCPrefix) {
			id = jsonrpc.BestEffortID(p.Body)
		}
		logger.Debugf("rejecting %s: %v", r.URL.Path, err)
		return errorRenderer(id, err)
	}

	vars := requestVars(r)
	vars[VarBody] = req
	if p.Authorization != "" {
		vars[VarToken] = bearerToken(p.Authorization)
	}

	s, err := h.manager.Create(r.Context(), vars, nil, nil)
	if err != nil {
		return errorRenderer(req.ID, err)
	}
	resp, result := s.Dispatch(r.Context(), req)
	if err := s.Close(); err != nil {
		logger.Warningf("closing session %s: %v", s.ID(), err)
	}

	if hr, ok := jsonrpc.AsHTTPResponse(result); ok {
		return httpResponseRenderer(hr, jsonContentType)
	}
	status := http.StatusOK
	if resp.Failed() {
		status = http.StatusBadGateway
	}
	return &endpoint.JSONRenderer{Status: status, Value: resp}
}

func (h *Handler) serveHook(r *http.Request, p params) endpoint.Renderer {
	if !h.manager.Registry().Has(jsonrpc.HTTPHook) {
		return errorRenderer(nil, ErrNoHTTPHandler)
	}

	s, err := h.manager.Create(r.Context(), requestVars(r), nil, nil)
	if err != nil {
		return errorRenderer(nil, err)
	}
	defer s.Close()

	body, err := json.Marshal(string(p.Body))
	if err != nil {
		return errorRenderer(nil, err)
	}
	result, err := s.InvokeLocal(r.Context(), jsonrpc.HTTPHook, []json.RawMessage{body})
	if err != nil {
		return errorRenderer(nil, err)
	}
	hr, ok := jsonrpc.AsHTTPResponse(result)
	if !ok {
		return errorRenderer(nil, errors.Annotatef(jsonrpc.ErrProtocolViolation, "%s method returned %T", jsonrpc.HTTPHook, result))
	}
	return httpResponseRenderer(hr, "")
}

// parseRequest builds the Request carried by a POST.
func parseRequest(path string, body []byte) (*jsonrpc.Request, error) {
	if method, ok := strings.CutPrefix(path, RPCPrefix); ok {
		if method == "" {
			return nil, errors.Annotate(jsonrpc.ErrMalformedMessage, "missing method name")
		}
		req := &jsonrpc.Request{ID: json.RawMessage("0"), Method: method}
		if len(body) > 0 {
			if !json.Valid(body) {
				return nil, errors.Annotate(jsonrpc.ErrMalformedMessage, "body is not JSON")
			}
			req.Params = []json.RawMessage{body}
		}
		return req, nil
	}

	msg, err := jsonrpc.Decode(body)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		return nil, errors.Annotate(jsonrpc.ErrMalformedMessage, "not a JSON-RPC request")
	}
	return req, nil
}

func bearerToken(authorization string) string {
	if len(authorization) < tokenPrefixLen {
		return ""
	}
	return authorization[tokenPrefixLen:]
}

func requestVars(r *http.Request) map[string]any {
	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		headers[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return map[string]any{
		VarHeaders:     headers,
		VarMethod:      r.Method,
		VarURL:         r.URL.RequestURI(),
		VarHTTPVersion: fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
	}
}

func errorRenderer(id json.RawMessage, err error) endpoint.Renderer {
	return &endpoint.JSONRenderer{
		Status: http.StatusBadGateway,
		Value:  jsonrpc.ErrorResponse(id, err),
	}
}

// httpResponseRenderer writes hr as is. contentType applies when hr sets no
// Content-Type header.
func httpResponseRenderer(hr *jsonrpc.HTTPResponse, contentType string) endpoint.Renderer {
	return &endpoint.StringRenderer{
		Status:      hr.Status,
		Body:        hr.Body,
		ContentType: contentType,
		Header:      hr.Headers,
	}
}
