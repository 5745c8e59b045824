package endpoint

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type headerPreprocessor struct {
	Key   string
	Value string
}

func (hp headerPreprocessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if hp.Key != "" {
		w.Header().Set(hp.Key, hp.Value)
	}
	return next(w, r)
}

func TestHandler_Constructors(t *testing.T) {
	h1 := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &StringRenderer{Body: "h1"}, nil
	})
	hf := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &StringRenderer{Body: "hf"}, nil
	})
	type MyParams struct {
		Val string `query:"val"`
	}
	h2 := EndpointHandler[*MyParams]{
		Endpoint: func(_ http.ResponseWriter, _ *http.Request, p *MyParams) (Renderer, error) {
			return &StringRenderer{Body: "h2 " + p.Val}, nil
		},
	}

	req := httptest.NewRequest("GET", "/?val=x", nil)

	rec1 := httptest.NewRecorder()
	h1.ServeHTTP(rec1, req)
	if rec1.Body.String() != "h1" {
		t.Errorf("Handler failed")
	}

	rec2 := httptest.NewRecorder()
	hf(rec2, req)
	if rec2.Body.String() != "hf" {
		t.Errorf("HandleFunc failed")
	}

	rec3 := httptest.NewRecorder()
	h2.ServeHTTP(rec3, req)
	if rec3.Body.String() != "h2 x" {
		t.Errorf("EndpointHandler failed: %q", rec3.Body.String())
	}
}

func TestHandler_PreprocessorsThenRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	var order []string
	h := Handler(func(_ http.ResponseWriter, r *http.Request, params struct{}) (Renderer, error) {
		order = append(order, "endpoint")
		return &StringRenderer{Body: "ok"}, nil
	},
		headerPreprocessor{Key: "X-Test", Value: "1"},
		ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
			order = append(order, "processor")
			return next(w, r)
		}),
	)

	h.ServeHTTP(rec, req)

	if got := rec.Result().Header.Get("X-Test"); got != "1" {
		t.Fatalf("expected X-Test header %q, got %q", "1", got)
	}
	if got := rec.Body.String(); got != "ok" {
		t.Fatalf("expected body %q, got %q", "ok", got)
	}
	if got := strings.Join(order, ","); got != "processor,endpoint" {
		t.Fatalf("expected order processor,endpoint, got %s", got)
	}
}

func TestHandler_ProcessorShortCircuits(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/", nil)

	called := false
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		called = true
		return &StringRenderer{Body: "ok"}, nil
	}, ProcessorFunc(func(w http.ResponseWriter, r *http.Request, _ func(http.ResponseWriter, *http.Request) error) error {
		return (&NoContentRenderer{Status: http.StatusOK}).Render(w, r)
	}))

	h.ServeHTTP(rec, req)

	if called {
		t.Fatal("endpoint should not run")
	}
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("expected empty 200, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		processor  Processor
		endpoint   EndpointFunc[struct{}]
		wantStatus int
		wantBody   string
	}{
		{
			name: "EndpointErrorFromProcessor",
			processor: ProcessorFunc(func(_ http.ResponseWriter, _ *http.Request, _ func(http.ResponseWriter, *http.Request) error) error {
				return Error(http.StatusForbidden, "nope", errors.New("forbidden"))
			}),
			wantStatus: http.StatusForbidden,
			wantBody:   "nope",
		},
		{
			name: "EndpointErrorFromEndpoint",
			endpoint: func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
				return nil, Error(http.StatusUnauthorized, "unauthorized", nil)
			},
			wantStatus: http.StatusUnauthorized,
			wantBody:   "unauthorized",
		},
		{
			name: "EmptyMessageFallsBackToStatusText",
			endpoint: func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
				return nil, Error(http.StatusNotFound, "", errors.New("missing"))
			},
			wantStatus: http.StatusNotFound,
			wantBody:   http.StatusText(http.StatusNotFound),
		},
		{
			name: "PlainErrorIs500",
			endpoint: func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
				return nil, errors.New("boom")
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "boom",
		},
		{
			name: "NilRendererIs500",
			endpoint: func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
				return nil, nil
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "endpoint: nil renderer",
		},
		{
			name: "RendererErrorIs500",
			endpoint: func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
				return RendererFunc(func(http.ResponseWriter, *http.Request) error {
					return errors.New("render failed")
				}), nil
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "render failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint := tt.endpoint
			if endpoint == nil {
				endpoint = func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
					return &StringRenderer{Body: "ok"}, nil
				}
			}
			var processors []Processor
			if tt.processor != nil {
				processors = append(processors, tt.processor)
			}
			rec := httptest.NewRecorder()
			Handler(endpoint, processors...).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.wantBody {
				t.Fatalf("expected body %q, got %q", tt.wantBody, got)
			}
		})
	}
}

func TestHandler_NilPreprocessor_Is500(t *testing.T) {
	rec := httptest.NewRecorder()
	h := Handler(func(_ http.ResponseWriter, r *http.Request, params struct{}) (Renderer, error) {
		return &StringRenderer{Body: "ok"}, nil
	}, nil)

	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
}

func TestHandler_NilEndpoint_Is500(t *testing.T) {
	rec := httptest.NewRecorder()
	h := &EndpointHandler[struct{}]{}
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
}

func TestHandler_OnError_RendersFailures(t *testing.T) {
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, p struct {
		N int `query:"n"`
	}) (Renderer, error) {
		return &StringRenderer{Body: "ok"}, nil
	}, headerPreprocessor{Key: "X-Test", Value: "1"})

	var seen error
	h.OnError = func(err error) Renderer {
		seen = err
		return &JSONRenderer{Status: http.StatusBadGateway, Value: map[string]string{"error": "bad"}}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?n=nope", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, rec.Code)
	}
	if got := rec.Body.String(); got != `{"error":"bad"}` {
		t.Fatalf("unexpected body %q", got)
	}
	if got := rec.Result().Header.Get("X-Test"); got != "1" {
		t.Fatalf("processor headers lost on error, got %q", got)
	}
	if StatusOf(seen) != http.StatusBadRequest {
		t.Fatalf("expected decode error status 400, got %d (%v)", StatusOf(seen), seen)
	}
}

func TestEndpointError_Unwrap_PreservesCause(t *testing.T) {
	cause := errors.New("root")
	err := Error(http.StatusTeapot, "teapot", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved")
	}
	if err.Error() != "teapot: root" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	// Wrapping an EndpointError again keeps the inner status.
	if again := Error(http.StatusBadRequest, "other", err); StatusOf(again) != http.StatusTeapot {
		t.Fatalf("expected inner status to win, got %d", StatusOf(again))
	}
}
