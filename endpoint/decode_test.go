package endpoint

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestUnmarshal_PathQueryHeader(t *testing.T) {
	type params struct {
		Method string   `path:"method"`
		Limit  int      `query:"limit"`
		Debug  bool     `query:"debug"`
		Ratio  float64  `query:"ratio"`
		Auth   string   `header:"Authorization"`
		Tags   []string `header:"X-Tag"`
		Opt    *string  `query:"opt"`
		Skip   string   `query:"-"`
		Plain  string
	}

	var got params
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/{method}", func(w http.ResponseWriter, r *http.Request) {
		if err := Unmarshal(r, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/rpc/echo?limit=5&debug=true&ratio=0.5&skip=1&plain=x", nil)
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Add("X-Tag", "a")
	req.Header.Add("X-Tag", "b")
	mux.ServeHTTP(httptest.NewRecorder(), req)

	if got.Method != "echo" {
		t.Errorf("Method = %q, want echo", got.Method)
	}
	if got.Limit != 5 || !got.Debug || got.Ratio != 0.5 {
		t.Errorf("query values not decoded: %+v", got)
	}
	if got.Auth != "Bearer abc" {
		t.Errorf("Auth = %q", got.Auth)
	}
	if strings.Join(got.Tags, ",") != "a,b" {
		t.Errorf("Tags = %v", got.Tags)
	}
	if got.Opt != nil {
		t.Errorf("missing pointer field should stay nil")
	}
	if got.Skip != "" || got.Plain != "" {
		t.Errorf("ignored fields were set: %+v", got)
	}
}

func TestUnmarshal_Body(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		decode      func(r *http.Request) (any, error)
		want        any
		wantStatus  int
	}{
		{
			name: "Bytes",
			body: `{"id":1}`,
			decode: func(r *http.Request) (any, error) {
				var p struct {
					Body []byte `body:""`
				}
				err := Unmarshal(r, &p)
				return string(p.Body), err
			},
			want: `{"id":1}`,
		},
		{
			name: "String",
			body: "hello",
			decode: func(r *http.Request) (any, error) {
				var p struct {
					Body string `body:""`
				}
				err := Unmarshal(r, &p)
				return p.Body, err
			},
			want: "hello",
		},
		{
			name:        "JSONDefaultForStructs",
			body:        `{"name":"x"}`,
			contentType: "application/json",
			decode: func(r *http.Request) (any, error) {
				var p struct {
					Body struct {
						Name string `json:"name"`
					} `body:""`
				}
				err := Unmarshal(r, &p)
				return p.Body.Name, err
			},
			want: "x",
		},
		{
			name:        "JSONRequiresContentType",
			body:        `{"name":"x"}`,
			contentType: "text/plain",
			decode: func(r *http.Request) (any, error) {
				var p struct {
					Body map[string]any `body:",json"`
				}
				return nil, Unmarshal(r, &p)
			},
			wantStatus: http.StatusUnsupportedMediaType,
		},
		{
			name: "OverLimit",
			body: "0123456789",
			decode: func(r *http.Request) (any, error) {
				var p struct {
					Body []byte `body:"" maxLength:"4"`
				}
				return nil, Unmarshal(r, &p)
			},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name: "Unlimited",
			body: strings.Repeat("x", 20000),
			decode: func(r *http.Request) (any, error) {
				var p struct {
					Body []byte `body:"" maxLength:"0"`
				}
				err := Unmarshal(r, &p)
				return len(p.Body), err
			},
			want: 20000,
		},
		{
			name: "DefaultLimit",
			body: strings.Repeat("x", 20000),
			decode: func(r *http.Request) (any, error) {
				var p struct {
					Body []byte `body:""`
				}
				return nil, Unmarshal(r, &p)
			},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name: "MultipleBodyFields",
			body: "x",
			decode: func(r *http.Request) (any, error) {
				var p struct {
					A string `body:""`
					B string `body:""`
				}
				return nil, Unmarshal(r, &p)
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			got, err := tt.decode(req)
			if tt.wantStatus != 0 {
				if err == nil {
					t.Fatalf("expected error")
				}
				if StatusOf(err) != tt.wantStatus {
					t.Fatalf("expected status %d, got %d (%v)", tt.wantStatus, StatusOf(err), err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnmarshal_InvalidTargets(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	var s string
	if err := Unmarshal(req, &s); StatusOf(err) != http.StatusInternalServerError {
		t.Errorf("non-struct: expected 500, got %v", err)
	}
	if err := Unmarshal(req, struct{}{}); StatusOf(err) != http.StatusInternalServerError {
		t.Errorf("non-pointer: expected 500, got %v", err)
	}
	var bad struct {
		N int `query:"n" maxLength:"x"`
	}
	if err := Unmarshal(req, &bad); StatusOf(err) != http.StatusInternalServerError {
		t.Errorf("bad maxLength: expected 500, got %v", err)
	}
	var flag struct {
		N int `query:"n,base64"`
	}
	if err := Unmarshal(req, &flag); StatusOf(err) != http.StatusInternalServerError {
		t.Errorf("unknown flag: expected 500, got %v", err)
	}
}

func TestUnmarshal_TextUnmarshaler(t *testing.T) {
	var p struct {
		When time.Time `query:"when"`
	}
	req := httptest.NewRequest(http.MethodGet, "/?when=2024-01-02T03:04:05Z", nil)
	if err := Unmarshal(req, &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.When.Year() != 2024 || p.When.Hour() != 3 {
		t.Fatalf("unexpected time %v", p.When)
	}
}

func TestUnmarshal_QueryJSON(t *testing.T) {
	var p struct {
		Filter map[string]int `query:"filter,json"`
	}
	req := httptest.NewRequest(http.MethodGet, `/?filter=%7B%22a%22%3A1%7D`, nil)
	if err := Unmarshal(req, &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.Filter["a"] != 1 {
		t.Fatalf("unexpected filter %v", p.Filter)
	}
}
