package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig configures Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	// AllowedOrigins lists the origins allowed to make requests. "*" allows
	// any origin unless AllowCredentials is set.
	AllowedOrigins []string

	// AllowedMethods is sent as Access-Control-Allow-Methods.
	AllowedMethods []string

	// AllowedHeaders is sent as Access-Control-Allow-Headers.
	AllowedHeaders []string

	// ExposedHeaders is sent as Access-Control-Expose-Headers.
	ExposedHeaders []string

	// AllowCredentials sets Access-Control-Allow-Credentials.
	AllowCredentials bool

	// MaxAge is how long (in seconds) preflight results may be cached.
	MaxAge int

	// Always sets the headers on every response, including requests
	// without an Origin header, and sends the method and header lists on
	// non-preflight responses too.
	Always bool
}

// CORSProcessor is an endpoint.Processor that sets CORS response headers.
// It never short-circuits: preflight handling is left to the endpoint.
type CORSProcessor struct {
	Config CORSConfig
}

// NewCORSProcessor returns a CORSProcessor for config.
func NewCORSProcessor(config CORSConfig) *CORSProcessor {
	return &CORSProcessor{Config: config}
}

// NewPermissiveCORS allows any origin, method and header on every response.
func NewPermissiveCORS() *CORSProcessor {
	return NewCORSProcessor(CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"*"},
		AllowedHeaders: []string{"*"},
		Always:         true,
	})
}

// Process implements endpoint.Processor.
func (p *CORSProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	setCORSHeaders(w.Header(), r, &p.Config)
	return next(w, r)
}

// Headers returns the CORS headers p would set for r.
func (p *CORSProcessor) Headers(r *http.Request) http.Header {
	h := http.Header{}
	setCORSHeaders(h, r, &p.Config)
	return h
}

func setCORSHeaders(h http.Header, r *http.Request, config *CORSConfig) {
	origin := r.Header.Get("Origin")
	if origin == "" && !config.Always {
		return
	}

	for _, allowed := range config.AllowedOrigins {
		if allowed == "*" {
			// '*' must not be combined with credentials.
			if config.AllowCredentials {
				continue
			}
			h.Set("Access-Control-Allow-Origin", "*")
			break
		} else if origin != "" && allowed == origin {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			break
		}
	}

	if config.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(config.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(config.ExposedHeaders, ", "))
	}

	if r.Method != http.MethodOptions && !config.Always {
		return
	}
	if len(config.AllowedMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
	}
	if len(config.AllowedHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
	}
	if r.Method == http.MethodOptions && config.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
	}
}
