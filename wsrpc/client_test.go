package wsrpc

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"

	"github.com/mnehpets/duplexrpc/jsonrpc"
	"github.com/mnehpets/duplexrpc/middleware"
	"github.com/mnehpets/duplexrpc/session"
)

type testServer struct {
	url     string
	manager *session.Manager
	codec   *middleware.TokenCodec
}

// newTestServer serves reg over websockets, with login backed by a token
// codec.
func newTestServer(c *qt.C, reg *jsonrpc.Registry) *testServer {
	c.Helper()
	keys := map[string][]byte{"k1": []byte(strings.Repeat("k", middleware.DefaultAEADKeysize))}
	codec, err := middleware.NewTokenCodec("k1", keys)
	c.Assert(err, qt.IsNil)
	reg.MustFunc(jsonrpc.LoginMethod, middleware.LoginMethod(codec))

	m := session.NewManager(reg)
	srv := httptest.NewServer(NewHandler(m))
	c.Cleanup(srv.Close)
	return &testServer{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		manager: m,
		codec:   codec,
	}
}

func (ts *testServer) token(c *qt.C, subject string) string {
	c.Helper()
	tok, err := ts.codec.Issue(subject, "", time.Hour)
	c.Assert(err, qt.IsNil)
	return tok
}

func newTestClient(c *qt.C, cfg ClientConfig) *Client {
	c.Helper()
	if cfg.MinDelay == 0 {
		cfg.MinDelay = 5 * time.Millisecond
		cfg.MaxDelay = 50 * time.Millisecond
	}
	client, err := NewClient(cfg)
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { _ = client.Close() })
	return client
}

func waitReady(c *qt.C, client *Client) {
	c.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), shortWait)
	defer cancel()
	c.Assert(client.WaitReady(ctx), qt.IsNil)
}

func decodeString(c *qt.C, raw json.RawMessage) string {
	c.Helper()
	var s string
	c.Assert(json.Unmarshal(raw, &s), qt.IsNil)
	return s
}

func serverRegistry() *jsonrpc.Registry {
	reg := jsonrpc.NewRegistry()
	reg.MustFunc("ping", func() string { return "pong" })
	reg.MustFunc("whoami", func(ctx context.Context) (string, error) {
		return middleware.Authenticated(ctx)
	})
	reg.MustFunc("askClient", func(ctx context.Context) (string, error) {
		s, err := sessionOf(ctx)
		if err != nil {
			return "", err
		}
		raw, err := s.Call(ctx, "clientName")
		if err != nil {
			return "", err
		}
		var name string
		err = json.Unmarshal(raw, &name)
		return name, err
	})
	return reg
}

func TestClientLoginAndPing(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(c, serverRegistry())

	client := newTestClient(c, ClientConfig{URL: ts.url, Token: ts.token(c, "alice")})
	waitReady(c, client)
	c.Assert(client.State(), qt.Equals, Ready)

	ctx := context.Background()
	res, err := client.Call(ctx, "ping")
	c.Assert(err, qt.IsNil)
	c.Assert(decodeString(c, res), qt.Equals, "pong")

	res, err = client.Call(ctx, "whoami")
	c.Assert(err, qt.IsNil)
	c.Assert(decodeString(c, res), qt.Equals, "alice")

	_, err = client.Call(ctx, "missing")
	var remote *jsonrpc.RemoteError
	c.Assert(errors.As(err, &remote), qt.IsTrue)
	c.Assert(remote.Message, qt.Matches, `.*method not found`)
}

func TestClientServesServerCalls(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(c, serverRegistry())

	reg := jsonrpc.NewRegistry()
	reg.MustFunc("clientName", func() string { return "alpha" })
	client := newTestClient(c, ClientConfig{URL: ts.url, Token: ts.token(c, "bob"), Registry: reg})
	waitReady(c, client)

	res, err := client.Call(context.Background(), "askClient")
	c.Assert(err, qt.IsNil)
	c.Assert(decodeString(c, res), qt.Equals, "alpha")
}

func TestClientNotReady(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	client := newTestClient(c, ClientConfig{URL: url})
	_, err := client.Call(context.Background(), "ping")
	c.Assert(errors.Is(err, jsonrpc.ErrNotReady), qt.IsTrue)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Assert(errors.Is(client.WaitReady(ctx), context.DeadlineExceeded), qt.IsTrue)

	c.Assert(client.Close(), qt.IsNil)
	c.Assert(client.State(), qt.Equals, Closed)
	c.Assert(errors.Is(client.WaitReady(context.Background()), ErrClosed), qt.IsTrue)
}

func TestClientRejectedLoginGivesUp(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(c, serverRegistry())

	client := newTestClient(c, ClientConfig{URL: ts.url, Token: "forged", MaxAttempts: 2})
	err := client.Wait()
	c.Assert(err, qt.ErrorMatches, `connecting to .*`)
	c.Assert(client.State(), qt.Equals, Closed)
}

func TestClientConnectionLossRejectsPendingAndReconnects(t *testing.T) {
	c := qt.New(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	c.Cleanup(func() { close(release) })

	reg := serverRegistry()
	reg.MustFunc("hang", func() {
		entered <- struct{}{}
		<-release
	})
	ts := newTestServer(c, reg)

	client := newTestClient(c, ClientConfig{URL: ts.url, Token: ts.token(c, "carol")})
	waitReady(c, client)

	errc := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "hang")
		errc <- err
	}()
	select {
	case <-entered:
	case <-time.After(shortWait):
		c.Fatal("hang was not called")
	}

	sessions := ts.manager.Sessions()
	c.Assert(sessions, qt.HasLen, 1)
	first := sessions[0].ID()
	c.Assert(sessions[0].Close(), qt.IsNil)

	select {
	case err := <-errc:
		c.Assert(errors.Is(err, jsonrpc.ErrConnectionLost), qt.IsTrue)
	case <-time.After(shortWait):
		c.Fatal("pending call was not rejected")
	}

	// The client comes back on a new session.
	deadline := time.Now().Add(shortWait)
	for {
		res, err := client.Call(context.Background(), "ping")
		if err == nil {
			c.Assert(decodeString(c, res), qt.Equals, "pong")
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("client did not reconnect: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	sessions = ts.manager.Sessions()
	c.Assert(sessions, qt.HasLen, 1)
	c.Assert(sessions[0].ID(), qt.Not(qt.Equals), first)
}

func TestClientConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		err  string
	}{
		{name: "empty url", cfg: ClientConfig{}, err: "empty URL not valid"},
		{name: "negative delay", cfg: ClientConfig{URL: "ws://x", MinDelay: -1}, err: "negative backoff delay not valid"},
		{name: "inverted delays", cfg: ClientConfig{URL: "ws://x", MinDelay: time.Minute, MaxDelay: time.Second}, err: "MinDelay 1m0s above MaxDelay 1s not valid"},
		{name: "ok", cfg: ClientConfig{URL: "ws://x"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := qt.New(t)
			err := test.cfg.Validate()
			if test.err == "" {
				c.Assert(err, qt.IsNil)
				return
			}
			c.Assert(err, qt.ErrorMatches, test.err)
			c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
		})
	}
}

func TestStateString(t *testing.T) {
	c := qt.New(t)
	c.Assert(LoggingIn.String(), qt.Equals, "logging in")
	c.Assert(State(42).String(), qt.Equals, "unknown")
}
