// Command server serves a method registry over HTTP and websockets.
//
// POST / and POST /rpc/<method> are one-shot calls; /ws upgrades to a
// duplex connection on which the server can also call the client. Prometheus
// metrics are exposed on /metrics.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mnehpets/duplexrpc/config"
	"github.com/mnehpets/duplexrpc/httprpc"
	"github.com/mnehpets/duplexrpc/jsonrpc"
	"github.com/mnehpets/duplexrpc/middleware"
	"github.com/mnehpets/duplexrpc/session"
	"github.com/mnehpets/duplexrpc/wsrpc"
)

var logger = loggo.GetLogger("duplexrpc.server")

type MathMethods struct{}

func (m *MathMethods) Add(ctx context.Context, a, b int) (int, error) {
	return a + b, nil
}

func (m *MathMethods) Sub(ctx context.Context, args struct {
	A int `json:"a"`
	B int `json:"b"`
}) (int, error) {
	return args.A - args.B, nil
}

func main() {
	if err := run(); err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Annotate(err, "loading config")
	}
	if err := loggo.ConfigureLoggers(cfg.LogConfig); err != nil {
		return errors.Annotate(err, "configuring loggers")
	}

	codec, err := tokenCodec(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	reg, err := registry(codec)
	if err != nil {
		return errors.Trace(err)
	}

	collector := session.NewMetricsCollector()
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collector)
	manager := session.NewManager(reg, session.WithCollector(collector))

	mux := http.NewServeMux()
	mux.Handle("/ws", wsrpc.NewHandler(manager, wsrpc.WithKeepaliveInterval(cfg.Keepalive)))
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/", httprpc.NewHandler(manager))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		logger.Infof("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Annotate(err, "serving")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Trace(srv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// tokenCodec builds the codec for login tokens. Without configured keys an
// ephemeral key is generated and a demo token is logged.
func tokenCodec(cfg config.Config) (*middleware.TokenCodec, error) {
	keys := cfg.TokenKeys
	ephemeral := len(keys) == 0
	if ephemeral {
		key := make([]byte, middleware.DefaultAEADKeysize)
		if _, err := rand.Read(key); err != nil {
			return nil, errors.Annotate(err, "generating token key")
		}
		keys = map[string][]byte{cfg.TokenKeyID: key}
	}
	codec, err := middleware.NewTokenCodec(cfg.TokenKeyID, keys)
	if err != nil {
		return nil, errors.Annotate(err, "creating token codec")
	}
	if ephemeral {
		token, err := codec.Issue("demo", "", 24*time.Hour)
		if err != nil {
			return nil, errors.Trace(err)
		}
		logger.Infof("no token keys configured; demo token: %s", token)
	}
	return codec, nil
}

func registry(codec *middleware.TokenCodec) (*jsonrpc.Registry, error) {
	reg := jsonrpc.NewRegistry()
	reg.Register("math", &MathMethods{})

	reg.MustFunc(jsonrpc.OnCreate, middleware.AuthenticateSession(codec))
	reg.MustFunc(jsonrpc.OnDestroy, func(ctx context.Context) {
		if s, ok := session.FromContext(ctx); ok {
			logger.Debugf("session %s destroyed", s.ID())
		}
	})
	reg.MustFunc(jsonrpc.LoginMethod, middleware.LoginMethod(codec))
	reg.MustFunc(jsonrpc.HTTPHook, func(ctx context.Context, body string) jsonrpc.HTTPResponse {
		return jsonrpc.HTTPResponse{
			Status:  http.StatusOK,
			Headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
			Body:    "duplexrpc server\n",
		}
	})

	reg.MustFunc("ping", func() string { return "pong" })
	reg.MustFunc("whoami", middleware.Authenticated)

	// clientTime asks the calling client for its clock.
	if err := reg.Func("clientTime", func(ctx context.Context) (json.RawMessage, error) {
		s, ok := session.FromContext(ctx)
		if !ok {
			return nil, errors.New("no session")
		}
		return s.Call(ctx, "time")
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return reg, nil
}
