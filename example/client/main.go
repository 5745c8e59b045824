// Command client connects to the example server, logs in and calls a few
// methods. It serves "time" so that the server can call back.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/mnehpets/duplexrpc/config"
	"github.com/mnehpets/duplexrpc/jsonrpc"
	"github.com/mnehpets/duplexrpc/wsrpc"
)

var logger = loggo.GetLogger("duplexrpc.client")

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

	reg := jsonrpc.NewRegistry()
	reg.MustFunc("time", func() time.Time { return time.Now() })

	client, err := wsrpc.NewClient(wsrpc.ClientConfig{
		URL:         cfg.ClientURL,
		Token:       cfg.ClientToken,
		Registry:    reg,
		MinDelay:    cfg.MinBackoff,
		MaxDelay:    cfg.MaxBackoff,
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.WaitReady(ctx); err != nil {
		return errors.Annotate(err, "waiting for login")
	}

	calls := []struct {
		method string
		params []any
	}{
		{"ping", nil},
		{"whoami", nil},
		{"math.Add", []any{2, 3}},
		{"clientTime", nil},
	}
	for _, call := range calls {
		res, err := client.Call(ctx, call.method, call.params...)
		if err != nil {
			logger.Errorf("%s: %v", call.method, err)
			continue
		}
		logger.Infof("%s -> %s", call.method, res)
	}

	// Stay connected so the server can keep calling back.
	<-ctx.Done()
	return errors.Trace(client.Close())
}
