package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"certgate/internal/channel"
	"certgate/internal/config"
	"certgate/internal/dispatch"
	"certgate/internal/http/handlers"
	applog "certgate/internal/log"
	"certgate/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "certgate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := applog.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("init log: %w", err)
	}
	defer logger.Sync()
	applog.Info(nil, "config.loaded", cfg.Fields())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	certs := services.NewCertificateService(store.Blobs, store.Meta, newVerifier(cfg.Registry))

	app := handlers.NewApp(handlers.AppOptions{
		BodyLimit:  cfg.MaxBodyBytes,
		RatePerMin: cfg.RatePerMin,
	}, handlers.NewDeps(certs))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		applog.Info(nil, "http.listen", map[string]any{"port": cfg.Port})
		if err := app.Listen(":" + cfg.Port); err != nil {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		applog.Info(nil, "shutdown.start", nil)
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	transport, err := openTransport(cfg.Channel)
	switch {
	case err != nil:
		// The gateway keeps serving without the channel.
		applog.Error(nil, "channel.setup.fail", err, map[string]any{"backend": cfg.Channel.Backend})
	case transport != nil:
		adapter := channel.NewAdapter(transport, dispatch.New(certs, "channel"), channel.Options{
			ResponseTopic:    cfg.Channel.ResponseTopic,
			AckMode:          channel.AckMode(cfg.Channel.AckMode),
			MaxInFlight:      cfg.Channel.MaxInFlight,
			ReplyParseErrors: cfg.Channel.ReplyParseErrors,
			ReplyUnknown:     cfg.Channel.ReplyUnknown,
		})
		g.Go(func() error {
			defer transport.Close()
			return adapter.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		applog.Error(nil, "shutdown.error", err, nil)
		return err
	}
	applog.Info(nil, "shutdown.done", nil)
	return nil
}
