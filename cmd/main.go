package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/angeloszaimis/service-gateway/config"
	"github.com/angeloszaimis/service-gateway/internal/gateway"
	"github.com/angeloszaimis/service-gateway/internal/httpserver"
	"github.com/angeloszaimis/service-gateway/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log, nil); err != nil {
		log.Error("Gateway stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
}

// run serves the gateway until ctx is cancelled. ready, when set, receives
// the bound address once the listener is open.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger, ready func(addr string)) error {
	gw := gateway.New(cfg, log)
	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer gw.Stop()

	read, write, idle := cfg.Server.Timeouts()
	srv, err := httpserver.New(cfg.Server.Address, gw.Handler(), httpserver.Timeouts{
		Read:  read,
		Write: write,
		Idle:  idle,
	})
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	log.Info("Gateway listening",
		slog.String("addr", srv.Addr()),
		slog.Int("services", gw.Registry().Stats().Total))
	if ready != nil {
		ready(srv.Addr())
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
			return err
		}
		return nil
	case err := <-srvErrCh:
		return err
	}
}
