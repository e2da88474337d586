// Gate bridge drives one parking gate: it supervises the gate controller and
// card reader links, runs the transaction loop or card relay for the
// configured gate mode and serves the operator API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/api"
	"github.com/NotCoffee418/gate_bridge/pkg/config"
	"github.com/NotCoffee418/gate_bridge/pkg/eventfeed"
	"github.com/NotCoffee418/gate_bridge/pkg/gatectl"
	"github.com/NotCoffee418/gate_bridge/pkg/logsink"
	"github.com/NotCoffee418/gate_bridge/pkg/netprobe"
	"github.com/NotCoffee418/gate_bridge/pkg/pathing"
	"github.com/NotCoffee418/gate_bridge/pkg/portlist"
	"github.com/NotCoffee418/gate_bridge/pkg/settings"
	"github.com/NotCoffee418/gate_bridge/pkg/upstream"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gate bridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := pathing.EnsureDirs(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	// Load config
	if err := config.LoadGatewayConfig(); err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}
	cfg := config.ActiveGatewayConfig

	logger, sink := logsink.Init(logsink.Config{
		App:     "gate_bridge",
		Dir:     pathing.GetLogDir(),
		Level:   cfg.LogLevel,
		Console: cfg.LogToConsole,
	})
	defer sink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open settings store and seed it from the [serial] section
	store, err := settings.OpenSQLite(pathing.GetSettingsDbPath())
	if err != nil {
		log.Error().Err(err).Msg("failed to open settings store")
		return fmt.Errorf("open settings store: %w", err)
	}
	defer store.Close()
	if err := store.Seed(ctx, cfg.SettingsSeed()); err != nil {
		log.Error().Err(err).Msg("failed to seed settings store")
		return fmt.Errorf("seed settings store: %w", err)
	}

	hub := eventfeed.NewHub(logger)
	defer hub.Close()

	client := upstream.NewClient(cfg.Server.APIURL, cfg.Server.APITimeout(), logger)

	gw, err := gatectl.New(gatectl.Options{
		Config:   cfg,
		Settings: store,
		Upstream: client,
		Feed:     hub,
		Logger:   logger,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build gateway")
		return fmt.Errorf("build gateway: %w", err)
	}
	gw.Start(ctx)
	defer gw.Close()

	srv := api.New(api.Deps{
		Gateway:      gw,
		Upstream:     client,
		Ports:        portlist.System,
		Prober:       netprobe.New(),
		UpstreamHost: client.Host(),
		Feed:         hub.ServeWS,
		Logger:       logger,
	})

	listener := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(listener)
	}()
	log.Info().
		Str("gate_mode", cfg.GateMode).
		Str("listen", listener).
		Msg("gate bridge started")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error().Err(serveErr).Msg("http server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	if serveErr != nil {
		return fmt.Errorf("serve http: %w", serveErr)
	}
	return nil
}
