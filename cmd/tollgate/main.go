// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

// Tollgate is the billing gateway daemon: it mirrors on-chain deposit
// balances into a local ledger and meters inference requests against
// them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tollgate/chain"
	"github.com/bureau-foundation/tollgate/config"
	"github.com/bureau-foundation/tollgate/gateway"
	"github.com/bureau-foundation/tollgate/ledger"
	"github.com/bureau-foundation/tollgate/lib/clock"
	"github.com/bureau-foundation/tollgate/lib/process"
	"github.com/bureau-foundation/tollgate/mirror"
	"github.com/bureau-foundation/tollgate/pricing"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  = pflag.String("config", "", "path to config file (or TOLLGATE_CONFIG)")
		listen      = pflag.String("listen", "", "listen address override")
		database    = pflag.String("db", "", "ledger database path override")
		showVersion = pflag.Bool("version", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("tollgate %s\n", version)
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(config.Path(*configPath))
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *database != "" {
		cfg.Database = *database
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting tollgate",
		"version", version,
		"listen", cfg.Listen,
		"database", cfg.Database,
		"program", cfg.Chain.ProgramID,
	)

	store, err := ledger.Open(ledger.Config{
		Path:           cfg.Database,
		ReferenceAsset: ledger.Asset(cfg.ReferenceAsset),
		Clock:          clock.Real(),
		Logger:         logger.With("component", "ledger"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	debitOrder := []ledger.Asset{ledger.Asset(cfg.ReferenceAsset)}
	for _, asset := range cfg.Assets {
		if err := store.SeedAsset(ctx, ledger.AssetInfo{
			Asset:    ledger.Asset(asset.Mint),
			Symbol:   asset.Symbol,
			Decimals: asset.Decimals,
			Rate:     asset.Rate,
		}); err != nil {
			return err
		}
		if asset.Mint != cfg.ReferenceAsset {
			debitOrder = append(debitOrder, ledger.Asset(asset.Mint))
		}
	}

	table := pricing.Default()
	if cfg.PricingPath != "" {
		table, err = pricing.Load(cfg.PricingPath)
		if err != nil {
			return err
		}
	}

	chainClient, err := chain.NewClient(chain.ClientConfig{
		RPCURL:    cfg.Chain.RPCURL,
		ProgramID: cfg.Chain.ProgramID,
		Logger:    logger.With("component", "chain"),
	})
	if err != nil {
		return err
	}

	var subscribe mirror.SubscribeFunc
	if cfg.Chain.WSURL != "" {
		wsURL := cfg.Chain.WSURL
		subscribe = func(ctx context.Context, addresses []string) (mirror.EventSource, error) {
			return chain.Subscribe(ctx, chain.SubscriptionConfig{
				WSURL:     wsURL,
				Addresses: addresses,
				Logger:    logger.With("component", "subscription"),
			})
		}
	}

	liquidMirror, err := mirror.New(mirror.Config{
		Store:        store,
		Client:       chainClient,
		Subscribe:    subscribe,
		Clock:        clock.Real(),
		Logger:       logger.With("component", "mirror"),
		PollInterval: cfg.Chain.PollInterval.Duration,
	})
	if err != nil {
		return err
	}

	server, err := gateway.New(gateway.Config{
		Store:      store,
		Pricing:    table,
		OpenAI:     gateway.Upstream{BaseURL: cfg.OpenAI.BaseURL, APIKey: cfg.OpenAI.APIKey},
		Anthropic:  gateway.Upstream{BaseURL: cfg.Anthropic.BaseURL, APIKey: cfg.Anthropic.APIKey},
		DebitOrder: debitOrder,
		ProgramID:  cfg.Chain.ProgramID,
		Logger:     logger.With("component", "gateway"),
	})
	if err != nil {
		return err
	}

	mirrorDone := make(chan struct{})
	go func() {
		defer close(mirrorDone)
		liquidMirror.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: streamed completions run for minutes.
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.Listen)
		notifySystemd("READY=1")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve error", "error", err)
	}
	<-mirrorDone
	logger.Info("stopped")
	return nil
}

// notifySystemd writes to the sd_notify socket when running as a
// systemd service. Does nothing if NOTIFY_SOCKET is not set.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}
	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(state))
}
