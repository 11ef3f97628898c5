package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/noah-isme/sma-finance-api/internal/bootstrap"
	"github.com/noah-isme/sma-finance-api/internal/cli"
	"github.com/noah-isme/sma-finance-api/pkg/config"
	"github.com/noah-isme/sma-finance-api/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(open, os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func open(ctx context.Context) (*cli.Backend, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	// The CLI logs to stderr at the configured level; stdout carries results only.
	cfg.Log.Format = "console"
	logr, err := logger.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	app, err := bootstrap.New(ctx, cfg, logr)
	if err != nil {
		return nil, nil, err
	}
	svcs := app.Services
	backend := &cli.Backend{
		Drafts:   svcs.Drafts,
		Commits:  svcs.Commits,
		Exports:  svcs.Exports,
		Fees:     svcs.FeeStructures,
		Backfill: svcs.Backfill,
	}
	closer := func() error {
		_ = logr.Sync()
		return app.Close()
	}
	return backend, closer, nil
}
