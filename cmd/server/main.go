package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("GOCHAT_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gochat-relay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := server.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting gochat relay",
		zap.String("addr", cfg.Server.Addr),
		zap.String("broker", cfg.Broker.Driver),
		zap.String("cursors", cfg.Cursor.Driver),
		zap.String("node_id", cfg.Cursor.NodeID))

	relay, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build relay", zap.Error(err))
		return err
	}

	if err := relay.Run(ctx); err != nil {
		logger.Error("relay stopped with error", zap.Error(err))
		return err
	}
	return nil
}
