// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/logging"
	"github.com/nishisan-dev/n-stream/internal/server"
	"github.com/nishisan-dev/n-stream/internal/status"
)

func main() {
	configPath := flag.String("config", "/etc/nstream/gateway.yaml", "path to gateway config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, levelVar, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()

	// O registry compartilha o LevelVar (PUT /api/loglevel) e recebe o tee
	// de todo registro de log para o ring da superfície de status.
	registry := status.NewRegistry(levelVar)
	logger = slog.New(logging.NewRingHandler(logger.Handler(), registry))

	// Context com cancelamento via signal.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := server.Run(ctx, cfg, registry, logger); err != nil {
		logger.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
