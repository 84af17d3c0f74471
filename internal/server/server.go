// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o servidor HTTP de streaming (nstream-gateway).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/n-stream/internal/buffer"
	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/status"
	"github.com/nishisan-dev/n-stream/internal/stream"
)

// Worker é um domínio de escalonamento: pool de buffers e contadores de
// envio próprios, conexões atribuídas em round-robin no accept.
type Worker struct {
	ID   int
	Pool *buffer.Pool
	Send *stream.SendStats
}

// Server agrega o estado do processo.
type Server struct {
	cfg      *config.GatewayConfig
	logger   *slog.Logger
	registry *status.Registry
	workers  []*Worker
	nextConn atomic.Uint64
}

// Run inicia o gateway e bloqueia até o context ser cancelado.
func Run(ctx context.Context, cfg *config.GatewayConfig, registry *status.Registry, logger *slog.Logger) error {
	ln, err := listenReuseport(ctx, cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	defer ln.Close()

	logger.Info("gateway listening", "address", cfg.Server.Listen, "workers", cfg.Server.Workers)
	return RunWithListener(ctx, ln, cfg, registry, logger)
}

// RunWithListener inicia o gateway com um listener já existente (testes).
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.GatewayConfig, registry *status.Registry, logger *slog.Logger) error {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
	}

	// Um pool e um slot de contadores por worker.
	perWorker := cfg.Buffers.PoolMaxSizeRaw / int64(cfg.Server.Workers) / buffer.DefaultBufferSize
	if perWorker < 1024 {
		perWorker = 1024
	}
	for i := 0; i < cfg.Server.Workers; i++ {
		w := &Worker{
			ID: i,
			Pool: buffer.NewPool(buffer.Config{
				BufferSize:    buffer.DefaultBufferSize,
				InitialCount:  1024,
				MaxCount:      int(perWorker),
				ExpandStep:    1024,
				LowWatermark:  64,
				HighWatermark: 2048,
			}, logger.With("worker", i)),
			Send: &stream.SendStats{},
		}
		s.workers = append(s.workers, w)
		registry.RegisterWorker(i, os.Getpid(), w.Send, w.Pool)
	}

	// Persistência agendada de snapshots, quando configurada.
	if cfg.Status.SnapshotFile != "" {
		store, err := status.NewSnapshotStore(cfg.Status.SnapshotFile, cfg.Status.SnapshotMaxLines, logger)
		if err != nil {
			logger.Error("creating snapshot store", "error", err, "path", cfg.Status.SnapshotFile)
		} else {
			sched, err := status.NewScheduler(cfg.Status.SnapshotSchedule, store,
				func() *status.Snapshot { return registry.Snapshot(cfg.Server.MaxClients, true) }, logger)
			if err != nil {
				logger.Error("scheduling snapshots", "error", err)
				store.Close()
			} else {
				sched.Start()
				go func() {
					<-ctx.Done()
					sched.Stop()
					store.Close()
				}()
			}
		}
	}

	// Fecha o listener quando o context for cancelado.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down gateway")
		ln.Close()
	}()

	// Accept loop com backoff para prevenir hot loop em erros consecutivos.
	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("gateway shutdown complete")
				return nil
			default:
				consecutiveErrors++
				logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		worker := s.workers[int(s.nextConn.Add(1))%len(s.workers)]
		go s.handleConnection(ctx, conn, worker)
	}
}

// listenReuseport abre o listener TCP com SO_REUSEPORT, permitindo
// múltiplos processos do gateway dividirem o accept pelo kernel.
func listenReuseport(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
