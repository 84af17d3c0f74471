// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package status

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/klauspost/pgzip"
	"github.com/robfig/cron/v3"
)

// SnapshotStore persiste snapshots de status em JSONL com rotação por
// número de linhas. Na rotação, o arquivo antigo é comprimido com pgzip
// (.gz) antes de ser substituído.
type SnapshotStore struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	maxLines  int
	lineCount int
	logger    *slog.Logger
}

// NewSnapshotStore abre (ou cria) o arquivo JSONL de snapshots.
func NewSnapshotStore(path string, maxLines int, logger *slog.Logger) (*SnapshotStore, error) {
	if maxLines <= 0 {
		maxLines = 5000
	}
	if logger == nil {
		logger = slog.Default()
	}

	lineCount, err := countLines(path)
	if err != nil {
		return nil, fmt.Errorf("scanning snapshot file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot file for append: %w", err)
	}
	return &SnapshotStore{
		file:      f,
		path:      path,
		maxLines:  maxLines,
		lineCount: lineCount,
		logger:    logger,
	}, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}

// Push grava um snapshot como uma linha JSON.
func (s *SnapshotStore) Push(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending snapshot: %w", err)
	}
	s.lineCount++

	if s.lineCount >= s.maxLines {
		if err := s.rotate(); err != nil {
			s.logger.Error("snapshot store rotation", "error", err)
		}
	}
	return nil
}

// rotate comprime o arquivo corrente em <path>.gz e recomeça vazio.
// Deve ser chamado com s.mu held.
func (s *SnapshotStore) rotate() error {
	if err := s.file.Close(); err != nil {
		return err
	}

	if err := compressFile(s.path, s.path+".gz"); err != nil {
		return err
	}
	if err := os.Truncate(s.path, 0); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	s.file = f
	s.lineCount = 0
	s.logger.Info("snapshot store rotated", "archive", s.path+".gz")
	return nil
}

// compressFile grava src comprimido (pgzip paraleliza blocos) em dst.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := pgzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// Close fecha o arquivo de snapshots.
func (s *SnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Scheduler agenda a persistência periódica de snapshots numa expressão
// cron (ex: "@every 5m").
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler arma o cron job de snapshots. snapshotFn produz o
// documento a persistir a cada disparo.
func NewScheduler(schedule string, store *SnapshotStore, snapshotFn func() *Snapshot, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	_, err := c.AddFunc(schedule, func() {
		if err := store.Push(snapshotFn()); err != nil {
			logger.Error("persisting scheduled snapshot", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("adding snapshot cron job: %w", err)
	}
	return &Scheduler{cron: c}, nil
}

// Start dispara o agendador.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop encerra o agendador aguardando jobs em execução.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
