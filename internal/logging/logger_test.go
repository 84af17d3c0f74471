// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLevelIndexRoundTrip(t *testing.T) {
	for i := 0; i <= 3; i++ {
		lvl := LevelFromIndex(i)
		back := LevelIndex(lvl)
		if back != i {
			t.Errorf("LevelIndex(LevelFromIndex(%d)) = %d", i, back)
		}
	}
	// Índice 4 (trace) mapeia em debug no slog
	if LevelFromIndex(4) != slog.LevelDebug {
		t.Errorf("LevelFromIndex(4) = %v, want debug", LevelFromIndex(4))
	}
	if LevelFromIndex(99) != slog.LevelInfo {
		t.Errorf("LevelFromIndex(99) = %v, want info", LevelFromIndex(99))
	}
}

func TestRuntimeLevelChange(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: lvl}))

	logger.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatal("debug record emitted at info level")
	}

	lvl.Set(slog.LevelDebug)
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatal("debug record not emitted after level change")
	}
}

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) AppendLog(_ time.Time, _ slog.Level, msg string) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func TestRingHandlerTee(t *testing.T) {
	var buf bytes.Buffer
	sink := &captureSink{}
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(NewRingHandler(base, sink))

	logger.Info("first", "k", "v")
	logger.With("attr", 1).Warn("second")

	if len(sink.msgs) != 2 || sink.msgs[0] != "first" || sink.msgs[1] != "second" {
		t.Fatalf("sink msgs = %v", sink.msgs)
	}
	if !strings.Contains(buf.String(), "first") || !strings.Contains(buf.String(), "second") {
		t.Fatalf("base handler output missing records: %s", buf.String())
	}
}

func TestRingHandlerEnabledDelegates(t *testing.T) {
	base := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	h := NewRingHandler(base, &captureSink{})
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}
