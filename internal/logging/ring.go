// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"log/slog"
	"time"
)

// Sink recebe cada registro aceito pelo RingHandler. A superfície de status
// implementa Sink com o seu ring circular de logs.
type Sink interface {
	AppendLog(t time.Time, level slog.Level, msg string)
}

// RingHandler é um slog.Handler que encaminha registros ao handler base e,
// em paralelo, alimenta o Sink do ring de status. O nível efetivo é o do
// handler base; o tee nunca filtra além dele.
type RingHandler struct {
	base slog.Handler
	sink Sink
}

// NewRingHandler envolve base com o tee para sink.
func NewRingHandler(base slog.Handler, sink Sink) *RingHandler {
	return &RingHandler{base: base, sink: sink}
}

// Enabled delega ao handler base.
func (h *RingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle alimenta o sink e delega ao handler base.
func (h *RingHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.sink != nil {
		h.sink.AppendLog(r.Time, r.Level, r.Message)
	}
	return h.base.Handle(ctx, r)
}

// WithAttrs preserva o tee no handler derivado.
func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RingHandler{base: h.base.WithAttrs(attrs), sink: h.sink}
}

// WithGroup preserva o tee no handler derivado.
func (h *RingHandler) WithGroup(name string) slog.Handler {
	return &RingHandler{base: h.base.WithGroup(name), sink: h.sink}
}
