// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// SSEHeader são os headers HTTP de um stream de eventos.
const SSEHeader = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/event-stream\r\n" +
	"Cache-Control: no-cache\r\n" +
	"Connection: close\r\n\r\n"

// FormatEvent serializa um snapshot num frame SSE (data: {...}\n\n).
func FormatEvent(snap *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshaling sse frame: %w", err)
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// ServeSSE escreve o snapshot inicial e depois um frame por evento do
// registry, com heartbeats no intervalo configurado. Retorna quando o
// contexto cancela ou a escrita falha (cliente desconectou).
func (r *Registry) ServeSSE(ctx context.Context, w io.Writer, maxClients int, heartbeat time.Duration) error {
	events, unsub := r.Subscribe()
	defer unsub()

	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}

	send := func() error {
		frame, err := FormatEvent(r.Snapshot(maxClients, false))
		if err != nil {
			return err
		}
		_, err = w.Write(frame)
		return err
	}

	if err := send(); err != nil {
		return err
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-events:
			if err := send(); err != nil {
				return err
			}
		case <-ticker.C:
			if err := send(); err != nil {
				return err
			}
		}
	}
}
