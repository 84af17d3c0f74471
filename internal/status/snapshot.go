// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package status

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot é o documento JSON servido em /status/json e nos frames SSE.
type Snapshot struct {
	ServerStartTime int64            `json:"serverStartTime"`
	UptimeMs        int64            `json:"uptimeMs"`
	CurrentLogLevel int              `json:"currentLogLevel"`
	Version         string           `json:"version"`
	MaxClients      int              `json:"maxClients"`
	Clients         []ClientSnapshot `json:"clients"`
	TotalClients    int              `json:"totalClients"`
	Workers         []WorkerSnapshot `json:"workers"`
	LogsMode        string           `json:"logsMode"`
	Logs            []LogEntry       `json:"logs"`
	System          *SystemSnapshot  `json:"system,omitempty"`
}

// ClientSnapshot é um cliente ativo no snapshot.
type ClientSnapshot struct {
	ID          int64  `json:"id"`
	Addr        string `json:"addr"`
	Service     string `json:"service"`
	Worker      int    `json:"worker"`
	State       string `json:"state"`
	Bytes       int64  `json:"bytes"`
	Bandwidth   int64  `json:"bandwidth"`
	ConnectedMs int64  `json:"connectedMs"`
}

// WorkerSnapshot agrega os contadores de um worker.
type WorkerSnapshot struct {
	ID            int          `json:"id"`
	PID           int          `json:"pid"`
	ActiveClients int64        `json:"activeClients"`
	Send          SendSnapshot `json:"send"`
	Pool          PoolSnapshot `json:"pool"`
}

// SendSnapshot é a seção send do worker.
type SendSnapshot struct {
	Total       int64 `json:"total"`
	Completions int64 `json:"completions"`
	Copied      int64 `json:"copied"`
	Eagain      int64 `json:"eagain"`
	Enobufs     int64 `json:"enobufs"`
	Batch       int64 `json:"batch"`
}

// PoolSnapshot é a seção pool do worker.
type PoolSnapshot struct {
	Total       int     `json:"total"`
	Free        int     `json:"free"`
	Used        int     `json:"used"`
	Max         int     `json:"max"`
	Expansions  int64   `json:"expansions"`
	Exhaustions int64   `json:"exhaustions"`
	Shrinks     int64   `json:"shrinks"`
	Utilization float64 `json:"utilization"`
}

// SystemSnapshot traz métricas do host (best-effort via gopsutil).
type SystemSnapshot struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemUsedMB  float64 `json:"memUsedMb"`
	MemTotalMB float64 `json:"memTotalMb"`
}

// Snapshot monta o documento completo a partir do estado corrente.
// maxClients vem da configuração do servidor.
func (r *Registry) Snapshot(maxClients int, withSystem bool) *Snapshot {
	now := time.Now()
	snap := &Snapshot{
		ServerStartTime: r.startTime.UnixMilli(),
		UptimeMs:        now.Sub(r.startTime).Milliseconds(),
		CurrentLogLevel: levelIndex(r.level.Level()),
		Version:         Version,
		MaxClients:      maxClients,
		Clients:         []ClientSnapshot{},
		Workers:         []WorkerSnapshot{},
		LogsMode:        "full",
		Logs:            r.Logs(),
	}

	for _, h := range r.ActiveClients() {
		state := ""
		if p := h.state.Load(); p != nil {
			state = *p
		}
		snap.Clients = append(snap.Clients, ClientSnapshot{
			ID:          h.ID,
			Addr:        h.Addr,
			Service:     h.Service,
			Worker:      h.Worker,
			State:       state,
			Bytes:       h.bytes.Load(),
			Bandwidth:   h.bandwidth.Load(),
			ConnectedMs: now.Sub(h.StartedAt).Milliseconds(),
		})
	}
	snap.TotalClients = len(snap.Clients)

	r.workersMu.Lock()
	workers := r.workers
	r.workersMu.Unlock()
	for _, w := range workers {
		if w == nil {
			continue
		}
		ps := w.pool.Stats()
		snap.Workers = append(snap.Workers, WorkerSnapshot{
			ID:            w.id,
			PID:           w.pid,
			ActiveClients: w.conns.Load(),
			Send: SendSnapshot{
				Total:       w.send.Total.Load(),
				Completions: w.send.Completions.Load(),
				Copied:      w.send.Copied.Load(),
				Eagain:      w.send.Eagain.Load(),
				Enobufs:     w.send.Enobufs.Load(),
				Batch:       w.send.Batches.Load(),
			},
			Pool: PoolSnapshot{
				Total:       ps.Total,
				Free:        ps.Free,
				Used:        ps.Used,
				Max:         ps.Max,
				Expansions:  ps.Expansions,
				Exhaustions: ps.Exhaustions,
				Shrinks:     ps.Shrinks,
				Utilization: ps.Utilization,
			},
		})
	}

	if withSystem {
		snap.System = systemSnapshot()
	}
	return snap
}

// systemSnapshot coleta CPU e memória do host. Erros viram nil (a seção
// é opcional no JSON).
func systemSnapshot() *SystemSnapshot {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil
	}
	out := &SystemSnapshot{
		MemUsedMB:  float64(vm.Used) / (1024 * 1024),
		MemTotalMB: float64(vm.Total) / (1024 * 1024),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out.CPUPercent = percents[0]
	}
	return out
}
