// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package status implementa a superfície operacional do gateway: slots de
// clientes, contadores por worker, ring circular de logs, fan-out de
// eventos para SSE e snapshots persistidos.
package status

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-stream/internal/buffer"
	"github.com/nishisan-dev/n-stream/internal/stream"
)

// Limites fixos da superfície de status.
const (
	MaxWorkers     = 32
	MaxClientSlots = 256
	LogRingSize    = 100
	LogMessageMax  = 1024
)

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// LogEntry é uma entrada do ring de logs.
type LogEntry struct {
	TimestampMs int64  `json:"timestampMs"`
	Level       int    `json:"level"`
	Message     string `json:"message"`
}

// workerSlot agrega as fontes de métricas de um worker: os contadores de
// envio (single-writer, leitores toleram valores levemente defasados) e o
// pool de buffers dele.
type workerSlot struct {
	id    int
	pid   int
	send  *stream.SendStats
	pool  *buffer.Pool
	conns atomic.Int64
}

// ClientHandle é o slot de um cliente ativo. Os campos numéricos são
// atômicos single-writer (o worker dono); o resto é imutável após o
// registro.
type ClientHandle struct {
	reg  *Registry
	slot int

	ID        int64
	Addr      string
	Service   string
	Worker    int
	StartedAt time.Time

	bytes      atomic.Int64
	bandwidth  atomic.Int64
	state      atomic.Pointer[string]
	disconnect atomic.Bool
}

// SetState implementa stream.ClientStatus.
func (h *ClientHandle) SetState(state string) {
	h.state.Store(&state)
	h.reg.Notify()
}

// AddBytes implementa stream.ClientStatus.
func (h *ClientHandle) AddBytes(n int64) { h.bytes.Add(n) }

// SetBandwidth implementa stream.ClientStatus.
func (h *ClientHandle) SetBandwidth(bps int64) { h.bandwidth.Store(bps) }

// DisconnectRequested reporta se a API pediu a desconexão deste cliente.
func (h *ClientHandle) DisconnectRequested() bool { return h.disconnect.Load() }

// Release devolve o slot. Idempotente.
func (h *ClientHandle) Release() {
	h.reg.release(h)
}

// Registry é o estado compartilhado entre os workers do processo: a
// versão in-process da região de status que os workers forked do design
// original mapeavam via shared memory.
type Registry struct {
	startTime time.Time
	level     *slog.LevelVar

	workersMu sync.Mutex
	workers   [MaxWorkers]*workerSlot

	// clientsMu protege apenas a busca/alocação de slots; os campos de um
	// slot ativo são escritos sem lock pelo worker dono.
	clientsMu sync.Mutex
	clients   [MaxClientSlots]*ClientHandle
	nextID    atomic.Int64

	logMu    sync.Mutex
	logRing  [LogRingSize]LogEntry
	logWrite int
	logCount int

	// broadcaster substitui os notification pipes entre workers: qualquer
	// worker publica, todos os assinantes SSE recebem.
	bcastMu sync.Mutex
	subs    map[uint64]chan struct{}
	nextSub uint64

	eventCounter atomic.Uint32
}

// NewRegistry cria o registry do processo.
func NewRegistry(level *slog.LevelVar) *Registry {
	if level == nil {
		level = new(slog.LevelVar)
	}
	return &Registry{
		startTime: time.Now(),
		level:     level,
		subs:      make(map[uint64]chan struct{}),
	}
}

// StartTime retorna quando o processo subiu.
func (r *Registry) StartTime() time.Time { return r.startTime }

// LogLevelVar retorna o LevelVar compartilhado do processo.
func (r *Registry) LogLevelVar() *slog.LevelVar { return r.level }

// RegisterWorker liga as fontes de métricas de um worker ao registry.
func (r *Registry) RegisterWorker(id, pid int, send *stream.SendStats, pool *buffer.Pool) {
	if id < 0 || id >= MaxWorkers {
		return
	}
	r.workersMu.Lock()
	r.workers[id] = &workerSlot{id: id, pid: pid, send: send, pool: pool}
	r.workersMu.Unlock()
}

// WorkerConnInc registra uma conexão ativa a mais no worker.
func (r *Registry) WorkerConnInc(id int) {
	if w := r.worker(id); w != nil {
		w.conns.Add(1)
	}
}

// WorkerConnDec registra o fim de uma conexão do worker.
func (r *Registry) WorkerConnDec(id int) {
	if w := r.worker(id); w != nil {
		w.conns.Add(-1)
	}
}

func (r *Registry) worker(id int) *workerSlot {
	if id < 0 || id >= MaxWorkers {
		return nil
	}
	r.workersMu.Lock()
	defer r.workersMu.Unlock()
	return r.workers[id]
}

// RegisterClient aloca um slot de cliente. O mutex cobre apenas a busca
// do slot livre. Retorna nil quando todos os slots estão ocupados.
func (r *Registry) RegisterClient(addr, service string, worker int) *ClientHandle {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	for i := 0; i < MaxClientSlots; i++ {
		if r.clients[i] != nil {
			continue
		}
		h := &ClientHandle{
			reg:       r,
			slot:      i,
			ID:        r.nextID.Add(1),
			Addr:      addr,
			Service:   service,
			Worker:    worker,
			StartedAt: time.Now(),
		}
		initial := "connecting"
		h.state.Store(&initial)
		r.clients[i] = h
		return h
	}
	return nil
}

// release devolve o slot do handle.
func (r *Registry) release(h *ClientHandle) {
	r.clientsMu.Lock()
	if r.clients[h.slot] == h {
		r.clients[h.slot] = nil
	}
	r.clientsMu.Unlock()
	r.Notify()
}

// RequestDisconnect arma a flag de desconexão do cliente com o id dado.
// O worker dono observa a flag no próximo tick e fecha a conexão.
func (r *Registry) RequestDisconnect(clientID int64) bool {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	for _, h := range r.clients {
		if h != nil && h.ID == clientID {
			h.disconnect.Store(true)
			return true
		}
	}
	return false
}

// ActiveClients retorna os handles ativos (snapshot da tabela).
func (r *Registry) ActiveClients() []*ClientHandle {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	var out []*ClientHandle
	for _, h := range r.clients {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

// AppendLog implementa logging.Sink: grava no ring circular sob mutex.
// Leitores copiam o ring limitados ao count observado.
func (r *Registry) AppendLog(t time.Time, level slog.Level, msg string) {
	if len(msg) > LogMessageMax {
		msg = msg[:LogMessageMax]
	}
	entry := LogEntry{
		TimestampMs: t.UnixMilli(),
		Level:       levelIndex(level),
		Message:     msg,
	}
	r.logMu.Lock()
	r.logRing[r.logWrite] = entry
	r.logWrite = (r.logWrite + 1) % LogRingSize
	if r.logCount < LogRingSize {
		r.logCount++
	}
	r.logMu.Unlock()
}

// Logs retorna as entradas do ring em ordem cronológica.
func (r *Registry) Logs() []LogEntry {
	r.logMu.Lock()
	defer r.logMu.Unlock()

	out := make([]LogEntry, 0, r.logCount)
	start := r.logWrite - r.logCount
	if start < 0 {
		start += LogRingSize
	}
	for i := 0; i < r.logCount; i++ {
		out = append(out, r.logRing[(start+i)%LogRingSize])
	}
	return out
}

// levelIndex converte slog.Level no índice da API (0=error..3=debug).
func levelIndex(l slog.Level) int {
	switch {
	case l >= slog.LevelError:
		return 0
	case l >= slog.LevelWarn:
		return 1
	case l >= slog.LevelInfo:
		return 2
	default:
		return 3
	}
}

// Notify publica um evento de atualização para todos os assinantes SSE.
// Best-effort e idempotente: assinantes lentos perdem coalescências, não
// eventos significativos (o snapshot é sempre recomputado no consumo).
func (r *Registry) Notify() {
	r.eventCounter.Add(1)
	r.bcastMu.Lock()
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	r.bcastMu.Unlock()
}

// Subscribe registra um assinante de eventos. O canal coalesce updates.
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	r.bcastMu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan struct{}, 1)
	r.subs[id] = ch
	r.bcastMu.Unlock()

	unsub := func() {
		r.bcastMu.Lock()
		delete(r.subs, id)
		r.bcastMu.Unlock()
	}
	return ch, unsub
}
