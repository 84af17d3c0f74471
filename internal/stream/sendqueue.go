// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stream compõe o pipeline de mídia por conexão: a fila de envio
// zero-copy com batching, e o stream context que liga multicast, FCC,
// RTSP, reorder e FEC à conexão do cliente.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/n-stream/internal/buffer"
)

// Parâmetros de batching: em pacotes de IPTV (~1400 B), enviar um a um
// custa mais syscalls do que a cópia que o zero-copy evita; o batch de
// até 5 ms preserva o limite de latência de stream ao vivo.
const (
	BatchBytes   = 10 * 1024
	BatchTimeout = 5 * time.Millisecond

	// maxIOVPerSend limita o scatter/gather de um envio.
	maxIOVPerSend = 64
)

// ErrQueueClosed indica uso da fila após Close.
var ErrQueueClosed = errors.New("stream: send queue closed")

// SendStats são os contadores de envio do worker, lidos pela superfície
// de status sem lock (single-writer).
type SendStats struct {
	Total       atomic.Int64 // bytes enviados
	Completions atomic.Int64 // completions zero-copy confirmadas
	Copied      atomic.Int64 // completions em que o kernel copiou
	Eagain      atomic.Int64 // EAGAIN em envio
	Enobufs     atomic.Int64 // ENOBUFS em envio
	Batches     atomic.Int64 // syscalls de envio em lote
}

// entry é um item da fila: uma janela de um buffer do pool ou um buffer
// variante File (sendfile).
type entry struct {
	buf *buffer.Buffer
	off int
	n   int
}

// pendingGroup agrupa os buffers de um envio MSG_ZEROCOPY aguardando a
// confirmação do kernel pela error queue.
type pendingGroup struct {
	id   uint32
	bufs []*buffer.Buffer
}

// Queue é a fila de envio de uma conexão de streaming. Uso
// single-goroutine (a goroutine do stream é a única produtora).
type Queue struct {
	raw      syscall.RawConn
	stats    *SendStats
	logger   *slog.Logger
	zerocopy bool

	entries     []entry
	headOff     int // bytes já enviados da entry da frente
	unsentBytes int
	firstAt     time.Time

	zcNext  uint32
	pending []pendingGroup

	closed bool
}

// NewQueue prepara a fila sobre a RawConn do socket do cliente. Com
// zerocopy habilitado, aplica SO_ZEROCOPY; se o kernel recusar, a fila
// cai para o writev comum.
func NewQueue(raw syscall.RawConn, zerocopy bool, stats *SendStats, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{raw: raw, stats: stats, logger: logger}

	if zerocopy {
		var serr error
		cerr := raw.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1)
		})
		if cerr == nil && serr == nil {
			q.zerocopy = true
		} else {
			logger.Debug("SO_ZEROCOPY unavailable, using plain writev", "error", serr)
		}
	}
	return q
}

// Len retorna quantas entries aguardam envio.
func (q *Queue) Len() int { return len(q.entries) }

// PendingCompletions retorna quantos grupos aguardam confirmação.
func (q *Queue) PendingCompletions() int { return len(q.pending) }

// UnsentBytes retorna os bytes acumulados ainda não enviados.
func (q *Queue) UnsentBytes() int { return q.unsentBytes }

// Enqueue adiciona uma janela de buffer à fila, assumindo a propriedade
// de uma referência. Retorna true quando o batch deve ser flushado já
// (limite de bytes atingido ou entrada File).
func (q *Queue) Enqueue(b *buffer.Buffer, off, n int) (flushNow bool, err error) {
	if q.closed {
		b.Release()
		return false, ErrQueueClosed
	}
	if len(q.entries) == 0 {
		q.firstAt = time.Now()
	}
	q.entries = append(q.entries, entry{buf: b, off: off, n: n})
	q.unsentBytes += n

	if b.IsFile() {
		return true, nil
	}
	return q.unsentBytes >= BatchBytes, nil
}

// Due reporta se o deadline de batching da entry mais velha venceu.
func (q *Queue) Due(now time.Time) bool {
	return len(q.entries) > 0 && now.Sub(q.firstAt) >= BatchTimeout
}

// Flush envia o máximo possível da fila: scatter/gather de até 64 iovecs
// com MSG_ZEROCOPY quando habilitado, sendfile para entradas File.
// EAGAIN/ENOBUFS mantêm a fila para a próxima chamada (a RawConn rearma a
// espera de escrita no poller do runtime).
func (q *Queue) Flush() error {
	if q.closed {
		return ErrQueueClosed
	}
	for len(q.entries) > 0 {
		if q.entries[0].buf.IsFile() {
			if err := q.flushFile(); err != nil {
				return err
			}
			continue
		}
		if err := q.flushMemory(); err != nil {
			return err
		}
	}
	return nil
}

// flushMemory envia um lote de entradas de memória a partir da frente.
func (q *Queue) flushMemory() error {
	iovs := make([][]byte, 0, maxIOVPerSend)
	total := 0
	for i := 0; i < len(q.entries) && len(iovs) < maxIOVPerSend; i++ {
		e := q.entries[i]
		if e.buf.IsFile() {
			break
		}
		off, n := e.off, e.n
		if i == 0 {
			off += q.headOff
			n -= q.headOff
		}
		iovs = append(iovs, e.buf.Raw()[off:off+n])
		total += n
	}

	var sent int
	var serr error
	flags := unix.MSG_DONTWAIT
	if q.zerocopy {
		flags |= unix.MSG_ZEROCOPY
	}

	werr := q.raw.Write(func(fd uintptr) bool {
		sent, serr = sendmsgIOV(int(fd), iovs, flags)
		if serr == unix.EAGAIN {
			q.stats.Eagain.Add(1)
			return false // poller rearma EPOLLOUT e chama de novo
		}
		return true
	})
	if werr != nil {
		return fmt.Errorf("send queue write: %w", werr)
	}
	if serr != nil {
		if serr == unix.ENOBUFS {
			q.stats.Enobufs.Add(1)
			return nil // mantém a fila; próxima flush tenta de novo
		}
		return fmt.Errorf("send queue sendmsg: %w", serr)
	}

	q.stats.Batches.Add(1)
	q.stats.Total.Add(int64(sent))
	q.advance(sent, q.zerocopy)
	return nil
}

// advance consome sent bytes da frente da fila. No modo zero-copy as
// referências dos buffers tocados migram para o grupo pendente do id
// desta syscall em vez de serem liberadas.
func (q *Queue) advance(sent int, zc bool) {
	var group *pendingGroup
	if zc && sent > 0 {
		q.pending = append(q.pending, pendingGroup{id: q.zcNext})
		group = &q.pending[len(q.pending)-1]
		q.zcNext++
	}

	for sent > 0 && len(q.entries) > 0 {
		e := &q.entries[0]
		avail := e.n - q.headOff
		if sent < avail {
			// Entry parcial: o trecho enviado está pinado; o grupo retém
			// uma referência extra e a entry continua na fila.
			q.headOff += sent
			q.unsentBytes -= sent
			if group != nil {
				e.buf.Retain()
				group.bufs = append(group.bufs, e.buf)
			}
			return
		}
		sent -= avail
		q.unsentBytes -= avail
		q.headOff = 0
		if group != nil {
			group.bufs = append(group.bufs, e.buf)
		} else {
			e.buf.Release()
		}
		q.entries = q.entries[1:]
	}
	if len(q.entries) > 0 {
		q.firstAt = time.Now()
	}
}

// flushFile transfere uma entrada File com sendfile, fora do caminho de
// completions (o fd fecha quando a entry drena).
func (q *Queue) flushFile() error {
	e := &q.entries[0]
	var serr error
	var sent int

	werr := q.raw.Write(func(fd uintptr) bool {
		off := int64(e.off + q.headOff)
		n := e.n - q.headOff
		sent, serr = unix.Sendfile(int(fd), int(e.buf.File().Fd()), &off, n)
		if serr == unix.EAGAIN {
			q.stats.Eagain.Add(1)
			return false
		}
		return true
	})
	if werr != nil {
		return fmt.Errorf("send queue sendfile: %w", werr)
	}
	if serr != nil {
		return fmt.Errorf("send queue sendfile: %w", serr)
	}

	q.stats.Total.Add(int64(sent))
	q.headOff += sent
	q.unsentBytes -= sent
	if q.headOff >= e.n {
		e.buf.Release()
		q.entries = q.entries[1:]
		q.headOff = 0
	}
	return nil
}

// ReapCompletions drena a error queue do socket e libera as referências
// dos grupos cujo id caiu nas faixas confirmadas. Completions podem vir
// fora de ordem; a busca é por id, não por posição.
func (q *Queue) ReapCompletions() {
	if !q.zerocopy || len(q.pending) == 0 {
		return
	}
	ranges := reapErrQueue(q.raw, q.logger)
	for _, r := range ranges {
		q.completeRange(r.lo, r.hi, r.copied)
	}
}

// completeRange libera os grupos com lo <= id <= hi.
func (q *Queue) completeRange(lo, hi uint32, copied bool) {
	kept := q.pending[:0]
	for _, g := range q.pending {
		if g.id >= lo && g.id <= hi {
			for _, b := range g.bufs {
				b.Release()
			}
			q.stats.Completions.Add(1)
			if copied {
				q.stats.Copied.Add(1)
			}
			continue
		}
		kept = append(kept, g)
	}
	q.pending = kept
}

// Close descarta a fila. Aguarda as completions pendentes num limite
// curto antes de devolver as referências (o kernel solta as páginas no
// close do socket).
func (q *Queue) Close() {
	if q.closed {
		return
	}
	q.closed = true

	deadline := time.Now().Add(100 * time.Millisecond)
	for len(q.pending) > 0 && time.Now().Before(deadline) {
		q.ReapCompletions()
		if len(q.pending) > 0 {
			time.Sleep(time.Millisecond)
		}
	}
	for _, g := range q.pending {
		for _, b := range g.bufs {
			b.Release()
		}
	}
	q.pending = nil

	for _, e := range q.entries {
		e.buf.Release()
	}
	q.entries = nil
	q.unsentBytes = 0
	q.headOff = 0
}
