// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package buffer implementa o pool de buffers de pacote com refcount,
// segmentado em slabs, com watermarks de expansão e encolhimento.
//
// Cada worker possui um Pool próprio; buffers nunca cruzam workers.
// Um Buffer com refcount zero pertence à free list do pool; qualquer
// holder (fila de envio, ring de reorder, lista pendente do FCC) mantém
// o buffer vivo com uma referência própria.
package buffer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// DefaultBufferSize é o tamanho de payload de cada buffer (cabe um pacote
// RTP de IPTV com folga).
const DefaultBufferSize = 2048

// payloadAlign é o alinhamento mínimo do storage de payload (cache line).
const payloadAlign = 64

// Erros do pool.
var (
	ErrPoolExhausted = errors.New("buffer: pool exhausted")
	ErrPoolLeak      = errors.New("buffer: buffers still held at close")
)

// Config dimensiona um Pool.
type Config struct {
	BufferSize    int // tamanho de cada buffer (default: DefaultBufferSize)
	InitialCount  int // buffers alocados na criação
	MaxCount      int // teto absoluto de buffers
	ExpandStep    int // buffers por expansão (default: 1024)
	LowWatermark  int // expande quando free <= low
	HighWatermark int // encolhe até free <= high
}

// Buffer é uma região de memória de tamanho fixo retirada do pool, ou um
// file descriptor para transferência via sendfile (variante File).
//
// O campo next é um link intrusivo com um único papel por vez: free list
// dentro do pool, ou cadeia de alocação retornada por Alloc até o caller
// desencadear. Filas downstream usam node types próprios.
type Buffer struct {
	data []byte
	seg  *segment
	file *os.File

	refs atomic.Int32

	// DataOff e DataLen delimitam o payload válido dentro de data.
	DataOff int
	DataLen int

	next *Buffer
}

// Bytes retorna a janela de payload válida do buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[b.DataOff : b.DataOff+b.DataLen]
}

// Raw retorna o storage completo do buffer (para receive).
func (b *Buffer) Raw() []byte {
	return b.data
}

// File retorna o arquivo da variante File, ou nil.
func (b *Buffer) File() *os.File {
	return b.file
}

// IsFile reporta se o buffer é a variante File.
func (b *Buffer) IsFile() bool {
	return b.file != nil
}

// Next retorna o próximo buffer na cadeia de alocação.
func (b *Buffer) Next() *Buffer {
	return b.next
}

// Unlink desconecta e retorna o próximo buffer da cadeia.
func (b *Buffer) Unlink() *Buffer {
	n := b.next
	b.next = nil
	return n
}

// Retain incrementa o refcount. Cada holder é dono de uma referência.
func (b *Buffer) Retain() {
	b.refs.Add(1)
}

// Release decrementa o refcount. Ao chegar a zero, o buffer volta à free
// list do pool de origem (variante Memory) ou o arquivo é fechado e o nó
// descartado (variante File).
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(fmt.Sprintf("buffer: refcount underflow (%d)", n))
	}
	if b.file != nil {
		b.file.Close()
		b.file = nil
		return
	}
	b.seg.pool.recycle(b)
}

// NewFile cria um Buffer variante File com refcount 1, dono do arquivo.
// offset e length delimitam a região a transferir.
func NewFile(f *os.File, offset, length int) *Buffer {
	b := &Buffer{file: f, DataOff: offset, DataLen: length}
	b.refs.Store(1)
	return b
}

// segment é um slab contíguo de N buffers mais seus headers.
type segment struct {
	pool      *Pool
	buffers   []Buffer
	slab      []byte
	used      int // buffers fora da free list
	createdAt time.Time
	next      *segment
}

// Stats é um snapshot das métricas do pool.
type Stats struct {
	Total       int
	Free        int
	Used        int
	Max         int
	Expansions  int64
	Exhaustions int64
	Shrinks     int64
	Allocs      int64
	Releases    int64
	Utilization float64
}

// Pool gerencia segmentos de buffers e a free list.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	free       *Buffer // LIFO via next
	numFree    int
	numBuffers int
	segments   *segment
	initial    int

	expansions  atomic.Int64
	exhaustions atomic.Int64
	shrinks     atomic.Int64
	allocs      atomic.Int64
	releases    atomic.Int64
}

// NewPool cria um pool com InitialCount buffers pré-alocados.
func NewPool(cfg Config, logger *slog.Logger) *Pool {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.InitialCount <= 0 {
		cfg.InitialCount = 1024
	}
	if cfg.ExpandStep <= 0 {
		cfg.ExpandStep = 1024
	}
	if cfg.MaxCount < cfg.InitialCount {
		cfg.MaxCount = cfg.InitialCount
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = cfg.InitialCount
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{cfg: cfg, logger: logger, initial: cfg.InitialCount}
	p.mu.Lock()
	p.addSegment(cfg.InitialCount)
	p.mu.Unlock()
	return p
}

// addSegment aloca um slab e enfileira seus buffers na free list.
// Deve ser chamado com p.mu held.
func (p *Pool) addSegment(count int) {
	slab := make([]byte, count*p.cfg.BufferSize+payloadAlign)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&slab[0])) & (payloadAlign - 1)); rem != 0 {
		off = payloadAlign - rem
	}

	seg := &segment{
		pool:      p,
		buffers:   make([]Buffer, count),
		slab:      slab,
		createdAt: time.Now(),
		next:      p.segments,
	}
	for i := 0; i < count; i++ {
		b := &seg.buffers[i]
		b.seg = seg
		start := off + i*p.cfg.BufferSize
		b.data = slab[start : start+p.cfg.BufferSize : start+p.cfg.BufferSize]
		b.next = p.free
		p.free = b
	}
	p.segments = seg
	p.numFree += count
	p.numBuffers += count
}

// Alloc retorna uma cadeia encadeada de até n buffers com refcount 1.
// Alocação parcial é permitida quando a demanda excede a oferta; com zero
// disponível retorna (nil, 0) e contabiliza exaustão. Expande em unidades
// de ExpandStep quando free cairia abaixo de n ou do low watermark.
func (p *Pool) Alloc(n int) (*Buffer, int) {
	if n <= 0 {
		return nil, 0
	}

	p.mu.Lock()

	if p.numFree < n || p.numFree <= p.cfg.LowWatermark {
		want := n
		if want <= p.cfg.LowWatermark {
			want = p.cfg.LowWatermark + 1
		}
		p.expandLocked(want)
	}

	var head, tail *Buffer
	allocated := 0
	for allocated < n && p.free != nil {
		b := p.free
		p.free = b.next
		b.next = nil
		b.refs.Store(1)
		b.DataOff = 0
		b.DataLen = 0
		b.seg.used++
		p.numFree--

		if head == nil {
			head = b
		} else {
			tail.next = b
		}
		tail = b
		allocated++
	}
	p.mu.Unlock()

	p.allocs.Add(int64(allocated))
	if allocated == 0 {
		p.exhaustions.Add(1)
		return nil, 0
	}
	return head, allocated
}

// AllocOne é o caso comum de Alloc(1).
func (p *Pool) AllocOne() *Buffer {
	b, _ := p.Alloc(1)
	return b
}

// expandLocked cresce o pool em múltiplos de ExpandStep até MaxCount,
// o suficiente para cobrir want. Deve ser chamado com p.mu held.
func (p *Pool) expandLocked(want int) {
	for p.numFree < want && p.numBuffers < p.cfg.MaxCount {
		step := p.cfg.ExpandStep
		if p.numBuffers+step > p.cfg.MaxCount {
			step = p.cfg.MaxCount - p.numBuffers
		}
		if step <= 0 {
			return
		}
		p.addSegment(step)
		p.expansions.Add(1)
		p.logger.Debug("buffer pool expanded",
			"added", step,
			"total", p.numBuffers,
			"max", p.cfg.MaxCount,
		)
	}
}

// recycle devolve um buffer com refcount zero à free list.
func (p *Pool) recycle(b *Buffer) {
	p.mu.Lock()
	b.DataOff = 0
	b.DataLen = 0
	b.next = p.free
	p.free = b
	b.seg.used--
	p.numFree++
	p.mu.Unlock()
	p.releases.Add(1)
}

// ReleaseChain libera todos os buffers de uma cadeia de alocação.
func ReleaseChain(head *Buffer) {
	for head != nil {
		next := head.Unlink()
		head.Release()
		head = next
	}
}

// TryShrink libera segmentos totalmente ociosos enquanto o total exceder o
// tamanho inicial e a free list exceder o high watermark. Prefere o
// segmento de expansão ocioso mais antigo; o segmento inicial (cauda da
// lista) nunca é liberado. Para quando free chega ao high watermark.
func (p *Pool) TryShrink() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.numBuffers > p.initial && p.numFree > p.cfg.HighWatermark {
		var victim, victimPrev *segment
		var prev *segment
		for seg := p.segments; seg != nil; seg = seg.next {
			if seg.next != nil && seg.used == 0 && len(seg.buffers) <= p.numBuffers-p.initial {
				if victim == nil || seg.createdAt.Before(victim.createdAt) {
					victim, victimPrev = seg, prev
				}
			}
			prev = seg
		}
		if victim == nil {
			return
		}
		if p.numFree-len(victim.buffers) < 0 {
			return
		}

		// Remove os buffers do victim da free list.
		var head *Buffer
		for b := p.free; b != nil; {
			next := b.next
			if b.seg != victim {
				b.next = head
				head = b
			}
			b = next
		}
		p.free = head

		if victimPrev == nil {
			p.segments = victim.next
		} else {
			victimPrev.next = victim.next
		}
		p.numFree -= len(victim.buffers)
		p.numBuffers -= len(victim.buffers)
		p.shrinks.Add(1)
		p.logger.Debug("buffer pool shrunk",
			"removed", len(victim.buffers),
			"total", p.numBuffers,
		)
	}
}

// Stats retorna um snapshot das métricas do pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	total := p.numBuffers
	free := p.numFree
	p.mu.Unlock()

	used := total - free
	var util float64
	if total > 0 {
		util = float64(used) / float64(total)
	}
	return Stats{
		Total:       total,
		Free:        free,
		Used:        used,
		Max:         p.cfg.MaxCount,
		Expansions:  p.expansions.Load(),
		Exhaustions: p.exhaustions.Load(),
		Shrinks:     p.shrinks.Load(),
		Allocs:      p.allocs.Load(),
		Releases:    p.releases.Load(),
		Utilization: util,
	}
}

// Close valida que nenhum buffer continua retido. Todo segmento deve estar
// com used zero; caso contrário há vazamento de referência.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for seg := p.segments; seg != nil; seg = seg.next {
		if seg.used != 0 {
			return fmt.Errorf("%w: segment with %d buffers in use", ErrPoolLeak, seg.used)
		}
	}
	if p.numFree != p.numBuffers {
		return fmt.Errorf("%w: free %d != total %d", ErrPoolLeak, p.numFree, p.numBuffers)
	}
	return nil
}
