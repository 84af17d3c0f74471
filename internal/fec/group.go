// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nishisan-dev/n-stream/internal/buffer"
	"github.com/nishisan-dev/n-stream/internal/rtp"
)

// MaxGroups é o número máximo de grupos FEC ativos por stream.
const MaxGroups = 8

// PayloadTypes aceitos para pacotes FEC (payload type RTP).
const (
	PayloadTypeFEC    = 127
	PayloadTypeFECAlt = 97
)

// headerLen é o tamanho do header de paridade do vendor dentro do payload RTP.
//
//	0  begin_seq  u16 BE
//	2  end_seq    u16 BE
//	4  redund_idx u8
//	5  redund_num u8  (m)
//	6  fec_len    u16 BE (bytes de paridade que seguem)
//	8  rtp_len    u16 BE (tamanho do frame RTP original, com padding)
//	10 reservado  u16
const headerLen = 12

// Erros de parse de paridade.
var (
	ErrParityTooShort = errors.New("fec: parity payload too short")
	ErrParityGeometry = errors.New("fec: parity header geometry invalid")
)

// Group é um grupo FEC ativo: k frames de dados [BeginSeq, EndSeq] mais m
// slots de paridade. Um grupo está ativo enquanto parity estiver alocado.
type Group struct {
	BeginSeq uint16
	EndSeq   uint16
	K        int
	M        int
	RTPLen   int

	parity   [][]byte // m slots; nil até o redund_idx chegar
	received int
}

// Stats acumula contadores do contexto FEC.
type Stats struct {
	ParityPackets    int64
	RecoveredPackets int64
	DecodeFailures   int64
	GroupsEvicted    int64
}

// Context gerencia os grupos FEC de um stream. Uso single-goroutine
// (a goroutine do stream é a única consumidora de eventos upstream).
type Context struct {
	groups []*Group
	logger *slog.Logger
	stats  Stats
}

// NewContext cria um contexto FEC vazio.
func NewContext(logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{logger: logger}
}

// Stats retorna os contadores acumulados.
func (c *Context) Stats() Stats { return c.stats }

// ActiveGroups retorna o número de grupos ativos.
func (c *Context) ActiveGroups() int { return len(c.groups) }

// HandleParity processa o payload de um pacote FEC (já sem o header RTP
// externo). Cria ou atualiza o grupo correspondente.
func (c *Context) HandleParity(payload []byte) error {
	if len(payload) < headerLen {
		return ErrParityTooShort
	}
	begin := binary.BigEndian.Uint16(payload[0:2])
	end := binary.BigEndian.Uint16(payload[2:4])
	redundIdx := int(payload[4])
	m := int(payload[5])
	fecLen := int(binary.BigEndian.Uint16(payload[6:8]))
	rtpLen := int(binary.BigEndian.Uint16(payload[8:10]))

	k := rtp.SeqDiff(end, begin) + 1
	if k <= 0 || k > 256 || m <= 0 || m > 16 || redundIdx >= m || rtpLen == 0 {
		return ErrParityGeometry
	}
	if len(payload) < headerLen+fecLen {
		return fmt.Errorf("%w: declared %d, have %d", ErrParityTooShort, fecLen, len(payload)-headerLen)
	}

	g := c.findGroup(begin, end)
	if g == nil {
		g = c.addGroup(begin, end, k, m, rtpLen)
	}
	if g.parity[redundIdx] != nil {
		return nil // paridade duplicada
	}

	shard := make([]byte, rtpLen)
	copy(shard, payload[headerLen:headerLen+fecLen])
	g.parity[redundIdx] = shard
	g.received++
	c.stats.ParityPackets++
	return nil
}

func (c *Context) findGroup(begin, end uint16) *Group {
	for _, g := range c.groups {
		if g.BeginSeq == begin && g.EndSeq == end {
			return g
		}
	}
	return nil
}

// addGroup cria um grupo, expulsando por LRU (maior atraso em relação ao
// begin_seq mais novo) quando MaxGroups está atingido.
func (c *Context) addGroup(begin, end uint16, k, m, rtpLen int) *Group {
	if len(c.groups) >= MaxGroups {
		newest := begin
		for _, g := range c.groups {
			if rtp.SeqDiff(g.BeginSeq, newest) > 0 {
				newest = g.BeginSeq
			}
		}
		victim := 0
		worst := 0
		for i, g := range c.groups {
			lag := -rtp.SeqDiff(g.BeginSeq, newest)
			if lag > worst {
				worst = lag
				victim = i
			}
		}
		c.groups = append(c.groups[:victim], c.groups[victim+1:]...)
		c.stats.GroupsEvicted++
	}

	g := &Group{
		BeginSeq: begin,
		EndSeq:   end,
		K:        k,
		M:        m,
		RTPLen:   rtpLen,
		parity:   make([][]byte, m),
	}
	c.groups = append(c.groups, g)
	return g
}

// TryRecover tenta decodificar o grupo que cobre a base do ring. Quando o
// total de frames presentes no ring mais paridades recebidas alcança k,
// reconstrói os frames ausentes e os insere no ring. Retorna quantos
// pacotes foram entregues ao cliente em consequência.
func (c *Context) TryRecover(ring *rtp.ReorderRing, pool *buffer.Pool) int {
	base := ring.BaseSeq()
	var g *Group
	for _, cand := range c.groups {
		if rtp.SeqDiff(base, cand.BeginSeq) >= 0 && rtp.SeqDiff(base, cand.EndSeq) <= 0 {
			g = cand
			break
		}
	}
	if g == nil {
		return 0
	}

	// Conta frames presentes na janela do ring.
	data := make([][]byte, g.K)
	presentData := 0
	for i := 0; i < g.K; i++ {
		seq := g.BeginSeq + uint16(i)
		if b, _, _, ok := ring.Held(seq); ok {
			frame := make([]byte, g.RTPLen)
			n := b.DataLen
			if n > g.RTPLen {
				n = g.RTPLen
			}
			copy(frame, b.Raw()[:n])
			data[i] = frame
			presentData++
		}
	}
	if presentData == g.K {
		return 0 // nada a recuperar
	}
	if presentData+g.received < g.K {
		return 0 // ainda faltam shards
	}

	missingBefore := make([]bool, g.K)
	for i := range data {
		missingBefore[i] = data[i] == nil
	}

	if err := Recover(data, g.parity, g.RTPLen); err != nil {
		c.stats.DecodeFailures++
		c.logger.Debug("fec decode failed",
			"begin", g.BeginSeq,
			"end", g.EndSeq,
			"error", err,
		)
		return 0
	}

	delivered := 0
	for i := 0; i < g.K; i++ {
		if !missingBefore[i] {
			continue
		}
		seq := g.BeginSeq + uint16(i)
		if rtp.SeqDiff(seq, ring.BaseSeq()) < 0 {
			continue
		}

		_, payOff, payLen, err := rtp.ParsePacket(data[i])
		if err != nil {
			c.logger.Debug("fec recovered frame unparsable", "seq", seq, "error", err)
			continue
		}

		b := pool.AllocOne()
		if b == nil {
			break
		}
		n := copy(b.Raw(), data[i])
		b.DataLen = n
		c.stats.RecoveredPackets++
		delivered += ring.InsertRecovered(b, seq, payOff, payLen)
	}
	return delivered
}

// Expire libera grupos cuja janela ficou inteira atrás da base do ring,
// devolvendo os frames retidos correspondentes.
func (c *Context) Expire(ring *rtp.ReorderRing) {
	base := ring.BaseSeq()
	kept := c.groups[:0]
	for _, g := range c.groups {
		if rtp.SeqDiff(base, g.EndSeq) > 0 {
			ring.EvictRange(g.BeginSeq, g.EndSeq)
			g.parity = nil
			continue
		}
		kept = append(kept, g)
	}
	c.groups = kept
}

// Close descarta todos os grupos sem tocar no ring.
func (c *Context) Close() {
	for _, g := range c.groups {
		g.parity = nil
	}
	c.groups = nil
}
