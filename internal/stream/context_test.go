// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/nishisan-dev/n-stream/internal/buffer"
	"github.com/nishisan-dev/n-stream/internal/config"
)

// testHarness liga um stream context a uma conexão TCP de loopback.
type testHarness struct {
	t      *testing.T
	pool   *buffer.Pool
	queue  *Queue
	ctx    *Context
	client net.Conn // lado que lê o que o stream envia
	port   int      // porta UDP do "grupo" multicast
}

func newHarness(t *testing.T, svcType string) *testHarness {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	serverSide := <-accepted

	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	port := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	raw, err := serverSide.(*net.TCPConn).SyscallConn()
	if err != nil {
		t.Fatalf("syscall conn: %v", err)
	}

	pool := buffer.NewPool(buffer.Config{BufferSize: 2048, InitialCount: 256, MaxCount: 512, ExpandStep: 256}, nil)
	queue := NewQueue(raw, false, &SendStats{}, nil)

	cfg := config.Default()
	svc := config.ServiceInfo{Type: svcType, Address: net.JoinHostPort("239.255.99.1", strconv.Itoa(port))}
	sctx := New(cfg, svc, pool, queue, nil, nil)

	h := &testHarness{t: t, pool: pool, queue: queue, ctx: sctx, client: client, port: port}
	t.Cleanup(func() {
		client.Close()
		serverSide.Close()
	})
	return h
}

func (h *testHarness) feed(payload []byte) {
	out, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.port})
	if err != nil {
		h.t.Fatalf("dial udp: %v", err)
	}
	defer out.Close()
	if _, err := out.Write(payload); err != nil {
		h.t.Fatalf("send: %v", err)
	}
}

func TestContextMUDPForwardsTS(t *testing.T) {
	h := newHarness(t, "mudp")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.ctx.Start(ctx); err != nil {
		t.Skipf("multicast join unavailable: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.ctx.Run(ctx) }()

	payload := make([]byte, 188)
	payload[0] = 0x47
	for i := 1; i < len(payload); i++ {
		payload[i] = byte(i % 251)
	}

	// Reenvia até o corpo chegar (o primeiro datagrama pode preceder o join).
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.feed(payload)
			}
		}
	}()

	got := make([]byte, 188)
	h.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(h.client, got); err != nil {
		t.Fatalf("reading client side: %v", err)
	}
	close(stop)
	if !bytes.Equal(got, payload) {
		t.Fatal("forwarded payload mismatch")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestContextMRTPReordersPackets(t *testing.T) {
	h := newHarness(t, "mrtp")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.ctx.Start(ctx); err != nil {
		t.Skipf("multicast join unavailable: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.ctx.Run(ctx) }()

	buildPkt := func(seq uint16, tag byte) []byte {
		pkt := &pionrtp.Packet{
			Header: pionrtp.Header{
				Version:        2,
				PayloadType:    33,
				SequenceNumber: seq,
				SSRC:           7,
			},
			Payload: bytes.Repeat([]byte{tag}, 8),
		}
		raw, err := pkt.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return raw
	}

	// Fora de ordem: 100, 103, 101, 102, 104 (cenário S1).
	seqs := []struct {
		seq uint16
		tag byte
	}{{100, 0xA0}, {103, 0xA3}, {101, 0xA1}, {102, 0xA2}, {104, 0xA4}}
	for _, p := range seqs {
		h.feed(buildPkt(p.seq, p.tag))
		time.Sleep(10 * time.Millisecond)
	}

	// Payload de saída: 5 pacotes de 8 bytes em ordem de sequência.
	got := make([]byte, 5*8)
	h.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(h.client, got); err != nil {
		t.Fatalf("reading client side: %v", err)
	}
	want := []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4}
	for i, tag := range want {
		chunk := got[i*8 : (i+1)*8]
		if !bytes.Equal(chunk, bytes.Repeat([]byte{tag}, 8)) {
			t.Fatalf("chunk %d = %v, want tag %#x", i, chunk, tag)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
