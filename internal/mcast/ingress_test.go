// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mcast

import (
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/n-stream/internal/buffer"
)

func testSession(t *testing.T) (*Session, *net.UDPAddr) {
	t.Helper()
	// Grupo administrativo local; o join pode não ter tráfego real, mas o
	// socket fica ligado à porta e recebe datagramas de loopback.
	s, err := Join(Config{
		Group:   &net.UDPAddr{IP: net.IPv4(239, 255, 42, 42), Port: 0},
		Timeout: 200 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Skipf("multicast join unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	local := s.Conn().LocalAddr().(*net.UDPAddr)
	return s, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: local.Port}
}

func TestReadBatchReceivesDatagrams(t *testing.T) {
	s, dst := testSession(t)
	pool := buffer.NewPool(buffer.Config{BufferSize: 2048, InitialCount: 128, MaxCount: 256}, nil)

	out, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer out.Close()

	payloads := [][]byte{[]byte("pkt-one"), []byte("pkt-two"), []byte("pkt-three")}
	for _, p := range payloads {
		if _, err := out.Write(p); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	var got []*buffer.Buffer
	for len(got) < len(payloads) && time.Now().Before(deadline) {
		s.Conn().SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		bufs, _, err := s.ReadBatch(pool)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadBatch: %v", err)
		}
		got = append(got, bufs...)
	}
	if len(got) != len(payloads) {
		t.Fatalf("received %d datagrams, want %d", len(got), len(payloads))
	}
	for i, b := range got {
		if string(b.Bytes()) != string(payloads[i]) {
			t.Errorf("datagram %d = %q, want %q", i, b.Raw()[:b.DataLen], payloads[i])
		}
		b.Release()
	}
	if s.Received() != int64(len(payloads)) {
		t.Errorf("received counter = %d", s.Received())
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("pool leak: %v", err)
	}
}

func TestReadBatchPoolExhaustedDrains(t *testing.T) {
	s, dst := testSession(t)
	// Pool minúsculo, esgotado antes do teste.
	pool := buffer.NewPool(buffer.Config{BufferSize: 2048, InitialCount: 1, MaxCount: 1}, nil)
	held := pool.AllocOne()

	out, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer out.Close()
	if _, err := out.Write([]byte("dropped")); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Drops() == 0 && time.Now().Before(deadline) {
		s.Conn().SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		bufs, _, err := s.ReadBatch(pool)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadBatch: %v", err)
		}
		if len(bufs) != 0 {
			t.Fatalf("expected no buffers from exhausted pool, got %d", len(bufs))
		}
	}
	if s.Drops() != 1 {
		t.Fatalf("drops = %d, want 1", s.Drops())
	}

	held.Release()
	if err := pool.Close(); err != nil {
		t.Fatalf("pool leak: %v", err)
	}
}

func TestExpired(t *testing.T) {
	s, _ := testSession(t)
	if s.Expired(time.Now()) {
		t.Error("fresh session reported expired")
	}
	if !s.Expired(time.Now().Add(300 * time.Millisecond)) {
		t.Error("session not expired past timeout")
	}
}

func TestJoinRejectsUnicast(t *testing.T) {
	_, err := Join(Config{
		Group: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000},
	}, nil)
	if err == nil {
		t.Fatal("unicast address accepted as multicast group")
	}
}
