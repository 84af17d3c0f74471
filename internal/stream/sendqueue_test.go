// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/n-stream/internal/buffer"
)

// tcpPair devolve os dois lados de uma conexão TCP de loopback.
func tcpPair(t *testing.T) (client *net.TCPConn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		done <- c
	}()

	out, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv := <-done
	t.Cleanup(func() {
		out.Close()
		srv.Close()
	})
	return out.(*net.TCPConn), srv
}

func newTestQueue(t *testing.T, conn *net.TCPConn, zerocopy bool) (*Queue, *SendStats) {
	t.Helper()
	raw, err := conn.SyscallConn()
	if err != nil {
		t.Fatalf("syscall conn: %v", err)
	}
	stats := &SendStats{}
	return NewQueue(raw, zerocopy, stats, nil), stats
}

func TestSendOrdering(t *testing.T) {
	// P5: os bytes saem na ordem de enfileiramento.
	client, server := tcpPair(t)
	q, stats := newTestQueue(t, client, false)
	pool := buffer.NewPool(buffer.Config{BufferSize: 256, InitialCount: 256, MaxCount: 256}, nil)

	var want bytes.Buffer
	for i := 0; i < 200; i++ {
		b := pool.AllocOne()
		payload := bytes.Repeat([]byte{byte(i)}, 100)
		copy(b.Raw(), payload)
		b.DataLen = len(payload)
		want.Write(payload)

		flushNow, err := q.Enqueue(b, 0, len(payload))
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if flushNow {
			if err := q.Flush(); err != nil {
				t.Fatalf("flush: %v", err)
			}
		}
	}
	if err := q.Flush(); err != nil {
		t.Fatalf("final flush: %v", err)
	}

	got := make([]byte, want.Len())
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(server, got); err != nil {
		t.Fatalf("reading: %v", err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatal("bytes out of order or corrupted")
	}
	if stats.Total.Load() != int64(want.Len()) {
		t.Errorf("total = %d, want %d", stats.Total.Load(), want.Len())
	}
	if stats.Batches.Load() == 0 {
		t.Error("no batched sends counted")
	}

	q.Close()
	if err := pool.Close(); err != nil {
		t.Fatalf("pool leak: %v", err)
	}
}

func TestBatchingThresholds(t *testing.T) {
	client, _ := tcpPair(t)
	q, _ := newTestQueue(t, client, false)
	pool := buffer.NewPool(buffer.Config{BufferSize: 2048, InitialCount: 16, MaxCount: 16}, nil)

	b := pool.AllocOne()
	b.DataLen = 1000
	flushNow, _ := q.Enqueue(b, 0, 1000)
	if flushNow {
		t.Error("1000 bytes should not trigger immediate flush")
	}
	if q.Due(time.Now()) {
		t.Error("queue due immediately after first enqueue")
	}
	if !q.Due(time.Now().Add(2 * BatchTimeout)) {
		t.Error("queue not due past the batch timeout")
	}

	// Cruza o limite de bytes.
	for i := 0; i < 10; i++ {
		nb := pool.AllocOne()
		nb.DataLen = 1400
		flushNow, _ = q.Enqueue(nb, 0, 1400)
	}
	if !flushNow {
		t.Error("batch bytes threshold did not trigger flush")
	}

	q.Close()
	if err := pool.Close(); err != nil {
		t.Fatalf("pool leak: %v", err)
	}
}

func TestZerocopyCompletions(t *testing.T) {
	// P6: após enviar e drenar a error queue, toda entry zero-copy está
	// pendente ou liberada; nada vaza.
	client, server := tcpPair(t)
	q, stats := newTestQueue(t, client, true)
	if !q.zerocopy {
		t.Skip("SO_ZEROCOPY unavailable on this kernel")
	}
	pool := buffer.NewPool(buffer.Config{BufferSize: 2048, InitialCount: 64, MaxCount: 64}, nil)

	go io.Copy(io.Discard, server)

	total := 0
	for i := 0; i < 32; i++ {
		b := pool.AllocOne()
		b.DataLen = 1400
		total += 1400
		if flushNow, _ := q.Enqueue(b, 0, 1400); flushNow {
			if err := q.Flush(); err != nil {
				t.Fatalf("flush: %v", err)
			}
		}
	}
	if err := q.Flush(); err != nil {
		t.Fatalf("final flush: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for q.PendingCompletions() > 0 && time.Now().Before(deadline) {
		q.ReapCompletions()
		time.Sleep(5 * time.Millisecond)
	}
	if q.PendingCompletions() != 0 {
		t.Fatalf("pending completions = %d after drain", q.PendingCompletions())
	}
	if stats.Completions.Load() == 0 {
		t.Fatal("no completions counted")
	}
	if stats.Total.Load() != int64(total) {
		t.Errorf("total = %d, want %d", stats.Total.Load(), total)
	}

	q.Close()
	if err := pool.Close(); err != nil {
		t.Fatalf("pool leak after completions: %v", err)
	}
}

func TestFileEntrySendfile(t *testing.T) {
	client, server := tcpPair(t)
	q, stats := newTestQueue(t, client, false)

	content := bytes.Repeat([]byte("sendfile-data."), 100)
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	fb := buffer.NewFile(f, 0, len(content))
	if flushNow, _ := q.Enqueue(fb, 0, len(content)); !flushNow {
		t.Fatal("file entry must request immediate flush")
	}
	if err := q.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got := make([]byte, len(content))
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(server, got); err != nil {
		t.Fatalf("reading: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("sendfile content mismatch")
	}
	if stats.Total.Load() != int64(len(content)) {
		t.Errorf("total = %d", stats.Total.Load())
	}
	q.Close()
}

func TestCloseReleasesQueuedBuffers(t *testing.T) {
	client, _ := tcpPair(t)
	q, _ := newTestQueue(t, client, false)
	pool := buffer.NewPool(buffer.Config{BufferSize: 256, InitialCount: 8, MaxCount: 8}, nil)

	for i := 0; i < 4; i++ {
		b := pool.AllocOne()
		b.DataLen = 100
		q.Enqueue(b, 0, 100)
	}
	q.Close()

	if err := pool.Close(); err != nil {
		t.Fatalf("pool leak after queue close: %v", err)
	}
	if _, err := q.Enqueue(pool.AllocOne(), 0, 10); err != ErrQueueClosed {
		t.Fatalf("enqueue after close: err = %v", err)
	}
	// O buffer passado foi liberado pela própria fila fechada.
	if perr := pool.Close(); perr != nil {
		t.Fatalf("pool leak after rejected enqueue: %v", perr)
	}
}
