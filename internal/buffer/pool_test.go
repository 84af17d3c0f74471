// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package buffer

import (
	"math/rand"
	"testing"
)

func testPool(initial, max, step, low, high int) *Pool {
	return NewPool(Config{
		BufferSize:    256,
		InitialCount:  initial,
		MaxCount:      max,
		ExpandStep:    step,
		LowWatermark:  low,
		HighWatermark: high,
	}, nil)
}

func TestAllocReleaseBalance(t *testing.T) {
	p := testPool(8, 64, 8, 0, 8)

	// Workload sintético: aloca cadeias de tamanho variado, retém algumas
	// referências extras, libera tudo. No final, free == total (P1).
	rng := rand.New(rand.NewSource(42))
	var held []*Buffer
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(5)
		head, got := p.Alloc(n)
		if got == 0 {
			continue
		}
		for b := head; b != nil; {
			next := b.Unlink()
			if rng.Intn(3) == 0 {
				b.Retain()
				held = append(held, b)
			}
			b.Release()
			b = next
		}
		// Libera metade dos retidos
		for len(held) > 4 {
			held[0].Release()
			held = held[1:]
		}
	}
	for _, b := range held {
		b.Release()
	}

	if err := p.Close(); err != nil {
		t.Fatalf("pool close after balanced workload: %v", err)
	}
	s := p.Stats()
	if s.Allocs != s.Releases {
		t.Fatalf("allocs %d != releases %d", s.Allocs, s.Releases)
	}
}

func TestPoolBounds(t *testing.T) {
	p := testPool(4, 16, 4, 0, 4)

	check := func() {
		s := p.Stats()
		if s.Free > s.Total {
			t.Fatalf("free %d > total %d", s.Free, s.Total)
		}
		if s.Total > s.Max {
			t.Fatalf("total %d > max %d", s.Total, s.Max)
		}
	}

	var all []*Buffer
	for {
		b := p.AllocOne()
		if b == nil {
			break
		}
		all = append(all, b)
		check()
	}
	if len(all) != 16 {
		t.Fatalf("allocated %d buffers, want max 16", len(all))
	}
	s := p.Stats()
	if s.Exhaustions == 0 {
		t.Error("expected exhaustion counter after drain")
	}

	for _, b := range all {
		b.Release()
		check()
	}

	p.TryShrink()
	s = p.Stats()
	if !(s.Free <= 4 || s.Total == 4) {
		t.Fatalf("after shrink: free=%d total=%d, want free <= high or total == initial", s.Free, s.Total)
	}
	check()
}

func TestPartialAllocation(t *testing.T) {
	p := testPool(4, 4, 4, 0, 4)

	head, got := p.Alloc(3)
	if got != 3 {
		t.Fatalf("first alloc got %d, want 3", got)
	}

	// Restam 1: pedir 4 deve devolver apenas 1 (alocação parcial).
	head2, got2 := p.Alloc(4)
	if got2 != 1 {
		t.Fatalf("partial alloc got %d, want 1", got2)
	}
	if head2 == nil || head2.Next() != nil {
		t.Fatal("partial chain must hold exactly one buffer")
	}

	// Pool vazio: próxima alocação falha e conta exaustão.
	if b, n := p.Alloc(1); b != nil || n != 0 {
		t.Fatalf("alloc on empty pool returned %v/%d", b, n)
	}

	ReleaseChain(head)
	ReleaseChain(head2)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestExpandStepAndWatermark(t *testing.T) {
	p := testPool(4, 32, 8, 2, 8)

	// Consome até o low watermark; a próxima alocação deve expandir.
	var all []*Buffer
	for i := 0; i < 12; i++ {
		b := p.AllocOne()
		if b == nil {
			t.Fatalf("unexpected exhaustion at %d", i)
		}
		all = append(all, b)
	}
	s := p.Stats()
	if s.Expansions == 0 {
		t.Fatal("expected at least one expansion")
	}
	if s.Total > 32 {
		t.Fatalf("total %d exceeds max", s.Total)
	}

	for _, b := range all {
		b.Release()
	}
}

func TestShrinkPrefersIdleSegments(t *testing.T) {
	p := testPool(4, 32, 8, 0, 4)

	var all []*Buffer
	for i := 0; i < 20; i++ {
		all = append(all, p.AllocOne())
	}
	for _, b := range all {
		b.Release()
	}

	p.TryShrink()
	s := p.Stats()
	if s.Shrinks == 0 {
		t.Fatal("expected shrink to run")
	}
	if s.Free > 4 && s.Total != 4 {
		t.Fatalf("after shrink free=%d total=%d", s.Free, s.Total)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBufferWindow(t *testing.T) {
	p := testPool(1, 1, 1, 0, 1)
	b := p.AllocOne()

	copy(b.Raw(), []byte("0123456789"))
	b.DataOff = 2
	b.DataLen = 5
	if string(b.Bytes()) != "23456" {
		t.Fatalf("Bytes() = %q", b.Bytes())
	}

	b.Release()

	// Reuso deve voltar zerado.
	b = p.AllocOne()
	if b.DataOff != 0 || b.DataLen != 0 {
		t.Fatalf("recycled buffer window not reset: off=%d len=%d", b.DataOff, b.DataLen)
	}
	b.Release()
}

func TestAlignment(t *testing.T) {
	p := testPool(8, 8, 8, 0, 8)
	head, n := p.Alloc(8)
	if n != 8 {
		t.Fatalf("alloc got %d", n)
	}
	for b := head; b != nil; b = b.Next() {
		if len(b.Raw()) != 256 {
			t.Fatalf("buffer storage len %d, want 256", len(b.Raw()))
		}
	}
	ReleaseChain(head)
}
