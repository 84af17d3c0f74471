// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rtp

import (
	"bytes"
	"testing"

	pionrtp "github.com/pion/rtp"
)

func TestParsePacketBasic(t *testing.T) {
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    33,
			SequenceNumber: 4242,
			Timestamp:      90000,
			SSRC:           0xdeadbeef,
		},
		Payload: []byte("mpegts-payload"),
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	hdr, off, length, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if hdr.SequenceNumber != 4242 {
		t.Errorf("seq = %d, want 4242", hdr.SequenceNumber)
	}
	if off != 12 {
		t.Errorf("payload offset = %d, want 12", off)
	}
	if !bytes.Equal(raw[off:off+length], []byte("mpegts-payload")) {
		t.Errorf("payload window = %q", raw[off:off+length])
	}
}

func TestParsePacketCSRCAndExtension(t *testing.T) {
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:          2,
			PayloadType:      33,
			SequenceNumber:   7,
			SSRC:             1,
			CSRC:             []uint32{10, 20},
			Extension:        true,
			ExtensionProfile: 0xBEDE,
		},
		Payload: []byte{0xAA, 0xBB},
	}
	if err := pkt.Header.SetExtension(1, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("set extension: %v", err)
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	_, off, length, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if length != 2 || !bytes.Equal(raw[off:off+length], []byte{0xAA, 0xBB}) {
		t.Errorf("payload = %v (len %d)", raw[off:off+length], length)
	}
}

func TestParsePacketPadding(t *testing.T) {
	// Header mínimo + payload de 3 bytes + 5 bytes de padding (último = 5).
	raw := []byte{
		0xa0, 33, 0x00, 0x09, // V=2, P=1, seq 9
		0, 0, 0, 0, // timestamp
		0, 0, 0, 1, // ssrc
		0x47, 0x11, 0x22, // payload
		0, 0, 0, 0, 5, // padding
	}
	_, off, length, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if off != 12 || length != 3 {
		t.Errorf("off=%d len=%d, want 12/3", off, length)
	}
}

func TestParsePacketMalformed(t *testing.T) {
	if _, _, _, err := ParsePacket([]byte{0x80}); err == nil {
		t.Error("truncated header accepted")
	}

	// Padding maior que o pacote
	raw := []byte{
		0xa0, 33, 0x00, 0x09,
		0, 0, 0, 0,
		0, 0, 0, 1,
		200, // padding declara 200 bytes
	}
	if _, _, _, err := ParsePacket(raw); err == nil {
		t.Error("padding overflow accepted")
	}

	// Padding zero é inválido
	raw[len(raw)-1] = 0
	if _, _, _, err := ParsePacket(raw); err == nil {
		t.Error("zero padding accepted")
	}
}

func TestSeqDiff(t *testing.T) {
	cases := []struct {
		a, b uint16
		want int
	}{
		{10, 5, 5},
		{5, 10, -5},
		{0, 65535, 1},
		{65535, 0, -1},
		{32768, 0, -32768},
	}
	for _, tc := range cases {
		if got := SeqDiff(tc.a, tc.b); got != tc.want {
			t.Errorf("SeqDiff(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
