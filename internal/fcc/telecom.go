// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fcc

import (
	"encoding/binary"
	"net"
)

// FMTs do dialeto Telecom.
const (
	telecomFmtRequest     = 2
	telecomFmtResponse    = 3
	telecomFmtSyncNotify  = 4
	telecomFmtTermination = 5
)

// TelecomDialect implementa a sinalização FCC do dialeto Telecom
// (FMT 2/3/4/5).
type TelecomDialect struct{}

// Name retorna o nome do dialeto.
func (TelecomDialect) Name() string { return "telecom" }

// BuildRequest monta o RSR (FMT 2). FCI de 8 bytes:
//
//	0 client_port u16 BE
//	2 reservado   u16
//	4 reservado   u32
func (TelecomDialect) BuildRequest(mcastIP net.IP, clientPort uint16) []byte {
	fci := make([]byte, 8)
	binary.BigEndian.PutUint16(fci[0:2], clientPort)
	return fbShell(telecomFmtRequest, mcastIP, fci)
}

// BuildTermination monta o pedido de parada (FMT 5). FCI de 4 bytes:
//
//	0 stop_seq  u16 BE (primeira sequência multicast observada + 2)
//	2 reservado u16
func (TelecomDialect) BuildTermination(mcastIP net.IP, stopSeq uint16) []byte {
	fci := make([]byte, 4)
	binary.BigEndian.PutUint16(fci[0:2], stopSeq)
	return fbShell(telecomFmtTermination, mcastIP, fci)
}

// BuildNatPunch não existe no dialeto Telecom.
func (TelecomDialect) BuildNatPunch(net.IP) ([]byte, bool) { return nil, false }

// Parse decodifica respostas (FMT 3) e sync notifications (FMT 4).
// FCI da resposta (8 bytes):
//
//	0 result      u8  (0 = ok)
//	1 type        u8  (2 = unicast, 3 = redirect)
//	2 media_port  u16 BE
//	4 redirect_ip u32 BE (type 3) ou reservado
//
// FCI do sync (4 bytes):
//
//	0 first_mcast_seq u16 BE
//	2 reservado       u16
func (TelecomDialect) Parse(pkt []byte) (*Message, error) {
	fmtVal, fci, err := parseShell(pkt)
	if err != nil {
		return nil, err
	}

	switch fmtVal {
	case telecomFmtResponse:
		if len(fci) < 8 {
			return nil, ErrSignalTooShort
		}
		msg := &Message{
			Kind:      KindResponse,
			Result:    fci[0],
			Type:      fci[1],
			MediaPort: binary.BigEndian.Uint16(fci[2:4]),
		}
		if msg.Type == ResponseRedirect {
			msg.RedirectIP = net.IPv4(fci[4], fci[5], fci[6], fci[7])
			msg.RedirectPort = msg.MediaPort
		}
		return msg, nil

	case telecomFmtSyncNotify:
		if len(fci) < 4 {
			return nil, ErrSignalTooShort
		}
		return &Message{
			Kind: KindSyncNotify,
			Seq:  binary.BigEndian.Uint16(fci[0:2]),
		}, nil
	}
	return nil, ErrSignalUnknown
}
