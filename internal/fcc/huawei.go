// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fcc

import (
	"encoding/binary"
	"net"
)

// FMTs do dialeto Huawei.
const (
	huaweiFmtRequest     = 5
	huaweiFmtResponse    = 6
	huaweiFmtSyncNotify  = 8
	huaweiFmtTermination = 9
	huaweiFmtNatPunch    = 12
)

// HuaweiDialect implementa a sinalização FCC do dialeto Huawei
// (FMT 5/6/8/9 mais o punch packet FMT 12).
type HuaweiDialect struct{}

// Name retorna o nome do dialeto.
func (HuaweiDialect) Name() string { return "huawei" }

// BuildRequest monta o request (FMT 5). FCI de 12 bytes:
//
//	0 client_port u16 BE
//	2 flags       u16 (zero)
//	4 reservado   u32
//	8 reservado   u32
func (HuaweiDialect) BuildRequest(mcastIP net.IP, clientPort uint16) []byte {
	fci := make([]byte, 12)
	binary.BigEndian.PutUint16(fci[0:2], clientPort)
	return fbShell(huaweiFmtRequest, mcastIP, fci)
}

// BuildTermination monta o pedido de parada (FMT 9). FCI de 8 bytes:
//
//	0 stop_seq  u16 BE
//	2 reservado u16
//	4 reservado u32
func (HuaweiDialect) BuildTermination(mcastIP net.IP, stopSeq uint16) []byte {
	fci := make([]byte, 8)
	binary.BigEndian.PutUint16(fci[0:2], stopSeq)
	return fbShell(huaweiFmtTermination, mcastIP, fci)
}

// BuildNatPunch monta o punch packet (FMT 12), enviado pela media port
// para abrir o caminho de volta no NAT antes do burst.
func (HuaweiDialect) BuildNatPunch(mcastIP net.IP) ([]byte, bool) {
	return fbShell(huaweiFmtNatPunch, mcastIP, make([]byte, 4)), true
}

// Parse decodifica respostas (FMT 6) e sync notifications (FMT 8).
// FCI da resposta (12 bytes):
//
//	0 result      u8
//	1 type        u8 (2 = unicast, 3 = redirect)
//	2 media_port  u16 BE
//	4 redirect_ip u32 BE (type 3)
//	8 reservado   u32
//
// FCI do sync (8 bytes):
//
//	0 first_mcast_seq u16 BE
//	2 reservado       u16
//	4 reservado       u32
func (HuaweiDialect) Parse(pkt []byte) (*Message, error) {
	fmtVal, fci, err := parseShell(pkt)
	if err != nil {
		return nil, err
	}

	switch fmtVal {
	case huaweiFmtResponse:
		if len(fci) < 12 {
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

	case huaweiFmtSyncNotify:
		if len(fci) < 8 {
			return nil, ErrSignalTooShort
		}
		return &Message{
			Kind: KindSyncNotify,
			Seq:  binary.BigEndian.Uint16(fci[0:2]),
		}, nil
	}
	return nil, ErrSignalUnknown
}
