// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rtp implementa o parse de pacotes RTP e o ring de reordenação
// por número de sequência, com janela fixa e suporte a retenção de slots
// para decodificação FEC.
package rtp

import (
	"errors"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

// Erros de parse.
var (
	ErrPacketTooShort = errors.New("rtp: packet too short")
	ErrBadPadding     = errors.New("rtp: padding exceeds payload")
)

// MPEGTSSyncByte é o primeiro byte de todo pacote MPEG-TS (serviços MUDP
// encaminham payloads que começam com ele sem unwrap RTP).
const MPEGTSSyncByte = 0x47

// ParsePacket valida o header RFC 3550 (CSRC, extensão e padding) e retorna
// o header decodificado mais a janela de payload dentro de data.
func ParsePacket(data []byte) (hdr pionrtp.Header, payloadOff, payloadLen int, err error) {
	n, err := hdr.Unmarshal(data)
	if err != nil {
		return hdr, 0, 0, fmt.Errorf("parsing rtp header: %w", err)
	}

	pad := 0
	if hdr.Padding {
		if len(data) == n {
			return hdr, 0, 0, ErrBadPadding
		}
		// O último byte do pacote indica o total de bytes de padding.
		pad = int(data[len(data)-1])
		if pad == 0 {
			return hdr, 0, 0, ErrBadPadding
		}
	}

	payloadLen = len(data) - n - pad
	if payloadLen < 0 {
		return hdr, 0, 0, ErrBadPadding
	}
	return hdr, n, payloadLen, nil
}

// SeqDiff retorna a distância com sinal entre dois sequence numbers de 16
// bits, tratando o wrap-around (comparação signed-16).
func SeqDiff(a, b uint16) int {
	return int(int16(a - b))
}
