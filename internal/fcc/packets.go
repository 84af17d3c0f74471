// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fcc implementa o protocolo Fast Channel Change: sinalização
// RTCP FB (RFC 4585, PT 205) nos dialetos Telecom e Huawei, o burst
// unicast e o hand-off sem perda para o multicast.
package fcc

import (
	"errors"
	"fmt"
	"net"

	"github.com/pion/rtcp"
)

// Erros de parse de sinalização.
var (
	ErrSignalTooShort = errors.New("fcc: signaling packet too short")
	ErrSignalNotFB    = errors.New("fcc: not an rtcp feedback packet")
	ErrSignalUnknown  = errors.New("fcc: unknown feedback fmt")
)

// MessageKind é o tipo lógico de uma mensagem de sinalização.
type MessageKind int

// Tipos de mensagem, comuns aos dois dialetos.
const (
	KindRequest MessageKind = iota
	KindResponse
	KindSyncNotify
	KindTermination
	KindNatPunch
)

// Tipos de resposta do servidor (campo type do FCI de resposta).
const (
	ResponseUnicast  = 2 // burst unicast segue pela media port
	ResponseRedirect = 3 // reconectar em outro servidor
)

// Message é uma mensagem de sinalização decodificada.
type Message struct {
	Kind MessageKind

	// Campos de resposta (KindResponse).
	Result       uint8
	Type         uint8
	MediaPort    uint16
	RedirectIP   net.IP
	RedirectPort uint16

	// Campo de sync/termination.
	Seq uint16
}

// Dialect codifica e decodifica os pacotes de um dialeto vendor.
type Dialect interface {
	Name() string

	// BuildRequest monta o RSR inicial (client → server).
	BuildRequest(mcastIP net.IP, clientPort uint16) []byte

	// BuildTermination monta o pedido de parada do burst com a sequência
	// em que o servidor deve parar.
	BuildTermination(mcastIP net.IP, stopSeq uint16) []byte

	// BuildNatPunch monta o pacote de NAT traversal, quando o dialeto tem um.
	BuildNatPunch(mcastIP net.IP) ([]byte, bool)

	// Parse decodifica um pacote de sinalização recebido do servidor.
	Parse(pkt []byte) (*Message, error)
}

// DialectByName retorna o dialeto configurado.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case "telecom", "":
		return TelecomDialect{}, nil
	case "huawei":
		return HuaweiDialect{}, nil
	default:
		return nil, fmt.Errorf("fcc: unknown dialect %q", name)
	}
}

// fbShell monta o envelope RTCP FB: header (V=2, PT=205, count=fmt),
// sender SSRC zero e media SSRC igual ao endereço IPv4 do grupo multicast
// em network byte order, seguido do FCI.
func fbShell(fmtVal uint8, mcastIP net.IP, fci []byte) []byte {
	total := 4 + 4 + 4 + len(fci)
	hdr := rtcp.Header{
		Count:  fmtVal,
		Type:   rtcp.TypeTransportSpecificFeedback,
		Length: uint16(total/4 - 1),
	}
	raw, err := hdr.Marshal()
	if err != nil {
		// Header fixo com campos validados; Marshal não falha em runtime.
		panic(fmt.Sprintf("fcc: marshaling rtcp header: %v", err))
	}

	pkt := make([]byte, total)
	copy(pkt, raw)
	// Sender SSRC = 0 (bytes 4..8 já zerados).
	if ip4 := mcastIP.To4(); ip4 != nil {
		copy(pkt[8:12], ip4)
	}
	copy(pkt[12:], fci)
	return pkt
}

// parseShell valida o envelope e retorna (fmt, fci).
func parseShell(pkt []byte) (uint8, []byte, error) {
	if len(pkt) < 12 {
		return 0, nil, ErrSignalTooShort
	}
	var hdr rtcp.Header
	if err := hdr.Unmarshal(pkt[:4]); err != nil {
		return 0, nil, fmt.Errorf("parsing rtcp header: %w", err)
	}
	if hdr.Type != rtcp.TypeTransportSpecificFeedback {
		return 0, nil, ErrSignalNotFB
	}
	declared := (int(hdr.Length) + 1) * 4
	if declared > len(pkt) {
		return 0, nil, ErrSignalTooShort
	}
	return hdr.Count, pkt[12:declared], nil
}
