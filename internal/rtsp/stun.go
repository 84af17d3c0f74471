// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rtsp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// stunRetryInterval e stunRetries seguem o comportamento do cliente:
// binding request reenviado a cada 500 ms, até 3 tentativas.
const (
	stunRetryInterval = 500 * time.Millisecond
	stunRetries       = 3
)

// ErrSTUNNoResponse indica que o servidor STUN não respondeu.
var ErrSTUNNoResponse = errors.New("rtsp: stun server did not answer")

// DiscoverMappedPort envia um binding request RFC 5389 pelo próprio socket
// de mídia e retorna a porta pública mapeada (XOR-MAPPED-ADDRESS, com
// fallback para MAPPED-ADDRESS).
func DiscoverMappedPort(conn *net.UDPConn, stunServer string) (uint16, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", stunServer)
	if err != nil {
		return 0, fmt.Errorf("resolving stun server %q: %w", stunServer, err)
	}

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	resp := make([]byte, 1500)

	for attempt := 0; attempt < stunRetries; attempt++ {
		if _, err := conn.WriteToUDP(req.Raw, serverAddr); err != nil {
			return 0, fmt.Errorf("sending stun binding request: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(stunRetryInterval))
		for {
			n, from, err := conn.ReadFromUDP(resp)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					break // próxima tentativa
				}
				conn.SetReadDeadline(time.Time{})
				return 0, fmt.Errorf("reading stun response: %w", err)
			}
			if !from.IP.Equal(serverAddr.IP) {
				continue // tráfego alheio no socket de mídia
			}

			msg := &stun.Message{Raw: append([]byte(nil), resp[:n]...)}
			if err := msg.Decode(); err != nil {
				continue
			}
			if msg.TransactionID != req.TransactionID {
				continue
			}
			conn.SetReadDeadline(time.Time{})

			var xor stun.XORMappedAddress
			if err := xor.GetFrom(msg); err == nil {
				return uint16(xor.Port), nil
			}
			var mapped stun.MappedAddress
			if err := mapped.GetFrom(msg); err == nil {
				return uint16(mapped.Port), nil
			}
			return 0, fmt.Errorf("stun response without mapped address")
		}
	}
	conn.SetReadDeadline(time.Time{})
	return 0, ErrSTUNNoResponse
}
