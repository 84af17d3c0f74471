// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"log/slog"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// zcRange é uma faixa [lo, hi] de ids zero-copy confirmados pelo kernel.
type zcRange struct {
	lo, hi uint32
	copied bool
}

// sendmsgIOV faz o envio vetorizado de até 64 janelas num syscall só.
func sendmsgIOV(fd int, iovs [][]byte, flags int) (int, error) {
	return unix.SendmsgBuffers(fd, iovs, nil, nil, flags)
}

// reapErrQueue drena a error queue do socket e decodifica as faixas de
// ids confirmadas (sock_extended_err com origem SO_EE_ORIGIN_ZEROCOPY).
// A error queue é a fonte autoritativa de completions.
func reapErrQueue(raw syscall.RawConn, logger *slog.Logger) []zcRange {
	var ranges []zcRange
	oob := make([]byte, 512)

	for {
		var oobn int
		var rerr error
		cerr := raw.Control(func(fd uintptr) {
			_, oobn, _, _, rerr = unix.Recvmsg(int(fd), nil, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
		})
		if cerr != nil {
			return ranges
		}
		if rerr != nil {
			// EAGAIN: fila drenada.
			if rerr != unix.EAGAIN && rerr != unix.EWOULDBLOCK {
				logger.Debug("error queue read", "error", rerr)
			}
			return ranges
		}

		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			logger.Debug("error queue cmsg parse", "error", err)
			return ranges
		}
		for _, m := range msgs {
			if m.Header.Level != unix.SOL_IP || m.Header.Type != unix.IP_RECVERR {
				continue
			}
			if len(m.Data) < int(unsafe.Sizeof(unix.SockExtendedErr{})) {
				continue
			}
			ee := (*unix.SockExtendedErr)(unsafe.Pointer(&m.Data[0]))
			if ee.Origin != unix.SO_EE_ORIGIN_ZEROCOPY {
				continue
			}
			ranges = append(ranges, zcRange{
				lo:     ee.Info,
				hi:     ee.Data,
				copied: ee.Code == unix.SO_EE_CODE_ZEROCOPY_COPIED,
			})
		}
	}
}
