// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package mcast implementa o ingresso multicast: join/rejoin do grupo,
// receive em lote (recvmmsg via x/net/ipv4) direto em buffers do pool e
// detecção de timeout de dados.
package mcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-stream/internal/buffer"
)

// MaxRecvPacketsPerBatch limita o recvmmsg por iteração.
const MaxRecvPacketsPerBatch = 64

// DefaultTimeout é o tempo máximo sem dados antes do stream ser fechado.
const DefaultTimeout = 30 * time.Second

// ErrTimeout indica que o grupo ficou sem tráfego além do limite.
var ErrTimeout = errors.New("mcast: no data before timeout")

// Config parametriza uma sessão multicast.
type Config struct {
	Group     *net.UDPAddr  // grupo e porta
	Source    net.IP        // source específico (IGMPv3 SSM); nil = ASM
	Interface string        // interface de entrada (vazio = default)
	RcvBuf    int           // SO_RCVBUF do socket
	Timeout   time.Duration // default: DefaultTimeout
}

// Session é uma assinatura de grupo multicast com receive em lote.
// Uso single-goroutine (a goroutine leitora do stream).
type Session struct {
	cfg   Config
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	ifi   *net.Interface

	msgs     []ipv4.Message
	scratch  []byte
	lastData time.Time

	drops       int64
	received    int64
	dropLimiter *rate.Limiter
	logger      *slog.Logger
}

// Join cria o socket, aplica SO_REUSEADDR e o receive buffer configurado,
// entra no grupo na interface configurada e arma o timestamp de timeout.
func Join(cfg Config, logger *slog.Logger) (*Session, error) {
	if cfg.Group == nil || cfg.Group.IP == nil || !cfg.Group.IP.IsMulticast() {
		return nil, fmt.Errorf("mcast: %v is not a multicast group", cfg.Group)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		var err error
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("resolving multicast interface %q: %w", cfg.Interface, err)
		}
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.Group.Port))
	if err != nil {
		return nil, fmt.Errorf("binding multicast port %d: %w", cfg.Group.Port, err)
	}
	conn := pc.(*net.UDPConn)

	if cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(cfg.RcvBuf); err != nil {
			logger.Warn("setting multicast rcvbuf", "size", cfg.RcvBuf, "error", err)
		}
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := joinGroup(pconn, ifi, cfg.Group, cfg.Source); err != nil {
		conn.Close()
		return nil, err
	}

	s := &Session{
		cfg:         cfg,
		conn:        conn,
		pconn:       pconn,
		ifi:         ifi,
		msgs:        make([]ipv4.Message, MaxRecvPacketsPerBatch),
		scratch:     make([]byte, buffer.DefaultBufferSize),
		lastData:    time.Now(),
		dropLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		logger:      logger,
	}
	logger.Debug("multicast joined", "group", cfg.Group.String(), "source", srcString(cfg.Source))
	return s, nil
}

func joinGroup(pconn *ipv4.PacketConn, ifi *net.Interface, group *net.UDPAddr, source net.IP) error {
	if source != nil {
		err := pconn.JoinSourceSpecificGroup(ifi,
			&net.UDPAddr{IP: group.IP},
			&net.UDPAddr{IP: source})
		if err != nil {
			return fmt.Errorf("joining ssm group %s@%s: %w", group.IP, source, err)
		}
		return nil
	}
	if err := pconn.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		return fmt.Errorf("joining group %s: %w", group.IP, err)
	}
	return nil
}

// Conn expõe o socket subjacente (registro no loop do stream).
func (s *Session) Conn() *net.UDPConn { return s.conn }

// Group retorna o endereço do grupo.
func (s *Session) Group() *net.UDPAddr { return s.cfg.Group }

// Drops retorna quantos datagramas foram descartados por exaustão do pool.
func (s *Session) Drops() int64 { return s.drops }

// Received retorna o total de datagramas recebidos.
func (s *Session) Received() int64 { return s.received }

// Rejoin reenvia o membership report do grupo sem nunca sair dele antes
// (alguns switches upstream descartam memberships silenciosamente).
func (s *Session) Rejoin() {
	err := joinGroup(s.pconn, s.ifi, s.cfg.Group, s.cfg.Source)
	if err != nil && !errors.Is(err, unix.EADDRINUSE) {
		s.logger.Debug("multicast rejoin", "group", s.cfg.Group.String(), "error", err)
	}
}

// ReadBatch recebe até MaxRecvPacketsPerBatch datagramas em buffers do
// pool. Com o pool exausto, drena um datagrama para um buffer descartável
// para não represar o kernel, contabilizando o descarte.
// Retorna os buffers preenchidos (DataLen ajustado) e o peer do primeiro
// datagrama (modo FCC verifying-server).
func (s *Session) ReadBatch(pool *buffer.Pool) ([]*buffer.Buffer, net.Addr, error) {
	head, n := pool.Alloc(MaxRecvPacketsPerBatch)
	if n == 0 {
		// Pool exausto: drena um datagrama e descarta.
		if _, _, err := s.conn.ReadFromUDP(s.scratch); err != nil {
			return nil, nil, err
		}
		s.drops++
		s.lastData = time.Now()
		if s.dropLimiter.Allow() {
			s.logger.Warn("multicast packets dropped: buffer pool exhausted",
				"group", s.cfg.Group.String(),
				"drops", s.drops,
			)
		}
		return nil, nil, nil
	}

	bufs := make([]*buffer.Buffer, 0, n)
	for b := head; b != nil; b = b.Next() {
		bufs = append(bufs, b)
	}
	for i, b := range bufs {
		s.msgs[i] = ipv4.Message{Buffers: [][]byte{b.Raw()}}
	}

	got, err := s.pconn.ReadBatch(s.msgs[:len(bufs)], 0)
	if err != nil {
		buffer.ReleaseChain(head)
		return nil, nil, err
	}

	var peer net.Addr
	if got > 0 {
		peer = s.msgs[0].Addr
		s.lastData = time.Now()
		s.received += int64(got)
	}

	// Desencadeia os preenchidos e libera o excedente.
	for i := 0; i < got; i++ {
		bufs[i].Unlink()
		bufs[i].DataLen = s.msgs[i].N
	}
	if got < len(bufs) {
		buffer.ReleaseChain(bufs[got])
	}
	return bufs[:got], peer, nil
}

// Expired reporta se o grupo ficou sem dados além do timeout.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.lastData) > s.cfg.Timeout
}

// Close encerra o socket (o leave do grupo acompanha o close do fd).
func (s *Session) Close() error {
	return s.conn.Close()
}

func srcString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
