// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fcc

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/n-stream/internal/buffer"
	"github.com/nishisan-dev/n-stream/internal/rtp"
)

// State é o estado da sessão FCC.
type State int

// Estados da sessão.
const (
	StateInit State = iota
	StateRequested
	StateUnicastPending
	StateUnicastActive
	StateMcastRequested
	StateMcastActive
)

// String implementa fmt.Stringer para logs e status.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRequested:
		return "requested"
	case StateUnicastPending:
		return "unicast-pending"
	case StateUnicastActive:
		return "unicast-active"
	case StateMcastRequested:
		return "mcast-requested"
	case StateMcastActive:
		return "mcast-active"
	}
	return "unknown"
}

// Timeouts do protocolo (o FCC não tem retransmissão em nível de aplicação;
// os pedidos são enviados três vezes e os prazos são curtos).
const (
	responseTimeout    = 80 * time.Millisecond
	firstUnicastWindow = 1 * time.Second
	syncWaitDeadline   = 15 * time.Second

	// signalBurst é quantas vezes cada request/termination é enviado.
	signalBurst = 3

	// MaxRedirects limita redirecionamentos type=3 por sessão.
	MaxRedirects = 5

	// maxPendingPackets limita a lista de multicast pendente durante o
	// catch-up do unicast; estourando, o hand-off é forçado.
	maxPendingPackets = 4096
)

// Callbacks liga a sessão FCC ao stream context dono dela.
type Callbacks struct {
	// JoinMulticast entra no grupo multicast do serviço.
	JoinMulticast func() error

	// DeliverDirect entrega um pacote do burst unicast direto ao cliente
	// (o burst chega em ordem). A sessão repassa a propriedade do buffer.
	DeliverDirect func(b *buffer.Buffer, seq uint16, payOff, payLen int)

	// ResetRing rearma o ring de reordenação na sequência multicast.
	ResetRing func(seq uint16)

	// InsertRing insere um pacote multicast pendente no ring, repassando a
	// propriedade do buffer.
	InsertRing func(b *buffer.Buffer, seq uint16, payOff, payLen int)
}

// pendingPacket é um nó da lista de multicast pendente.
type pendingPacket struct {
	b      *buffer.Buffer
	seq    uint16
	payOff int
	payLen int
}

// Session é uma sessão FCC de um stream. Uso single-goroutine.
type Session struct {
	dialect Dialect
	cb      Callbacks
	logger  *slog.Logger

	state      State
	serverAddr *net.UDPAddr
	mcastIP    net.IP
	conn       *net.UDPConn // socket de sinalização (não conectado; o burst chega nele)
	clientPort uint16
	mediaPort  uint16
	natPunch   bool

	lastUnicastSeq   uint16
	haveUnicastSeq   bool
	termSeq          uint16
	haveTermSeq      bool
	termSent         bool
	terminationsSent int

	pending      []pendingPacket
	pendingBytes int64

	redirectCount int
	enteredAt     time.Time
	unicastStart  time.Time
	syncWaitStart time.Time

	handedOff bool
}

// NewSession prepara uma sessão FCC. Start dispara a sinalização.
func NewSession(dialect Dialect, server *net.UDPAddr, mcastIP net.IP, natPunch bool, cb Callbacks, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		dialect:    dialect,
		cb:         cb,
		logger:     logger,
		state:      StateInit,
		serverAddr: server,
		mcastIP:    mcastIP,
		natPunch:   natPunch,
	}
}

// State retorna o estado atual.
func (s *Session) State() State { return s.state }

// Conn retorna o socket de sinalização/burst para registro no loop.
func (s *Session) Conn() *net.UDPConn { return s.conn }

// HandedOff reporta se o caminho multicast normal já assumiu.
func (s *Session) HandedOff() bool { return s.handedOff }

// TerminationsSent retorna quantos bursts de termination foram enviados
// na vida da sessão.
func (s *Session) TerminationsSent() int { return s.terminationsSent }

// setState troca o estado com log.
func (s *Session) setState(next State, now time.Time) {
	if s.state == next {
		return
	}
	s.logger.Debug("fcc state", "from", s.state.String(), "to", next.String())
	s.state = next
	s.enteredAt = now
}

// Start abre o socket e envia o request inicial (três vezes).
func (s *Session) Start(now time.Time) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("opening fcc signaling socket: %w", err)
	}
	s.conn = conn
	s.clientPort = uint16(conn.LocalAddr().(*net.UDPAddr).Port)

	s.sendBurst(s.dialect.BuildRequest(s.mcastIP, s.clientPort), s.serverAddr)
	s.setState(StateRequested, now)
	return nil
}

// sendBurst envia o mesmo pacote signalBurst vezes seguidas.
func (s *Session) sendBurst(pkt []byte, to *net.UDPAddr) {
	for i := 0; i < signalBurst; i++ {
		if _, err := s.conn.WriteToUDP(pkt, to); err != nil {
			s.logger.Debug("fcc signaling send", "error", err)
			return
		}
	}
}

// IsSignal reporta se um datagrama do socket FCC é sinalização RTCP
// (PT na faixa 192..223) em vez de mídia RTP do burst.
func IsSignal(pkt []byte) bool {
	return len(pkt) >= 2 && pkt[1] >= 192 && pkt[1] <= 223
}

// HandleSignal processa um pacote de sinalização do servidor.
func (s *Session) HandleSignal(pkt []byte, now time.Time) error {
	msg, err := s.dialect.Parse(pkt)
	if err != nil {
		return err
	}

	switch msg.Kind {
	case KindResponse:
		if s.state != StateRequested {
			return nil
		}
		if msg.Result != 0 {
			s.logger.Info("fcc server refused, falling back to multicast", "result", msg.Result)
			return s.fallback(now)
		}
		switch msg.Type {
		case ResponseRedirect:
			return s.redirect(msg, now)
		case ResponseUnicast:
			s.mediaPort = msg.MediaPort
			if punch, ok := s.dialect.BuildNatPunch(s.mcastIP); ok && s.natPunch {
				s.sendBurst(punch, &net.UDPAddr{IP: s.serverAddr.IP, Port: int(msg.MediaPort)})
			}
			s.setState(StateUnicastPending, now)
			return nil
		default:
			s.logger.Debug("fcc response with unknown type", "type", msg.Type)
			return s.fallback(now)
		}

	case KindSyncNotify:
		// Servidor manda entrar no multicast; o burst continua até o
		// termination fechar a janela.
		if s.state == StateUnicastActive || s.state == StateUnicastPending {
			return s.requestMcast(now)
		}
	}
	return nil
}

// redirect reinicia a sessão contra outro servidor (bounded).
func (s *Session) redirect(msg *Message, now time.Time) error {
	s.redirectCount++
	if s.redirectCount > MaxRedirects {
		s.logger.Warn("fcc redirect limit exceeded, falling back to multicast")
		return s.fallback(now)
	}
	s.serverAddr = &net.UDPAddr{IP: msg.RedirectIP, Port: int(msg.RedirectPort)}
	s.logger.Info("fcc redirected", "server", s.serverAddr.String(), "count", s.redirectCount)
	s.setState(StateInit, now)
	s.sendBurst(s.dialect.BuildRequest(s.mcastIP, s.clientPort), s.serverAddr)
	s.setState(StateRequested, now)
	return nil
}

// HandleUnicast processa um pacote RTP do burst unicast, assumindo a
// propriedade do buffer.
func (s *Session) HandleUnicast(b *buffer.Buffer, seq uint16, payOff, payLen int, now time.Time) {
	switch s.state {
	case StateUnicastPending:
		s.unicastStart = now
		s.syncWaitStart = now
		s.setState(StateUnicastActive, now)
	case StateUnicastActive, StateMcastRequested:
	default:
		// Burst atrasado após hand-off ou fallback: descarta.
		b.Release()
		return
	}

	s.lastUnicastSeq = seq
	s.haveUnicastSeq = true
	s.cb.DeliverDirect(b, seq, payOff, payLen)
	s.maybeHandoff(now)
}

// requestMcast entra no grupo multicast e arma a lista pendente.
func (s *Session) requestMcast(now time.Time) error {
	if err := s.cb.JoinMulticast(); err != nil {
		return fmt.Errorf("joining multicast on fcc sync: %w", err)
	}
	s.setState(StateMcastRequested, now)
	return nil
}

// HandleMcast processa um pacote multicast enquanto o hand-off não ocorre,
// assumindo a propriedade do buffer. Retorna false quando a sessão não o
// consumiu (caminho multicast normal deve tratá-lo).
func (s *Session) HandleMcast(b *buffer.Buffer, seq uint16, payOff, payLen int, now time.Time) bool {
	if s.handedOff {
		return false
	}
	if s.state != StateMcastRequested {
		// Multicast chegando antes do esperado (ex: rejoin externo): buffera
		// do mesmo jeito; o servidor será terminado com base nele.
		if s.state != StateUnicastActive {
			return false
		}
	}

	if !s.haveTermSeq {
		s.termSeq = seq
		s.haveTermSeq = true
		// Pede ao servidor que pare o burst exatamente nesta sequência + 2
		// para não sobrepor com o multicast.
		s.sendTermination(seq + 2)
	}

	s.pending = append(s.pending, pendingPacket{b: b, seq: seq, payOff: payOff, payLen: payLen})
	s.pendingBytes += int64(payLen)
	if len(s.pending) >= maxPendingPackets {
		s.logger.Warn("fcc pending buffer overflow, forcing handoff", "packets", len(s.pending))
		s.handoff(now)
		return true
	}

	s.maybeHandoff(now)
	return true
}

// maybeHandoff verifica a condição de hand-off sem perda: o último seq do
// burst alcançou termSeq-1.
func (s *Session) maybeHandoff(now time.Time) {
	if s.handedOff || !s.haveTermSeq || !s.haveUnicastSeq {
		return
	}
	if rtp.SeqDiff(s.lastUnicastSeq, s.termSeq-1) >= 0 {
		s.handoff(now)
	}
}

// handoff troca para o multicast: rearma o ring na primeira sequência
// multicast e drena a lista pendente por dentro dele.
func (s *Session) handoff(now time.Time) {
	s.cb.ResetRing(s.termSeq)
	for _, p := range s.pending {
		s.cb.InsertRing(p.b, p.seq, p.payOff, p.payLen)
	}
	s.pending = nil
	s.pendingBytes = 0
	s.handedOff = true
	s.setState(StateMcastActive, now)
	s.logger.Info("fcc handoff complete",
		"mcast_seq", s.termSeq,
		"last_unicast_seq", s.lastUnicastSeq,
	)
}

// sendTermination envia o burst de termination uma única vez na vida da
// sessão.
func (s *Session) sendTermination(stopSeq uint16) {
	if s.termSent {
		return
	}
	s.sendBurst(s.dialect.BuildTermination(s.mcastIP, stopSeq), s.serverAddr)
	s.termSent = true
	s.terminationsSent++
	s.logger.Debug("fcc termination sent", "stop_seq", stopSeq)
}

// fallback abandona o FCC e entrega o stream ao caminho multicast puro.
func (s *Session) fallback(now time.Time) error {
	s.releasePending()
	if err := s.cb.JoinMulticast(); err != nil {
		return err
	}
	s.handedOff = true
	s.setState(StateMcastActive, now)
	return nil
}

// Tick aplica os prazos do protocolo. Deve ser chamado pelo tick de 1s do
// stream e também em ticks curtos enquanto a sessão não completou.
func (s *Session) Tick(now time.Time) error {
	switch s.state {
	case StateRequested:
		if now.Sub(s.enteredAt) > responseTimeout {
			s.logger.Info("fcc server response timeout, falling back to multicast")
			return s.fallback(now)
		}
	case StateUnicastPending:
		if now.Sub(s.enteredAt) > firstUnicastWindow {
			s.logger.Info("fcc first unicast timeout, falling back to multicast")
			return s.fallback(now)
		}
	case StateUnicastActive:
		if now.Sub(s.syncWaitStart) > syncWaitDeadline {
			s.logger.Info("fcc sync notification timeout, joining multicast")
			return s.requestMcast(now)
		}
	}
	return nil
}

// releasePending devolve os buffers pendentes ao pool.
func (s *Session) releasePending() {
	for _, p := range s.pending {
		p.b.Release()
	}
	s.pending = nil
	s.pendingBytes = 0
}

// Cleanup encerra a sessão. Sem termination prévio, envia um de emergência
// com seq 0; com termination já enviado, apenas fecha o socket.
func (s *Session) Cleanup() {
	s.releasePending()
	if s.conn == nil {
		return
	}
	if !s.termSent && s.state != StateInit {
		s.sendBurst(s.dialect.BuildTermination(s.mcastIP, 0), s.serverAddr)
		s.termSent = true
		s.terminationsSent++
	}
	s.conn.Close()
	s.conn = nil
}
