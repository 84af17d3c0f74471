// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/n-stream/internal/buffer"
	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/fcc"
	"github.com/nishisan-dev/n-stream/internal/fec"
	"github.com/nishisan-dev/n-stream/internal/mcast"
	"github.com/nishisan-dev/n-stream/internal/rtp"
	"github.com/nishisan-dev/n-stream/internal/rtsp"
)

// tickInterval é o tick periódico do stream (timeouts, rejoin, banda).
const tickInterval = 1 * time.Second

// packetChanDepth limita os lotes em trânsito entre leitores e o loop.
const packetChanDepth = 16

// ErrUpstreamTimeout indica multicast sem dados além do limite.
var ErrUpstreamTimeout = errors.New("stream: upstream timed out")

// ClientStatus é o slot de status do cliente, atualizado pelo stream.
type ClientStatus interface {
	SetState(state string)
	AddBytes(n int64)
	SetBandwidth(bytesPerSec int64)
}

// nopStatus é usado quando a superfície de status está desabilitada.
type nopStatus struct{}

func (nopStatus) SetState(string)    {}
func (nopStatus) AddBytes(int64)     {}
func (nopStatus) SetBandwidth(int64) {}

// Context é o pipeline de mídia de uma conexão: único consumidor dos
// eventos upstream e único produtor da fila de envio.
type Context struct {
	cfg    *config.GatewayConfig
	svc    config.ServiceInfo
	pool   *buffer.Pool
	queue  *Queue
	status ClientStatus
	logger *slog.Logger

	ring   *rtp.ReorderRing
	fecCtx *fec.Context

	mcastSess *mcast.Session
	fecSess   *mcast.Session
	fccSess   *fcc.Session
	rtspCli   *rtsp.Client

	mcastCh chan []*buffer.Buffer
	fecCh   chan []*buffer.Buffer
	fccCh   chan *buffer.Buffer
	rtspCh  chan *buffer.Buffer
	rtspErr chan error

	flushTimer *time.Timer

	bytesOut     int64
	lastTickAt   time.Time
	lastTickOut  int64
	lastRejoinAt time.Time

	protoErrors int64
}

// New monta o stream context de um serviço para uma conexão.
func New(cfg *config.GatewayConfig, svc config.ServiceInfo, pool *buffer.Pool, queue *Queue, st ClientStatus, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	if st == nil {
		st = nopStatus{}
	}
	c := &Context{
		cfg:     cfg,
		svc:     svc,
		pool:    pool,
		queue:   queue,
		status:  st,
		logger:  logger,
		mcastCh: make(chan []*buffer.Buffer, packetChanDepth),
		fecCh:   make(chan []*buffer.Buffer, packetChanDepth),
		fccCh:   make(chan *buffer.Buffer, packetChanDepth),
		rtspCh:  make(chan *buffer.Buffer, packetChanDepth),
	}
	c.ring = rtp.NewReorderRing(rtp.DefaultWindow, svc.FECEnabled, c.deliver, logger)
	if svc.FECEnabled {
		c.fecCtx = fec.NewContext(logger)
	}
	c.flushTimer = time.NewTimer(time.Hour)
	c.flushTimer.Stop()
	return c
}

// deliver é o callback do ring: enfileira a janela de payload na fila de
// envio, retendo uma referência própria.
func (c *Context) deliver(b *buffer.Buffer, _ uint16, payOff, payLen int) {
	b.Retain()
	c.enqueue(b, payOff, payLen)
}

// enqueue adiciona à fila (propriedade da referência passa à fila) e
// aplica a política de batching.
func (c *Context) enqueue(b *buffer.Buffer, off, n int) {
	flushNow, err := c.queue.Enqueue(b, off, n)
	if err != nil {
		return
	}
	c.bytesOut += int64(n)
	c.status.AddBytes(int64(n))

	if flushNow {
		c.flushTimer.Stop()
		if err := c.queue.Flush(); err != nil {
			c.logger.Debug("flush on enqueue", "error", err)
		}
		c.queue.ReapCompletions()
	} else if c.queue.Len() == 1 {
		c.flushTimer.Reset(BatchTimeout)
	}
}

// Start abre o caminho upstream do serviço. Deve ser chamado antes de
// Run; com erro aqui, a conexão ainda pode responder um status HTTP ao
// cliente (o corpo não começou). O erro já deixa o contexto limpo.
func (c *Context) Start(ctx context.Context) error {
	c.lastTickAt = time.Now()
	c.status.SetState("starting")

	var err error
	switch c.svc.Type {
	case "rtsp":
		err = c.startRTSP(ctx)
	case "mrtp":
		if c.svc.FCCServer != "" {
			if err = c.startFCC(ctx); err != nil {
				c.logger.Warn("fcc start failed, joining multicast directly", "error", err)
				err = c.joinMulticast(ctx)
			}
		} else {
			err = c.joinMulticast(ctx)
		}
	case "mudp":
		err = c.joinMulticast(ctx)
	default:
		err = fmt.Errorf("stream: unknown service type %q", c.svc.Type)
	}
	if err != nil {
		c.cleanup()
		return err
	}
	return nil
}

// Run conduz o stream até o contexto cancelar ou um erro fatal.
func (c *Context) Run(ctx context.Context) error {
	defer c.cleanup()

	c.status.SetState("streaming")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// O FCC precisa de ticks curtos enquanto espera resposta/burst.
	fccTicker := time.NewTicker(20 * time.Millisecond)
	defer fccTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case bufs := <-c.mcastCh:
			now := time.Now()
			for _, b := range bufs {
				c.handleMcastPacket(b, now)
			}

		case bufs := <-c.fecCh:
			for _, b := range bufs {
				c.handleFECPacket(b)
			}

		case b := <-c.fccCh:
			c.handleFCCDatagram(b, time.Now())

		case b := <-c.rtspCh:
			c.handleRTSPPacket(b)

		case err := <-c.rtspErrCh():
			if err != nil {
				return fmt.Errorf("rtsp session: %w", err)
			}
			return nil

		case <-c.flushTimer.C:
			if err := c.queue.Flush(); err != nil {
				return fmt.Errorf("flushing send queue: %w", err)
			}
			c.queue.ReapCompletions()

		case <-fccTicker.C:
			if c.fccSess != nil && !c.fccSess.HandedOff() {
				if err := c.fccSess.Tick(time.Now()); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if err := c.tick(time.Now()); err != nil {
				return err
			}
		}
	}
}

// rtspErrCh retorna o canal de término do cliente RTSP; nil (select
// nunca dispara) quando o serviço não é RTSP.
func (c *Context) rtspErrCh() <-chan error {
	return c.rtspErr
}

// tick aplica timeouts, rejoin periódico e estatísticas de banda.
func (c *Context) tick(now time.Time) error {
	// Deadline de batching da fila.
	if c.queue.Due(now) {
		if err := c.queue.Flush(); err != nil {
			return fmt.Errorf("flushing send queue: %w", err)
		}
	}
	c.queue.ReapCompletions()

	if c.mcastSess != nil && c.mcastSess.Expired(now) {
		c.logger.Info("multicast timeout, closing stream")
		return ErrUpstreamTimeout
	}
	if c.fecSess != nil && c.fecCtx != nil {
		c.fecCtx.Expire(c.ring)
	}

	if interval := c.cfg.Upstream.McastRejoinInterval; interval > 0 && c.mcastSess != nil {
		if now.Sub(c.lastRejoinAt) >= interval {
			c.mcastSess.Rejoin()
			if c.fecSess != nil {
				c.fecSess.Rejoin()
			}
			c.lastRejoinAt = now
		}
	}

	// Banda: bytes_delta * 1000 / ms_delta.
	if ms := now.Sub(c.lastTickAt).Milliseconds(); ms > 0 {
		delta := c.bytesOut - c.lastTickOut
		c.status.SetBandwidth(delta * 1000 / ms)
	}
	c.lastTickAt = now
	c.lastTickOut = c.bytesOut
	return nil
}

// joinMulticast entra no grupo do serviço (e no grupo FEC, se habilitado)
// e dispara as goroutines leitoras.
func (c *Context) joinMulticast(ctx context.Context) error {
	if c.mcastSess != nil {
		return nil
	}
	group, err := net.ResolveUDPAddr("udp4", c.svc.Address)
	if err != nil {
		return fmt.Errorf("resolving service address: %w", err)
	}
	var source net.IP
	if c.svc.Source != "" {
		source = net.ParseIP(c.svc.Source)
	}

	sess, err := mcast.Join(mcast.Config{
		Group:     group,
		Source:    source,
		Interface: c.cfg.Upstream.MulticastInterface,
		RcvBuf:    int(c.cfg.Upstream.UDPRcvBufRaw),
		Timeout:   c.cfg.Upstream.McastTimeout,
	}, c.logger)
	if err != nil {
		return err
	}
	c.mcastSess = sess
	c.lastRejoinAt = time.Now()
	go c.readLoop(ctx, sess, c.mcastCh)

	if c.svc.FECEnabled {
		fecGroup := &net.UDPAddr{IP: group.IP, Port: group.Port + 2}
		fecSess, err := mcast.Join(mcast.Config{
			Group:     fecGroup,
			Source:    source,
			Interface: c.cfg.Upstream.MulticastInterface,
			RcvBuf:    int(c.cfg.Upstream.UDPRcvBufRaw),
			Timeout:   c.cfg.Upstream.McastTimeout,
		}, c.logger)
		if err != nil {
			c.logger.Warn("fec multicast join failed, running without fec", "error", err)
		} else {
			c.fecSess = fecSess
			go c.readLoop(ctx, fecSess, c.fecCh)
		}
	}
	return nil
}

// readLoop alimenta um canal com lotes de buffers de uma sessão multicast.
func (c *Context) readLoop(ctx context.Context, sess *mcast.Session, ch chan []*buffer.Buffer) {
	for {
		sess.Conn().SetReadDeadline(time.Now().Add(1 * time.Second))
		bufs, _, err := sess.ReadBatch(c.pool)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			return
		}
		if len(bufs) == 0 {
			continue
		}
		select {
		case ch <- bufs:
		case <-ctx.Done():
			for _, b := range bufs {
				b.Release()
			}
			return
		}
	}
}

// startFCC abre a sessão FCC e a goroutine leitora do socket dela.
func (c *Context) startFCC(ctx context.Context) error {
	server, err := net.ResolveUDPAddr("udp4", c.svc.FCCServer)
	if err != nil {
		return fmt.Errorf("resolving fcc server: %w", err)
	}
	group, err := net.ResolveUDPAddr("udp4", c.svc.Address)
	if err != nil {
		return fmt.Errorf("resolving service address: %w", err)
	}
	dialect, err := fcc.DialectByName(c.cfg.FCC.Dialect)
	if err != nil {
		return err
	}

	c.fccSess = fcc.NewSession(dialect, server, group.IP, c.cfg.FCC.NATTraversal, fcc.Callbacks{
		JoinMulticast: func() error { return c.joinMulticast(ctx) },
		DeliverDirect: func(b *buffer.Buffer, _ uint16, payOff, payLen int) {
			b.Retain()
			c.enqueue(b, payOff, payLen)
			b.Release()
		},
		ResetRing: c.ring.ResetBase,
		InsertRing: func(b *buffer.Buffer, seq uint16, payOff, payLen int) {
			c.ring.Insert(b, seq, payOff, payLen)
		},
	}, c.logger)

	if err := c.fccSess.Start(time.Now()); err != nil {
		return err
	}

	go func() {
		conn := c.fccSess.Conn()
		for {
			b := c.pool.AllocOne()
			if b == nil {
				// Sem buffer: drena com descartável.
				scratch := make([]byte, buffer.DefaultBufferSize)
				conn.SetReadDeadline(time.Now().Add(1 * time.Second))
				conn.ReadFromUDP(scratch)
				if ctx.Err() != nil {
					return
				}
				continue
			}
			conn.SetReadDeadline(time.Now().Add(1 * time.Second))
			n, _, err := conn.ReadFromUDP(b.Raw())
			if err != nil {
				b.Release()
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				return
			}
			b.DataLen = n
			select {
			case c.fccCh <- b:
			case <-ctx.Done():
				b.Release()
				return
			}
		}
	}()
	return nil
}

// startRTSP cria e dispara o cliente RTSP.
func (c *Context) startRTSP(ctx context.Context) error {
	cli, err := rtsp.NewClient(rtsp.Config{
		URL:        c.svc.Address,
		Playseek:   c.svc.Playseek,
		STUNServer: c.cfg.RTSP.STUNServer,
		Logger:     c.logger,
	}, func(_ rtsp.Protocol, payload []byte) {
		// Callback roda na goroutine do cliente RTSP: copia para um buffer
		// do pool e entrega ao loop do stream. O tipo de payload é
		// re-detectado pelo sync byte MPEG-TS.
		b := c.pool.AllocOne()
		if b == nil {
			return
		}
		n := copy(b.Raw(), payload)
		b.DataLen = n
		select {
		case c.rtspCh <- b:
		case <-ctx.Done():
			b.Release()
		}
	})
	if err != nil {
		return err
	}
	c.rtspCli = cli
	c.rtspErr = make(chan error, 1)

	go func() { c.rtspErr <- cli.Run(ctx) }()

	// Espera o PLAY completar (ou falhar) antes do corpo HTTP começar.
	deadline := time.NewTimer(20 * time.Second)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case err := <-c.rtspErr:
			if err == nil {
				err = errors.New("stream: rtsp session ended before playing")
			}
			return err
		case <-deadline.C:
			return errors.New("stream: rtsp session setup timed out")
		case <-poll.C:
			if cli.State() >= rtsp.StatePlaying {
				return nil
			}
		}
	}
}

// handleMcastPacket processa um datagrama do grupo principal, assumindo a
// propriedade do buffer.
func (c *Context) handleMcastPacket(b *buffer.Buffer, now time.Time) {
	if c.svc.Type == "mudp" {
		c.handleRawDatagram(b)
		return
	}

	hdr, payOff, payLen, err := rtp.ParsePacket(b.Raw()[:b.DataLen])
	if err != nil {
		c.protoErrors++
		c.logger.Debug("dropping malformed rtp packet", "error", err)
		b.Release()
		return
	}

	if c.fccSess != nil && !c.fccSess.HandedOff() {
		if c.fccSess.HandleMcast(b, hdr.SequenceNumber, payOff, payLen, now) {
			return
		}
	}

	res := c.ring.Insert(b, hdr.SequenceNumber, payOff, payLen)
	if res.Hole && c.fecCtx != nil {
		if c.fecCtx.TryRecover(c.ring, c.pool) > 0 {
			c.fecCtx.Expire(c.ring)
		}
	}
}

// handleRawDatagram encaminha MUDP: payload MPEG-TS cru passa direto;
// datagramas RTP são desembrulhados.
func (c *Context) handleRawDatagram(b *buffer.Buffer) {
	data := b.Raw()[:b.DataLen]
	if len(data) == 0 {
		b.Release()
		return
	}
	if data[0] == rtp.MPEGTSSyncByte {
		c.enqueue(b, 0, b.DataLen)
		return
	}
	if _, payOff, payLen, err := rtp.ParsePacket(data); err == nil {
		c.enqueue(b, payOff, payLen)
		return
	}
	c.enqueue(b, 0, b.DataLen)
}

// handleFECPacket processa um datagrama do grupo FEC.
func (c *Context) handleFECPacket(b *buffer.Buffer) {
	defer b.Release()
	if c.fecCtx == nil {
		return
	}
	hdr, payOff, payLen, err := rtp.ParsePacket(b.Raw()[:b.DataLen])
	if err != nil {
		c.protoErrors++
		return
	}
	if hdr.PayloadType != fec.PayloadTypeFEC && hdr.PayloadType != fec.PayloadTypeFECAlt {
		return
	}
	if err := c.fecCtx.HandleParity(b.Raw()[payOff : payOff+payLen]); err != nil {
		c.logger.Debug("fec parity rejected", "error", err)
		return
	}
	if c.fecCtx.TryRecover(c.ring, c.pool) > 0 {
		c.fecCtx.Expire(c.ring)
	}
}

// handleFCCDatagram demultiplexa o socket FCC: sinalização RTCP ou mídia
// RTP do burst.
func (c *Context) handleFCCDatagram(b *buffer.Buffer, now time.Time) {
	if c.fccSess == nil {
		b.Release()
		return
	}
	data := b.Raw()[:b.DataLen]

	if fcc.IsSignal(data) {
		if err := c.fccSess.HandleSignal(data, now); err != nil {
			c.logger.Debug("fcc signaling rejected", "error", err)
		}
		b.Release()
		return
	}

	hdr, payOff, payLen, err := rtp.ParsePacket(data)
	if err != nil {
		c.protoErrors++
		b.Release()
		return
	}
	c.fccSess.HandleUnicast(b, hdr.SequenceNumber, payOff, payLen, now)
}

// handleRTSPPacket processa um pacote vindo do cliente RTSP.
func (c *Context) handleRTSPPacket(b *buffer.Buffer) {
	data := b.Raw()[:b.DataLen]

	// MP2T cru (transporte MP2T/TCP ou MP2T/UDP) passa direto.
	if len(data) > 0 && data[0] == rtp.MPEGTSSyncByte {
		c.enqueue(b, 0, b.DataLen)
		return
	}

	hdr, payOff, payLen, err := rtp.ParsePacket(data)
	if err != nil {
		c.protoErrors++
		b.Release()
		return
	}
	c.ring.Insert(b, hdr.SequenceNumber, payOff, payLen)
}

// cleanup libera tudo: sessões upstream, ring, fila e canais em trânsito.
func (c *Context) cleanup() {
	c.status.SetState("closing")

	if c.fccSess != nil {
		c.fccSess.Cleanup()
	}
	if c.mcastSess != nil {
		c.mcastSess.Close()
	}
	if c.fecSess != nil {
		c.fecSess.Close()
	}

	// Drena canais com buffers em trânsito. Duas passadas: as goroutines
	// leitoras podem completar um envio entre a primeira e o exit delas.
	c.drainChannels()
	time.Sleep(5 * time.Millisecond)
	c.drainChannels()

	if c.fecCtx != nil {
		c.fecCtx.Close()
	}
	c.ring.Close()
	c.flushTimer.Stop()

	// Último flush best-effort antes de fechar a fila.
	c.queue.Flush()
	c.queue.Close()
}

func (c *Context) drainChannels() {
	for {
		select {
		case bufs := <-c.mcastCh:
			for _, b := range bufs {
				b.Release()
			}
		case bufs := <-c.fecCh:
			for _, b := range bufs {
				b.Release()
			}
		case b := <-c.fccCh:
			b.Release()
		case b := <-c.rtspCh:
			b.Release()
		default:
			return
		}
	}
}
