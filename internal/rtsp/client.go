// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rtsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// State é o estado do cliente RTSP.
type State int32

// Estados do cliente, na ordem do fluxo.
const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateSendingDescribe
	StateAwaitingDescribe
	StateDescribed
	StateSendingSetup
	StateAwaitingSetup
	StateSetup
	StateSendingPlay
	StateAwaitingPlay
	StatePlaying
	StateSendingTeardown
	StateAwaitingTeardown
	StateTeardownComplete
)

// String implementa fmt.Stringer para logs e status.
func (s State) String() string {
	names := [...]string{
		"init", "connecting", "connected",
		"sending-describe", "awaiting-describe", "described",
		"sending-setup", "awaiting-setup", "setup",
		"sending-play", "awaiting-play", "playing",
		"sending-teardown", "awaiting-teardown", "teardown-complete",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// Prazos e limites do cliente.
const (
	connectTimeout  = 5 * time.Second
	responseTimeout = 10 * time.Second
	teardownGrace   = 5 * time.Second

	// MaxRedirects limita respostas 3xx por sessão.
	MaxRedirects = 5

	// DefaultPort é a porta RTSP default.
	DefaultPort = "554"
)

// Erros do cliente.
var (
	ErrRedirectLimit = errors.New("rtsp: redirect limit exceeded")
	ErrServerError   = errors.New("rtsp: server returned error status")
)

// PacketFunc recebe cada pacote de mídia (RTP ou MP2T cru, conforme o
// transporte). payload só é válido durante a chamada.
type PacketFunc func(proto Protocol, payload []byte)

// Config parametriza um cliente.
type Config struct {
	// URL rtsp:// completa, já sem o parâmetro playseek.
	URL string

	// Playseek, quando presente, é convertido no header Range do PLAY.
	Playseek string

	// STUNServer host:porta para descobrir a client_port pública no
	// transporte UDP. Vazio desabilita.
	STUNServer string

	Logger *slog.Logger
}

// Client é o cliente RTSP de um stream. Run conduz a sessão; os pacotes
// de mídia saem pelo callback, da goroutine do cliente.
type Client struct {
	cfg    Config
	url    *url.URL
	logger *slog.Logger
	onPkt  PacketFunc

	state atomic.Int32

	conn *net.TCPConn
	br   *bufio.Reader

	cseq      int
	session   string
	transport *Transport
	redirects int

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn

	rangeHeader string
}

// NewClient valida a URL e prepara o cliente.
func NewClient(cfg Config, onPacket PacketFunc) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing rtsp url: %w", err)
	}
	if u.Scheme != "rtsp" {
		return nil, fmt.Errorf("rtsp: unsupported scheme %q", u.Scheme)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		cfg:    cfg,
		url:    u,
		logger: cfg.Logger,
		onPkt:  onPacket,
	}
	if cfg.Playseek != "" {
		r, err := PlayseekToRange(cfg.Playseek)
		if err != nil {
			return nil, err
		}
		c.rangeHeader = r
	}
	return c, nil
}

// State retorna o estado atual (seguro para leitura cross-goroutine).
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	c.logger.Debug("rtsp state", "state", s.String())
	c.state.Store(int32(s))
}

// Run conduz a sessão: conecta, DESCRIBE, SETUP, PLAY e então bombeia
// mídia até o contexto ser cancelado ou a conexão cair. O TEARDOWN de
// saída é best-effort com um grace curto.
func (c *Client) Run(ctx context.Context) error {
	defer c.closeAll()

	if err := c.connect(); err != nil {
		return err
	}

	if err := c.describe(); err != nil {
		return err
	}
	if err := c.setup(); err != nil {
		return err
	}
	if err := c.play(); err != nil {
		return err
	}

	err := c.pump(ctx)

	c.teardown()
	return err
}

// connect abre a conexão de controle.
func (c *Client) connect() error {
	c.setState(StateConnecting)
	host := c.url.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, DefaultPort)
	}
	conn, err := net.DialTimeout("tcp", host, connectTimeout)
	if err != nil {
		return fmt.Errorf("connecting to rtsp server %s: %w", host, err)
	}
	c.conn = conn.(*net.TCPConn)
	c.br = bufio.NewReaderSize(c.conn, 64*1024)
	c.setState(StateConnected)
	return nil
}

// requestURL é a URL de controle enviada nos métodos.
func (c *Client) requestURL() string {
	u := *c.url
	u.RawQuery = c.url.RawQuery
	return u.String()
}

// doRequest envia um método e aguarda a resposta, seguindo redirects 3xx
// (reconectando e repetindo o método corrente). Garante um único método
// em voo e CSeq estritamente crescente.
func (c *Client) doRequest(method string, sending, awaiting State, headers map[string]string) (*Response, error) {
	for {
		c.setState(sending)
		c.cseq++

		var b strings.Builder
		fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, c.requestURL())
		fmt.Fprintf(&b, "CSeq: %d\r\n", c.cseq)
		b.WriteString("User-Agent: nstream-gateway\r\n")
		if c.session != "" {
			fmt.Fprintf(&b, "Session: %s\r\n", c.session)
		}
		for k, v := range headers {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
		b.WriteString("\r\n")

		c.conn.SetWriteDeadline(time.Now().Add(responseTimeout))
		if _, err := c.conn.Write([]byte(b.String())); err != nil {
			return nil, fmt.Errorf("sending %s: %w", method, err)
		}

		c.setState(awaiting)
		c.conn.SetReadDeadline(time.Now().Add(responseTimeout))
		resp, err := ReadResponse(c.br)
		if err != nil {
			return nil, fmt.Errorf("awaiting %s response: %w", method, err)
		}
		c.conn.SetReadDeadline(time.Time{})

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			if err := c.redirect(resp); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode != 200 {
			return nil, fmt.Errorf("%w: %s returned %d %s", ErrServerError, method, resp.StatusCode, resp.Reason)
		}
		if sid := resp.Header("Session"); sid != "" {
			// Session pode vir com ";timeout=...".
			c.session, _, _ = strings.Cut(sid, ";")
		}
		return resp, nil
	}
}

// redirect reconecta contra o Location e prepara a repetição do método.
func (c *Client) redirect(resp *Response) error {
	c.redirects++
	if c.redirects > MaxRedirects {
		return ErrRedirectLimit
	}
	loc := resp.Header("Location")
	if loc == "" {
		return fmt.Errorf("%w: redirect without location", ErrMalformedResponse)
	}
	u, err := url.Parse(loc)
	if err != nil {
		return fmt.Errorf("parsing redirect location: %w", err)
	}
	c.logger.Info("rtsp redirect", "location", loc, "count", c.redirects)

	c.conn.Close()
	c.url = u
	c.session = ""
	return c.connect()
}

// describe emite o DESCRIBE (o SDP em si não é necessário para os portais
// IPTV; a resposta só precisa ser 200).
func (c *Client) describe() error {
	_, err := c.doRequest("DESCRIBE", StateSendingDescribe, StateAwaitingDescribe,
		map[string]string{"Accept": "application/sdp"})
	if err != nil {
		return err
	}
	c.setState(StateDescribed)
	return nil
}

// setup aloca os sockets UDP, resolve a porta pública via STUN quando
// configurado e negocia o transporte. Sockets não usados são fechados.
func (c *Client) setup() error {
	if err := c.allocUDPPair(); err != nil {
		return err
	}

	clientPort := uint16(c.rtpConn.LocalAddr().(*net.UDPAddr).Port)
	advertised := clientPort
	if c.cfg.STUNServer != "" {
		mapped, err := DiscoverMappedPort(c.rtpConn, c.cfg.STUNServer)
		if err != nil {
			c.logger.Warn("stun discovery failed, advertising local port", "error", err)
		} else {
			advertised = mapped
			c.logger.Debug("stun mapped port", "local", clientPort, "public", mapped)
		}
	}

	resp, err := c.doRequest("SETUP", StateSendingSetup, StateAwaitingSetup,
		map[string]string{"Transport": OfferTransports(advertised, advertised+1)})
	if err != nil {
		return err
	}

	t, err := ParseTransport(resp.Header("Transport"))
	if err != nil {
		return err
	}
	c.transport = t

	if t.Mode == ModeTCP {
		// Interleaved: os sockets UDP não serão usados.
		c.closeUDP()
	}
	c.setState(StateSetup)
	c.logger.Debug("rtsp transport negotiated", "transport", t.Raw)
	return nil
}

// allocUDPPair abre o par RTP/RTCP em portas consecutivas (par/ímpar)
// quando possível.
func (c *Client) allocUDPPair() error {
	for attempt := 0; attempt < 8; attempt++ {
		rtp, err := net.ListenUDP("udp4", &net.UDPAddr{})
		if err != nil {
			return fmt.Errorf("allocating rtp socket: %w", err)
		}
		port := rtp.LocalAddr().(*net.UDPAddr).Port
		rtcp, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port + 1})
		if err != nil {
			rtp.Close()
			continue
		}
		c.rtpConn, c.rtcpConn = rtp, rtcp
		return nil
	}
	return fmt.Errorf("rtsp: could not allocate consecutive udp port pair")
}

// play dispara o PLAY com o Range convertido do playseek.
func (c *Client) play() error {
	headers := map[string]string{}
	if c.rangeHeader != "" {
		headers["Range"] = c.rangeHeader
	}
	if _, err := c.doRequest("PLAY", StateSendingPlay, StateAwaitingPlay, headers); err != nil {
		return err
	}
	c.setState(StatePlaying)
	return nil
}

// pump bombeia mídia até o contexto cancelar ou a conexão cair.
func (c *Client) pump(ctx context.Context) error {
	if c.transport.Mode == ModeTCP {
		return c.pumpInterleaved(ctx)
	}
	return c.pumpUDP(ctx)
}

// pumpInterleaved lê a conexão de controle e de-framea $<ch><len16>.
func (c *Client) pumpInterleaved(ctx context.Context) error {
	deframer := NewDeframer(func(channel byte, payload []byte) {
		switch channel {
		case c.transport.InterleavedRTP:
			c.onPkt(c.transport.Proto, payload)
		case c.transport.InterleavedRTCP:
			// RTCP do servidor: consumido em silêncio.
		default:
			c.logger.Debug("interleaved frame on unexpected channel", "channel", channel)
		}
	})

	buf := make([]byte, 16*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		c.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		// Lê via bufio para não perder bytes que entraram junto com a
		// resposta do PLAY.
		n, err := c.br.Read(buf)
		if n > 0 {
			if ferr := deframer.Feed(buf[:n]); ferr != nil {
				c.logger.Warn("interleaved stream corrupted, closing", "error", ferr)
				return ferr
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("reading interleaved stream: %w", err)
		}
	}
}

// pumpUDP lê o socket RTP; o RTCP é drenado e descartado.
func (c *Client) pumpUDP(ctx context.Context) error {
	go c.drainRTCP(ctx)

	buf := make([]byte, 2048)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		c.rtpConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := c.rtpConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("reading rtsp udp media: %w", err)
		}
		c.onPkt(c.transport.Proto, buf[:n])
	}
}

func (c *Client) drainRTCP(ctx context.Context) {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		c.rtcpConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		if _, _, err := c.rtcpConn.ReadFromUDP(buf); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
	}
}

// teardown emite o TEARDOWN best-effort: espera a resposta só até o grace
// e tolera lixo interleaved remanescente na conexão.
func (c *Client) teardown() {
	if c.conn == nil || c.session == "" {
		c.setState(StateTeardownComplete)
		return
	}

	c.setState(StateSendingTeardown)
	c.cseq++
	var b strings.Builder
	fmt.Fprintf(&b, "TEARDOWN %s RTSP/1.0\r\nCSeq: %d\r\n", c.requestURL(), c.cseq)
	if c.session != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", c.session)
	}
	b.WriteString("\r\n")

	c.conn.SetWriteDeadline(time.Now().Add(teardownGrace))
	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		c.setState(StateTeardownComplete)
		return
	}

	c.setState(StateAwaitingTeardown)
	deadline := time.Now().Add(teardownGrace)
	c.conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		// Frames interleaved atrasados podem preceder a resposta.
		peek, err := c.br.Peek(1)
		if err != nil {
			break
		}
		if peek[0] == '$' {
			hdr := make([]byte, interleavedHeaderLen)
			if _, err := io.ReadFull(c.br, hdr); err != nil {
				break
			}
			skip := int(hdr[2])<<8 | int(hdr[3])
			if _, err := c.br.Discard(skip); err != nil {
				break
			}
			continue
		}
		if _, err := ReadResponse(c.br); err == nil {
			break
		}
		break
	}
	c.setState(StateTeardownComplete)
}

// closeAll fecha tudo que a sessão abriu.
func (c *Client) closeAll() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.closeUDP()
}

func (c *Client) closeUDP() {
	if c.rtpConn != nil {
		c.rtpConn.Close()
		c.rtpConn = nil
	}
	if c.rtcpConn != nil {
		c.rtcpConn.Close()
		c.rtcpConn = nil
	}
}
