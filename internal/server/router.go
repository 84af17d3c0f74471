// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/n-stream/internal/config"
	"github.com/nishisan-dev/n-stream/internal/logging"
	"github.com/nishisan-dev/n-stream/internal/status"
	"github.com/nishisan-dev/n-stream/internal/stream"
)

// streamingHeader abre a resposta de mídia: corpo MPEG-TS cru, fim
// sinalizado pelo close da conexão (sem chunked encoding).
const streamingHeader = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: video/mp2t\r\n" +
	"Server: nstream-gateway\r\n" +
	"Connection: close\r\n\r\n"

// statusPage é o placeholder servido em / (a SPA embarcada fica fora do
// core; os dados vivem em /status/json e /status/sse).
const statusPage = `<!DOCTYPE html>
<html><head><title>nstream-gateway</title></head>
<body><h1>nstream-gateway</h1>
<p>Snapshot: <a href="/status/json">/status/json</a> &middot; Events: <code>/status/sse</code></p>
</body></html>
`

// route despacha o request para o handler da rota.
func (s *Server) route(ctx context.Context, conn net.Conn, req *request, worker *Worker) {
	path := req.Path

	switch {
	case path == "/" || path == "/status":
		if req.Method != "GET" {
			writeError(conn, req, 405, "method not allowed")
			return
		}
		writeResponse(conn, req, 200, "text/html; charset=utf-8", []byte(statusPage))

	case path == "/status/json":
		if req.Method != "GET" {
			writeError(conn, req, 405, "method not allowed")
			return
		}
		writeJSON(conn, req, 200, s.registry.Snapshot(s.cfg.Server.MaxClients, true))

	case path == "/status/sse":
		if req.Method != "GET" {
			writeError(conn, req, 405, "method not allowed")
			return
		}
		s.serveSSE(ctx, conn)

	case path == "/api/disconnect":
		if req.Method != "POST" {
			writeError(conn, req, 405, "method not allowed")
			return
		}
		s.apiDisconnect(conn, req)

	case path == "/api/loglevel":
		if req.Method != "PUT" {
			writeError(conn, req, 405, "method not allowed")
			return
		}
		s.apiLogLevel(conn, req)

	case strings.HasPrefix(path, "/udp/"):
		s.serveUDPxy(ctx, conn, req, worker, "mudp", strings.TrimPrefix(path, "/udp/"))

	case strings.HasPrefix(path, "/rtp/"):
		s.serveUDPxy(ctx, conn, req, worker, "mrtp", strings.TrimPrefix(path, "/rtp/"))

	case strings.HasPrefix(path, "/rtsp/"):
		s.serveRTSP(ctx, conn, req, worker)

	default:
		// Serviço nomeado da configuração.
		name := strings.TrimPrefix(path, "/")
		svc, ok := s.cfg.GetService(name)
		if !ok {
			writeError(conn, req, 404, "no such service")
			return
		}
		if svc.Type == "rtsp" {
			svc.Playseek = req.Query.Get("playseek")
		}
		s.serveStream(ctx, conn, req, worker, name, svc)
	}
}

// serveSSE entrega o stream de eventos de status.
func (s *Server) serveSSE(ctx context.Context, conn net.Conn) {
	if _, err := conn.Write([]byte(status.SSEHeader)); err != nil {
		return
	}

	sseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Detecção de desconexão: a leitura retorna quando o cliente fecha.
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				cancel()
				return
			}
		}
	}()

	s.registry.ServeSSE(sseCtx, deadlineWriter{conn: conn, d: requestTimeout}, s.cfg.Server.MaxClients, s.cfg.Status.SSEHeartbeat)
}

// deadlineWriter aplica um write deadline por escrita, para que um
// assinante SSE morto não prenda o handler indefinidamente.
type deadlineWriter struct {
	conn net.Conn
	d    time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(w.d))
	return w.conn.Write(p)
}

// apiDisconnect arma a flag de desconexão de um cliente ativo.
func (s *Server) apiDisconnect(conn net.Conn, req *request) {
	id, err := strconv.ParseInt(req.form().Get("client_id"), 10, 64)
	if err != nil {
		writeError(conn, req, 400, "invalid client_id")
		return
	}
	if !s.registry.RequestDisconnect(id) {
		writeError(conn, req, 404, "client not found")
		return
	}
	s.registry.Notify()
	writeJSON(conn, req, 200, map[string]any{"success": true, "message": "disconnect requested"})
}

// apiLogLevel ajusta o nível de log do processo em runtime.
func (s *Server) apiLogLevel(conn net.Conn, req *request) {
	idx, err := strconv.Atoi(req.form().Get("level"))
	if err != nil || idx < 0 || idx > 4 {
		writeError(conn, req, 400, "level must be 0..4")
		return
	}
	s.registry.LogLevelVar().Set(logging.LevelFromIndex(idx))
	s.logger.Info("log level changed", "level", idx)
	s.registry.Notify()
	writeJSON(conn, req, 200, map[string]any{"success": true, "message": "log level updated"})
}

// serveUDPxy trata /udp/<ip>:<porta> e /rtp/<ip>:<porta>[@src].
func (s *Server) serveUDPxy(ctx context.Context, conn net.Conn, req *request, worker *Worker, typ, target string) {
	if !s.cfg.Server.UDPxy {
		writeError(conn, req, 404, "udpxy routes disabled")
		return
	}
	if req.Method != "GET" {
		writeError(conn, req, 405, "method not allowed")
		return
	}

	addr := target
	var source string
	if at := strings.IndexByte(target, '@'); at >= 0 {
		addr, source = target[:at], target[at+1:]
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		writeError(conn, req, 400, "invalid multicast address")
		return
	}
	if source != "" && net.ParseIP(source) == nil {
		writeError(conn, req, 400, "invalid source address")
		return
	}

	svc := config.ServiceInfo{Type: typ, Address: addr, Source: source}
	s.serveStream(ctx, conn, req, worker, typ+":"+target, svc)
}

// serveRTSP trata /rtsp/<host>:<porta>/<path>?<query>[&playseek=...].
func (s *Server) serveRTSP(ctx context.Context, conn net.Conn, req *request, worker *Worker) {
	if req.Method != "GET" {
		writeError(conn, req, 405, "method not allowed")
		return
	}
	target := strings.TrimPrefix(req.Path, "/rtsp/")
	if target == "" {
		writeError(conn, req, 400, "missing rtsp target")
		return
	}

	// O playseek é do gateway; o resto da query pertence à URL upstream.
	playseek := req.Query.Get("playseek")
	q := req.Query
	q.Del("playseek")
	rtspURL := "rtsp://" + target
	if enc := q.Encode(); enc != "" {
		rtspURL += "?" + enc
	}

	svc := config.ServiceInfo{Type: "rtsp", Address: rtspURL, Playseek: playseek}
	s.serveStream(ctx, conn, req, worker, "rtsp:"+target, svc)
}

// serveStream abre a resposta de mídia e roda o stream context até o fim,
// vigiando desconexão do cliente e pedidos da API.
func (s *Server) serveStream(ctx context.Context, conn net.Conn, req *request, worker *Worker, serviceName string, svc config.ServiceInfo) {
	if len(s.registry.ActiveClients()) >= s.cfg.Server.MaxClients {
		writeError(conn, req, 503, "server at capacity")
		return
	}

	handle := s.registry.RegisterClient(conn.RemoteAddr().String(), serviceName, worker.ID)
	if handle == nil {
		writeError(conn, req, 503, "no client slots available")
		return
	}
	defer handle.Release()

	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		writeError(conn, req, 500, "streaming requires tcp")
		return
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		writeError(conn, req, 500, "socket access failed")
		return
	}

	logger := logging.StreamLogger(s.logger, handle.ID, worker.ID, serviceName)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := stream.NewQueue(raw, s.cfg.Buffers.ZerocopySend, worker.Send, logger)
	st := stream.New(s.cfg, svc, worker.Pool, queue, handle, logger)
	if err := st.Start(streamCtx); err != nil {
		logger.Info("upstream start failed", "error", err)
		writeError(conn, req, 503, "upstream unavailable")
		return
	}

	if _, err := conn.Write([]byte(streamingHeader)); err != nil {
		return
	}
	logger.Info("stream started", "peer", conn.RemoteAddr().String())
	s.registry.Notify()

	// Vigia: fim da conexão (cliente fechou) ou pedido de desconexão via
	// API. O socket do cliente só é lido para detectar o close.
	go func() {
		buf := make([]byte, 256)
		for {
			tcp.SetReadDeadline(time.Now().Add(1 * time.Second))
			if _, err := tcp.Read(buf); err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					if handle.DisconnectRequested() {
						logger.Info("disconnect requested via api")
						cancel()
						return
					}
					if streamCtx.Err() != nil {
						return
					}
					continue
				}
				cancel()
				return
			}
		}
	}()

	if err := st.Run(streamCtx); err != nil {
		logger.Info("stream ended", "error", err)
	} else {
		logger.Info("stream ended")
	}
	s.registry.Notify()
}
