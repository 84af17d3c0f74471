// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config implementa o carregamento e a validação da configuração
// YAML do nstream-gateway.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig representa a configuração completa do nstream-gateway.
type GatewayConfig struct {
	Server   ServerInfo             `yaml:"server"`
	Upstream UpstreamInfo           `yaml:"upstream"`
	Buffers  BufferInfo             `yaml:"buffers"`
	FCC      FCCInfo                `yaml:"fcc"`
	RTSP     RTSPInfo               `yaml:"rtsp"`
	Services map[string]ServiceInfo `yaml:"services"`
	Logging  LoggingInfo            `yaml:"logging"`
	Status   StatusInfo             `yaml:"status"`
}

// ServerInfo contém o listener de clientes HTTP e limites globais.
type ServerInfo struct {
	Listen     string `yaml:"listen"`     // default: ":8787"
	Workers    int    `yaml:"workers"`    // default: 1, máximo: 32
	MaxClients int    `yaml:"maxclients"` // default: 64, máximo: 256

	// Hostname, quando definido, exige Host header idêntico (anti DNS-rebinding).
	Hostname string `yaml:"hostname"`

	// Token exige Authorization: Bearer <token> (ou ?token=) em todas as rotas.
	Token string `yaml:"token"`

	// UDPxy habilita as rotas /udp/<ip>:<port> e /rtp/<ip>:<port>.
	UDPxy bool `yaml:"udpxy"`
}

// UpstreamInfo contém interfaces e parâmetros dos sockets upstream.
type UpstreamInfo struct {
	// Interface de entrada para grupos multicast (vazio = default do kernel).
	MulticastInterface string `yaml:"multicast_interface"`

	// Interface para tráfego FCC unicast (vazio = mesma do multicast).
	FCCInterface string `yaml:"fcc_interface"`

	// Tamanho do receive buffer dos sockets UDP upstream. Aceita kb/mb/gb.
	UDPRcvBuf    string `yaml:"udp_rcvbuf"` // default: "512kb"
	UDPRcvBufRaw int64  `yaml:"-"`

	// Intervalo de rejoin periódico do grupo multicast. 0 desabilita.
	McastRejoinInterval time.Duration `yaml:"mcast_rejoin_interval"`

	// Timeout sem dados multicast antes de fechar o stream.
	McastTimeout time.Duration `yaml:"mcast_timeout"` // default: 30s
}

// BufferInfo dimensiona o pool de buffers de pacote por worker.
type BufferInfo struct {
	// PoolMaxSize limita a memória total do pool. Aceita kb/mb/gb.
	PoolMaxSize    string `yaml:"pool_max_size"` // default: "32mb"
	PoolMaxSizeRaw int64  `yaml:"-"`

	// ZerocopySend habilita MSG_ZEROCOPY nos sends para clientes.
	ZerocopySend bool `yaml:"zerocopy_send"`
}

// FCCInfo configura o protocolo Fast Channel Change.
type FCCInfo struct {
	// Dialect seleciona o dialeto de sinalização: "telecom" ou "huawei".
	Dialect string `yaml:"dialect"` // default: "telecom"

	// NATTraversal habilita o punch packet FMT 12 (apenas dialeto huawei).
	NATTraversal bool `yaml:"nat_traversal"`
}

// RTSPInfo configura o cliente RTSP.
type RTSPInfo struct {
	// STUNServer, quando definido, é usado para descobrir a porta pública
	// anunciada no SETUP em transporte UDP. Formato host[:porta], porta default 3478.
	STUNServer string `yaml:"stun_server"`
}

// ServiceInfo descreve um serviço nomeado exposto em GET /<nome>.
type ServiceInfo struct {
	// Type: "mrtp" (multicast RTP), "mudp" (multicast UDP cru) ou "rtsp".
	Type string `yaml:"type"`

	// Address: "<ip>:<porta>" do grupo multicast, ou URL rtsp:// completa.
	Address string `yaml:"address"`

	// Source restringe o join a um source específico (IGMPv3 SSM). Opcional.
	Source string `yaml:"source"`

	// FCCServer: "<ip>:<porta>" do servidor FCC. Vazio desabilita FCC.
	FCCServer string `yaml:"fcc_server"`

	// FECEnabled habilita a recuperação Reed–Solomon no multicast FEC associado.
	FECEnabled bool `yaml:"fec"`

	// Playseek é preenchido pelo router a partir da query do cliente em
	// serviços RTSP; não vem do YAML.
	Playseek string `yaml:"-"`
}

// LoggingInfo configura o slog do processo.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // debug|info|warn|error (default: info)
	Format string `yaml:"format"` // json|text (default: json)
	File   string `yaml:"file"`   // vazio = apenas stdout
}

// StatusInfo configura a superfície de status (snapshot, SSE e persistência).
type StatusInfo struct {
	// SSEHeartbeat é o intervalo de heartbeat do stream SSE.
	SSEHeartbeat time.Duration `yaml:"sse_heartbeat"` // default: 5s

	// SnapshotFile persiste snapshots periódicos em JSONL. Vazio desabilita.
	SnapshotFile     string `yaml:"snapshot_file"`
	SnapshotMaxLines int    `yaml:"snapshot_max_lines"` // default: 5000

	// SnapshotSchedule é uma expressão cron para os snapshots persistidos.
	SnapshotSchedule string `yaml:"snapshot_schedule"` // default: "@every 5m"
}

// GetService retorna o ServiceInfo pelo nome ou false se não existir.
func (c *GatewayConfig) GetService(name string) (ServiceInfo, bool) {
	s, ok := c.Services[name]
	return s, ok
}

// Load lê e valida o arquivo YAML de configuração do gateway.
func Load(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gateway config: %w", err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing gateway config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating gateway config: %w", err)
	}

	return &cfg, nil
}

// Default retorna uma configuração com todos os defaults aplicados,
// sem nenhum serviço nomeado. Útil em testes.
func Default() *GatewayConfig {
	cfg := &GatewayConfig{}
	_ = cfg.validate()
	return cfg
}

func (c *GatewayConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8787"
	}
	if c.Server.Workers <= 0 {
		c.Server.Workers = 1
	}
	if c.Server.Workers > 32 {
		return fmt.Errorf("server.workers must be <= 32, got %d", c.Server.Workers)
	}
	if c.Server.MaxClients <= 0 {
		c.Server.MaxClients = 64
	}
	if c.Server.MaxClients > 256 {
		return fmt.Errorf("server.maxclients must be <= 256, got %d", c.Server.MaxClients)
	}

	// Upstream defaults
	if c.Upstream.UDPRcvBuf == "" {
		c.Upstream.UDPRcvBuf = "512kb"
	}
	parsed, err := ParseByteSize(c.Upstream.UDPRcvBuf)
	if err != nil {
		return fmt.Errorf("upstream.udp_rcvbuf: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("upstream.udp_rcvbuf must be > 0, got %s", c.Upstream.UDPRcvBuf)
	}
	c.Upstream.UDPRcvBufRaw = parsed
	if c.Upstream.McastTimeout <= 0 {
		c.Upstream.McastTimeout = 30 * time.Second
	}
	if c.Upstream.McastRejoinInterval < 0 {
		return fmt.Errorf("upstream.mcast_rejoin_interval must be >= 0")
	}

	// Buffer pool
	if c.Buffers.PoolMaxSize == "" {
		c.Buffers.PoolMaxSize = "32mb"
	}
	parsed, err = ParseByteSize(c.Buffers.PoolMaxSize)
	if err != nil {
		return fmt.Errorf("buffers.pool_max_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("buffers.pool_max_size must be > 0, got %s", c.Buffers.PoolMaxSize)
	}
	c.Buffers.PoolMaxSizeRaw = parsed

	// FCC
	if c.FCC.Dialect == "" {
		c.FCC.Dialect = "telecom"
	}
	c.FCC.Dialect = strings.ToLower(strings.TrimSpace(c.FCC.Dialect))
	if c.FCC.Dialect != "telecom" && c.FCC.Dialect != "huawei" {
		return fmt.Errorf("fcc.dialect must be telecom or huawei, got %q", c.FCC.Dialect)
	}
	if c.FCC.NATTraversal && c.FCC.Dialect != "huawei" {
		return fmt.Errorf("fcc.nat_traversal requires fcc.dialect huawei")
	}

	// RTSP
	if c.RTSP.STUNServer != "" {
		host := c.RTSP.STUNServer
		if _, _, err := net.SplitHostPort(host); err != nil {
			// Sem porta: aplica a default STUN 3478.
			c.RTSP.STUNServer = net.JoinHostPort(host, "3478")
		}
	}

	// Serviços nomeados
	for name, s := range c.Services {
		if strings.ContainsAny(name, "/ ") {
			return fmt.Errorf("services.%s: name must not contain '/' or spaces", name)
		}
		s.Type = strings.ToLower(strings.TrimSpace(s.Type))
		switch s.Type {
		case "mrtp", "mudp":
			if _, _, err := net.SplitHostPort(s.Address); err != nil {
				return fmt.Errorf("services.%s.address: %w", name, err)
			}
			if s.Source != "" && net.ParseIP(s.Source) == nil {
				return fmt.Errorf("services.%s.source: %q is not a valid IP", name, s.Source)
			}
			if s.FCCServer != "" {
				if _, _, err := net.SplitHostPort(s.FCCServer); err != nil {
					return fmt.Errorf("services.%s.fcc_server: %w", name, err)
				}
			}
		case "rtsp":
			if !strings.HasPrefix(s.Address, "rtsp://") {
				return fmt.Errorf("services.%s.address must be an rtsp:// URL, got %q", name, s.Address)
			}
			if s.FCCServer != "" {
				return fmt.Errorf("services.%s: fcc_server is not valid for rtsp services", name)
			}
		default:
			return fmt.Errorf("services.%s.type must be mrtp, mudp or rtsp, got %q", name, s.Type)
		}
		c.Services[name] = s
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Status defaults
	if c.Status.SSEHeartbeat <= 0 {
		c.Status.SSEHeartbeat = 5 * time.Second
	}
	if c.Status.SnapshotFile != "" {
		if c.Status.SnapshotMaxLines <= 0 {
			c.Status.SnapshotMaxLines = 5000
		}
		if c.Status.SnapshotSchedule == "" {
			c.Status.SnapshotSchedule = "@every 5m"
		}
	}

	return nil
}
