// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
server:
  listen: ":9090"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Listen != ":9090" {
		t.Errorf("listen = %q, want :9090", cfg.Server.Listen)
	}
	if cfg.Server.Workers != 1 {
		t.Errorf("workers = %d, want 1", cfg.Server.Workers)
	}
	if cfg.Server.MaxClients != 64 {
		t.Errorf("maxclients = %d, want 64", cfg.Server.MaxClients)
	}
	if cfg.Upstream.UDPRcvBufRaw != 512*1024 {
		t.Errorf("udp_rcvbuf raw = %d, want 512kb", cfg.Upstream.UDPRcvBufRaw)
	}
	if cfg.Upstream.McastTimeout != 30*time.Second {
		t.Errorf("mcast_timeout = %v, want 30s", cfg.Upstream.McastTimeout)
	}
	if cfg.Buffers.PoolMaxSizeRaw != 32*1024*1024 {
		t.Errorf("pool_max_size raw = %d, want 32mb", cfg.Buffers.PoolMaxSizeRaw)
	}
	if cfg.FCC.Dialect != "telecom" {
		t.Errorf("fcc dialect = %q, want telecom", cfg.FCC.Dialect)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadServices(t *testing.T) {
	path := writeTempConfig(t, `
services:
  tv1:
    type: mrtp
    address: "239.1.1.1:5000"
    fcc_server: "10.0.0.1:8027"
    fec: true
  tv2:
    type: mudp
    address: "239.1.1.2:5000"
    source: "10.0.0.9"
  vod:
    type: rtsp
    address: "rtsp://vod.example.com/ch1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tv1, ok := cfg.GetService("tv1")
	if !ok {
		t.Fatal("service tv1 not found")
	}
	if tv1.Type != "mrtp" || tv1.FCCServer != "10.0.0.1:8027" || !tv1.FECEnabled {
		t.Errorf("tv1 = %+v", tv1)
	}

	tv2, _ := cfg.GetService("tv2")
	if tv2.Source != "10.0.0.9" {
		t.Errorf("tv2 source = %q", tv2.Source)
	}

	if _, ok := cfg.GetService("missing"); ok {
		t.Error("expected missing service to return false")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad service type", "services:\n  x:\n    type: ftp\n    address: \"1.2.3.4:5\"\n"},
		{"bad mrtp address", "services:\n  x:\n    type: mrtp\n    address: \"no-port\"\n"},
		{"rtsp with fcc", "services:\n  x:\n    type: rtsp\n    address: \"rtsp://h/p\"\n    fcc_server: \"1.2.3.4:5\"\n"},
		{"bad source ip", "services:\n  x:\n    type: mrtp\n    address: \"239.0.0.1:5000\"\n    source: \"not-an-ip\"\n"},
		{"bad dialect", "fcc:\n  dialect: cisco\n"},
		{"nat without huawei", "fcc:\n  dialect: telecom\n  nat_traversal: true\n"},
		{"too many workers", "server:\n  workers: 64\n"},
		{"too many clients", "server:\n  maxclients: 1000\n"},
		{"bad rcvbuf", "upstream:\n  udp_rcvbuf: \"lots\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestSTUNServerDefaultPort(t *testing.T) {
	path := writeTempConfig(t, `
rtsp:
  stun_server: "stun.example.com"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RTSP.STUNServer != "stun.example.com:3478" {
		t.Errorf("stun_server = %q, want default port 3478 applied", cfg.RTSP.STUNServer)
	}
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"512kb", 512 * 1024},
		{"32mb", 32 * 1024 * 1024},
		{"1gb", 1024 * 1024 * 1024},
		{"2048", 2048},
		{"100b", 100},
		{" 4MB ", 4 * 1024 * 1024},
	}
	for _, tc := range cases {
		got, err := ParseByteSize(tc.in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "abc", "12xb"} {
		if _, err := ParseByteSize(bad); err == nil {
			t.Errorf("ParseByteSize(%q): expected error", bad)
		}
	}
}
