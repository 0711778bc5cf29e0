package main

import (
	"strings"
	"testing"
	"time"

	"example.com/wsloop/internal/config"
)

func TestQuickStartConfig(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantErr   string
		wantAddr  string
		wantAdmin string
	}{
		{name: "address only", args: []string{"127.0.0.1:9000"}, wantAddr: "127.0.0.1:9000"},
		{name: "with admin", args: []string{":9000", "127.0.0.1:9100"}, wantAddr: ":9000", wantAdmin: "127.0.0.1:9100"},
		{name: "no arguments", args: nil, wantErr: "expected 1 or 2 arguments"},
		{name: "too many", args: []string{"a", "b", "c"}, wantErr: "expected 1 or 2 arguments"},
		{name: "bad address", args: []string{"not-an-address"}, wantErr: "server.address"},
		{name: "bad admin address", args: []string{":9000", "nope"}, wantErr: "admin.address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := quickStartConfig(tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("quickStartConfig(%q) error = %v, want containing %q", tt.args, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("quickStartConfig(%q) unexpected error: %v", tt.args, err)
			}
			if got := *cfg.Server.Address; got != tt.wantAddr {
				t.Errorf("Server.Address = %q, want %q", got, tt.wantAddr)
			}
			if got := *cfg.Admin.Address; got != tt.wantAdmin {
				t.Errorf("Admin.Address = %q, want %q", got, tt.wantAdmin)
			}
		})
	}
}

func TestQuickStartConfig_Defaults(t *testing.T) {
	cfg, err := quickStartConfig([]string{"127.0.0.1:0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Logging.LogLevel != config.LogLevelInfo {
		t.Errorf("LogLevel = %q, want INFO", cfg.Logging.LogLevel)
	}
	if !*cfg.Logging.HandshakeLog.Enabled || *cfg.Logging.HandshakeLog.Target != "stdout" {
		t.Errorf("handshake log not enabled on stdout: %+v", cfg.Logging.HandshakeLog)
	}
	if got := cfg.Handshake.Timeout.Value(); got != 10*time.Second {
		t.Errorf("Handshake.Timeout = %s, want 10s", got)
	}
	if !*cfg.Handshake.Strict {
		t.Error("strict handshake validation should be the default")
	}
	if cfg.Server.Network != "tcp" {
		t.Errorf("Network = %q, want tcp", cfg.Server.Network)
	}
}
