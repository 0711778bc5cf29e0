package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

// writeTempFile creates a temporary file with the given content and extension.
// It returns the path to the file; the file is removed when the test ends.
func writeTempFile(t *testing.T, content string, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-config"+ext)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}

// checkErrorContains checks if the error is not nil and its message contains the expected substring.
func checkErrorContains(t *testing.T, err error, expectedSubstring string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected an error containing %q, but got nil", expectedSubstring)
	}
	if !strings.Contains(err.Error(), expectedSubstring) {
		t.Fatalf("Expected error message to contain %q, but got: %v", expectedSubstring, err)
	}
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	_, err := LoadConfig("")
	checkErrorContains(t, err, "configuration file path cannot be empty")
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "non_existent_file.json"))
	checkErrorContains(t, err, "failed to read configuration file")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	path := writeTempFile(t, "  \n", ".toml")
	_, err := LoadConfig(path)
	checkErrorContains(t, err, "is empty")
}

func TestLoadConfig_ValidJSON(t *testing.T) {
	path := writeTempFile(t, `{"server": {"address": "127.0.0.1:9000", "read_buffer_size": "2KiB"}}`, ".json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for valid JSON: %v", err)
	}
	if *cfg.Server.Address != "127.0.0.1:9000" {
		t.Errorf("Expected server address 127.0.0.1:9000, got %q", *cfg.Server.Address)
	}
	if got := cfg.Server.ReadBufferSize.Value(); got != 2048 {
		t.Errorf("Expected read buffer size 2048, got %d", got)
	}
}

func TestLoadConfig_ValidTOML(t *testing.T) {
	content := `
[server]
address = "[::1]:9001"
network = "tcp6"
max_connections = 5
read_buffer_size = 1024

[handshake]
timeout = "3s"
strict = false
max_header_bytes = "16 KiB"

[admin]
address = "127.0.0.1:9100"
`
	path := writeTempFile(t, content, ".toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for valid TOML: %v", err)
	}
	if *cfg.Server.Address != "[::1]:9001" || cfg.Server.Network != "tcp6" {
		t.Errorf("Unexpected server section: address=%q network=%q", *cfg.Server.Address, cfg.Server.Network)
	}
	if *cfg.Server.MaxConnections != 5 {
		t.Errorf("Expected max_connections 5, got %d", *cfg.Server.MaxConnections)
	}
	if cfg.Server.ReadBufferSize.Value() != 1024 {
		t.Errorf("Expected integer read_buffer_size 1024, got %d", cfg.Server.ReadBufferSize.Value())
	}
	if cfg.Handshake.Timeout.Value() != 3*time.Second {
		t.Errorf("Expected handshake timeout 3s, got %v", cfg.Handshake.Timeout.Value())
	}
	if *cfg.Handshake.Strict {
		t.Errorf("Expected strict=false to be kept")
	}
	if cfg.Handshake.MaxHeaderBytes.Value() != 16<<10 {
		t.Errorf("Expected max_header_bytes 16384, got %d", cfg.Handshake.MaxHeaderBytes.Value())
	}
	if *cfg.Admin.Address != "127.0.0.1:9100" {
		t.Errorf("Expected admin address, got %q", *cfg.Admin.Address)
	}
}

func TestLoadConfig_AutoDetect(t *testing.T) {
	path := writeTempFile(t, `{"logging": {"log_level": "DEBUG"}}`, ".conf")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for auto-detect JSON: %v", err)
	}
	if cfg.Logging.LogLevel != LogLevelDebug {
		t.Errorf("Expected log level DEBUG, got %v", cfg.Logging.LogLevel)
	}

	path = writeTempFile(t, "[logging]\nlog_level = \"WARNING\"\n", ".cfg")
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for auto-detect TOML: %v", err)
	}
	if cfg.Logging.LogLevel != LogLevelWarning {
		t.Errorf("Expected log level WARNING, got %v", cfg.Logging.LogLevel)
	}

	path = writeTempFile(t, "not json or toml", ".data")
	_, err = LoadConfig(path)
	checkErrorContains(t, err, "failed to auto-detect and parse config")
	checkErrorContains(t, err, "JSON error")
	checkErrorContains(t, err, "TOML error")
}

func TestLoadConfig_UnknownKeysRejected(t *testing.T) {
	path := writeTempFile(t, `{"server": {"adress": ":1"}}`, ".json")
	_, err := LoadConfig(path)
	checkErrorContains(t, err, "failed to parse JSON config")
	checkErrorContains(t, err, "adress")

	path = writeTempFile(t, "[server]\nadress = \":1\"\n", ".toml")
	_, err = LoadConfig(path)
	checkErrorContains(t, err, "unknown configuration keys: server.adress")
}

func TestLoadConfig_InvalidSyntax(t *testing.T) {
	path := writeTempFile(t, `{"server": {"address": ":8080",}}`, ".json")
	_, err := LoadConfig(path)
	checkErrorContains(t, err, "failed to parse JSON config")

	path = writeTempFile(t, "[server\naddress = \":8080\"\n", ".toml")
	_, err = LoadConfig(path)
	checkErrorContains(t, err, "failed to parse TOML config")
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	path := writeTempFile(t, `{}`, ".json")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for empty JSON: %v", err)
	}

	if *cfg.Server.Address != defaultServerAddress {
		t.Errorf("Expected default server address %s, got %s", defaultServerAddress, *cfg.Server.Address)
	}
	if cfg.Server.Network != defaultNetwork {
		t.Errorf("Expected default network %s, got %s", defaultNetwork, cfg.Server.Network)
	}
	if cfg.Server.ReadBufferSize.Value() != defaultReadBufferSize {
		t.Errorf("Expected default read buffer %d, got %d", defaultReadBufferSize, cfg.Server.ReadBufferSize.Value())
	}
	if *cfg.Server.MaxConnections != defaultMaxConnections {
		t.Errorf("Expected default max connections %d, got %d", defaultMaxConnections, *cfg.Server.MaxConnections)
	}
	if cfg.Server.PollTimeout.Value() != defaultPollTimeout {
		t.Errorf("Expected default poll timeout %v, got %v", defaultPollTimeout, cfg.Server.PollTimeout.Value())
	}
	if *cfg.Server.EventBatchSize != defaultEventBatchSize {
		t.Errorf("Expected default event batch %d, got %d", defaultEventBatchSize, *cfg.Server.EventBatchSize)
	}
	if cfg.Handshake.Timeout.Value() != defaultHandshakeTimeout || !*cfg.Handshake.EnforceTimeout {
		t.Errorf("Unexpected handshake timeout defaults: %v enforce=%v", cfg.Handshake.Timeout, *cfg.Handshake.EnforceTimeout)
	}
	if cfg.Handshake.MaxHeaderBytes.Value() != defaultMaxHeaderBytes || !*cfg.Handshake.Strict {
		t.Errorf("Unexpected handshake limits: %v strict=%v", cfg.Handshake.MaxHeaderBytes, *cfg.Handshake.Strict)
	}
	if cfg.Logging.LogLevel != defaultLogLevel || cfg.Logging.Format != defaultLogFormat {
		t.Errorf("Unexpected logging defaults: level=%s format=%s", cfg.Logging.LogLevel, cfg.Logging.Format)
	}
	if *cfg.Logging.ErrorLog.Target != defaultErrorLogTarget {
		t.Errorf("Expected default error log target %s, got %s", defaultErrorLogTarget, *cfg.Logging.ErrorLog.Target)
	}
	hl := cfg.Logging.HandshakeLog
	if !*hl.Enabled || *hl.Target != defaultHandshakeLogTarget || *hl.RealIPHeader != defaultHandshakeRealIPHeader {
		t.Errorf("Unexpected handshake log defaults: %+v", hl)
	}
	if hl.TrustedProxies == nil || len(hl.TrustedProxies) != 0 {
		t.Errorf("Expected empty non-nil trusted proxies, got %v", hl.TrustedProxies)
	}
	if *cfg.Admin.Address != "" {
		t.Errorf("Expected admin endpoint disabled by default, got %q", *cfg.Admin.Address)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		expectErr string
	}{
		{"bad address", `{"server": {"address": "nope"}}`, "server.address"},
		{"bad network", `{"server": {"network": "udp"}}`, "server.network"},
		{"small read buffer", `{"server": {"read_buffer_size": "100"}}`, "server.read_buffer_size"},
		{"negative max connections", `{"server": {"max_connections": -1}}`, "server.max_connections"},
		{"zero batch", `{"server": {"event_batch_size": 0}}`, "server.event_batch_size"},
		{"small header limit", `{"handshake": {"max_header_bytes": "64"}}`, "handshake.max_header_bytes"},
		{"bad log level", `{"logging": {"log_level": "TRACE"}}`, "logging.log_level"},
		{"bad log format", `{"logging": {"format": "xml"}}`, "logging.format"},
		{"relative log file", `{"logging": {"error_log": {"target": "logs/err.log"}}}`, "absolute file path"},
		{"bad proxy", `{"logging": {"handshake_log": {"trusted_proxies": ["10.0.0.0/33"]}}}`, "invalid CIDR"},
		{"bad proxy ip", `{"logging": {"handshake_log": {"trusted_proxies": ["not-an-ip"]}}}`, "invalid IP"},
		{"bad admin", `{"admin": {"address": "localhost"}}`, "admin.address"},
		{"non-positive timeout", `{"handshake": {"timeout": "0s"}}`, "duration must be positive"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempFile(t, tc.content, ".json")
			_, err := LoadConfig(path)
			checkErrorContains(t, err, tc.expectErr)
		})
	}
}

func TestValidate_NonPositiveDurations(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		expectErr string
	}{
		{"negative poll timeout", func(c *Config) { c.Server.PollTimeout = NewDuration(-time.Second) }, "server.poll_timeout"},
		{"zero poll timeout", func(c *Config) { c.Server.PollTimeout = NewDuration(0) }, "server.poll_timeout"},
		{"negative handshake timeout", func(c *Config) { c.Handshake.Timeout = NewDuration(-time.Second) }, "handshake.timeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			*cfg.Server.Address = "127.0.0.1:0"
			if err := Validate(cfg); err != nil {
				t.Fatalf("Default() config should validate, got %v", err)
			}
			tc.mutate(cfg)
			checkErrorContains(t, Validate(cfg), tc.expectErr)
		})
	}
}

func TestLoadConfig_OriginalFilePath(t *testing.T) {
	path := writeTempFile(t, `{}`, ".json")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.OriginalFilePath() != path {
		t.Errorf("Expected OriginalFilePath() to be %q, got %q", path, cfg.OriginalFilePath())
	}

	var nilCfg *Config
	if nilCfg.OriginalFilePath() != "" {
		t.Errorf("Expected OriginalFilePath() on nil config to be \"\", got %q", nilCfg.OriginalFilePath())
	}
}

func TestDuration_Unmarshal(t *testing.T) {
	tests := []struct {
		name      string
		inputJSON string
		inputTOML string
		expectErr string
		expectDur time.Duration
	}{
		{name: "valid duration json", inputJSON: `{"timeout": "10s"}`, expectDur: 10 * time.Second},
		{name: "valid duration toml", inputTOML: `timeout = "15m"`, expectDur: 15 * time.Minute},
		{name: "missing unit json", inputJSON: `{"timeout": "10"}`, expectErr: "invalid duration string \"10\""},
		{name: "invalid toml", inputTOML: `timeout = "abc"`, expectErr: "invalid duration string \"abc\""},
		{name: "zero json", inputJSON: `{"timeout": "0s"}`, expectErr: "duration must be positive, got \"0s\""},
		{name: "negative toml", inputTOML: `timeout = "-1h"`, expectErr: "duration must be positive, got \"-1h\""},
		{name: "not a string json", inputJSON: `{"timeout": 10}`, expectErr: "duration should be a string, got 10"},
		{name: "empty string json", inputJSON: `{"timeout": ""}`, expectErr: "duration string cannot be empty"},
	}

	type testStruct struct {
		Timeout Duration `json:"timeout" toml:"timeout"`
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var s testStruct
			var err error
			if tc.inputJSON != "" {
				err = json.Unmarshal([]byte(tc.inputJSON), &s)
			} else {
				err = toml.Unmarshal([]byte(tc.inputTOML), &s)
			}
			if tc.expectErr != "" {
				checkErrorContains(t, err, tc.expectErr)
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if s.Timeout.Value() != tc.expectDur {
				t.Errorf("Expected duration %v, got %v", tc.expectDur, s.Timeout.Value())
			}
			if s.Timeout.String() != tc.expectDur.String() {
				t.Errorf("Expected duration string %v, got %v", tc.expectDur.String(), s.Timeout.String())
			}
		})
	}
}

func TestByteSize_Unmarshal(t *testing.T) {
	tests := []struct {
		input     string
		expect    int
		expectErr string
	}{
		{input: `"4KiB"`, expect: 4096},
		{input: `"8 kB"`, expect: 8000},
		{input: `"1.5 KiB"`, expect: 1536},
		{input: `2048`, expect: 2048},
		{input: `"lots"`, expectErr: "invalid byte size"},
		{input: `""`, expectErr: "cannot be empty"},
		{input: `0`, expectErr: "must be positive"},
		{input: `-4`, expectErr: "string or a non-negative integer"},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			var b ByteSize
			err := json.Unmarshal([]byte(tc.input), &b)
			if tc.expectErr != "" {
				checkErrorContains(t, err, tc.expectErr)
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal(%s) failed: %v", tc.input, err)
			}
			if b.Value() != tc.expect {
				t.Errorf("Unmarshal(%s) = %d, want %d", tc.input, b.Value(), tc.expect)
			}
		})
	}
}

func TestConfigRoundTripsThroughTOMLEncoder(t *testing.T) {
	cfg := Default()
	*cfg.Server.Address = "127.0.0.1:0"
	cfg.Handshake.Timeout = NewDuration(1500 * time.Millisecond)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	path := writeTempFile(t, buf.String(), ".toml")
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig of encoded config failed: %v\n%s", err, buf.String())
	}
	if loaded.Handshake.Timeout.Value() != 1500*time.Millisecond {
		t.Errorf("Expected timeout 1.5s, got %v", loaded.Handshake.Timeout.Value())
	}
	if loaded.Server.ReadBufferSize.Value() != defaultReadBufferSize {
		t.Errorf("Expected read buffer %d, got %d", defaultReadBufferSize, loaded.Server.ReadBufferSize.Value())
	}
}

func TestIsFilePath(t *testing.T) {
	tests := []struct {
		target   string
		expected bool
	}{
		{"stdout", false},
		{"stderr", false},
		{"/var/log/wsloop.log", true},
		{"wsloop.log", true},
	}
	for _, tc := range tests {
		if actual := IsFilePath(tc.target); actual != tc.expected {
			t.Errorf("IsFilePath(%q) = %v; want %v", tc.target, actual, tc.expected)
		}
	}
}
