package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Log output formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server    *ServerConfig    `json:"server,omitempty" toml:"server,omitempty"`
	Handshake *HandshakeConfig `json:"handshake,omitempty" toml:"handshake,omitempty"`
	Logging   *LoggingConfig   `json:"logging,omitempty" toml:"logging,omitempty"`
	Admin     *AdminConfig     `json:"admin,omitempty" toml:"admin,omitempty"`

	originalFilePath string
}

// ServerConfig holds listener and event loop settings.
type ServerConfig struct {
	Address        *string   `json:"address,omitempty" toml:"address,omitempty"`
	Network        string    `json:"network,omitempty" toml:"network,omitempty"` // tcp, tcp4 or tcp6
	ReadBufferSize *ByteSize `json:"read_buffer_size,omitempty" toml:"read_buffer_size,omitempty"`
	MaxConnections *int      `json:"max_connections,omitempty" toml:"max_connections,omitempty"` // 0 means unlimited
	PollTimeout    *Duration `json:"poll_timeout,omitempty" toml:"poll_timeout,omitempty"`
	EventBatchSize *int      `json:"event_batch_size,omitempty" toml:"event_batch_size,omitempty"`
}

// HandshakeConfig controls how opening handshakes are accepted.
type HandshakeConfig struct {
	Timeout        *Duration `json:"timeout,omitempty" toml:"timeout,omitempty"`
	EnforceTimeout *bool     `json:"enforce_timeout,omitempty" toml:"enforce_timeout,omitempty"`
	MaxHeaderBytes *ByteSize `json:"max_header_bytes,omitempty" toml:"max_header_bytes,omitempty"`
	Strict         *bool     `json:"strict,omitempty" toml:"strict,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel     LogLevel            `json:"log_level,omitempty" toml:"log_level,omitempty"`
	Format       string              `json:"format,omitempty" toml:"format,omitempty"`
	HandshakeLog *HandshakeLogConfig `json:"handshake_log,omitempty" toml:"handshake_log,omitempty"`
	ErrorLog     *ErrorLogConfig     `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// HandshakeLogConfig configures the one-line-per-handshake log.
type HandshakeLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
}

// AdminConfig configures the metrics and health endpoint. An empty address
// disables it.
type AdminConfig struct {
	Address *string `json:"address,omitempty" toml:"address,omitempty"`
}

// OriginalFilePath returns the path the configuration was loaded from.
func (c *Config) OriginalFilePath() string {
	if c == nil {
		return ""
	}
	return c.originalFilePath
}

// IsFilePath reports whether a log target names a file rather than a
// standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration at path.
// The format follows the extension (.json, .toml); any other extension is
// tried as JSON first, then TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("configuration file %s is empty", path)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := parseJSON(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config from %s: %w", path, err)
		}
	case ".toml":
		if err := parseTOML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config from %s: %w", path, err)
		}
	default:
		jsonErr := parseJSON(data, cfg)
		if jsonErr != nil {
			cfg = &Config{}
			if tomlErr := parseTOML(data, cfg); tomlErr != nil {
				return nil, fmt.Errorf("failed to auto-detect and parse config %s: JSON error: %v; TOML error: %v", path, jsonErr, tomlErr)
			}
		}
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		cfg.originalFilePath = abs
	} else {
		cfg.originalFilePath = path
	}
	return cfg, nil
}

func parseJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks a defaulted configuration for consistency.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if err := validateHandshake(cfg.Handshake); err != nil {
		return err
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	if cfg.Admin != nil && cfg.Admin.Address != nil && *cfg.Admin.Address != "" {
		if _, _, err := net.SplitHostPort(*cfg.Admin.Address); err != nil {
			return fmt.Errorf("admin.address %q is not a valid host:port: %w", *cfg.Admin.Address, err)
		}
	}
	return nil
}

func validateServer(s *ServerConfig) error {
	if s == nil {
		return fmt.Errorf("server configuration section is missing")
	}
	if s.Address == nil || *s.Address == "" {
		return fmt.Errorf("server.address must be set")
	}
	if _, _, err := net.SplitHostPort(*s.Address); err != nil {
		return fmt.Errorf("server.address %q is not a valid host:port: %w", *s.Address, err)
	}
	switch s.Network {
	case "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("server.network must be one of tcp, tcp4, tcp6, got %q", s.Network)
	}
	if s.ReadBufferSize == nil || s.ReadBufferSize.Value() < minReadBufferSize {
		return fmt.Errorf("server.read_buffer_size must be at least %d bytes", minReadBufferSize)
	}
	if s.MaxConnections == nil || *s.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must be zero (unlimited) or positive")
	}
	if s.EventBatchSize == nil || *s.EventBatchSize <= 0 || *s.EventBatchSize > maxEventBatchSize {
		return fmt.Errorf("server.event_batch_size must be between 1 and %d", maxEventBatchSize)
	}
	if s.PollTimeout == nil || s.PollTimeout.Value() <= 0 {
		return fmt.Errorf("server.poll_timeout must be set and positive")
	}
	return nil
}

func validateHandshake(h *HandshakeConfig) error {
	if h == nil {
		return fmt.Errorf("handshake configuration section is missing")
	}
	if h.Timeout == nil || h.Timeout.Value() <= 0 {
		return fmt.Errorf("handshake.timeout must be set and positive")
	}
	if h.MaxHeaderBytes == nil || h.MaxHeaderBytes.Value() < minMaxHeaderBytes {
		return fmt.Errorf("handshake.max_header_bytes must be at least %d bytes", minMaxHeaderBytes)
	}
	return nil
}

func validateLogging(l *LoggingConfig) error {
	if l == nil {
		return fmt.Errorf("logging configuration section is missing")
	}
	switch l.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level %q is invalid; must be one of DEBUG, INFO, WARNING, ERROR", l.LogLevel)
	}
	switch l.Format {
	case LogFormatJSON, LogFormatConsole:
	default:
		return fmt.Errorf("logging.format %q is invalid; must be %q or %q", l.Format, LogFormatJSON, LogFormatConsole)
	}
	if l.ErrorLog == nil || l.ErrorLog.Target == nil {
		return fmt.Errorf("logging.error_log.target must be set")
	}
	if err := validateTarget("logging.error_log.target", *l.ErrorLog.Target); err != nil {
		return err
	}
	if hl := l.HandshakeLog; hl != nil {
		if hl.Target == nil {
			return fmt.Errorf("logging.handshake_log.target must be set")
		}
		if err := validateTarget("logging.handshake_log.target", *hl.Target); err != nil {
			return err
		}
		for _, p := range hl.TrustedProxies {
			p = strings.TrimSpace(p)
			if strings.Contains(p, "/") {
				if _, _, err := net.ParseCIDR(p); err != nil {
					return fmt.Errorf("logging.handshake_log.trusted_proxies: invalid CIDR %q: %w", p, err)
				}
			} else if net.ParseIP(p) == nil {
				return fmt.Errorf("logging.handshake_log.trusted_proxies: invalid IP %q", p)
			}
		}
	}
	return nil
}

func validateTarget(field, target string) error {
	if target == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if IsFilePath(target) && !filepath.IsAbs(target) {
		return fmt.Errorf("%s %q must be stdout, stderr or an absolute file path", field, target)
	}
	return nil
}
