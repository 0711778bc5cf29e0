package config

import "time"

const (
	defaultServerAddress  = "0.0.0.0:10000"
	defaultNetwork        = "tcp"
	defaultReadBufferSize = 4 << 10
	defaultMaxConnections = 10000
	defaultPollTimeout    = 250 * time.Millisecond
	defaultEventBatchSize = 256

	defaultHandshakeTimeout = 10 * time.Second
	defaultEnforceTimeout   = true
	defaultMaxHeaderBytes   = 8 << 10
	defaultStrictHandshake  = true

	defaultLogLevel              = LogLevelInfo
	defaultLogFormat             = LogFormatJSON
	defaultErrorLogTarget        = "stderr"
	defaultHandshakeLogEnabled   = true
	defaultHandshakeLogTarget    = "stdout"
	defaultHandshakeRealIPHeader = "X-Forwarded-For"

	minReadBufferSize = 512
	minMaxHeaderBytes = 256
	maxEventBatchSize = 65536
)

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Address == nil {
		s.Address = strPtr(defaultServerAddress)
	}
	if s.Network == "" {
		s.Network = defaultNetwork
	}
	if s.ReadBufferSize == nil {
		s.ReadBufferSize = NewByteSize(defaultReadBufferSize)
	}
	if s.MaxConnections == nil {
		s.MaxConnections = intPtr(defaultMaxConnections)
	}
	if s.PollTimeout == nil {
		s.PollTimeout = NewDuration(defaultPollTimeout)
	}
	if s.EventBatchSize == nil {
		s.EventBatchSize = intPtr(defaultEventBatchSize)
	}

	if cfg.Handshake == nil {
		cfg.Handshake = &HandshakeConfig{}
	}
	h := cfg.Handshake
	if h.Timeout == nil {
		h.Timeout = NewDuration(defaultHandshakeTimeout)
	}
	if h.EnforceTimeout == nil {
		h.EnforceTimeout = boolPtr(defaultEnforceTimeout)
	}
	if h.MaxHeaderBytes == nil {
		h.MaxHeaderBytes = NewByteSize(defaultMaxHeaderBytes)
	}
	if h.Strict == nil {
		h.Strict = boolPtr(defaultStrictHandshake)
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = defaultLogLevel
	}
	if l.Format == "" {
		l.Format = defaultLogFormat
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == nil {
		l.ErrorLog.Target = strPtr(defaultErrorLogTarget)
	}
	if l.HandshakeLog == nil {
		l.HandshakeLog = &HandshakeLogConfig{}
	}
	hl := l.HandshakeLog
	if hl.Enabled == nil {
		hl.Enabled = boolPtr(defaultHandshakeLogEnabled)
	}
	if hl.Target == nil {
		hl.Target = strPtr(defaultHandshakeLogTarget)
	}
	if hl.RealIPHeader == nil {
		hl.RealIPHeader = strPtr(defaultHandshakeRealIPHeader)
	}
	if hl.TrustedProxies == nil {
		hl.TrustedProxies = []string{}
	}

	if cfg.Admin == nil {
		cfg.Admin = &AdminConfig{}
	}
	if cfg.Admin.Address == nil {
		cfg.Admin.Address = strPtr("")
	}
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
