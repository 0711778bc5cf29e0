package logger

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/wsloop/internal/config"
	"example.com/wsloop/internal/handshake"
)

// LogFields carries structured key/value pairs attached to a log line.
type LogFields map[string]interface{}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// output is a log destination that can be reopened in place. Loggers built on
// top of it keep writing to whatever file is current.
type output struct {
	mu     sync.Mutex
	target string
	w      io.Writer
	file   *os.File // nil for stdout/stderr and injected writers
}

func openOutput(target string) (*output, error) {
	switch target {
	case "stdout":
		return &output{target: target, w: os.Stdout}, nil
	case "stderr":
		return &output{target: target, w: os.Stderr}, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &output{target: target, w: f, file: f}, nil
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(p)
}

func (o *output) reopen() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	if err := o.file.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing log file %s during reopen: %v\n", o.target, err)
	}
	f, err := os.OpenFile(o.target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		o.w, o.file = os.Stderr, nil
		return fmt.Errorf("failed to reopen log file %s: %w", o.target, err)
	}
	o.w, o.file = f, f
	return nil
}

func (o *output) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file != nil {
		o.file.Close()
		o.file = nil
		o.w = io.Discard
	}
}

// ErrorLogger writes the leveled server log.
type ErrorLogger struct {
	zl  zerolog.Logger
	out *output
}

// HandshakeLogger writes one line per completed or rejected handshake.
type HandshakeLogger struct {
	zl            zerolog.Logger
	out           *output
	realIPHeader  string
	parsedProxies parsedProxiesContainer
}

// Logger bundles the error log and the optional handshake log.
type Logger struct {
	errorLog     *ErrorLogger
	handshakeLog *HandshakeLogger
}

// NewLogger creates a Logger from a defaulted logging configuration, opening
// file targets in append mode.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	errTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != nil {
		errTarget = *cfg.ErrorLog.Target
	}
	errOut, err := openOutput(errTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log file %s: %w", errTarget, err)
	}

	var hsOut *output
	if hl := cfg.HandshakeLog; hl != nil && (hl.Enabled == nil || *hl.Enabled) {
		target := "stdout"
		if hl.Target != nil {
			target = *hl.Target
		}
		hsOut, err = openOutput(target)
		if err != nil {
			errOut.close()
			return nil, fmt.Errorf("failed to open handshake log file %s: %w", target, err)
		}
	}

	l, err := build(cfg, errOut, hsOut)
	if err != nil {
		errOut.close()
		if hsOut != nil {
			hsOut.close()
		}
		return nil, err
	}
	return l, nil
}

// NewWithWriters builds a Logger that writes the error log to errW and the
// handshake log to hsW, ignoring the targets named in cfg. A nil hsW
// disables the handshake log.
func NewWithWriters(cfg *config.LoggingConfig, errW, hsW io.Writer) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}
	var hsOut *output
	if hsW != nil {
		hsOut = &output{target: "writer", w: hsW}
	}
	return build(cfg, &output{target: "writer", w: errW}, hsOut)
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{errorLog: &ErrorLogger{zl: zerolog.Nop(), out: &output{w: io.Discard}}}
}

func build(cfg *config.LoggingConfig, errOut, hsOut *output) (*Logger, error) {
	l := &Logger{
		errorLog: &ErrorLogger{
			zl:  newZerolog(errOut, cfg.Format).Level(zerologLevel(cfg.LogLevel)),
			out: errOut,
		},
	}
	if hsOut == nil {
		return l, nil
	}

	hl := cfg.HandshakeLog
	var proxies []string
	realIPHeader := ""
	if hl != nil {
		proxies = hl.TrustedProxies
		if hl.RealIPHeader != nil {
			realIPHeader = *hl.RealIPHeader
		}
	}
	parsed, err := preParseTrustedProxies(proxies)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trusted proxies for handshake log: %w", err)
	}
	l.handshakeLog = &HandshakeLogger{
		zl:            newZerolog(hsOut, cfg.Format),
		out:           hsOut,
		realIPHeader:  realIPHeader,
		parsedProxies: parsed,
	}
	return l, nil
}

func newZerolog(w io.Writer, format string) zerolog.Logger {
	if format == config.LogFormatConsole {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	container := parsedProxiesContainer{
		cidrs: make([]*net.IPNet, 0),
		ips:   make([]net.IP, 0),
	}
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
		} else {
			ip := net.ParseIP(pStr)
			if ip == nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
			}
			container.ips = append(container.ips, ip)
		}
	}
	return container, nil
}

// isIPTrusted checks if a given IP address is in the list of trusted proxies.
func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, trustedCIDR := range trustedProxies.cidrs {
		if trustedCIDR.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range trustedProxies.ips {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP resolves the client address. The header named by
// realIPHeaderName is walked right to left and the first address that is not
// a trusted proxy wins. A malformed entry falls back to the direct peer.
func getRealClientIP(remoteAddr string, headers handshake.Header, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if realIPHeaderName == "" {
		return peer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return peer
	}
	// Only a trusted direct peer may speak for the client.
	if !isIPTrusted(net.ParseIP(peer), trustedProxies) {
		return peer
	}

	parts := strings.Split(headerValue, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(parts[i])
		if ipStr == "" {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return peer
		}
		if !isIPTrusted(ip, trustedProxies) {
			return ipStr
		}
	}
	return peer
}

// HandshakeEntry describes one opening handshake for the handshake log.
type HandshakeEntry struct {
	Token      uint64
	RemoteAddr string
	Method     string
	Target     string
	Proto      string
	Header     handshake.Header
	Status     int // 101 when the upgrade was answered, 0 when dropped
	Duration   time.Duration
	Err        error
}

// Log writes entry as a single line.
func (hl *HandshakeLogger) Log(entry HandshakeEntry) {
	if hl == nil {
		return
	}
	remotePort := 0
	if _, portStr, err := net.SplitHostPort(entry.RemoteAddr); err == nil {
		remotePort, _ = strconv.Atoi(portStr)
	}

	ev := hl.zl.Info().
		Uint64("token", entry.Token).
		Str("remote_addr", getRealClientIP(entry.RemoteAddr, entry.Header, hl.realIPHeader, hl.parsedProxies)).
		Int("remote_port", remotePort).
		Str("method", entry.Method).
		Str("target", entry.Target).
		Str("protocol", entry.Proto).
		Int("status", entry.Status).
		Int64("duration_ms", entry.Duration.Milliseconds())
	if ua := entry.Header.Get("User-Agent"); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if origin := entry.Header.Get("Origin"); origin != "" {
		ev = ev.Str("origin", origin)
	}
	if entry.Err != nil {
		ev = ev.Str("error", entry.Err.Error())
	}
	if entry.Status != 0 {
		ev.Msg("handshake accepted")
		return
	}
	ev.Msg("handshake rejected")
}

func (el *ErrorLogger) log(ev *zerolog.Event, msg string, fields []LogFields) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		if len(f) > 0 {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

// Debug logs msg at debug level.
func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.errorLog.log(l.errorLog.zl.Debug(), msg, fields)
}

// Info logs msg at info level.
func (l *Logger) Info(msg string, fields ...LogFields) {
	l.errorLog.log(l.errorLog.zl.Info(), msg, fields)
}

// Warn logs msg at warning level.
func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.errorLog.log(l.errorLog.zl.Warn(), msg, fields)
}

// Error logs msg at error level.
func (l *Logger) Error(msg string, fields ...LogFields) {
	l.errorLog.log(l.errorLog.zl.Error(), msg, fields)
}

// Handshake records a handshake outcome when the handshake log is enabled.
func (l *Logger) Handshake(entry HandshakeEntry) {
	l.handshakeLog.Log(entry)
}

// HandshakeLogEnabled reports whether Handshake writes anything.
func (l *Logger) HandshakeLogEnabled() bool {
	return l.handshakeLog != nil
}

// CloseLogFiles closes any open log files. Later writes are discarded.
func (l *Logger) CloseLogFiles() {
	if l.handshakeLog != nil {
		l.handshakeLog.out.close()
	}
	l.errorLog.out.close()
}

// ReopenLogFiles closes and reopens file targets, typically on SIGHUP after
// log rotation. Standard streams are left alone.
func (l *Logger) ReopenLogFiles() error {
	if err := l.errorLog.out.reopen(); err != nil {
		return err
	}
	if l.handshakeLog != nil {
		if err := l.handshakeLog.out.reopen(); err != nil {
			return err
		}
	}
	return nil
}
