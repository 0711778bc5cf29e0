package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// DefaultMaxHeaderBytes bounds the request head when no limit is configured.
const DefaultMaxHeaderBytes = 8 << 10

// ErrHeadersTooLarge is returned when the request head exceeds the limit.
var ErrHeadersTooLarge = errors.New("handshake: request header section too large")

// ParseError describes malformed request bytes.
type ParseError struct {
	// Offset is the number of request bytes consumed when the error was found.
	Offset int
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake: parse error at byte %d: %s: %v", e.Offset, e.Msg, e.Err)
	}
	return fmt.Sprintf("handshake: parse error at byte %d: %s", e.Offset, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

type parseState uint8

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateDone
	stateFailed
)

// Parser incrementally parses an HTTP/1.1 request head. Feed may be called
// with arbitrarily sized chunks; the events it produces do not depend on
// where chunk boundaries fall.
type Parser struct {
	state    parseState
	line     []byte
	read     int
	maxBytes int
	err      error

	method string
	target string
	proto  string

	connectionUpgrade bool
	upgradeHeader     bool
}

// NewParser returns a parser that rejects request heads longer than
// maxHeaderBytes. A non-positive limit selects DefaultMaxHeaderBytes.
func NewParser(maxHeaderBytes int) *Parser {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	return &Parser{maxBytes: maxHeaderBytes}
}

// Feed parses data, delivering header events to sink. It returns how many
// bytes of data belong to the request head and whether the head is complete.
// Bytes after the terminating blank line are never consumed.
func (p *Parser) Feed(data []byte, sink HeaderSink) (int, bool, error) {
	switch p.state {
	case stateDone:
		return 0, true, nil
	case stateFailed:
		return 0, false, p.err
	}

	consumed := 0
	for consumed < len(data) {
		rest := data[consumed:]
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			if p.read+len(rest) > p.maxBytes {
				return consumed, false, p.fail(ErrHeadersTooLarge, "header limit exceeded")
			}
			p.line = append(p.line, rest...)
			p.read += len(rest)
			return len(data), false, nil
		}

		if p.read+idx+1 > p.maxBytes {
			return consumed, false, p.fail(ErrHeadersTooLarge, "header limit exceeded")
		}
		p.line = append(p.line, rest[:idx]...)
		consumed += idx + 1
		p.read += idx + 1

		line := p.line
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		err := p.processLine(line, sink)
		p.line = p.line[:0]
		if err != nil {
			return consumed, false, err
		}
		if p.state == stateDone {
			p.line = nil
			return consumed, true, nil
		}
	}
	return consumed, false, nil
}

func (p *Parser) processLine(line []byte, sink HeaderSink) error {
	if bytes.IndexByte(line, '\r') >= 0 {
		return p.fail(nil, "bare carriage return in line")
	}
	if p.state == stateRequestLine {
		// Empty lines before the request line are ignored (RFC 7230 3.5).
		if len(line) == 0 {
			return nil
		}
		return p.parseRequestLine(string(line))
	}

	if len(line) == 0 {
		p.state = stateDone
		return nil
	}
	if line[0] == ' ' || line[0] == '\t' {
		return p.fail(nil, "obsolete line folding")
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return p.fail(nil, "malformed header line")
	}
	name := string(line[:colon])
	if !httpguts.ValidHeaderFieldName(name) {
		return p.fail(nil, fmt.Sprintf("invalid header field name %q", name))
	}
	value := strings.Trim(string(line[colon+1:]), " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return p.fail(nil, fmt.Sprintf("invalid value for header %q", name))
	}

	switch {
	case strings.EqualFold(name, "Connection"):
		if httpguts.HeaderValuesContainsToken([]string{value}, "upgrade") {
			p.connectionUpgrade = true
		}
	case strings.EqualFold(name, "Upgrade"):
		if value != "" {
			p.upgradeHeader = true
		}
	}

	sink.OnHeaderField(name)
	sink.OnHeaderValue(value)
	return nil
}

func (p *Parser) parseRequestLine(line string) error {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || target == "" || strings.Contains(proto, " ") {
		return p.fail(nil, fmt.Sprintf("malformed request line %q", line))
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return p.fail(nil, fmt.Sprintf("invalid method %q", method))
	}
	if _, _, ok := http.ParseHTTPVersion(proto); !ok {
		return p.fail(nil, fmt.Sprintf("malformed HTTP version %q", proto))
	}
	p.method, p.target, p.proto = method, target, proto
	p.state = stateHeaders
	return nil
}

func (p *Parser) fail(cause error, msg string) error {
	p.state = stateFailed
	p.line = nil
	p.err = &ParseError{Offset: p.read, Msg: msg, Err: cause}
	return p.err
}

// Done reports whether the end of the header section has been reached.
func (p *Parser) Done() bool { return p.state == stateDone }

// Upgrade reports whether the request asked for a protocol upgrade: a
// Connection header carrying the "upgrade" token and a non-empty Upgrade
// header.
func (p *Parser) Upgrade() bool { return p.connectionUpgrade && p.upgradeHeader }

// Method returns the request method once the request line was parsed.
func (p *Parser) Method() string { return p.method }

// Target returns the request target once the request line was parsed.
func (p *Parser) Target() string { return p.target }

// Proto returns the protocol version string, e.g. "HTTP/1.1".
func (p *Parser) Proto() string { return p.proto }

// BytesRead returns how many request-head bytes were consumed so far.
func (p *Parser) BytesRead() int { return p.read }
