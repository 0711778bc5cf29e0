package handshake

import (
	"encoding/base64"
	"errors"
	"net/http"

	"golang.org/x/net/http/httpguts"
)

// Header names the handshake reads.
const (
	HeaderConnection = "Connection"
	HeaderUpgrade    = "Upgrade"
	HeaderKey        = "Sec-WebSocket-Key"
	HeaderVersion    = "Sec-WebSocket-Version"

	// SupportedVersion is the only Sec-WebSocket-Version RFC 6455 defines.
	SupportedVersion = "13"
)

// Validation failures. Each means the request must not be answered.
var (
	ErrNotUpgrade   = errors.New("handshake: request did not ask for an upgrade")
	ErrMissingKey   = errors.New("handshake: missing Sec-WebSocket-Key header")
	ErrInvalidKey   = errors.New("handshake: Sec-WebSocket-Key is not 16 base64-encoded bytes")
	ErrBadMethod    = errors.New("handshake: upgrade request method must be GET")
	ErrBadProto     = errors.New("handshake: upgrade request must be HTTP/1.1 or later")
	ErrNotWebSocket = errors.New("handshake: Upgrade header does not name websocket")
	ErrBadVersion   = errors.New("handshake: unsupported Sec-WebSocket-Version")
)

// Validate checks a completely parsed request head and returns the client
// key to answer. Without strict only the parser's upgrade signal and a
// non-empty key are required; strict additionally enforces the RFC 6455
// section 4.2.1 request requirements against the stored header values.
func Validate(p *Parser, h Header, strict bool) (string, error) {
	if !p.Upgrade() {
		return "", ErrNotUpgrade
	}
	key := h.Get(HeaderKey)
	if key == "" {
		return "", ErrMissingKey
	}
	if !strict {
		return key, nil
	}

	if p.Method() != http.MethodGet {
		return "", ErrBadMethod
	}
	if major, minor, ok := http.ParseHTTPVersion(p.Proto()); !ok || major < 1 || (major == 1 && minor < 1) {
		return "", ErrBadProto
	}
	if !httpguts.HeaderValuesContainsToken([]string{h.Get(HeaderConnection)}, "upgrade") {
		return "", ErrNotUpgrade
	}
	if !httpguts.HeaderValuesContainsToken([]string{h.Get(HeaderUpgrade)}, "websocket") {
		return "", ErrNotWebSocket
	}
	if h.Get(HeaderVersion) != SupportedVersion {
		return "", ErrBadVersion
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return "", ErrInvalidKey
	}
	return key, nil
}
