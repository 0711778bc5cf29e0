// Package handshake implements the server side of the RFC 6455 opening
// handshake: an incremental HTTP/1.1 request-head parser, upgrade validation,
// Sec-WebSocket-Accept derivation and the 101 response encoding.
package handshake

import (
	"crypto/sha1"
	"encoding/base64"
)

// GUID is the fixed string RFC 6455 section 1.3 appends to the client key.
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	responseStatusLine = "HTTP/1.1 101 Switching Protocols\r\n"
	responseConnection = "Connection: Upgrade\r\n"
	responseAccept     = "Sec-WebSocket-Accept: "
	responseUpgrade    = "Upgrade: websocket\r\n"
	crlf               = "\r\n"
)

// DeriveAccept computes the Sec-WebSocket-Accept value for a client key:
// base64(SHA-1(key + GUID)) with the standard, padded alphabet.
func DeriveAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// AppendResponse appends the 101 Switching Protocols response carrying accept
// to dst and returns the extended buffer.
func AppendResponse(dst []byte, accept string) []byte {
	dst = append(dst, responseStatusLine...)
	dst = append(dst, responseConnection...)
	dst = append(dst, responseAccept...)
	dst = append(dst, accept...)
	dst = append(dst, crlf...)
	dst = append(dst, responseUpgrade...)
	dst = append(dst, crlf...)
	return dst
}

// ResponseSize returns the exact length of the response AppendResponse
// produces for accept.
func ResponseSize(accept string) int {
	return len(responseStatusLine) + len(responseConnection) + len(responseAccept) +
		len(accept) + len(crlf) + len(responseUpgrade) + len(crlf)
}
