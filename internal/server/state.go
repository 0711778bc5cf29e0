package server

import (
	"fmt"

	"example.com/wsloop/internal/netpoll"
)

// State is the protocol state of a Connection. States only move forward:
// AwaitingHandshake, then HandshakeResponsePending, then Connected.
type State uint8

const (
	// AwaitingHandshake: the request head is still being read.
	AwaitingHandshake State = iota
	// HandshakeResponsePending: the upgrade was accepted and the 101 response
	// is being written.
	HandshakeResponsePending
	// Connected: the response is flushed and the socket belongs to the frame layer.
	Connected
)

// Interest returns the readiness the connection waits for in state s.
// While the handshake is in progress exactly one of read or write is set.
func (s State) Interest() netpoll.Interest {
	if s == HandshakeResponsePending {
		return netpoll.Writable
	}
	return netpoll.Readable
}

func (s State) next() State {
	if s == Connected {
		return Connected
	}
	return s + 1
}

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "AwaitingHandshake"
	case HandshakeResponsePending:
		return "HandshakeResponsePending"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}
