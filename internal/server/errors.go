package server

import (
	"fmt"

	"example.com/wsloop/internal/netpoll"
)

// ErrorKind classifies why a connection (or an accept attempt) failed.
type ErrorKind uint8

const (
	// AcceptError: accepting a pending connection failed. No connection exists yet.
	AcceptError ErrorKind = iota + 1
	// ReadError: reading from the socket failed or the peer closed it.
	ReadError
	// WriteError: writing the handshake response failed.
	WriteError
	// ParseError: the request head is not valid HTTP.
	ParseError
	// ProtocolViolation: the request head is valid HTTP but not an acceptable upgrade.
	ProtocolViolation
	// RegistrationError: the multiplexer refused to register or re-arm the socket.
	RegistrationError
	// TimeoutError: the handshake made no progress within the configured timeout.
	TimeoutError
	// CapacityError: the connection table is full.
	CapacityError
)

var errorKindNames = map[ErrorKind]string{
	AcceptError:       "accept",
	ReadError:         "read",
	WriteError:        "write",
	ParseError:        "parse",
	ProtocolViolation: "protocol_violation",
	RegistrationError: "registration",
	TimeoutError:      "timeout",
	CapacityError:     "capacity",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown_error_kind_%d", uint8(k))
}

// ConnError is the error type for a failure scoped to one connection.
// Every kind except AcceptError drops the connection it names.
type ConnError struct {
	Kind  ErrorKind
	ID    netpoll.Token
	Msg   string
	Cause error
}

func (e *ConnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection %d: %s error: %s: %v", e.ID, e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("connection %d: %s error: %s", e.ID, e.Kind, e.Msg)
}

// Unwrap returns the underlying cause.
func (e *ConnError) Unwrap() error {
	return e.Cause
}

// NewConnError creates a new ConnError.
func NewConnError(kind ErrorKind, id netpoll.Token, msg string) *ConnError {
	return &ConnError{Kind: kind, ID: id, Msg: msg}
}

// NewConnErrorWithCause creates a new ConnError wrapping cause.
func NewConnErrorWithCause(kind ErrorKind, id netpoll.Token, msg string, cause error) *ConnError {
	return &ConnError{Kind: kind, ID: id, Msg: msg, Cause: cause}
}
