// Package netpoll wraps the operating system's readiness notification facility
// behind a small register/reregister/poll API. Every registration is
// edge-triggered and one-shot: once an event has been delivered for a token,
// that token stays silent until it is explicitly re-armed.
package netpoll

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// Token identifies a registered socket in the events returned by Poll.
type Token uint64

// ListenerToken is reserved for the listening socket. Connection tokens are
// minted from ListenerToken+1 upwards.
const ListenerToken Token = 0

// Interest is the set of readiness kinds a registration asks for.
type Interest uint8

const (
	// Readable asks for notification when a read would not block.
	Readable Interest = 1 << iota
	// Writable asks for notification when a write would not block.
	Writable
)

// IsReadable reports whether i includes read interest.
func (i Interest) IsReadable() bool { return i&Readable != 0 }

// IsWritable reports whether i includes write interest.
func (i Interest) IsWritable() bool { return i&Writable != 0 }

func (i Interest) String() string {
	var parts []string
	if i.IsReadable() {
		parts = append(parts, "read")
	}
	if i.IsWritable() {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Event is a single readiness notification.
type Event struct {
	Token    Token
	Readable bool
	Writable bool
	// Hangup is set when the peer closed its side or the socket hung up.
	Hangup bool
	// Error is set when the socket has a pending error.
	Error bool
}

var (
	// ErrWouldBlock is returned by non-blocking sockets and listeners when the
	// operation cannot make progress until the next readiness event.
	ErrWouldBlock = errors.New("netpoll: operation would block")
	// ErrClosed is returned when operating on a closed poller or socket.
	ErrClosed = errors.New("netpoll: use of closed descriptor")
	// ErrUnsupported is returned on platforms without an implementation.
	ErrUnsupported = errors.New("netpoll: not supported on this platform")
)

// Multiplexer is the readiness notification contract the event loop drives.
// Implementations must deliver each registration at most once until it is
// re-armed with Reregister.
type Multiplexer interface {
	Register(fd int, token Token, interest Interest) error
	Reregister(fd int, token Token, interest Interest) error
	Deregister(fd int) error
	// Poll blocks for at most timeout (forever when negative) and fills events
	// with ready notifications, returning how many were written.
	Poll(events []Event, timeout time.Duration) (int, error)
	Close() error
}

// Socket is a non-blocking stream socket. Read and Write return ErrWouldBlock
// when the socket is not ready; Read returns io.EOF when the peer has closed.
type Socket interface {
	io.Reader
	io.Writer
	io.Closer
	Fd() int
	RemoteAddr() string
}

// Listener is a non-blocking accepting socket. Accept returns ErrWouldBlock
// once the pending queue is drained.
type Listener interface {
	Accept() (Socket, error)
	Fd() int
	Addr() net.Addr
	Close() error
}

// timeoutMillis converts a poll timeout into the millisecond form the kernel
// expects, rounding sub-millisecond waits up so they do not busy-spin.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout / time.Millisecond
	if timeout%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
