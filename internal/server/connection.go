package server

import (
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/trace"

	"example.com/wsloop/internal/handshake"
	"example.com/wsloop/internal/netpoll"
)

// Connection is the per-socket handshake state machine. It owns its socket,
// its parser and the header map the parser fills. A Connection knows nothing
// about the Server or other connections beyond its own token.
type Connection struct {
	token   netpoll.Token
	sock    netpoll.Socket
	state   State
	parser  *handshake.Parser
	headers handshake.Collector
	strict  bool
	handler FrameHandler

	// out is the synthesized 101 response; written counts how much of it the
	// socket has accepted so far.
	out     []byte
	written int

	// buffered holds bytes that followed the request head terminator until
	// the FrameHandler takes them in Open.
	buffered []byte

	acceptedAt   time.Time
	lastActivity time.Time
	now          func() time.Time

	// span covers the handshake; nil once ended.
	span trace.Span
}

type connOptions struct {
	maxHeaderBytes int
	strict         bool
	handler        FrameHandler
	now            func() time.Time
}

func newConnection(token netpoll.Token, sock netpoll.Socket, opts connOptions) *Connection {
	now := opts.now
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Connection{
		token:        token,
		sock:         sock,
		state:        AwaitingHandshake,
		parser:       handshake.NewParser(opts.maxHeaderBytes),
		headers:      handshake.Collector{Header: make(handshake.Header)},
		strict:       opts.strict,
		handler:      opts.handler,
		acceptedAt:   t,
		lastActivity: t,
		now:          now,
	}
}

// Token returns the connection's identifier.
func (c *Connection) Token() netpoll.Token { return c.token }

// State returns the current protocol state.
func (c *Connection) State() State { return c.state }

// Fd returns the socket descriptor.
func (c *Connection) Fd() int { return c.sock.Fd() }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string { return c.sock.RemoteAddr() }

// Header returns the headers received so far.
func (c *Connection) Header() handshake.Header { return c.headers.Header }

// Buffered returns the bytes that arrived after the request head terminator.
// It is nil once they were handed to the FrameHandler.
func (c *Connection) Buffered() []byte { return c.buffered }

// takeBuffered returns the leftover bytes and gives up the connection's
// reference to them.
func (c *Connection) takeBuffered() []byte {
	b := c.buffered
	c.buffered = nil
	return b
}

// AcceptedAt returns when the socket was accepted.
func (c *Connection) AcceptedAt() time.Time { return c.acceptedAt }

// Parser exposes the request line the parser recorded.
func (c *Connection) Parser() *handshake.Parser { return c.parser }

// OnHeaderField implements handshake.HeaderSink.
func (c *Connection) OnHeaderField(name string) { c.headers.OnHeaderField(name) }

// OnHeaderValue implements handshake.HeaderSink.
func (c *Connection) OnHeaderValue(value string) { c.headers.OnHeaderValue(value) }

// OnReadable reads into scratch until the socket would block. While awaiting
// the handshake every chunk is fed to the parser; once the head is complete
// and asks for an upgrade the connection moves to HandshakeResponsePending
// and stops reading. In Connected every chunk goes to the frame handler.
func (c *Connection) OnReadable(scratch []byte) error {
	for c.state != HandshakeResponsePending {
		n, err := c.sock.Read(scratch)
		if n > 0 {
			c.lastActivity = c.now()
			if cerr := c.consume(scratch[:n]); cerr != nil {
				return cerr
			}
		}
		if err != nil {
			if errors.Is(err, netpoll.ErrWouldBlock) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				if c.state == Connected {
					return NewConnErrorWithCause(ReadError, c.token, "peer closed the connection", err)
				}
				return NewConnErrorWithCause(ReadError, c.token, "peer closed before completing the handshake", err)
			}
			return NewConnErrorWithCause(ReadError, c.token, "read failed", err)
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

func (c *Connection) consume(chunk []byte) error {
	if c.state == Connected {
		if c.handler != nil {
			c.handler.Data(c.token, chunk)
		}
		return nil
	}

	consumed, done, err := c.parser.Feed(chunk, c)
	if err != nil {
		return NewConnErrorWithCause(ParseError, c.token, "malformed request head", err)
	}
	if !done {
		return nil
	}
	if err := c.headers.Finish(); err != nil {
		return NewConnErrorWithCause(ParseError, c.token, "incomplete header", err)
	}
	if !c.parser.Upgrade() {
		return NewConnErrorWithCause(ProtocolViolation, c.token, "request head ended without an upgrade", handshake.ErrNotUpgrade)
	}
	if rest := chunk[consumed:]; len(rest) > 0 {
		c.buffered = append(c.buffered, rest...)
	}
	c.state = c.state.next()
	return nil
}

// OnWritable writes the 101 response. On first entry it validates the
// request and synthesizes the response; a short write keeps the remainder
// for the next writable event. Once everything is flushed the connection
// moves to Connected.
func (c *Connection) OnWritable() error {
	if c.state != HandshakeResponsePending {
		return nil
	}
	if c.out == nil {
		key, err := handshake.Validate(c.parser, c.headers.Header, c.strict)
		if err != nil {
			return NewConnErrorWithCause(ProtocolViolation, c.token, "handshake rejected", err)
		}
		accept := handshake.DeriveAccept(key)
		c.out = handshake.AppendResponse(make([]byte, 0, handshake.ResponseSize(accept)), accept)
		c.written = 0
	}

	for c.written < len(c.out) {
		n, err := c.sock.Write(c.out[c.written:])
		if n > 0 {
			c.written += n
			c.lastActivity = c.now()
		}
		if err != nil {
			if errors.Is(err, netpoll.ErrWouldBlock) {
				return nil
			}
			return NewConnErrorWithCause(WriteError, c.token, "writing handshake response failed", err)
		}
		if n == 0 {
			return nil
		}
	}

	c.out = nil
	c.state = c.state.next()
	return nil
}

// Idle reports whether the handshake has stalled for longer than timeout.
// Connected sockets are never idle.
func (c *Connection) Idle(now time.Time, timeout time.Duration) bool {
	return c.state != Connected && now.Sub(c.lastActivity) > timeout
}

// Close closes the socket.
func (c *Connection) Close() error {
	return c.sock.Close()
}
