package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"example.com/wsloop/internal/config"
	"example.com/wsloop/internal/handshake"
	"example.com/wsloop/internal/logger"
	"example.com/wsloop/internal/netpoll"
)

// Options carries the collaborators NewServer would otherwise create itself.
// Tests substitute fakes; production code usually leaves everything nil.
type Options struct {
	// Multiplexer defaults to an epoll Poller.
	Multiplexer netpoll.Multiplexer
	// Listener defaults to the inherited LISTEN_FDS socket or a fresh one
	// bound to server.address.
	Listener netpoll.Listener
	// Handler defaults to a DiscardHandler.
	Handler FrameHandler
	// Metrics defaults to an unregistered set of collectors.
	Metrics *Metrics
	// Now defaults to time.Now.
	Now func() time.Time
	// Tracer defaults to the global provider's tracer. Each handshake is
	// one span from accept to Connected or drop.
	Tracer trace.Tracer
}

const tracerName = "example.com/wsloop/internal/server"

// Accept failures other than would-block (EMFILE, ENFILE, ENOBUFS) leave the
// backlog non-empty. The listener stays disarmed for a doubling delay
// between these bounds; a successful accept resets it.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server owns the listening socket, the connection table and the event loop.
// Everything except Metrics is confined to the goroutine that calls Serve or
// Step.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	mux     netpoll.Multiplexer
	ln      netpoll.Listener
	handler FrameHandler
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time

	conns     map[netpoll.Token]*Connection
	nextToken netpoll.Token
	events    []netpoll.Event
	scratch   []byte

	pollTimeout      time.Duration
	handshakeTimeout time.Duration // 0 disables the idle sweep
	sweepInterval    time.Duration
	lastSweep        time.Time
	maxConns         int
	maxHeaderBytes   int
	strict           bool

	acceptBackoff time.Duration
	acceptResume  time.Time // zero while the listener is armed

	closed bool
}

// NewServer builds a Server from a validated configuration and registers the
// listener with the multiplexer.
func NewServer(cfg *config.Config, lg *logger.Logger, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{
		cfg:            cfg,
		log:            lg,
		handler:        opts.Handler,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		now:            opts.Now,
		conns:          make(map[netpoll.Token]*Connection),
		nextToken:      netpoll.ListenerToken,
		events:         make([]netpoll.Event, *cfg.Server.EventBatchSize),
		scratch:        make([]byte, cfg.Server.ReadBufferSize.Value()),
		pollTimeout:    cfg.Server.PollTimeout.Value(),
		maxConns:       *cfg.Server.MaxConnections,
		maxHeaderBytes: cfg.Handshake.MaxHeaderBytes.Value(),
		strict:         *cfg.Handshake.Strict,
	}
	if *cfg.Handshake.EnforceTimeout {
		s.handshakeTimeout = cfg.Handshake.Timeout.Value()
		s.sweepInterval = s.handshakeTimeout / 2
		if s.sweepInterval > time.Second {
			s.sweepInterval = time.Second
		}
		if s.pollTimeout > s.sweepInterval {
			s.pollTimeout = s.sweepInterval
		}
	}
	if s.handler == nil {
		s.handler = NewDiscardHandler(lg)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.lastSweep = s.now()

	s.mux = opts.Multiplexer
	if s.mux == nil {
		p, err := netpoll.NewPoller()
		if err != nil {
			return nil, fmt.Errorf("failed to create poller: %w", err)
		}
		s.mux = p
	}

	s.ln = opts.Listener
	if s.ln == nil {
		ln, err := openListener(cfg.Server, lg)
		if err != nil {
			s.mux.Close()
			return nil, err
		}
		s.ln = ln
	}

	if err := s.mux.Register(s.ln.Fd(), netpoll.ListenerToken, netpoll.Readable); err != nil {
		s.ln.Close()
		s.mux.Close()
		return nil, fmt.Errorf("failed to register listener: %w", err)
	}
	s.log.Info("Server listening", logger.LogFields{
		"address":           s.Addr().String(),
		"strict":            s.strict,
		"handshake_timeout": s.handshakeTimeout.String(),
		"read_buffer":       cfg.Server.ReadBufferSize.String(),
		"max_header_bytes":  cfg.Handshake.MaxHeaderBytes.String(),
		"max_connections":   s.maxConns,
	})
	return s, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Len returns the number of connections in the table.
func (s *Server) Len() int {
	return len(s.conns)
}

// Serve runs the event loop until ctx is cancelled or polling fails. The
// server is closed on return.
func (s *Server) Serve(ctx context.Context) error {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Server stopping", logger.LogFields{"reason": ctx.Err().Error(), "open_connections": len(s.conns)})
			return nil
		default:
		}
		if err := s.Step(s.pollTimeout); err != nil {
			return err
		}
	}
}

// Step performs one loop iteration: wait for at most timeout, dispatch every
// event in the returned batch in order, then evict stalled handshakes. An
// error means the loop itself cannot continue; connection failures never
// surface here.
func (s *Server) Step(timeout time.Duration) error {
	if s.closed {
		return netpoll.ErrClosed
	}
	if !s.acceptResume.IsZero() {
		wait := s.acceptResume.Sub(s.now())
		if wait <= 0 {
			s.acceptResume = time.Time{}
			if err := s.armListener(); err != nil {
				return err
			}
		} else if timeout < 0 || wait < timeout {
			timeout = wait
		}
	}
	n, err := s.mux.Poll(s.events, timeout)
	if err != nil {
		return fmt.Errorf("poll failed: %w", err)
	}
	s.metrics.polled(n)
	for _, ev := range s.events[:n] {
		if err := s.dispatch(ev); err != nil {
			return err
		}
	}
	s.sweep()
	return nil
}

func (s *Server) dispatch(ev netpoll.Event) error {
	if ev.Token == netpoll.ListenerToken {
		if ev.Readable && !s.acceptAll() {
			s.pauseAccepts()
			return nil
		}
		return s.armListener()
	}

	conn, ok := s.conns[ev.Token]
	if !ok {
		s.log.Debug("Ignoring event for unknown connection", logger.LogFields{"token": uint64(ev.Token)})
		return nil
	}
	s.service(conn, s.handle(conn, ev))
	return nil
}

func (s *Server) armListener() error {
	if err := s.mux.Reregister(s.ln.Fd(), netpoll.ListenerToken, netpoll.Readable); err != nil {
		return fmt.Errorf("failed to re-arm listener: %w", err)
	}
	return nil
}

// pauseAccepts leaves the listener disarmed until the next backoff deadline;
// Step re-arms it once the deadline has passed.
func (s *Server) pauseAccepts() {
	if s.acceptBackoff == 0 {
		s.acceptBackoff = minAcceptBackoff
	} else {
		s.acceptBackoff *= 2
	}
	if s.acceptBackoff > maxAcceptBackoff {
		s.acceptBackoff = maxAcceptBackoff
	}
	s.acceptResume = s.now().Add(s.acceptBackoff)
	s.log.Warn("Pausing accepts", logger.LogFields{"retry_in": s.acceptBackoff.String()})
}

// acceptAll drains the listener's pending queue. It returns false when
// accept failed with anything other than would-block.
func (s *Server) acceptAll() bool {
	for {
		sock, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, netpoll.ErrWouldBlock) {
				return true
			}
			s.report(NewConnErrorWithCause(AcceptError, netpoll.ListenerToken, "accept failed", err))
			return false
		}
		s.acceptBackoff = 0

		s.nextToken++
		token := s.nextToken
		s.metrics.connAccepted()

		if s.maxConns > 0 && len(s.conns) >= s.maxConns {
			sock.Close()
			s.report(NewConnError(CapacityError, token, fmt.Sprintf("connection table full (%d), closing %s", s.maxConns, sock.RemoteAddr())))
			continue
		}

		conn := newConnection(token, sock, connOptions{
			maxHeaderBytes: s.maxHeaderBytes,
			strict:         s.strict,
			handler:        s.handler,
			now:            s.now,
		})
		if err := s.mux.Register(sock.Fd(), token, conn.State().Interest()); err != nil {
			sock.Close()
			s.report(NewConnErrorWithCause(RegistrationError, token, "failed to register accepted socket", err))
			continue
		}
		_, conn.span = s.tracer.Start(context.Background(), "websocket.handshake",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithTimestamp(conn.AcceptedAt()),
			trace.WithAttributes(
				attribute.Int64("wsloop.token", int64(token)),
				attribute.String("net.peer.addr", sock.RemoteAddr()),
			))
		s.conns[token] = conn
		s.metrics.connOpened()
		s.log.Debug("Accepted connection", logger.LogFields{"token": uint64(token), "remote_addr": sock.RemoteAddr()})
	}
}

// handle advances conn according to the readiness flags in ev.
func (s *Server) handle(conn *Connection, ev netpoll.Event) error {
	before := conn.State()
	interest := before.Interest()
	var err error
	switch {
	case interest.IsReadable() && (ev.Readable || ev.Hangup || ev.Error):
		err = conn.OnReadable(s.scratch)
	case interest.IsWritable() && (ev.Writable || ev.Hangup || ev.Error):
		err = conn.OnWritable()
	}
	if err != nil {
		return err
	}
	if after := conn.State(); after != before {
		s.log.Debug("Connection state changed", logger.LogFields{
			"token": uint64(conn.Token()),
			"from":  before.String(),
			"to":    after.String(),
		})
		if after == Connected {
			s.connected(conn)
		}
	}
	return nil
}

func (s *Server) connected(conn *Connection) {
	elapsed := s.now().Sub(conn.AcceptedAt())
	s.metrics.handshakeCompleted(elapsed)
	s.log.Handshake(s.handshakeEntry(conn, 101, elapsed, nil))
	buffered := conn.takeBuffered()
	if span := conn.span; span != nil {
		p := conn.Parser()
		span.SetAttributes(
			attribute.String("http.request.method", p.Method()),
			attribute.String("url.path", p.Target()),
			attribute.Int("http.response.status_code", 101),
			attribute.Int("wsloop.request_head_bytes", p.BytesRead()),
			attribute.Int("wsloop.buffered_bytes", len(buffered)),
		)
		span.SetStatus(codes.Ok, "")
		span.End()
		conn.span = nil
	}
	s.handler.Open(conn.Token(), buffered)
}

// service is the only way out of connection event handling: conn is either
// re-armed with the interest its state demands or dropped.
func (s *Server) service(conn *Connection, err error) {
	if err != nil {
		s.drop(conn, err)
		return
	}
	if rerr := s.mux.Reregister(conn.Fd(), conn.Token(), conn.State().Interest()); rerr != nil {
		s.drop(conn, NewConnErrorWithCause(RegistrationError, conn.Token(), "failed to re-arm connection", rerr))
	}
}

// drop removes conn from the table, deregisters and closes its socket. Later
// events carrying its token are ignored.
func (s *Server) drop(conn *Connection, err error) {
	token := conn.Token()
	delete(s.conns, token)
	if derr := s.mux.Deregister(conn.Fd()); derr != nil {
		s.log.Debug("Deregister failed", logger.LogFields{"token": uint64(token), "error": derr.Error()})
	}
	if cerr := conn.Close(); cerr != nil {
		s.log.Debug("Closing socket failed", logger.LogFields{"token": uint64(token), "error": cerr.Error()})
	}

	if conn.State() == Connected {
		s.handler.Closed(token)
	} else if err != nil {
		s.log.Handshake(s.handshakeEntry(conn, 0, s.now().Sub(conn.AcceptedAt()), err))
	}
	if span := conn.span; span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, errorKind(err).String())
		} else {
			span.SetStatus(codes.Error, "server closed")
		}
		span.End()
		conn.span = nil
	}

	s.metrics.connClosed()
	if err != nil {
		s.report(err)
	}
}

// errorKind returns the kind of the ConnError in err's chain, or ReadError.
func errorKind(err error) ErrorKind {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ReadError
}

// report counts and logs a connection-scoped failure.
func (s *Server) report(err error) {
	kind := errorKind(err)
	var token netpoll.Token
	var ce *ConnError
	if errors.As(err, &ce) {
		token = ce.ID
	}
	s.metrics.failure(kind)

	fields := logger.LogFields{"token": uint64(token), "kind": kind.String(), "error": err.Error()}
	switch {
	case errors.Is(err, io.EOF):
		s.log.Debug("Peer closed connection", fields)
	case kind == AcceptError || kind == RegistrationError:
		s.log.Error("Connection error", fields)
	default:
		s.log.Warn("Dropping connection", fields)
	}
}

func (s *Server) handshakeEntry(conn *Connection, status int, elapsed time.Duration, err error) logger.HandshakeEntry {
	p := conn.Parser()
	entry := logger.HandshakeEntry{
		Token:      uint64(conn.Token()),
		RemoteAddr: conn.RemoteAddr(),
		Method:     p.Method(),
		Target:     p.Target(),
		Proto:      p.Proto(),
		Header:     conn.Header(),
		Status:     status,
		Duration:   elapsed,
		Err:        err,
	}
	if entry.Header == nil {
		entry.Header = handshake.Header{}
	}
	return entry
}

// sweep drops handshakes that have made no progress for longer than the
// handshake timeout.
func (s *Server) sweep() {
	if s.handshakeTimeout <= 0 {
		return
	}
	now := s.now()
	if now.Sub(s.lastSweep) < s.sweepInterval {
		return
	}
	s.lastSweep = now
	for _, conn := range s.conns {
		if conn.Idle(now, s.handshakeTimeout) {
			s.drop(conn, NewConnError(TimeoutError, conn.Token(),
				fmt.Sprintf("no handshake progress for %s in state %s", s.handshakeTimeout, conn.State())))
		}
	}
}

// Close drops every connection and releases the listener and multiplexer.
// It is safe to call more than once.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, conn := range s.conns {
		s.drop(conn, nil)
	}
	if err := s.mux.Deregister(s.ln.Fd()); err != nil {
		s.log.Debug("Deregistering listener failed", logger.LogFields{"error": err.Error()})
	}
	lnErr := s.ln.Close()
	muxErr := s.mux.Close()
	if lnErr != nil {
		return fmt.Errorf("failed to close listener: %w", lnErr)
	}
	if muxErr != nil {
		return fmt.Errorf("failed to close multiplexer: %w", muxErr)
	}
	return nil
}
