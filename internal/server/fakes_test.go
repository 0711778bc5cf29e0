package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"example.com/wsloop/internal/netpoll"
)

// fakeSocket is a scripted non-blocking socket. Reads return queued chunks
// and then ErrWouldBlock (or io.EOF once eof is set). Each Write consumes one
// entry of writeQuota: 0 means would-block, k accepts at most k bytes. An
// empty quota accepts everything.
type fakeSocket struct {
	fd         int
	remote     string
	reads      [][]byte
	eof        bool
	readErr    error
	writeErr   error
	writeQuota []int
	writeCalls int
	out        bytes.Buffer
	closed     bool
}

func (s *fakeSocket) push(chunks ...string) {
	for _, c := range chunks {
		s.reads = append(s.reads, []byte(c))
	}
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if s.closed {
		return 0, netpoll.ErrClosed
	}
	if len(s.reads) == 0 {
		switch {
		case s.readErr != nil:
			return 0, s.readErr
		case s.eof:
			return 0, io.EOF
		default:
			return 0, netpoll.ErrWouldBlock
		}
	}
	n := copy(p, s.reads[0])
	if n == len(s.reads[0]) {
		s.reads = s.reads[1:]
	} else {
		s.reads[0] = s.reads[0][n:]
	}
	return n, nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.closed {
		return 0, netpoll.ErrClosed
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writeCalls++
	if len(s.writeQuota) > 0 {
		q := s.writeQuota[0]
		s.writeQuota = s.writeQuota[1:]
		if q == 0 {
			return 0, netpoll.ErrWouldBlock
		}
		if q < len(p) {
			p = p[:q]
		}
	}
	return s.out.Write(p)
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSocket) Fd() int            { return s.fd }
func (s *fakeSocket) RemoteAddr() string { return s.remote }

const fakeListenerFd = 3

type fakeListener struct {
	pending   []*fakeSocket
	acceptErr error
	closed    bool
}

func (l *fakeListener) Accept() (netpoll.Socket, error) {
	if l.acceptErr != nil {
		err := l.acceptErr
		l.acceptErr = nil
		return nil, err
	}
	if len(l.pending) == 0 {
		return nil, netpoll.ErrWouldBlock
	}
	s := l.pending[0]
	l.pending = l.pending[1:]
	return s, nil
}

func (l *fakeListener) Fd() int { return fakeListenerFd }

func (l *fakeListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10000}
}

func (l *fakeListener) Close() error {
	l.closed = true
	return nil
}

type registration struct {
	token    netpoll.Token
	interest netpoll.Interest
	armed    bool
}

// fakeMux emulates edge-triggered one-shot registrations: delivering an
// event disarms the registration, and events for a disarmed registration are
// swallowed the way the kernel would never report them.
type fakeMux struct {
	regs         map[int]*registration
	history      map[netpoll.Token][]netpoll.Interest
	queue        [][]netpoll.Event
	failFds      map[int]error
	deregistered []int
	suppressed   []netpoll.Event
	timeouts     []time.Duration
	closed       bool
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		regs:    make(map[int]*registration),
		history: make(map[netpoll.Token][]netpoll.Interest),
		failFds: make(map[int]error),
	}
}

func (m *fakeMux) Register(fd int, token netpoll.Token, interest netpoll.Interest) error {
	if err := m.failFds[fd]; err != nil {
		return err
	}
	if _, ok := m.regs[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	m.regs[fd] = &registration{token: token, interest: interest, armed: true}
	m.history[token] = append(m.history[token], interest)
	return nil
}

func (m *fakeMux) Reregister(fd int, token netpoll.Token, interest netpoll.Interest) error {
	if err := m.failFds[fd]; err != nil {
		return err
	}
	reg, ok := m.regs[fd]
	if !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	reg.token, reg.interest, reg.armed = token, interest, true
	m.history[token] = append(m.history[token], interest)
	return nil
}

func (m *fakeMux) Deregister(fd int) error {
	if _, ok := m.regs[fd]; !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	delete(m.regs, fd)
	m.deregistered = append(m.deregistered, fd)
	return nil
}

func (m *fakeMux) lookup(token netpoll.Token) *registration {
	for _, reg := range m.regs {
		if reg.token == token {
			return reg
		}
	}
	return nil
}

func (m *fakeMux) Poll(events []netpoll.Event, timeout time.Duration) (int, error) {
	if m.closed {
		return 0, netpoll.ErrClosed
	}
	m.timeouts = append(m.timeouts, timeout)
	if len(m.queue) == 0 {
		return 0, nil
	}
	batch := m.queue[0]
	m.queue = m.queue[1:]
	n := 0
	for _, ev := range batch {
		if n == len(events) {
			break
		}
		if reg := m.lookup(ev.Token); reg != nil {
			if !reg.armed {
				m.suppressed = append(m.suppressed, ev)
				continue
			}
			reg.armed = false
		}
		events[n] = ev
		n++
	}
	return n, nil
}

func (m *fakeMux) Close() error {
	m.closed = true
	return nil
}

// fire queues one batch of events for the next Poll.
func (m *fakeMux) fire(evs ...netpoll.Event) {
	m.queue = append(m.queue, evs)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// recordingHandler captures what the frame layer would receive.
type recordingHandler struct {
	opened map[netpoll.Token][]byte
	data   map[netpoll.Token][]byte
	closed []netpoll.Token
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		opened: make(map[netpoll.Token][]byte),
		data:   make(map[netpoll.Token][]byte),
	}
}

func (h *recordingHandler) Open(token netpoll.Token, buffered []byte) {
	h.opened[token] = append([]byte{}, buffered...)
}

func (h *recordingHandler) Data(token netpoll.Token, p []byte) {
	h.data[token] = append(h.data[token], p...)
}

func (h *recordingHandler) Closed(token netpoll.Token) {
	h.closed = append(h.closed, token)
}
