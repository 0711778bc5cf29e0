//go:build linux

package netpoll

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Poller is an epoll-backed Multiplexer.
type Poller struct {
	epfd int
	raw  []unix.EpollEvent

	closeOnce sync.Once
	closed    bool
}

var _ Multiplexer = (*Poller)(nil)

// NewPoller creates a new epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Poller{epfd: fd}, nil
}

// epollFlags translates an interest set into edge-triggered one-shot epoll flags.
func epollFlags(interest Interest) uint32 {
	flags := uint32(unix.EPOLLET | unix.EPOLLONESHOT)
	if interest.IsReadable() {
		flags |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest.IsWritable() {
		flags |= unix.EPOLLOUT
	}
	return flags
}

// packToken stores a 64-bit token in the epoll user data, which x/sys exposes
// as the Fd and Pad fields.
func packToken(ev *unix.EpollEvent, token Token) {
	ev.Fd = int32(uint32(token))
	ev.Pad = int32(uint32(token >> 32))
}

func unpackToken(ev *unix.EpollEvent) Token {
	return Token(uint32(ev.Fd)) | Token(uint32(ev.Pad))<<32
}

func (p *Poller) ctl(op int, fd int, token Token, interest Interest) error {
	if p.closed {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: epollFlags(interest)}
	packToken(&ev, token)
	return unix.EpollCtl(p.epfd, op, fd, &ev)
}

// Register adds fd to the interest list.
func (p *Poller) Register(fd int, token Token, interest Interest) error {
	if err := p.ctl(unix.EPOLL_CTL_ADD, fd, token, interest); err != nil {
		return fmt.Errorf("register fd %d (token %d, %s): %w", fd, token, interest, err)
	}
	return nil
}

// Reregister re-arms a one-shot registration with a (possibly new) interest.
func (p *Poller) Reregister(fd int, token Token, interest Interest) error {
	if err := p.ctl(unix.EPOLL_CTL_MOD, fd, token, interest); err != nil {
		return fmt.Errorf("reregister fd %d (token %d, %s): %w", fd, token, interest, err)
	}
	return nil
}

// Deregister removes fd from the interest list.
func (p *Poller) Deregister(fd int) error {
	if p.closed {
		return ErrClosed
	}
	// Kernels before 2.6.9 require a non-nil event even for DEL.
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{}); err != nil {
		return fmt.Errorf("deregister fd %d: %w", fd, err)
	}
	return nil
}

// Poll waits for readiness and translates kernel events into Events.
// An interrupted wait returns an empty batch.
func (p *Poller) Poll(events []Event, timeout time.Duration) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if len(events) == 0 {
		return 0, nil
	}
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]

	n, err := unix.EpollWait(p.epfd, raw, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		flags := raw[i].Events
		events[i] = Event{
			Token:    unpackToken(&raw[i]),
			Readable: flags&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: flags&unix.EPOLLOUT != 0,
			Hangup:   flags&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Error:    flags&unix.EPOLLERR != 0,
		}
	}
	return n, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed = true
		err = unix.Close(p.epfd)
	})
	return err
}
