//go:build linux

package netpoll

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// FDSocket is a non-blocking stream socket backed by a raw descriptor.
type FDSocket struct {
	fd     int
	remote string
	closed bool
}

var _ Socket = (*FDSocket)(nil)

// NewSocket wraps an already non-blocking descriptor. It takes ownership of fd.
func NewSocket(fd int, remote string) *FDSocket {
	return &FDSocket{fd: fd, remote: remote}
}

// Fd returns the underlying descriptor.
func (s *FDSocket) Fd() int { return s.fd }

// RemoteAddr returns the peer address as reported by accept.
func (s *FDSocket) RemoteAddr() string { return s.remote }

func (s *FDSocket) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *FDSocket) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Write(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

// Close closes the descriptor. Closing twice is a no-op.
func (s *FDSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

// TCPListener is a non-blocking listening socket.
type TCPListener struct {
	// file keeps the descriptor alive; its finalizer would otherwise close it.
	file *os.File
	fd   int
	addr net.Addr
}

var _ Listener = (*TCPListener)(nil)

// NewListener takes ownership of a listening socket file and switches it to
// non-blocking mode.
func NewListener(f *os.File) (*TCPListener, error) {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock on listener fd %d: %w", fd, err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname on listener fd %d: %w", fd, err)
	}
	return &TCPListener{file: f, fd: fd, addr: sockaddrToTCPAddr(sa)}, nil
}

// Fd returns the listening descriptor.
func (l *TCPListener) Fd() int { return l.fd }

// Addr returns the bound local address.
func (l *TCPListener) Addr() net.Addr { return l.addr }

// Accept returns one pending connection, or ErrWouldBlock when none remain.
func (l *TCPListener) Accept() (Socket, error) {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case err == unix.EAGAIN:
			return nil, ErrWouldBlock
		case err != nil:
			return nil, os.NewSyscallError("accept4", err)
		}
		remote := ""
		if addr := sockaddrToTCPAddr(sa); addr != nil {
			remote = addr.String()
		}
		return NewSocket(nfd, remote), nil
	}
}

// Close closes the listening socket.
func (l *TCPListener) Close() error {
	return l.file.Close()
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]).To16(), Port: v.Port}
	case *unix.SockaddrInet6:
		addr := &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
		if v.ZoneId != 0 {
			addr.Zone = strconv.Itoa(int(v.ZoneId))
		}
		return addr
	}
	return nil
}
