//go:build !linux

package netpoll

import (
	"net"
	"os"
	"time"
)

// Poller is unavailable outside Linux.
type Poller struct{}

// NewPoller always fails outside Linux.
func NewPoller() (*Poller, error) { return nil, ErrUnsupported }

func (p *Poller) Register(int, Token, Interest) error   { return ErrUnsupported }
func (p *Poller) Reregister(int, Token, Interest) error { return ErrUnsupported }
func (p *Poller) Deregister(int) error                  { return ErrUnsupported }
func (p *Poller) Poll([]Event, time.Duration) (int, error) {
	return 0, ErrUnsupported
}
func (p *Poller) Close() error { return nil }

// TCPListener is unavailable outside Linux.
type TCPListener struct{}

// NewListener always fails outside Linux.
func NewListener(*os.File) (*TCPListener, error) { return nil, ErrUnsupported }

func (l *TCPListener) Accept() (Socket, error) { return nil, ErrUnsupported }
func (l *TCPListener) Fd() int                 { return -1 }
func (l *TCPListener) Addr() net.Addr          { return nil }
func (l *TCPListener) Close() error            { return nil }
