package util

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// ListenFdsEnvKey is the environment variable key used to pass listening file descriptors.
	ListenFdsEnvKey = "LISTEN_FDS"
	// ReadinessPipeEnvKey is the environment variable key for the readiness pipe FD.
	ReadinessPipeEnvKey = "READINESS_PIPE_FD"
)

// ErrPipeFDEnvVarNotSet indicates that the expected environment variable for a pipe FD was not set.
var ErrPipeFDEnvVarNotSet = errors.New("pipe FD environment variable not set")

// isCloexecSet checks if the FD_CLOEXEC flag is set on the given file descriptor.
func isCloexecSet(fd uintptr) (bool, error) {
	flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
	if err != nil {
		return false, fmt.Errorf("fcntl F_GETFD failed for fd %d: %w", fd, err)
	}
	return flags&unix.FD_CLOEXEC != 0, nil
}

// SetCloexec sets or clears the close-on-exec flag for a file descriptor.
// Listening sockets handed to a replacement process must have it cleared.
func SetCloexec(fd uintptr, enabled bool) error {
	flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("fcntl F_GETFD failed: %w", err)
	}
	if enabled {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	if _, err := unix.FcntlInt(fd, unix.F_SETFD, flags); err != nil {
		return fmt.Errorf("fcntl F_SETFD failed: %w", err)
	}
	return nil
}

// ListenFile binds a TCP listening socket on address and returns it as an
// *os.File that solely owns the descriptor. FD_CLOEXEC is cleared so the
// socket can be handed to a replacement process through LISTEN_FDS.
func ListenFile(network, address string) (*os.File, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported", network)
	}

	tempListener, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	tcpListener, ok := tempListener.(*net.TCPListener)
	if !ok {
		tempListener.Close()
		return nil, fmt.Errorf("listener on %s %s is not a TCPListener (type: %T)", network, address, tempListener)
	}

	// File duplicates the descriptor; the duplicate keeps the binding alive
	// once the temporary listener is closed.
	file, err := tcpListener.File()
	if err != nil {
		tempListener.Close()
		return nil, fmt.Errorf("failed to get listener file on %s %s: %w", network, address, err)
	}
	if err := tempListener.Close(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to close temporary listener on %s %s: %w", network, address, err)
	}

	if err := SetCloexec(file.Fd(), false); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to clear FD_CLOEXEC for listener on %s %s: %w", network, address, err)
	}
	return file, nil
}

// ParseInheritedListenerFDs retrieves a list of file descriptor numbers
// passed via the specified environment variable.
// It expects FDs to be colon-separated numbers.
func ParseInheritedListenerFDs(envVarName string) ([]uintptr, error) {
	fdsEnv := os.Getenv(envVarName)
	if fdsEnv == "" {
		return nil, nil
	}

	fdStrings := strings.Split(fdsEnv, ":")
	fds := make([]uintptr, 0, len(fdStrings))
	for _, fdStr := range fdStrings {
		fdInt, err := strconv.Atoi(fdStr)
		if err != nil {
			return nil, fmt.Errorf("invalid FD number in environment variable %s (value: %q): %s (%w)", envVarName, fdsEnv, fdStr, err)
		}
		if fdInt < 0 {
			return nil, fmt.Errorf("invalid negative FD number in environment variable %s (value: %q): %d", envVarName, fdsEnv, fdInt)
		}
		fds = append(fds, uintptr(fdInt))
	}
	return fds, nil
}

// InheritedListenFile returns the listening socket passed through
// envVarName, if any. The server listens on a single socket, so more than
// one inherited descriptor is an error.
func InheritedListenFile(envVarName string) (*os.File, bool, error) {
	fds, err := ParseInheritedListenerFDs(envVarName)
	if err != nil {
		return nil, false, err
	}
	switch len(fds) {
	case 0:
		return nil, false, nil
	case 1:
	default:
		return nil, false, fmt.Errorf("expected one inherited listener in %s, got %d", envVarName, len(fds))
	}

	fd := fds[0]
	if err := SetCloexec(fd, false); err != nil {
		return nil, false, fmt.Errorf("failed to clear FD_CLOEXEC for inherited FD %d: %w", fd, err)
	}
	sotype, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, false, fmt.Errorf("inherited FD %d is not a socket: %w", fd, err)
	}
	if sotype != unix.SOCK_STREAM {
		return nil, false, fmt.Errorf("inherited FD %d is not a stream socket", fd)
	}
	file := os.NewFile(fd, fmt.Sprintf("inherited-listener-%d", fd))
	if file == nil {
		return nil, false, fmt.Errorf("os.NewFile returned nil for FD %d", fd)
	}
	return file, true, nil
}

// GetChildWritePipeFD retrieves a file descriptor number from the specified environment variable.
// If the environment variable is not set, it returns ErrPipeFDEnvVarNotSet.
func GetChildWritePipeFD(envVarName string) (uintptr, error) {
	fdStr := os.Getenv(envVarName)
	if fdStr == "" {
		return 0, fmt.Errorf("%w: %s", ErrPipeFDEnvVarNotSet, envVarName)
	}
	fdInt, err := strconv.Atoi(fdStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value for FD in environment variable %s (%q): %w", envVarName, fdStr, err)
	}
	if fdInt < 0 {
		return 0, fmt.Errorf("invalid negative FD value in environment variable %s: %d", envVarName, fdInt)
	}
	return uintptr(fdInt), nil
}

// SignalReadiness closes the readiness pipe named by envVarName, telling a
// supervising parent that the listener is registered and the loop is about
// to run. It reports false when no pipe was passed.
func SignalReadiness(envVarName string) (bool, error) {
	fd, err := GetChildWritePipeFD(envVarName)
	if errors.Is(err, ErrPipeFDEnvVarNotSet) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := unix.Close(int(fd)); err != nil {
		return true, fmt.Errorf("failed to close readiness FD %d: %w", fd, err)
	}
	return true, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
