package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/websocket"
)

// ServerInstance encapsulates details of a running test server process.
type ServerInstance struct {
	Cmd          *exec.Cmd
	Address      string // The address the server accepts WebSocket clients on
	LogBuffer    *SafeBuffer
	mu           sync.Mutex
	CleanupFuncs []func() error
	cancelCtx    context.CancelFunc
	waitDone     chan struct{}
	waitErr      error
}

// StartOptions tunes how StartTestServer launches the binary.
type StartOptions struct {
	// Env is appended to the current environment.
	Env []string
	// ExtraFiles are inherited by the child starting at fd 3.
	ExtraFiles []*os.File
	// SkipReadyDial skips waiting for Address to accept connections; the
	// caller is expected to wait some other way (e.g. a readiness pipe).
	SkipReadyDial bool
}

// SafeBuffer is a bytes.Buffer guarded for concurrent writers and readers.
type SafeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig creates a temporary configuration file in JSON or TOML format.
// It returns the path to the file and a cleanup function to remove it.
func WriteTempConfig(configData interface{}, format string) (filePath string, cleanupFunc func(), err error) {
	var data []byte
	var ext string

	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}

	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	tmpFile, err := os.CreateTemp("", "testconfig-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp config file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("failed to write to temp config file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("failed to close temp config file: %w", err)
	}

	filePath = tmpFile.Name()
	cleanupFunc = func() { os.Remove(filePath) }
	return filePath, cleanupFunc, nil
}

// BuildServerBinary compiles ./cmd/server into dir and returns the binary
// path. WSLOOP_BINARY, when set, is returned instead.
func BuildServerBinary(dir string) (string, error) {
	if bin := os.Getenv("WSLOOP_BINARY"); bin != "" {
		return bin, nil
	}
	goBin, err := exec.LookPath("go")
	if err != nil {
		return "", fmt.Errorf("go toolchain not found and WSLOOP_BINARY not set: %w", err)
	}
	_, currentFile, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to locate project root")
	}
	projectRoot := filepath.Join(filepath.Dir(currentFile), "..", "..")
	out := filepath.Join(dir, "wsloop")

	cmd := exec.Command(goBin, "build", "-o", out, "./cmd/server")
	cmd.Dir = projectRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("go build failed: %w\n%s", err, output)
	}
	return out, nil
}

// StartTestServer launches the server binary with args and waits until
// serverListenAddress accepts TCP connections.
func StartTestServer(serverBinaryPath string, serverListenAddress string, opts StartOptions, args ...string) (*ServerInstance, error) {
	if serverBinaryPath == "" {
		return nil, fmt.Errorf("serverBinaryPath cannot be empty")
	}
	fi, err := os.Stat(serverBinaryPath)
	if err != nil {
		return nil, fmt.Errorf("server binary path '%s' error: %w", serverBinaryPath, err)
	}
	if fi.IsDir() || (fi.Mode()&0111 == 0) {
		return nil, fmt.Errorf("server binary path '%s' is a directory or not executable", serverBinaryPath)
	}
	if _, _, err := net.SplitHostPort(serverListenAddress); err != nil {
		return nil, fmt.Errorf("invalid serverListenAddress format '%s': %w", serverListenAddress, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, serverBinaryPath, args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.ExtraFiles = opts.ExtraFiles

	instance := &ServerInstance{
		Cmd:       cmd,
		Address:   serverListenAddress,
		LogBuffer: &SafeBuffer{},
		cancelCtx: cancel,
		waitDone:  make(chan struct{}),
	}
	cmd.Stdout = instance.LogBuffer
	cmd.Stderr = instance.LogBuffer

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start server process '%s': %w", serverBinaryPath, err)
	}
	go func() {
		instance.waitErr = cmd.Wait()
		close(instance.waitDone)
	}()

	if opts.SkipReadyDial {
		return instance, nil
	}

	readyTimeout := 10 * time.Second
	pollInterval := 50 * time.Millisecond
	startTime := time.Now()

	var lastDialErr error
	for {
		if time.Since(startTime) > readyTimeout {
			instance.Stop()
			return nil, fmt.Errorf("server not ready at %s after %v. Last dial error: %v. Logs captured:\n%s", serverListenAddress, readyTimeout, lastDialErr, instance.LogBuffer.String())
		}
		select {
		case <-instance.waitDone:
			return nil, fmt.Errorf("server exited before becoming ready: %v. Logs captured:\n%s", instance.waitErr, instance.LogBuffer.String())
		default:
		}

		conn, dialErr := net.DialTimeout("tcp", serverListenAddress, pollInterval)
		lastDialErr = dialErr
		if dialErr == nil {
			conn.Close()
			return instance, nil
		}
		time.Sleep(pollInterval)
	}
}

// AddCleanupFunc adds a function to be called when the server instance is stopped.
func (s *ServerInstance) AddCleanupFunc(f func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CleanupFuncs = append(s.CleanupFuncs, f)
}

// Signal sends sig to the server process.
func (s *ServerInstance) Signal(sig os.Signal) error {
	return s.Cmd.Process.Signal(sig)
}

// Exited reports whether the process has exited, and with what error.
func (s *ServerInstance) Exited() (bool, error) {
	select {
	case <-s.waitDone:
		return true, s.waitErr
	default:
		return false, nil
	}
}

// Stop terminates the server process: SIGINT first, then SIGKILL. Cleanup
// functions run in reverse order afterwards.
func (s *ServerInstance) Stop() error {
	var errs []string

	if s.Cmd != nil && s.Cmd.Process != nil {
		if err := s.Cmd.Process.Signal(syscall.SIGINT); err == nil {
			select {
			case <-s.waitDone:
			case <-time.After(3 * time.Second):
				errs = append(errs, "server did not exit after SIGINT")
				s.cancelCtx()
				<-s.waitDone
			}
		}
		if s.waitErr != nil {
			errs = append(errs, fmt.Sprintf("server exited with error: %v", s.waitErr))
		}
	}
	s.cancelCtx()

	s.mu.Lock()
	for i := len(s.CleanupFuncs) - 1; i >= 0; i-- {
		if err := s.CleanupFuncs[i](); err != nil {
			errs = append(errs, fmt.Sprintf("cleanup_func_%d: %v", i, err))
		}
	}
	s.CleanupFuncs = nil
	s.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("server stopped, but errors occurred during stop/cleanup: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DialWebSocket completes an opening handshake against addr with the gorilla
// client.
func DialWebSocket(addr, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	return dialer.Dial("ws://"+addr+path, header)
}

// RawExchange writes request to addr and returns everything the server sends
// back before closing the connection or going quiet for idle.
func RawExchange(addr, request string, idle time.Duration) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, request); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	r := bufio.NewReader(conn)
	buf := make([]byte, 4096)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return out.Bytes(), err
		}
		n, err := r.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return out.Bytes(), nil
			}
			if err == io.EOF {
				return out.Bytes(), nil
			}
			return out.Bytes(), err
		}
	}
}

// HTTPGet fetches url and returns the status and body.
func HTTPGet(url string) (int, string, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), err
}
