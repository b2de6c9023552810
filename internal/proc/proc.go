// Package proc owns one PTY-backed child process: spawn, write, resize, kill.
package proc

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty/v2"
)

// ErrSpawnFailed is returned when the child process could not be started.
// Wraps the underlying cause (binary not found, pty allocation failure).
var ErrSpawnFailed = fmt.Errorf("spawn failed")

const killGracePeriod = 5 * time.Second

// Options configures the PTY geometry and process environment.
type Options struct {
	Cols uint16
	Rows uint16
	Dir  string
	Env  []string // appended to os.Environ()
}

// Handle wraps a running child process and its PTY master.
// Callbacks fire from internal goroutines; Detach silences them so a
// stopped session never observes a late data or exit event.
type Handle struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	ptmx   *os.File
	done   chan struct{}
	logger *slog.Logger

	onData func([]byte)
	onExit func(code int, signal string)
}

// Spawn sweeps same-named zombies, starts command under a PTY and begins
// delivering output to onData. onExit fires once when the process exits,
// unless Detach was called first.
func Spawn(command string, args []string, opts Options, onData func([]byte), onExit func(code int, signal string), logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}

	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, command, err)
	}

	SweepZombies(filepath.Base(path), logger)

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 36
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("%w: start pty: %v", ErrSpawnFailed, err)
	}

	h := &Handle{
		cmd:    cmd,
		ptmx:   ptmx,
		done:   make(chan struct{}),
		logger: logger,
		onData: onData,
		onExit: onExit,
	}

	go h.readLoop()
	go h.waitLoop()

	logger.Info("process spawned", "command", command, "pid", cmd.Process.Pid)
	return h, nil
}

// Write sends input to the child via the PTY master.
func (h *Handle) Write(data []byte) (int, error) {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()
	if ptmx == nil {
		return 0, os.ErrClosed
	}
	return ptmx.Write(data)
}

// Resize updates the PTY window size.
func (h *Handle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()
	if ptmx == nil {
		return os.ErrClosed
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Pid returns the child process ID, or 0 if it is gone.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Kill signals SIGTERM, then SIGKILL after a grace period if the child
// has not exited. Closing the PTY also delivers SIGHUP.
func (h *Handle) Kill() {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	go func() {
		select {
		case <-h.done:
		case <-time.After(killGracePeriod):
			_ = cmd.Process.Kill()
		}
	}()
}

// Detach removes both callbacks. After Detach returns no further data or
// exit notification is delivered.
func (h *Handle) Detach() {
	h.mu.Lock()
	h.onData = nil
	h.onExit = nil
	h.mu.Unlock()
}

// Done is closed when the child process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) readLoop() {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()
	if ptmx == nil {
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.mu.Lock()
			cb := h.onData
			h.mu.Unlock()
			if cb != nil {
				cb(data)
			}
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Debug("pty read error", "err", err)
			}
			return
		}
	}
}

func (h *Handle) waitLoop() {
	err := h.cmd.Wait()

	code := 0
	signal := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = ws.Signal().String()
			}
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	if h.ptmx != nil {
		h.ptmx.Close()
		h.ptmx = nil
	}
	cb := h.onExit
	h.mu.Unlock()

	close(h.done)
	h.logger.Info("process exited", "code", code, "signal", signal)

	if cb != nil {
		cb(code, signal)
	}
}
