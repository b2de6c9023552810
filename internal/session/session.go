// Package session supervises one AI agent CLI through a PTY, turning its
// raw terminal stream into discrete request/response exchanges.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loppo-llc/minder/internal/proc"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

const defaultSkipPermissionsArg = "--dangerously-skip-permissions"

// Config controls one supervised session. Zero durations and limits select
// production defaults; tests dial them down.
type Config struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string
	Cols    uint16
	Rows    uint16

	// SkipPermissionsArg is appended when Start(true) is called.
	SkipPermissionsArg string

	// ReadySignatures are substrings polled for on the screen after spawn.
	// Absence is logged but non-fatal: the session proceeds optimistically.
	ReadySignatures []string
	ReadyTimeout    time.Duration

	MaxBuffer int
	MaxScreen int
	Throttle  time.Duration

	Inactivity  time.Duration // silence while collecting completes a reply
	HardTimeout time.Duration // absolute sendMessage limit, resolves as failure

	Keepalive        time.Duration
	SessionTimeout   time.Duration
	RecentMessageAge time.Duration // a message younger than this defers the session timeout
	CleanupInterval  time.Duration
	ProgressInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.SkipPermissionsArg == "" {
		c.SkipPermissionsArg = defaultSkipPermissionsArg
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.Keepalive <= 0 {
		c.Keepalive = 30 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Minute
	}
	if c.RecentMessageAge <= 0 {
		c.RecentMessageAge = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Info is a read-only snapshot for the recovery layer and UI.
type Info struct {
	State          State     `json:"state"`
	Active         bool      `json:"active"`
	Processing     bool      `json:"processing"`
	LastActivity   time.Time `json:"lastActivity"`
	ActiveRequests int       `json:"activeRequests"`
}

// handle is the seam between Session and the OS process; tests substitute
// a fake.
type handle interface {
	Write(data []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill()
	Detach()
	Done() <-chan struct{}
}

type spawnFunc func(command string, args []string, opts proc.Options, onData func([]byte), onExit func(int, string), logger *slog.Logger) (handle, error)

func defaultSpawn(command string, args []string, opts proc.Options, onData func([]byte), onExit func(int, string), logger *slog.Logger) (handle, error) {
	return proc.Spawn(command, args, opts, onData, onExit, logger)
}

// Session composes the process handle, output framer, response collector
// and liveness timers behind a single request/response API. One collecting
// exchange at a time; callers serialize sends.
type Session struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	state  State
	handle handle
	framer *Framer
	cur    *collector

	lastActivity     time.Time
	lastMessageStart time.Time
	activeRequests   int

	live *liveness

	onExit func(code int, signal string)

	subscribers map[chan []byte]struct{}

	spawn spawnFunc
}

func New(cfg Config) *Session {
	cfg.withDefaults()
	return &Session{
		cfg:         cfg,
		logger:      cfg.Logger,
		state:       StateStopped,
		subscribers: make(map[chan []byte]struct{}),
		spawn:       defaultSpawn,
	}
}

// SetOnExit registers the exit callback. It fires once when the subprocess
// dies outside an explicit Stop, or when the session timeout trips.
func (s *Session) SetOnExit(fn func(code int, signal string)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// Start sweeps zombies, spawns the subprocess under a PTY, wires its output
// into the framer and liveness clock, and waits (bounded) for a readiness
// signature. Ready-check failure is non-fatal.
func (s *Session) Start(skipPermissions bool) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("session already %s", s.state)
	}
	s.state = StateStarting
	s.framer = NewFramer(s.cfg.MaxBuffer, s.cfg.MaxScreen, s.cfg.Throttle, s.handleScreen)
	s.lastActivity = time.Now()

	args := s.cfg.Args
	if skipPermissions {
		args = append(append([]string{}, args...), s.cfg.SkipPermissionsArg)
	}
	opts := proc.Options{Cols: s.cfg.Cols, Rows: s.cfg.Rows, Dir: s.cfg.WorkDir, Env: s.cfg.Env}
	spawn := s.spawn
	s.mu.Unlock()

	h, err := spawn(s.cfg.Command, args, opts, s.handleData, s.handleExit, s.logger)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.framer = nil
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.handle = h
	s.live = startLiveness(s)
	s.mu.Unlock()

	s.waitForReady()

	// the subprocess can die (or Stop can be called) during the readiness
	// poll; a torn-down session must not be resurrected to Running
	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		return fmt.Errorf("startup interrupted: %w", ErrStopped)
	}
	s.state = StateRunning
	s.mu.Unlock()
	return nil
}

func (s *Session) waitForReady() {
	if len(s.cfg.ReadySignatures) == 0 {
		return
	}
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		f := s.framer
		starting := s.state == StateStarting
		s.mu.Unlock()
		if f == nil || !starting {
			return
		}
		screen := string(f.Screen())
		for _, sig := range s.cfg.ReadySignatures {
			if strings.Contains(screen, sig) {
				s.logger.Debug("session ready", "signature", sig)
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	s.logger.Warn("readiness signature not observed, proceeding optimistically")
}

// SendMessage writes text to the subprocess and suspends until the reply
// completes, the inactivity watchdog accepts a partial reply, or the hard
// timeout fails it. onProgress, when set, receives elapsed time on a fixed
// interval; it never affects completion.
func (s *Session) SendMessage(ctx context.Context, text string, onProgress func(elapsed time.Duration)) (string, error) {
	s.mu.Lock()
	if s.state != StateRunning || s.handle == nil {
		s.mu.Unlock()
		return "", ErrNotActive
	}
	if s.cur != nil {
		s.mu.Unlock()
		return "", ErrBusy
	}
	c := newCollector(text, s.cfg.Inactivity, s.cfg.HardTimeout)
	s.cur = c
	s.activeRequests++
	now := time.Now()
	s.lastMessageStart = now
	s.lastActivity = now
	h := s.handle
	s.mu.Unlock()

	if _, err := h.Write([]byte(text + "\r")); err != nil {
		c.fail(ErrStopped)
		s.clearExchange(c)
		return "", fmt.Errorf("%w: write: %v", ErrNotActive, err)
	}

	var progressStop chan struct{}
	if onProgress != nil {
		progressStop = make(chan struct{})
		start := time.Now()
		go func() {
			t := time.NewTicker(s.cfg.ProgressInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					guard(s.logger, "progress callback", func() {
						onProgress(time.Since(start))
					})
				case <-progressStop:
					return
				}
			}
		}()
	}

	var res collectResult
	select {
	case res = <-c.done:
	case <-ctx.Done():
		c.fail(ctx.Err())
		res = <-c.done
	}

	if progressStop != nil {
		close(progressStop)
	}
	s.clearExchange(c)

	if res.err != nil {
		return "", res.err
	}
	return res.text, nil
}

func (s *Session) clearExchange(c *collector) {
	s.mu.Lock()
	if s.cur == c {
		s.cur = nil
		s.activeRequests--
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// SendRawInput passes bytes straight to the PTY, for interactive control.
func (s *Session) SendRawInput(data []byte) error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return ErrNotActive
	}
	_, err := h.Write(data)
	return err
}

// SendInterrupt writes the interrupt control byte (Ctrl-C).
func (s *Session) SendInterrupt() error {
	return s.SendRawInput([]byte{0x03})
}

// SendEscape writes the escape byte.
func (s *Session) SendEscape() error {
	return s.SendRawInput([]byte{0x1b})
}

func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return ErrNotActive
	}
	return h.Resize(cols, rows)
}

// Stop kills the subprocess, cancels every pending timer, rejects any
// in-flight send and clears buffers. Idempotent and safe to call from
// within an exit handler.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	h := s.handle
	s.handle = nil
	c := s.cur
	s.cur = nil
	f := s.framer
	s.framer = nil
	live := s.live
	s.live = nil
	s.mu.Unlock()

	if h != nil {
		// detach first so no late output or exit event fires
		h.Detach()
		h.Kill()
	}
	if c != nil {
		c.fail(ErrStopped)
	}
	if live != nil {
		live.stop()
	}
	if f != nil {
		f.Stop()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.activeRequests = 0
	s.mu.Unlock()
	s.logger.Info("session stopped")
}

func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		State:          s.state,
		Active:         s.state == StateRunning,
		Processing:     s.cur != nil,
		LastActivity:   s.lastActivity,
		ActiveRequests: s.activeRequests,
	}
}

// Subscribe registers a channel receiving raw output chunks. Slow
// consumers drop chunks rather than stall the read loop.
func (s *Session) Subscribe() chan []byte {
	ch := make(chan []byte, 256)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Session) Unsubscribe(ch chan []byte) {
	s.mu.Lock()
	delete(s.subscribers, ch)
	s.mu.Unlock()
	close(ch)
}

func (s *Session) handleData(data []byte) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	f := s.framer
	for ch := range s.subscribers {
		select {
		case ch <- data:
		default:
		}
	}
	s.mu.Unlock()

	if f != nil {
		f.Feed(data)
	}
}

func (s *Session) handleScreen(screen []byte) {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c != nil {
		guard(s.logger, "collector observe", func() { c.observe(screen) })
	}
}

func (s *Session) handleExit(code int, signal string) {
	s.mu.Lock()
	if s.state == StateStopping || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	c := s.cur
	onExit := s.onExit
	s.mu.Unlock()

	s.logger.Warn("subprocess exited unexpectedly", "code", code, "signal", signal)
	if c != nil {
		c.fail(ErrProcessExit)
	}
	s.Stop()
	if onExit != nil {
		onExit(code, signal)
	}
}

// fireTimeout is invoked by the liveness supervisor after prolonged
// silence; the recovery layer treats it like a crash.
func (s *Session) fireTimeout() {
	s.mu.Lock()
	onExit := s.onExit
	s.mu.Unlock()

	s.logger.Warn("session timed out after prolonged inactivity")
	s.Stop()
	if onExit != nil {
		onExit(-1, "session-timeout")
	}
}

// guard keeps a panic inside a timer or callback body from crashing the
// whole process; the failure is logged and cleanup proceeds.
func guard(logger *slog.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered panic", "in", what, "panic", r)
		}
	}()
	fn()
}
