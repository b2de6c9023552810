// Package recovery wraps a session with crash detection and a
// bounded-retry recovery protocol.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loppo-llc/minder/internal/session"
)

// ErrRecoveryExhausted is terminal: all retries failed and the session
// could not be restored. Surfaced to the UI for manual intervention.
var ErrRecoveryExhausted = errors.New("session could not be restored, check the underlying tool installation")

// RState is the manager's recovery state.
type RState string

const (
	RecoveryIdle       RState = "idle"
	RecoveryRecovering RState = "recovering"
	RecoveryAbandoned  RState = "abandoned"
)

// PendingMessage is the request that was in flight when a failure was
// detected. Delivery across a recovery episode is at most once: the
// message may be dropped, surfaced as a failure, or resent, but never
// duplicated.
type PendingMessage struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Agent is the session surface the manager drives. *session.Session
// satisfies it; tests substitute fakes.
type Agent interface {
	Start(skipPermissions bool) error
	Stop()
	SendMessage(ctx context.Context, text string, onProgress func(time.Duration)) (string, error)
	SendRawInput(data []byte) error
	SendInterrupt() error
	SendEscape() error
	Resize(cols, rows uint16) error
	IsActive() bool
	Info() session.Info
	SetOnExit(fn func(code int, signal string))
	Subscribe() chan []byte
	Unsubscribe(ch chan []byte)
}

// Events are the manager's outward signals. Nil callbacks are skipped.
type Events struct {
	SessionReady        func()
	RecoveryStarted     func(reason string)
	RecoverySucceeded   func()
	RecoveryFailed      func(err error)
	RecoveryAbandoned   func(err error)
	ContextRestoring    func(buf []byte)
	PendingMessageRetry func(pm PendingMessage)
}

// Config for a Manager.
type Config struct {
	MaxRetries      int
	RetryDelay      time.Duration // fixed backoff, doubled per retry within an episode
	PendingMaxAge   time.Duration // freshness window for replaying a pending message
	ContextBytes    int
	SkipPermissions bool

	// NewSession constructs an unstarted session. Called once per
	// (re)initialization; the old session is fully disposed of first.
	NewSession func() (Agent, error)

	// NewMonitor optionally constructs a health monitor for a session,
	// wired to the given events. Nil disables monitoring.
	NewMonitor func(Agent, HealthEvents) HealthMonitor

	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.PendingMaxAge <= 0 {
		c.PendingMaxAge = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// State is a snapshot of the recovery bookkeeping.
type State struct {
	State      RState          `json:"state"`
	RetryCount int             `json:"retryCount"`
	Recovering bool            `json:"recovering"`
	Pending    *PendingMessage `json:"pending,omitempty"`
}

// Manager owns at most one live session at a time and replaces it
// wholesale on recovery. Recovery is single-flight: concurrent triggers
// collapse into one attempt.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	events Events

	state        RState
	isRecovering bool
	retryCount   int

	sess    Agent
	monitor HealthMonitor
	pending *PendingMessage
	ring    *ContextRing

	subscribers map[chan []byte]struct{}
	feedStop    chan struct{}
}

func NewManager(cfg Config, events Events) *Manager {
	cfg.withDefaults()
	return &Manager{
		cfg:         cfg,
		logger:      cfg.Logger,
		events:      events,
		state:       RecoveryIdle,
		ring:        NewContextRing(cfg.ContextBytes),
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start performs the initial session bring-up. A spawn failure here counts
// against the same retry budget as every other path; Start itself does not
// loop.
func (m *Manager) Start() error {
	if err := m.initializeSession(); err != nil {
		m.logger.Warn("initial session start failed", "err", err)
		return m.InitiateRecovery(fmt.Sprintf("initial start failed: %v", err))
	}
	m.emitSessionReady()
	return nil
}

// Stop tears everything down. Best effort; errors are logged.
func (m *Manager) Stop() {
	m.mu.Lock()
	sess := m.sess
	mon := m.monitor
	m.sess = nil
	m.monitor = nil
	feedStop := m.feedStop
	m.feedStop = nil
	m.mu.Unlock()

	if mon != nil {
		mon.Stop()
	}
	if sess != nil {
		sess.Stop()
	}
	if feedStop != nil {
		close(feedStop)
	}
}

// SendMessage sends through the current session. An inactive session
// triggers proactive recovery first; a recoverable failure (timeout,
// not-active, process exit) triggers recovery plus exactly one automatic
// retry. The overall bound is MaxRetries at the manager level.
func (m *Manager) SendMessage(ctx context.Context, text string, onProgress func(time.Duration)) (string, error) {
	m.mu.Lock()
	if m.state == RecoveryAbandoned {
		m.mu.Unlock()
		return "", ErrRecoveryExhausted
	}
	sess := m.sess
	m.mu.Unlock()

	if sess == nil || !sess.IsActive() {
		m.storePending(text)
		if err := m.InitiateRecovery("session not active"); err != nil {
			return "", err
		}
		m.mu.Lock()
		sess = m.sess
		m.mu.Unlock()
		if sess == nil || !sess.IsActive() {
			return "", session.ErrNotActive
		}
	}

	resp, err := m.sendOnce(ctx, sess, text, onProgress)
	if err == nil {
		return resp, nil
	}
	if !recoverable(err) {
		return "", err
	}

	m.storePending(text)
	if rerr := m.InitiateRecovery(fmt.Sprintf("send failed: %v", err)); rerr != nil {
		return "", rerr
	}

	m.mu.Lock()
	sess = m.sess
	m.mu.Unlock()
	if sess == nil || !sess.IsActive() {
		return "", err
	}

	// one automatic retry per call, no hidden loop
	resp, rerr := m.sendOnce(ctx, sess, text, onProgress)
	if rerr != nil {
		return "", rerr
	}
	return resp, nil
}

func (m *Manager) sendOnce(ctx context.Context, sess Agent, text string, onProgress func(time.Duration)) (string, error) {
	m.mu.Lock()
	mon := m.monitor
	m.mu.Unlock()

	if mon != nil {
		mon.RecordMessageSent()
	}
	resp, err := sess.SendMessage(ctx, text, onProgress)
	if err != nil {
		if mon != nil {
			mon.RecordMessageFailed(err.Error())
		}
		return "", err
	}
	if mon != nil {
		mon.RecordMessageSuccess()
	}
	m.clearPending(text)
	return resp, nil
}

func recoverable(err error) bool {
	return errors.Is(err, session.ErrTimeout) ||
		errors.Is(err, session.ErrNotActive) ||
		errors.Is(err, session.ErrProcessExit) ||
		errors.Is(err, session.ErrStopped)
}

// InitiateRecovery runs the recovery protocol: tear down, wait, respawn,
// bounded by MaxRetries with a doubling delay. Returns nil immediately if
// a recovery is already in progress.
func (m *Manager) InitiateRecovery(reason string) error {
	m.mu.Lock()
	if m.isRecovering {
		m.mu.Unlock()
		return nil
	}
	if m.state == RecoveryAbandoned {
		m.mu.Unlock()
		return ErrRecoveryExhausted
	}
	m.isRecovering = true
	m.state = RecoveryRecovering
	oldSess := m.sess
	oldMon := m.monitor
	m.sess = nil
	m.monitor = nil
	feedStop := m.feedStop
	m.feedStop = nil
	m.mu.Unlock()

	m.logger.Warn("recovery started", "reason", reason)
	m.emit(func(e Events) {
		if e.RecoveryStarted != nil {
			e.RecoveryStarted(reason)
		}
	})

	// dispose of the old pair before anything replaces it
	if oldMon != nil {
		oldMon.Stop()
	}
	if oldSess != nil {
		oldSess.Stop()
	}
	if feedStop != nil {
		close(feedStop)
	}

	delay := m.cfg.RetryDelay
	for {
		time.Sleep(delay)

		m.mu.Lock()
		if m.retryCount >= m.cfg.MaxRetries {
			m.state = RecoveryAbandoned
			m.isRecovering = false
			m.pending = nil
			m.mu.Unlock()
			m.logger.Error("recovery abandoned", "retries", m.cfg.MaxRetries)
			m.emit(func(e Events) {
				if e.RecoveryAbandoned != nil {
					e.RecoveryAbandoned(ErrRecoveryExhausted)
				}
			})
			return ErrRecoveryExhausted
		}
		m.retryCount++
		attempt := m.retryCount
		m.mu.Unlock()

		m.logger.Info("recovery attempt", "attempt", attempt, "max", m.cfg.MaxRetries)
		err := m.initializeSession()
		if err == nil {
			break
		}

		m.logger.Warn("recovery attempt failed", "attempt", attempt, "err", err)
		m.emit(func(e Events) {
			if e.RecoveryFailed != nil {
				e.RecoveryFailed(err)
			}
		})
		delay *= 2
	}

	m.mu.Lock()
	m.retryCount = 0
	m.state = RecoveryIdle
	m.isRecovering = false
	pm := m.pending
	if pm != nil && time.Since(pm.Timestamp) > m.cfg.PendingMaxAge {
		// stale intent is not resurrected
		pm = nil
	}
	m.pending = nil
	m.mu.Unlock()

	m.emit(func(e Events) {
		if e.ContextRestoring != nil {
			e.ContextRestoring(m.ring.Bytes())
		}
	})
	if pm != nil {
		p := *pm
		m.emit(func(e Events) {
			if e.PendingMessageRetry != nil {
				e.PendingMessageRetry(p)
			}
		})
	}
	m.emit(func(e Events) {
		if e.RecoverySucceeded != nil {
			e.RecoverySucceeded()
		}
	})
	m.emitSessionReady()
	m.logger.Info("recovery succeeded")
	return nil
}

// initializeSession spawns a brand-new session and monitor pair and
// installs it. On failure nothing is installed.
func (m *Manager) initializeSession() error {
	sess, err := m.cfg.NewSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	sess.SetOnExit(func(code int, signal string) {
		go func() {
			_ = m.InitiateRecovery(fmt.Sprintf("process exit (code %d, signal %q)", code, signal))
		}()
	})

	if err := sess.Start(m.cfg.SkipPermissions); err != nil {
		sess.Stop()
		return err
	}

	var mon HealthMonitor
	if m.cfg.NewMonitor != nil {
		mon = m.cfg.NewMonitor(sess, HealthEvents{
			SessionStuck: func(details string) {
				go func() { _ = m.InitiateRecovery("session stuck: " + details) }()
			},
			SessionUnhealthy: func(details string) {
				go func() { _ = m.InitiateRecovery("session unhealthy: " + details) }()
			},
			HealthCheckError: func(err error) {
				m.logger.Warn("health check error", "err", err)
			},
		})
		mon.Start()
	}

	feedStop := make(chan struct{})
	ch := sess.Subscribe()
	go m.feedLoop(sess, ch, feedStop)

	m.mu.Lock()
	m.sess = sess
	m.monitor = mon
	m.feedStop = feedStop
	m.mu.Unlock()
	return nil
}

// feedLoop drains session output into the context ring and fans it out to
// manager-level subscribers, which survive session replacement.
func (m *Manager) feedLoop(sess Agent, ch chan []byte, stop chan struct{}) {
	defer sess.Unsubscribe(ch)
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			m.ring.Append(data)
			m.mu.Lock()
			for sub := range m.subscribers {
				select {
				case sub <- data:
				default:
				}
			}
			m.mu.Unlock()
		case <-stop:
			return
		}
	}
}

func (m *Manager) storePending(text string) {
	m.mu.Lock()
	m.pending = &PendingMessage{Text: text, Timestamp: time.Now()}
	m.mu.Unlock()
}

func (m *Manager) clearPending(text string) {
	m.mu.Lock()
	if m.pending != nil && m.pending.Text == text {
		m.pending = nil
	}
	m.mu.Unlock()
}

func (m *Manager) emitSessionReady() {
	m.emit(func(e Events) {
		if e.SessionReady != nil {
			e.SessionReady()
		}
	})
}

// emit runs an event callback with panic protection so a consumer bug
// cannot derail the recovery protocol.
func (m *Manager) emit(fn func(Events)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event callback panic", "panic", r)
		}
	}()
	fn(m.events)
}

// GetRecoveryState returns a snapshot for introspection.
func (m *Manager) GetRecoveryState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pm *PendingMessage
	if m.pending != nil {
		p := *m.pending
		pm = &p
	}
	return State{
		State:      m.state,
		RetryCount: m.retryCount,
		Recovering: m.isRecovering,
		Pending:    pm,
	}
}

// GetHealthStatus reports the current monitor's status, zero when no
// monitor is installed.
func (m *Manager) GetHealthStatus() HealthStatus {
	m.mu.Lock()
	mon := m.monitor
	m.mu.Unlock()
	if mon == nil {
		return HealthStatus{}
	}
	return mon.GetStatus()
}

// SessionInfo reports the current session's snapshot.
func (m *Manager) SessionInfo() session.Info {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return session.Info{State: session.StateStopped}
	}
	return sess.Info()
}

// ContextBuffer returns the recent raw output kept for the UI layer.
func (m *Manager) ContextBuffer() []byte {
	return m.ring.Bytes()
}

// Subscribe registers a raw-output channel that survives session
// replacement across recoveries.
func (m *Manager) Subscribe() chan []byte {
	ch := make(chan []byte, 256)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan []byte) {
	m.mu.Lock()
	delete(m.subscribers, ch)
	m.mu.Unlock()
	close(ch)
}

// SendRawInput, SendInterrupt, SendEscape and Resize pass through to the
// current session for interactive control.
func (m *Manager) SendRawInput(data []byte) error {
	if sess := m.current(); sess != nil {
		return sess.SendRawInput(data)
	}
	return session.ErrNotActive
}

func (m *Manager) SendInterrupt() error {
	if sess := m.current(); sess != nil {
		return sess.SendInterrupt()
	}
	return session.ErrNotActive
}

func (m *Manager) SendEscape() error {
	if sess := m.current(); sess != nil {
		return sess.SendEscape()
	}
	return session.ErrNotActive
}

func (m *Manager) Resize(cols, rows uint16) error {
	if sess := m.current(); sess != nil {
		return sess.Resize(cols, rows)
	}
	return session.ErrNotActive
}

func (m *Manager) current() Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}
