package recovery

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loppo-llc/minder/internal/session"
)

// InfoSource is the slice of a session the monitor reads.
type InfoSource interface {
	Info() session.Info
	IsActive() bool
}

// MonitorConfig tunes the basic ticker-based monitor.
type MonitorConfig struct {
	Interval       time.Duration // poll cadence
	StuckThreshold time.Duration // processing with no activity this long => stuck
	UnhealthyAfter int           // consecutive failed probes => unhealthy
	Logger         *slog.Logger
}

func (c *MonitorConfig) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 2 * time.Minute
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Monitor is a basic HealthMonitor: a periodic probe of the session's
// liveness plus stuck detection while a request is outstanding.
type Monitor struct {
	mu     sync.Mutex
	cfg    MonitorConfig
	src    InfoSource
	events HealthEvents

	failures  int
	sent      int
	failed    int
	lastCheck time.Time
	stuckSent bool
	done      chan struct{}
	started   bool
}

func NewMonitor(src InfoSource, cfg MonitorConfig, events HealthEvents) *Monitor {
	cfg.withDefaults()
	return &Monitor{cfg: cfg, src: src, events: events}
}

func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		t := time.NewTicker(m.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.check()
			case <-done:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.done)
	m.mu.Unlock()
}

func (m *Monitor) check() {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.Error("health check panic", "panic", r)
			if m.events.HealthCheckError != nil {
				m.events.HealthCheckError(fmt.Errorf("health check panic: %v", r))
			}
		}
	}()

	info := m.src.Info()

	m.mu.Lock()
	m.lastCheck = time.Now()
	if !m.src.IsActive() {
		m.failures++
	} else {
		m.failures = 0
	}
	failures := m.failures
	threshold := m.cfg.UnhealthyAfter
	stuck := info.Processing && time.Since(info.LastActivity) > m.cfg.StuckThreshold
	notifyStuck := stuck && !m.stuckSent
	m.stuckSent = stuck
	m.mu.Unlock()

	if failures >= threshold && m.events.SessionUnhealthy != nil {
		m.events.SessionUnhealthy(fmt.Sprintf("%d consecutive failed probes", failures))
	}
	if notifyStuck && m.events.SessionStuck != nil {
		m.events.SessionStuck(fmt.Sprintf("no activity since %s while processing", info.LastActivity.Format(time.RFC3339)))
	}
}

func (m *Monitor) RecordMessageSent() {
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
}

func (m *Monitor) RecordMessageSuccess() {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
}

func (m *Monitor) RecordMessageFailed(reason string) {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
	m.cfg.Logger.Debug("message failed", "reason", reason)
}

func (m *Monitor) GetStatus() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return HealthStatus{
		Healthy:             m.failures < m.cfg.UnhealthyAfter,
		ConsecutiveFailures: m.failures,
		MessagesSent:        m.sent,
		MessagesFailed:      m.failed,
		LastCheck:           m.lastCheck,
	}
}
