package recovery

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loppo-llc/minder/internal/session"
)

type fakeSource struct {
	mu     sync.Mutex
	active bool
	info   session.Info
}

func (f *fakeSource) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSource) Info() session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakeSource) set(active bool, info session.Info) {
	f.mu.Lock()
	f.active = active
	f.info = info
	f.mu.Unlock()
}

func monitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:       10 * time.Millisecond,
		StuckThreshold: 50 * time.Millisecond,
		UnhealthyAfter: 3,
		Logger:         slog.New(slog.DiscardHandler),
	}
}

func TestMonitor_UnhealthyAfterConsecutiveFailures(t *testing.T) {
	src := &fakeSource{}
	unhealthy := make(chan string, 8)
	m := NewMonitor(src, monitorConfig(), HealthEvents{
		SessionUnhealthy: func(details string) { unhealthy <- details },
	})
	m.Start()
	defer m.Stop()

	select {
	case <-unhealthy:
	case <-time.After(2 * time.Second):
		t.Fatal("unhealthy event never fired")
	}
	if st := m.GetStatus(); st.Healthy {
		t.Fatalf("status still healthy: %+v", st)
	}
}

func TestMonitor_ActiveSessionResetsFailures(t *testing.T) {
	src := &fakeSource{}
	src.set(true, session.Info{State: session.StateRunning, Active: true, LastActivity: time.Now()})
	m := NewMonitor(src, monitorConfig(), HealthEvents{
		SessionUnhealthy: func(string) { t.Error("unhealthy fired for an active session") },
	})
	m.Start()
	defer m.Stop()

	time.Sleep(100 * time.Millisecond)
	st := m.GetStatus()
	if !st.Healthy || st.ConsecutiveFailures != 0 {
		t.Fatalf("status: %+v", st)
	}
}

func TestMonitor_StuckDetectionIsEdgeTriggered(t *testing.T) {
	src := &fakeSource{}
	src.set(true, session.Info{
		State:        session.StateRunning,
		Active:       true,
		Processing:   true,
		LastActivity: time.Now().Add(-time.Minute),
	})

	var mu sync.Mutex
	stuck := 0
	m := NewMonitor(src, monitorConfig(), HealthEvents{
		SessionStuck: func(string) { mu.Lock(); stuck++; mu.Unlock() },
	})
	m.Start()
	defer m.Stop()

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	n := stuck
	mu.Unlock()
	if n != 1 {
		t.Fatalf("stuck fired %d times, want 1", n)
	}
}

func TestMonitor_MessageCounters(t *testing.T) {
	m := NewMonitor(&fakeSource{}, monitorConfig(), HealthEvents{})
	m.RecordMessageSent()
	m.RecordMessageSent()
	m.RecordMessageFailed("timeout")
	m.RecordMessageSuccess()

	st := m.GetStatus()
	if st.MessagesSent != 2 || st.MessagesFailed != 1 {
		t.Fatalf("status: %+v", st)
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("success did not reset failures: %+v", st)
	}
}

func TestMonitor_StartStopIdempotent(t *testing.T) {
	m := NewMonitor(&fakeSource{}, monitorConfig(), HealthEvents{})
	m.Start()
	m.Start()
	m.Stop()
	m.Stop()
}
