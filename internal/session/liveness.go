package session

import "time"

// liveness runs the per-session background timers: keepalive writes on an
// idle PTY, the session inactivity timeout, and periodic memory cleanup.
// All bodies are panic-guarded so a failure cannot leak out of the timer
// goroutine.
type liveness struct {
	done chan struct{}
}

func startLiveness(s *Session) *liveness {
	l := &liveness{done: make(chan struct{})}

	keepalive := time.NewTicker(s.cfg.Keepalive)
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	// check the session timeout more often than it can trip
	timeout := time.NewTicker(s.cfg.SessionTimeout / 4)

	go func() {
		defer keepalive.Stop()
		defer cleanup.Stop()
		defer timeout.Stop()
		for {
			select {
			case <-keepalive.C:
				guard(s.logger, "keepalive", func() { s.keepaliveTick() })
			case <-cleanup.C:
				guard(s.logger, "memory cleanup", func() { s.cleanupTick() })
			case <-timeout.C:
				guard(s.logger, "session timeout check", func() { s.timeoutTick() })
			case <-l.done:
				return
			}
		}
	}()
	return l
}

func (l *liveness) stop() {
	close(l.done)
}

// keepaliveTick writes a no-op byte when the channel has been silent and
// no reply is being collected. Some subprocess/PTY combinations close
// idle channels.
func (s *Session) keepaliveTick() {
	s.mu.Lock()
	idle := time.Since(s.lastActivity) > s.cfg.Keepalive
	collecting := s.cur != nil
	h := s.handle
	s.mu.Unlock()

	if idle && !collecting && h != nil {
		if _, err := h.Write([]byte{0}); err != nil {
			s.logger.Debug("keepalive write failed", "err", err)
		}
	}
}

func (s *Session) cleanupTick() {
	s.mu.Lock()
	f := s.framer
	s.mu.Unlock()
	if f != nil {
		f.Shrink()
	}
}

// timeoutTick declares the session dead on prolonged total inactivity with
// no outstanding request and none started recently.
func (s *Session) timeoutTick() {
	s.mu.Lock()
	silent := time.Since(s.lastActivity) > s.cfg.SessionTimeout
	noRequests := s.activeRequests == 0
	noneRecent := s.lastMessageStart.IsZero() || time.Since(s.lastMessageStart) > s.cfg.RecentMessageAge
	running := s.state == StateRunning
	s.mu.Unlock()

	if running && silent && noRequests && noneRecent {
		s.fireTimeout()
	}
}
