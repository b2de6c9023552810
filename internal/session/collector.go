package session

import (
	"strings"
	"sync"
	"time"
)

// Collector state machine: Idle -> AwaitingStart -> Collecting -> Complete.
// The subprocess exposes no protocol, so reply framing is heuristic: an end
// marker can coincidentally appear mid-response (false positive) or a reply
// can end without one (covered by the inactivity watchdog). This is a
// documented limitation, not a parser for a formal grammar.
type collectorState int

const (
	collectIdle collectorState = iota
	collectAwaitingStart
	collectCollecting
	collectComplete
)

const (
	defaultInactivity  = 5 * time.Second
	defaultHardTimeout = 300 * time.Second
	startGracePeriod   = 100 * time.Millisecond
)

// endPhrases complete a reply when present anywhere in the collected text.
var endPhrases = []string{
	"Is there anything else",
	"Let me know if",
	"anything else I can help",
}

// endGlyphs complete a reply when the last non-empty line carries one.
var endGlyphs = []string{"✓", "✗", "✅", "❌", "╰", "└"}

type collectResult struct {
	text string
	err  error
}

// collector watches framed output for one in-flight request and decides
// when the reply has started and when it is complete. At most one
// collector is collecting per session.
type collector struct {
	mu         sync.Mutex
	state      collectorState
	sentText   string
	buf        string
	sentAt     time.Time
	lastOutput time.Time

	inactivity  time.Duration
	hardTimeout time.Duration

	inactivityTimer *time.Timer
	hardTimer       *time.Timer

	done chan collectResult
}

func newCollector(sentText string, inactivity, hardTimeout time.Duration) *collector {
	if inactivity <= 0 {
		inactivity = defaultInactivity
	}
	if hardTimeout <= 0 {
		hardTimeout = defaultHardTimeout
	}
	c := &collector{
		state:       collectAwaitingStart,
		sentText:    sentText,
		sentAt:      time.Now(),
		inactivity:  inactivity,
		hardTimeout: hardTimeout,
		done:        make(chan collectResult, 1),
	}
	c.hardTimer = time.AfterFunc(hardTimeout, c.onHardTimeout)
	return c
}

// observe processes one framed screen emission.
func (c *collector) observe(screen []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case collectAwaitingStart:
		text := string(screen)
		plain := ansiRe.ReplaceAllString(text, "")
		if idx := strings.Index(plain, c.sentText); idx >= 0 {
			// echo observed: keep only what follows it
			c.startCollectingLocked(plain[idx+len(c.sentText):])
			return
		}
		trimmed := strings.TrimSpace(plain)
		if trimmed != "" && !isPromptLine(trimmed) && time.Since(c.sentAt) > startGracePeriod {
			// subprocess does not echo input
			c.startCollectingLocked(plain)
		}

	case collectCollecting:
		plain := ansiRe.ReplaceAllString(string(screen), "")
		if idx := strings.Index(plain, c.sentText); idx >= 0 {
			plain = plain[idx+len(c.sentText):]
		}
		c.accumulateLocked(plain)
		c.lastOutput = time.Now()
		if c.inactivityTimer != nil {
			c.inactivityTimer.Reset(c.inactivity)
		}
		if hasEndMarker(c.buf) {
			c.completeLocked()
		}
	}
}

// accumulateLocked folds a framed emission into the response buffer. A
// full-screen redraw re-delivers everything collected so far and replaces
// the buffer; an emission carrying only a fresh throttle window is
// appended, so a reply spanning several windows keeps its earlier text.
func (c *collector) accumulateLocked(plain string) {
	if c.buf == "" || strings.Contains(plain, c.buf) {
		c.buf = plain
		return
	}
	c.buf += plain
}

func (c *collector) startCollectingLocked(initial string) {
	c.state = collectCollecting
	c.buf = initial
	c.lastOutput = time.Now()
	c.inactivityTimer = time.AfterFunc(c.inactivity, c.onInactivity)
	if hasEndMarker(initial) {
		c.completeLocked()
	}
}

// completeLocked resolves the exchange successfully. Caller holds c.mu.
func (c *collector) completeLocked() {
	if c.state == collectComplete {
		return
	}
	c.state = collectComplete
	c.stopTimersLocked()
	c.done <- collectResult{text: CleanResponse(c.buf)}
}

// fail resolves the exchange with an error (timeout, stop, process exit).
func (c *collector) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == collectComplete {
		return
	}
	c.state = collectComplete
	c.stopTimersLocked()
	c.done <- collectResult{err: err}
}

func (c *collector) stopTimersLocked() {
	if c.inactivityTimer != nil {
		c.inactivityTimer.Stop()
		c.inactivityTimer = nil
	}
	if c.hardTimer != nil {
		c.hardTimer.Stop()
		c.hardTimer = nil
	}
}

func (c *collector) onInactivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != collectCollecting {
		return
	}
	if strings.TrimSpace(c.buf) == "" {
		// nothing collected yet, keep waiting for the hard timeout
		c.inactivityTimer = time.AfterFunc(c.inactivity, c.onInactivity)
		return
	}
	c.completeLocked()
}

func (c *collector) onHardTimeout() {
	c.fail(ErrTimeout)
}

// hasEndMarker applies the end-of-turn marker list to the accumulated text.
func hasEndMarker(text string) bool {
	for _, p := range endPhrases {
		if strings.Contains(text, p) {
			return true
		}
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	last := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(lines[i]); t != "" {
			last = t
			break
		}
	}
	if last == "" {
		return false
	}

	if isPromptLine(last) {
		return true
	}
	for _, g := range endGlyphs {
		if strings.Contains(last, g) {
			return true
		}
	}
	switch last[len(last)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
