package session

import (
	"bytes"
	"sync"
	"time"
)

const (
	defaultMaxBuffer = 50 * 1024
	defaultMaxScreen = 25 * 1024
	defaultThrottle  = 500 * time.Millisecond
)

// clearSequences mark a full-screen redraw. Content before the last one is
// structurally stale.
var clearSequences = [][]byte{
	[]byte("\x1b[2J"),
	[]byte("\x1b[3J"),
	[]byte("\x1bc"),
}

// Framer accumulates raw PTY output into a bounded "current screen" and
// coalesces rapid feeds into one emission per throttle window. The
// subprocess writes output in many small chunks; per-chunk delivery would
// thrash downstream consumers.
type Framer struct {
	mu            sync.Mutex
	outputBuffer  []byte
	currentScreen []byte
	maxBuffer     int
	maxScreen     int
	throttle      time.Duration
	timer         *time.Timer
	emit          func(screen []byte)
	stopped       bool
}

// NewFramer creates a framer that calls emit with the coalesced screen.
// Zero limits and throttle select the defaults.
func NewFramer(maxBuffer, maxScreen int, throttle time.Duration, emit func(screen []byte)) *Framer {
	if maxBuffer <= 0 {
		maxBuffer = defaultMaxBuffer
	}
	if maxScreen <= 0 {
		maxScreen = defaultMaxScreen
	}
	if throttle <= 0 {
		throttle = defaultThrottle
	}
	return &Framer{
		maxBuffer: maxBuffer,
		maxScreen: maxScreen,
		throttle:  throttle,
		emit:      emit,
	}
}

// Feed appends a raw chunk, recomputes the current screen and arms the
// debounce timer. Buffers never exceed their caps after Feed returns.
func (f *Framer) Feed(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}

	f.outputBuffer = append(f.outputBuffer, chunk...)
	if len(f.outputBuffer) > f.maxBuffer {
		f.outputBuffer = trimFront(f.outputBuffer, f.maxBuffer/2)
	}

	screen := f.outputBuffer
	if idx := lastClearIndex(f.outputBuffer); idx >= 0 {
		screen = f.outputBuffer[idx:]
	}
	if len(screen) > f.maxScreen {
		screen = trimFront(screen, f.maxScreen/2)
	}
	f.currentScreen = append(f.currentScreen[:0], screen...)

	if f.timer == nil {
		f.timer = time.AfterFunc(f.throttle, f.fire)
	} else {
		f.timer.Reset(f.throttle)
	}
}

// Screen returns a copy of the current screen without waiting for the
// throttle window. Used for readiness polling.
func (f *Framer) Screen() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.currentScreen))
	copy(out, f.currentScreen)
	return out
}

// Shrink reduces both buffers toward quarter capacity. Called by the
// periodic cleanup timer to bound steady-state memory.
func (f *Framer) Shrink() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outputBuffer) > f.maxBuffer/4 {
		f.outputBuffer = trimFront(f.outputBuffer, f.maxBuffer/4)
	}
	if len(f.currentScreen) > f.maxScreen/4 {
		f.currentScreen = trimFront(f.currentScreen, f.maxScreen/4)
	}
}

// Stop cancels the debounce timer and drops buffered content. Feed becomes
// a no-op afterwards.
func (f *Framer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.outputBuffer = nil
	f.currentScreen = nil
}

func (f *Framer) fire() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	screen := make([]byte, len(f.currentScreen))
	copy(screen, f.currentScreen)
	// already-flushed content is discarded; the screen survives for the
	// next clear-screen computation
	f.outputBuffer = f.outputBuffer[:0]
	emit := f.emit
	f.mu.Unlock()

	if emit != nil && len(screen) > 0 {
		emit(screen)
	}
}

func trimFront(b []byte, keep int) []byte {
	if len(b) <= keep {
		return b
	}
	return append(b[:0], b[len(b)-keep:]...)
}

func lastClearIndex(b []byte) int {
	best := -1
	for _, seq := range clearSequences {
		if idx := bytes.LastIndex(b, seq); idx >= 0 {
			end := idx + len(seq)
			if end > best {
				best = end
			}
		}
	}
	return best
}
