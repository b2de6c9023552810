package session

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFramer_BufferBounds(t *testing.T) {
	f := NewFramer(1024, 512, 10*time.Millisecond, nil)

	chunk := bytes.Repeat([]byte("x"), 300)
	for i := 0; i < 50; i++ {
		f.Feed(chunk)
		f.mu.Lock()
		ob, cs := len(f.outputBuffer), len(f.currentScreen)
		f.mu.Unlock()
		if ob > 1024 {
			t.Fatalf("outputBuffer exceeded cap after feed %d: %d", i, ob)
		}
		if cs > 512 {
			t.Fatalf("currentScreen exceeded cap after feed %d: %d", i, cs)
		}
	}
}

func TestFramer_ClearScreenResetsScreen(t *testing.T) {
	var mu sync.Mutex
	var got []byte
	f := NewFramer(0, 0, 10*time.Millisecond, func(screen []byte) {
		mu.Lock()
		got = append([]byte{}, screen...)
		mu.Unlock()
	})

	f.Feed([]byte("old content that is stale"))
	f.Feed([]byte("\x1b[2Jfresh screen"))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	screen := string(got)
	mu.Unlock()
	if strings.Contains(screen, "old content") {
		t.Fatalf("screen retained content from before the clear: %q", screen)
	}
	if !strings.Contains(screen, "fresh screen") {
		t.Fatalf("screen missing post-clear content: %q", screen)
	}
}

func TestFramer_ThrottleCoalesces(t *testing.T) {
	var mu sync.Mutex
	emits := 0
	f := NewFramer(0, 0, 30*time.Millisecond, func([]byte) {
		mu.Lock()
		emits++
		mu.Unlock()
	})

	// rapid feeds inside one throttle window
	for i := 0; i < 10; i++ {
		f.Feed([]byte("chunk "))
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	n := emits
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 coalesced emission, got %d", n)
	}
}

func TestFramer_ShrinkBoundsSteadyState(t *testing.T) {
	f := NewFramer(1000, 800, 10*time.Millisecond, nil)
	f.Feed(bytes.Repeat([]byte("y"), 900))

	f.Shrink()

	f.mu.Lock()
	ob, cs := len(f.outputBuffer), len(f.currentScreen)
	f.mu.Unlock()
	if ob > 250 {
		t.Fatalf("outputBuffer not shrunk toward quarter capacity: %d", ob)
	}
	if cs > 200 {
		t.Fatalf("currentScreen not shrunk toward quarter capacity: %d", cs)
	}
}

func TestFramer_StoppedFeedIsNoop(t *testing.T) {
	emitted := make(chan struct{}, 1)
	f := NewFramer(0, 0, 5*time.Millisecond, func([]byte) {
		emitted <- struct{}{}
	})
	f.Stop()
	f.Feed([]byte("data after stop"))

	select {
	case <-emitted:
		t.Fatal("framer emitted after Stop")
	case <-time.After(30 * time.Millisecond):
	}
}
