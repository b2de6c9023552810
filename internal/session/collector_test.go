package session

import (
	"errors"
	"testing"
	"time"
)

func waitResult(t *testing.T, c *collector, within time.Duration) collectResult {
	t.Helper()
	select {
	case res := <-c.done:
		return res
	case <-time.After(within):
		t.Fatal("collector did not resolve in time")
		return collectResult{}
	}
}

func TestCollector_EchoThenPrompt(t *testing.T) {
	c := newCollector("hello", time.Second, 5*time.Second)

	// the terminal echoes the input, then the reply, then a fresh prompt
	c.observe([]byte("> hello\r\nHi there! How can I help?\r\n> "))

	res := waitResult(t, c, time.Second)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.text != "Hi there! How can I help?" {
		t.Fatalf("got %q", res.text)
	}
}

func TestCollector_EchoStripped(t *testing.T) {
	c := newCollector("what is 2+2", time.Second, 5*time.Second)
	c.observe([]byte("what is 2+2\r\nThe answer is 4.\r\n"))

	res := waitResult(t, c, time.Second)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.text != "The answer is 4." {
		t.Fatalf("echo not stripped: %q", res.text)
	}
}

func TestCollector_GrowingScreenReplacesBuffer(t *testing.T) {
	c := newCollector("task", 200*time.Millisecond, 5*time.Second)

	// cumulative screens: each emission contains everything so far
	c.observe([]byte("task\r\npartial"))
	c.observe([]byte("task\r\npartial output continuing"))
	c.observe([]byte("task\r\npartial output continuing until done.\r\n> "))

	res := waitResult(t, c, time.Second)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.text != "partial output continuing until done." {
		t.Fatalf("got %q", res.text)
	}
}

func TestCollector_ReplySpansEmissions(t *testing.T) {
	c := newCollector("hello", time.Second, 5*time.Second)

	// the second emission arrives after the framer flushed its buffer, so
	// it carries only the fresh window, not a cumulative redraw
	c.observe([]byte("hello\r\nHi the"))
	c.observe([]byte("re! How can I help?\r\n> "))

	res := waitResult(t, c, time.Second)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.text != "Hi there! How can I help?" {
		t.Fatalf("earlier window lost: %q", res.text)
	}
}

func TestCollector_EndPhrase(t *testing.T) {
	c := newCollector("q", time.Second, 5*time.Second)
	c.observe([]byte("q\r\nAll set\r\nLet me know if you need more"))

	res := waitResult(t, c, time.Second)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
}

func TestCollector_InactivityCompletes(t *testing.T) {
	c := newCollector("q", 80*time.Millisecond, 5*time.Second)
	// no end marker: trailing comma keeps hasEndMarker false
	c.observe([]byte("q\r\nstill thinking about it,"))

	res := waitResult(t, c, time.Second)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.text != "still thinking about it," {
		t.Fatalf("got %q", res.text)
	}
}

func TestCollector_InactivityWithEmptyBufferKeepsWaiting(t *testing.T) {
	c := newCollector("q", 50*time.Millisecond, 300*time.Millisecond)
	c.observe([]byte("q\r\n   "))

	res := waitResult(t, c, time.Second)
	if !errors.Is(res.err, ErrTimeout) {
		t.Fatalf("expected hard timeout, got %v %q", res.err, res.text)
	}
}

func TestCollector_HardTimeout(t *testing.T) {
	c := newCollector("q", time.Minute, 100*time.Millisecond)

	res := waitResult(t, c, time.Second)
	if !errors.Is(res.err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", res.err)
	}
}

func TestCollector_FailResolvesOnce(t *testing.T) {
	c := newCollector("q", time.Second, 5*time.Second)
	c.fail(ErrProcessExit)
	c.fail(ErrStopped)

	res := waitResult(t, c, time.Second)
	if !errors.Is(res.err, ErrProcessExit) {
		t.Fatalf("expected first failure to win, got %v", res.err)
	}
	select {
	case extra := <-c.done:
		t.Fatalf("second resolution delivered: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCollector_NoEchoStartsAfterGrace(t *testing.T) {
	c := newCollector("invisible input", time.Second, 5*time.Second)

	// prompt-only output before the grace period must not start collection
	c.observe([]byte("> "))
	time.Sleep(startGracePeriod + 20*time.Millisecond)
	c.observe([]byte("Working on it now.\r\n> "))

	res := waitResult(t, c, time.Second)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.text != "Working on it now." {
		t.Fatalf("got %q", res.text)
	}
}

func TestHasEndMarker(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"final sentence.", true},
		{"done!", true},
		{"anything else?", true},
		{"trailing comma,", false},
		{"mid stream", false},
		{"output\r\n> ", true},
		{"build passed ✓", true},
		{"╰ panel closed", true},
		{"Is there anything else you need\nmore text", true},
		{"", false},
	}
	for _, tc := range cases {
		if got := hasEndMarker(tc.text); got != tc.want {
			t.Errorf("hasEndMarker(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
