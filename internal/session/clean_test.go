package session

import (
	"strings"
	"testing"
)

func TestCleanResponse_StripsANSI(t *testing.T) {
	raw := "\x1b[2J\x1b[1;32mHello\x1b[0m world\x1b[?25h"
	got := CleanResponse(raw)
	if got != "Hello world" {
		t.Fatalf("got %q, want %q", got, "Hello world")
	}
}

func TestCleanResponse_StripsOSCAndControl(t *testing.T) {
	raw := "\x1b]0;window title\x07Result is 42.\x08\x08"
	got := CleanResponse(raw)
	if got != "Result is 42." {
		t.Fatalf("got %q, want %q", got, "Result is 42.")
	}
}

func TestCleanResponse_BoxDrawingCollapses(t *testing.T) {
	raw := "╭──────────╮\n│ answer   │\n╰──────────╯"
	got := CleanResponse(raw)
	if !strings.Contains(got, "answer") {
		t.Fatalf("boxed text lost: %q", got)
	}
	if strings.ContainsAny(got, "╭╮╰╯│─") {
		t.Fatalf("box glyphs survived: %q", got)
	}
}

func TestCleanResponse_DropsPromptLines(t *testing.T) {
	raw := "Done with the task.\n>\n"
	got := CleanResponse(raw)
	if got != "Done with the task." {
		t.Fatalf("got %q", got)
	}
}

func TestCleanResponse_TrailingPromptSuffix(t *testing.T) {
	raw := "Hi there! How can I help?\n> "
	got := CleanResponse(raw)
	if got != "Hi there! How can I help?" {
		t.Fatalf("got %q", got)
	}
}

func TestCleanResponse_CollapsesBlankRuns(t *testing.T) {
	raw := "first\n\n\n\n\nsecond"
	got := CleanResponse(raw)
	if got != "first\n\nsecond" {
		t.Fatalf("got %q", got)
	}
}

func TestCleanResponse_NoResponseSentinel(t *testing.T) {
	for _, raw := range []string{"", "\x1b[2J", ">", "  \n\n  ", "\r\r\r"} {
		if got := CleanResponse(raw); got != NoResponse {
			t.Fatalf("CleanResponse(%q) = %q, want sentinel", raw, got)
		}
	}
}

func TestIsPromptLine(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{">", true},
		{"  ❯  ", true},
		{"$", true},
		{"", false},
		{"> partial input", false},
		{"100% done", false},
	}
	for _, tc := range cases {
		if got := isPromptLine(tc.line); got != tc.want {
			t.Errorf("isPromptLine(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}
