package session

import (
	"regexp"
	"strings"
)

// NoResponse is substituted when the cleaned response is too short to be
// meaningful.
const NoResponse = "No response received"

const minResponseLen = 2

// strip ANSI escapes: CSI (incl. private modes and tilde-terminated function
// keys), OSC, charset selection and full reset.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z~]|\x1b\].*?(?:\x07|\x1b\\)|\x1b[()][0-9A-B]|\x1bc`)

var (
	boxGlyphRe    = regexp.MustCompile(`[─│┃┄┆┌┐└┘├┤┬┴┼╭╮╯╰═║╔╗╚╝╠╣╦╩╬▐▌█▀▄]+`)
	multiNewline  = regexp.MustCompile(`\n{3,}`)
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
)

var promptMarkers = []string{">", "❯", "$", "#", "%"}

// CleanResponse strips terminal artifacts from a collected response:
// ANSI escapes, box-drawing decoration (boxed panels collapse to their
// inner text), control characters, prompt marker lines and excess blank
// lines. Near-empty results become the NoResponse sentinel.
func CleanResponse(raw string) string {
	s := ansiRe.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = boxGlyphRe.ReplaceAllString(s, " ")
	s = stripControl(s)

	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if isPromptLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	s = strings.Join(kept, "\n")

	// a prompt marker glued to the end of the last line ("...help?\n>")
	// may survive as a suffix after line filtering
	s = strings.TrimSpace(s)
	for _, m := range promptMarkers {
		s = strings.TrimSpace(strings.TrimSuffix(s, m))
	}

	s = trailingSpace.ReplaceAllString(s, "\n")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if len(s) < minResponseLen {
		return NoResponse
	}
	return s
}

func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isPromptLine reports whether a line is nothing but a prompt marker.
func isPromptLine(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" {
		return false
	}
	for _, m := range promptMarkers {
		if t == m {
			return true
		}
	}
	return false
}
