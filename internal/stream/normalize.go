// Package stream owns the duplex terminal channel for one session:
// dialing the websocket, normalizing inbound frames into plain text,
// and framing outbound commands and raw keystrokes.
package stream

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

var multiNewline = regexp.MustCompile(`\n{3,}`)

// normalizeStructured cleans text from a structured frame. Escape and
// control sequences are stripped, but all remaining whitespace is
// preserved: structured frames are already segmented by the server, so
// a blank frame is a legitimate blank line.
func normalizeStructured(text string) string {
	return normalizeCR(ansi.Strip(text))
}

// normalizeLegacy cleans a raw legacy frame. On top of the structured
// rules, runs of three or more newlines collapse to exactly two. The
// second return value is false when the frame is empty after trimming
// and should be discarded.
func normalizeLegacy(text string) (string, bool) {
	out := normalizeCR(ansi.Strip(text))
	out = multiNewline.ReplaceAllString(out, "\n\n")
	if strings.TrimSpace(out) == "" {
		return "", false
	}
	return out, true
}

// normalizeCR converts CRLF to LF and drops any carriage return not
// followed by a newline. Cursor-rewrite sequences (progress bars,
// spinners) emit lone CRs that would otherwise duplicate lines in an
// append-only buffer.
func normalizeCR(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "")
}
