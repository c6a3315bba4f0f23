package stream

import (
	"strings"
	"sync"
)

// DefaultBufferCap bounds retained terminal output. 256KB covers long
// command outputs without letting `yes` exhaust memory.
const DefaultBufferCap = 256 * 1024

// OutputBuffer is an append-only text buffer with bounded retention.
// When the cap is exceeded the oldest bytes are dropped, cut at the
// next line boundary so the visible head is never a torn line.
type OutputBuffer struct {
	mu  sync.RWMutex
	sb  strings.Builder
	max int
}

// NewOutputBuffer creates a buffer retaining at most max bytes.
func NewOutputBuffer(max int) *OutputBuffer {
	if max <= 0 {
		max = DefaultBufferCap
	}
	return &OutputBuffer{max: max}
}

// Append adds text to the buffer, evicting from the front when over cap.
func (b *OutputBuffer) Append(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sb.WriteString(text)
	if b.sb.Len() <= b.max {
		return
	}

	s := b.sb.String()
	cut := len(s) - b.max
	if nl := strings.IndexByte(s[cut:], '\n'); nl >= 0 {
		cut += nl + 1
	}
	b.sb.Reset()
	b.sb.WriteString(s[cut:])
}

// String returns the retained output.
func (b *OutputBuffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sb.String()
}

// Len returns the number of retained bytes.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sb.Len()
}

// Reset clears the buffer.
func (b *OutputBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sb.Reset()
}
