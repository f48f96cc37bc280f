package console

import (
	"strings"
	"sync"
)

// Buffer accumulates every piece of terminal text received since the last
// Clear. The receive loop is the only writer; protocol steps read and clear
// it. The lock is held only for the duration of a single call.
type Buffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

// Append adds text to the end of the buffer.
func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	b.buf.WriteString(text)
	b.mu.Unlock()
}

// Snapshot returns everything accumulated so far.
func (b *Buffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Tail returns at most the last n bytes of the buffer.
func (b *Buffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

// Len reports the number of bytes currently held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Clear drops all accumulated text.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.buf.Reset()
	b.mu.Unlock()
}
