// Package buffer provides a growable byte buffer with a read cursor. Stream
// readers append whatever bytes arrive, consume complete units from the
// unread window, and compact the remainder once per feed.
package buffer

import (
	"errors"
	"fmt"
)

// ErrOverread is returned when MarkAsRead is asked to consume more bytes
// than are unread.
var ErrOverread = errors.New("buffer: mark beyond unread data")

// Buffer is an append-only byte buffer with a read cursor.
// Invariant: 0 <= cursor <= len(data) <= cap(data).
type Buffer struct {
	data   []byte
	cursor int
}

// New returns a Buffer with the given initial capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Append copies p to the end of the buffer, reallocating when needed.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Bytes returns the unread window. The slice is valid until the next
// Append, Compact, or Reset.
func (b *Buffer) Bytes() []byte {
	return b.data[b.cursor:]
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.data) - b.cursor
}

// Cap returns the capacity of the underlying storage.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Consumed returns the cursor position, i.e. bytes marked as read since the
// last Compact.
func (b *Buffer) Consumed() int {
	return b.cursor
}

// MarkAsRead advances the cursor by n bytes without moving memory.
func (b *Buffer) MarkAsRead(n int) error {
	if n < 0 || n > b.Len() {
		return fmt.Errorf("%w: %d of %d", ErrOverread, n, b.Len())
	}
	b.cursor += n
	return nil
}

// Compact moves the unread tail to the front of the storage.
func (b *Buffer) Compact() {
	if b.cursor == 0 {
		return
	}
	n := copy(b.data, b.data[b.cursor:])
	b.data = b.data[:n]
	b.cursor = 0
}

// Reset discards all content but keeps the storage.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.cursor = 0
}
