package buffer

import (
	"github.com/nczempin/uproxy-go-uring/errors"
)

// Buffer is a fixed-capacity linear byte buffer with a read cursor and a
// write cursor. It never grows: running out of room is reported to the
// caller, who is expected to drain the buffer and retry.
//
// The layout is
//
//	[0, r)       consumed, reclaimable by Compact
//	[r, w)       readable
//	[w, cap)     writable
type Buffer struct {
	data []byte
	r    int
	w    int
}

// New creates a buffer backed by a fresh slice of the given capacity
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Wrap creates a buffer over an existing slice. The buffer takes ownership
// of the slice.
func Wrap(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the backing slice so it can be handed back to an arena
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Cap returns the fixed capacity
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Len returns the number of unread bytes
func (b *Buffer) Len() int {
	return b.w - b.r
}

// Free returns the number of bytes that can still be written without
// compacting
func (b *Buffer) Free() int {
	return len(b.data) - b.w
}

// Empty reports whether there is nothing left to read
func (b *Buffer) Empty() bool {
	return b.r == b.w
}

// Full reports whether nothing more can be written, even after compaction
func (b *Buffer) Full() bool {
	return b.w-b.r == len(b.data)
}

// Readable returns a view of the unread bytes. The view is valid until the
// next call that moves the cursors.
func (b *Buffer) Readable() []byte {
	return b.data[b.r:b.w]
}

// Writable returns the free tail of the buffer for direct writes (for
// example a recv into the buffer). Call Commit with the number of bytes
// actually written.
func (b *Buffer) Writable() []byte {
	return b.data[b.w:]
}

// Commit marks n bytes of the writable region as written
func (b *Buffer) Commit(n int) {
	if n < 0 || b.w+n > len(b.data) {
		panic("buffer: commit out of range")
	}
	b.w += n
}

// Skip marks n readable bytes as consumed. When the buffer becomes empty
// both cursors rewind to the start.
func (b *Buffer) Skip(n int) {
	if n < 0 || b.r+n > b.w {
		panic("buffer: skip out of range")
	}
	b.r += n
	if b.r == b.w {
		b.r = 0
		b.w = 0
	}
}

// Write copies as much of p as fits and returns the count. A short write
// returns ErrOutputFull.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Free() {
		b.Compact()
	}
	n := copy(b.data[b.w:], p)
	b.w += n
	if n < len(p) {
		return n, errors.ErrOutputFull
	}
	return n, nil
}

// WriteString is Write for strings
func (b *Buffer) WriteString(s string) (int, error) {
	if len(s) > b.Free() {
		b.Compact()
	}
	n := copy(b.data[b.w:], s)
	b.w += n
	if n < len(s) {
		return n, errors.ErrOutputFull
	}
	return n, nil
}

// Fits reports whether n more bytes can be written, compacting if that is
// what it takes
func (b *Buffer) Fits(n int) bool {
	if n <= b.Free() {
		return true
	}
	if n <= len(b.data)-b.Len() {
		b.Compact()
		return true
	}
	return false
}

// Read copies unread bytes into p and consumes them
func (b *Buffer) Read(p []byte) (int, error) {
	n := copy(p, b.data[b.r:b.w])
	b.Skip(n)
	return n, nil
}

// Compact moves the unread bytes to the start of the buffer
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.data, b.data[b.r:b.w])
	b.r = 0
	b.w = n
}

// Reset discards all content. The backing storage is zeroed so a reset
// buffer is indistinguishable from a new one.
func (b *Buffer) Reset() {
	clear(b.data)
	b.r = 0
	b.w = 0
}

// ResetKeep discards consumed bytes and keeps unread ones, moving them to
// the front. The tail beyond the unread bytes is zeroed.
func (b *Buffer) ResetKeep() {
	b.Compact()
	clear(b.data[b.w:])
}
