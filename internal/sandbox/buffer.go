package sandbox

import (
	"sync"
)

// defaultOutputLimit bounds captured sandbox output per stream.
const defaultOutputLimit = 64 * 1024

// OutputBuffer is a fixed-size ring that keeps the most recent output of a
// sandbox run, so runaway prints cannot exhaust memory.
type OutputBuffer struct {
	buf       []byte
	size      int
	head      int
	tail      int
	full      bool
	truncated bool
	mu        sync.Mutex
}

// NewOutputBuffer creates a buffer holding at most size bytes.
func NewOutputBuffer(size int) *OutputBuffer {
	if size <= 0 {
		size = defaultOutputLimit
	}
	return &OutputBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write implements io.Writer. When the buffer is full the oldest bytes are
// overwritten.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range p {
		if b.full {
			b.tail = (b.tail + 1) % b.size
			b.truncated = true
		}
		b.buf[b.head] = c
		b.head = (b.head + 1) % b.size
		if b.head == b.tail {
			b.full = true
		}
	}
	return len(p), nil
}

// String returns the retained output in write order.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case !b.full && b.head == b.tail:
		return ""
	case b.full && b.head == b.tail:
		return string(b.buf[b.tail:]) + string(b.buf[:b.head])
	case b.head > b.tail:
		return string(b.buf[b.tail:b.head])
	default:
		return string(b.buf[b.tail:]) + string(b.buf[:b.head])
	}
}

// Len returns the number of retained bytes.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case !b.full && b.head == b.tail:
		return 0
	case b.full:
		return b.size
	case b.head > b.tail:
		return b.head - b.tail
	default:
		return (b.size - b.tail) + b.head
	}
}

// Truncated reports whether older output was dropped.
func (b *OutputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Reset clears the buffer.
func (b *OutputBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.tail = 0, 0
	b.full, b.truncated = false, false
}
