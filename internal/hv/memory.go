package hv

import (
	"fmt"
	"io"
)

// BufferMemory is a byte-slice backed GuestMemory used by tests and the demo
// machine. Accesses are bounds checked; a partial access at the end of memory
// returns the short count with ErrMemoryRange.
type BufferMemory struct {
	buf []byte
}

func NewBufferMemory(size uint64) *BufferMemory {
	return &BufferMemory{buf: make([]byte, size)}
}

func (m *BufferMemory) Size() uint64 { return uint64(len(m.buf)) }

// Bytes exposes the backing slice for test setup.
func (m *BufferMemory) Bytes() []byte { return m.buf }

func (m *BufferMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.buf)) {
		return 0, fmt.Errorf("read at 0x%x: %w", off, ErrMemoryRange)
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, fmt.Errorf("read 0x%x+%d: %w", off, len(p), ErrMemoryRange)
	}
	return n, nil
}

func (m *BufferMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.buf)) {
		return 0, fmt.Errorf("write at 0x%x: %w", off, ErrMemoryRange)
	}
	n := copy(m.buf[off:], p)
	if n < len(p) {
		return n, fmt.Errorf("write 0x%x+%d: %w", off, len(p), ErrMemoryRange)
	}
	return n, nil
}

// NullMemory reads as zeroes and discards writes. It reports the configured
// size so range checks still apply.
type NullMemory struct {
	Bytes uint64
}

func (m NullMemory) Size() uint64 { return m.Bytes }

func (m NullMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= m.Bytes {
		return 0, fmt.Errorf("read at 0x%x: %w", off, ErrMemoryRange)
	}
	n := len(p)
	if rem := m.Bytes - uint64(off); uint64(n) > rem {
		n = int(rem)
	}
	for i := 0; i < n; i++ {
		p[i] = 0
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m NullMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= m.Bytes {
		return 0, fmt.Errorf("write at 0x%x: %w", off, ErrMemoryRange)
	}
	n := len(p)
	if rem := m.Bytes - uint64(off); uint64(n) > rem {
		n = int(rem)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

var (
	_ GuestMemory = (*BufferMemory)(nil)
	_ GuestMemory = NullMemory{}
)
