// Package memview decodes descriptors and projects typed, zero-copy views over an
// engine's linear memory.
//
// Nothing in this package copies column data or caches a derived view. The linear
// memory may be reallocated when the engine grows it, so every slice handed out here
// is only valid until the next growth or engine-side write. Callers re-derive views
// from (buffer, pointer, count) instead of holding them.
package memview

import "errors"

var (
	// ErrInvalidDescriptor is returned when a zero or absent descriptor address is
	// supplied where a real one is required.
	ErrInvalidDescriptor = errors.New("memview: invalid descriptor address")
	// ErrOutOfBounds is returned when a descriptor or column would read past the end
	// of the buffer. It usually means a layout mismatch with the engine, or a stale
	// address used after a reset.
	ErrOutOfBounds = errors.New("memview: read past end of buffer")
	// ErrEmptyResult marks a valid descriptor whose row or trade count is zero.
	// It is a terminal "no data" state, not a decoding failure.
	ErrEmptyResult = errors.New("memview: empty result")
)

// Buffer is a handle to a linear memory region.
//
// Read returns a slice aliasing the region; it must not be retained across a growth
// of the region. The method set matches wazero's api.Memory, so a live engine memory
// is a Buffer as-is.
type Buffer interface {
	Size() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
}

// Slice is a Buffer over a plain byte slice.
type Slice []byte

// Size returns the length of the slice.
func (s Slice) Size() uint32 { return uint32(len(s)) }

// Read returns s[offset:offset+byteCount] without copying.
func (s Slice) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(s)) {
		return nil, false
	}
	return s[offset:end:end], true
}

// readAt reads n bytes at off, mapping a short buffer to ErrOutOfBounds.
func readAt(buf Buffer, off uint32, n uint64) ([]byte, error) {
	size := uint64(buf.Size())
	if uint64(off)+n > size {
		return nil, outOfBounds(off, n, size)
	}
	b, ok := buf.Read(off, uint32(n))
	if !ok {
		return nil, outOfBounds(off, n, size)
	}
	return b, nil
}
