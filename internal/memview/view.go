package memview

import (
	"encoding/binary"
	"fmt"
	"iter"
	"math"
	"unsafe"
)

// Element is a column element type the engine writes.
type Element interface {
	int64 | uint32 | float32 | uint8
}

// View is a read-only typed window over a Buffer. It aliases the buffer's bytes.
//
// A View is valid only until the engine grows or rewrites its memory. Do not store
// a View in a struct field or keep it across an engine call; project it again from
// the descriptor pointers instead.
type View[T Element] struct {
	b []byte
}

// Project returns a view of count elements of T starting at ptr.
//
// A zero ptr or zero count yields an empty view: an absent column is valid.
// If the range does not fit in buf, Project fails with ErrOutOfBounds.
func Project[T Element](buf Buffer, ptr, count uint32) (View[T], error) {
	if ptr == 0 || count == 0 {
		return View[T]{}, nil
	}
	n := uint64(count) * uint64(elemSize[T]())
	b, err := readAt(buf, ptr, n)
	if err != nil {
		return View[T]{}, fmt.Errorf("projecting %d x %T at %#x: %w", count, *new(T), ptr, err)
	}
	return View[T]{b: b}, nil
}

// Len returns the number of elements.
func (v View[T]) Len() int { return len(v.b) / elemSize[T]() }

// At decodes element i. It panics if i is out of range, like a slice index.
func (v View[T]) At(i int) T {
	sz := elemSize[T]()
	return decode[T](v.b[i*sz : (i+1)*sz])
}

// All iterates the elements in order.
func (v View[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i := range v.Len() {
			if !yield(i, v.At(i)) {
				return
			}
		}
	}
}

// AppendTo copies the elements onto dst. This is the only way to keep the data
// beyond the lifetime of the view.
func (v View[T]) AppendTo(dst []T) []T {
	dst = append(dst, make([]T, v.Len())...)
	out := dst[len(dst)-v.Len():]
	for i := range out {
		out[i] = v.At(i)
	}
	return dst
}

// Bytes returns the raw aliased bytes.
func (v View[T]) Bytes() []byte { return v.b }

func elemSize[T Element]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

func decode[T Element](b []byte) T {
	var zero T
	switch any(zero).(type) {
	case int64:
		return any(int64(binary.LittleEndian.Uint64(b))).(T)
	case uint32:
		return any(binary.LittleEndian.Uint32(b)).(T)
	case float32:
		return any(math.Float32frombits(binary.LittleEndian.Uint32(b))).(T)
	default:
		return any(b[0]).(T)
	}
}
