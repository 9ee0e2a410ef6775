//go:build !unix

package memview

import (
	"fmt"
	"math"
	"os"
)

// Mapped is a read-only memory image loaded from a file.
type Mapped struct {
	Slice
}

// MapFile reads the memory image at path.
func MapFile(path string) (*Mapped, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading memory image %s: %w", path, err)
	}
	if uint64(len(data)) > math.MaxUint32 {
		return nil, fmt.Errorf("memory image %s is %d bytes, larger than a 32-bit address space", path, len(data))
	}
	return &Mapped{Slice: data}, nil
}

// Close releases the image.
func (m *Mapped) Close() error {
	m.Slice = nil
	return nil
}
