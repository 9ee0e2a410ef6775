//go:build unix

package memview

import (
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// Mapped is a read-only memory image mapped from a file.
type Mapped struct {
	Slice
	mapped bool
}

// MapFile maps the memory image at path read-only.
func MapFile(path string) (*Mapped, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening memory image %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat memory image %s: %w", path, err)
	}
	if st.Size() > math.MaxUint32 {
		return nil, fmt.Errorf("memory image %s is %d bytes, larger than a 32-bit address space", path, st.Size())
	}
	if st.Size() == 0 {
		return &Mapped{}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping memory image %s: %w", path, err)
	}
	return &Mapped{Slice: data, mapped: true}, nil
}

// Close unmaps the image. Views derived from it must not be used afterwards.
func (m *Mapped) Close() error {
	if !m.mapped {
		return nil
	}
	m.mapped = false
	data := m.Slice
	m.Slice = nil
	return unix.Munmap(data)
}
