package memview

import (
	"encoding/binary"
	"fmt"
)

// Descriptor layouts written by the engine. Field order is the wire contract:
// every field is 4 bytes, little-endian, no padding.

// ContextDescriptor is the parsed dataset record (32 bytes).
type ContextDescriptor struct {
	TimePtr   uint32
	OpenPtr   uint32
	HighPtr   uint32
	LowPtr    uint32
	ClosePtr  uint32
	VolumePtr uint32
	AttrPtr   uint32
	Count     uint32
}

// ResultDescriptor is the backtest record (40 bytes).
type ResultDescriptor struct {
	EntryIndexPtr uint32
	ExitIndexPtr  uint32
	EntryPricePtr uint32
	ExitPricePtr  uint32
	ProfitPtr     uint32
	Count         uint32
	Capacity      uint32
	WinCount      uint32
	TotalProfit   float32
	MaxDrawdown   float32
}

// Sizes of the descriptor records in bytes.
var (
	ContextDescriptorSize = binary.Size(ContextDescriptor{})
	ResultDescriptorSize  = binary.Size(ResultDescriptor{})
)

// ReadContext decodes the context descriptor at addr.
func ReadContext(buf Buffer, addr uint32) (ContextDescriptor, error) {
	var d ContextDescriptor
	err := readDescriptor(buf, addr, &d)
	return d, err
}

// ReadResult decodes the result descriptor at addr.
func ReadResult(buf Buffer, addr uint32) (ResultDescriptor, error) {
	var d ResultDescriptor
	err := readDescriptor(buf, addr, &d)
	return d, err
}

// MarshalBinary returns the wire encoding of d.
func (d ContextDescriptor) MarshalBinary() ([]byte, error) {
	return binary.Append(nil, binary.LittleEndian, d)
}

// MarshalBinary returns the wire encoding of d.
func (d ResultDescriptor) MarshalBinary() ([]byte, error) {
	return binary.Append(nil, binary.LittleEndian, d)
}

func readDescriptor(buf Buffer, addr uint32, dst any) error {
	n := binary.Size(dst)
	raw, err := readAt(buf, addr, uint64(n))
	if err != nil {
		return fmt.Errorf("reading descriptor at %#x: %w", addr, err)
	}
	if _, err := binary.Decode(raw, binary.LittleEndian, dst); err != nil {
		return fmt.Errorf("decoding descriptor at %#x: %w", addr, err)
	}
	return nil
}

func outOfBounds(off uint32, n, size uint64) error {
	return fmt.Errorf("%w: [%#x, %#x) exceeds %d bytes", ErrOutOfBounds, off, uint64(off)+n, size)
}
