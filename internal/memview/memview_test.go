package memview_test

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kline-view/internal/memview"
)

func putF32(b []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(b[off:], math.Float32bits(v))
}

func TestDescriptorSizes(t *testing.T) {
	assert.Equal(t, 32, memview.ContextDescriptorSize)
	assert.Equal(t, 40, memview.ResultDescriptorSize)
}

func TestReadContextLayout(t *testing.T) {
	buf := make(memview.Slice, 128)
	base := 16
	for i := range 7 {
		binary.LittleEndian.PutUint32(buf[base+4*i:], uint32(100+i))
	}
	binary.LittleEndian.PutUint32(buf[base+28:], 42)

	d, err := memview.ReadContext(buf, uint32(base))
	require.NoError(t, err)
	assert.Equal(t, memview.ContextDescriptor{
		TimePtr: 100, OpenPtr: 101, HighPtr: 102, LowPtr: 103,
		ClosePtr: 104, VolumePtr: 105, AttrPtr: 106, Count: 42,
	}, d)

	raw, err := d.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte(buf[base:base+32]), raw)
}

func TestReadResultLayout(t *testing.T) {
	buf := make(memview.Slice, 64)
	for i := range 5 {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(8*(i+1)))
	}
	binary.LittleEndian.PutUint32(buf[20:], 3)
	binary.LittleEndian.PutUint32(buf[24:], 16)
	binary.LittleEndian.PutUint32(buf[28:], 2)
	putF32(buf, 32, 12.5)
	putF32(buf, 36, -4.25)

	d, err := memview.ReadResult(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), d.EntryIndexPtr)
	assert.Equal(t, uint32(40), d.ProfitPtr)
	assert.Equal(t, uint32(3), d.Count)
	assert.Equal(t, uint32(16), d.Capacity)
	assert.Equal(t, uint32(2), d.WinCount)
	assert.Equal(t, float32(12.5), d.TotalProfit)
	assert.Equal(t, float32(-4.25), d.MaxDrawdown)
}

func TestReadDescriptorOutOfBounds(t *testing.T) {
	buf := make(memview.Slice, 40)

	_, err := memview.ReadContext(buf, 8)
	require.NoError(t, err)
	_, err = memview.ReadContext(buf, 9)
	assert.ErrorIs(t, err, memview.ErrOutOfBounds)

	_, err = memview.ReadResult(buf, 0)
	require.NoError(t, err)
	_, err = memview.ReadResult(buf, 1)
	assert.ErrorIs(t, err, memview.ErrOutOfBounds)

	_, err = memview.ReadContext(buf, math.MaxUint32)
	assert.ErrorIs(t, err, memview.ErrOutOfBounds)
}

func TestProjectAbsentColumnIsEmpty(t *testing.T) {
	buf := make(memview.Slice, 16)

	v, err := memview.Project[float32](buf, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Len())

	w, err := memview.Project[int64](buf, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Len())

	// absent columns are valid even on an empty buffer
	_, err = memview.Project[uint8](memview.Slice(nil), 0, 7)
	assert.NoError(t, err)
}

func TestProjectBounds(t *testing.T) {
	buf := make(memview.Slice, 64)
	tests := []struct {
		name  string
		do    func() (int, error)
		fails bool
	}{
		{"float32 fits exactly", func() (int, error) {
			v, err := memview.Project[float32](buf, 32, 8)
			return v.Len(), err
		}, false},
		{"float32 one past", func() (int, error) {
			v, err := memview.Project[float32](buf, 32, 9)
			return v.Len(), err
		}, true},
		{"int64 fits exactly", func() (int, error) {
			v, err := memview.Project[int64](buf, 8, 7)
			return v.Len(), err
		}, false},
		{"int64 one past", func() (int, error) {
			v, err := memview.Project[int64](buf, 8, 8)
			return v.Len(), err
		}, true},
		{"uint8 fits exactly", func() (int, error) {
			v, err := memview.Project[uint8](buf, 63, 1)
			return v.Len(), err
		}, false},
		{"uint32 overflowing count", func() (int, error) {
			v, err := memview.Project[uint32](buf, 0xFFFFFFF0, math.MaxUint32)
			return v.Len(), err
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := tt.do()
			if tt.fails {
				assert.ErrorIs(t, err, memview.ErrOutOfBounds)
				assert.Equal(t, 0, n)
				return
			}
			require.NoError(t, err)
			assert.Positive(t, n)
		})
	}
}

func TestViewDecodesAndAliases(t *testing.T) {
	buf := make(memview.Slice, 64)
	binary.LittleEndian.PutUint64(buf[8:], uint64(100))
	binary.LittleEndian.PutUint64(buf[16:], uint64(math.MaxUint64)) // -1
	putF32(buf, 24, 10.5)
	putF32(buf, 28, -2)
	binary.LittleEndian.PutUint32(buf[32:], 7)
	buf[40] = 0xA5

	times, err := memview.Project[int64](buf, 8, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, -1}, times.AppendTo(nil))

	prices, err := memview.Project[float32](buf, 24, 2)
	require.NoError(t, err)
	assert.Equal(t, float32(10.5), prices.At(0))
	assert.Equal(t, float32(-2), prices.At(1))

	idx, err := memview.Project[uint32](buf, 32, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), idx.At(0))

	attrs, err := memview.Project[uint8](buf, 40, 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xA5), attrs.At(0))

	// no copy: writes to the buffer are visible through the view
	putF32(buf, 28, 3.25)
	assert.Equal(t, float32(3.25), prices.At(1))
	assert.Len(t, prices.Bytes(), 8)

	var seen []float32
	for i, v := range prices.All() {
		assert.Equal(t, len(seen), i)
		seen = append(seen, v)
	}
	assert.Equal(t, []float32{10.5, 3.25}, seen)
}

func TestAppendToKeepsPrefix(t *testing.T) {
	buf := make(memview.Slice, 16)
	binary.LittleEndian.PutUint32(buf[4:], 1)
	binary.LittleEndian.PutUint32(buf[8:], 2)

	v, err := memview.Project[uint32](buf, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{9, 1, 2}, v.AppendTo([]uint32{9}))
}

func TestMapFile(t *testing.T) {
	img := make([]byte, 64)
	d := memview.ContextDescriptor{TimePtr: 40, Count: 3}
	raw, err := d.MarshalBinary()
	require.NoError(t, err)
	copy(img, raw)

	path := filepath.Join(t.TempDir(), "memory.bin")
	require.NoError(t, os.WriteFile(path, img, 0o600))

	m, err := memview.MapFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), m.Size())

	got, err := memview.ReadContext(m, 0)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	// 3 int64 rows at 40 end at 64: in range; a fourth row would not be
	_, err = memview.Project[int64](m, got.TimePtr, got.Count)
	require.NoError(t, err)
	_, err = memview.Project[int64](m, got.TimePtr, got.Count+1)
	assert.ErrorIs(t, err, memview.ErrOutOfBounds)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
