package quant_test

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kline-view/internal/bridge/demo"
	"kline-view/internal/memview"
	"kline-view/internal/quant"
)

func rows(n int) []demo.Row {
	out := make([]demo.Row, n)
	for i := range out {
		f := float32(i)
		out[i] = demo.Row{
			Time: int64(100 * (i + 1)), Open: 10 + f, High: 11 + f, Low: 9 + f,
			Close: 10.5 + f, Volume: 1000 + f, Attr: uint8(i % 3),
		}
	}
	return out
}

func TestContextViewEndToEnd(t *testing.T) {
	ctx := context.Background()
	a := demo.NewArena(64)
	addr, err := a.PutContext(ctx, []demo.Row{
		{Time: 100, Close: 10.0},
		{Time: 200, Close: 10.5},
		{Time: 300, Close: 11.0},
	})
	require.NoError(t, err)

	v, err := quant.NewContextView(a.Memory(), addr)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Count())
	assert.Equal(t, addr, v.Addr())

	closes, err := v.Closes()
	require.NoError(t, err)
	assert.Equal(t, float32(10.5), closes.At(1))

	times, err := v.Times()
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 200, 300}, times.AppendTo(nil))
}

func TestEveryColumnHasCountLength(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{1, 2, 17, 256} {
		a := demo.NewArena(128)
		addr, err := a.PutContext(ctx, rows(n))
		require.NoError(t, err)

		v, err := quant.NewContextView(a.Memory(), addr)
		require.NoError(t, err)
		c, err := v.Columns()
		require.NoError(t, err)

		for name, l := range map[string]int{
			"times": c.Times.Len(), "opens": c.Opens.Len(), "highs": c.Highs.Len(),
			"lows": c.Lows.Len(), "closes": c.Closes.Len(), "volumes": c.Volumes.Len(),
			"attributes": c.Attributes.Len(),
		} {
			assert.Equal(t, n, l, "%s with %d rows", name, n)
		}
		assert.Equal(t, float32(1000+n-1), c.Volumes.At(n-1))
		assert.Equal(t, uint8((n-1)%3), c.Attributes.At(n-1))
	}
}

func TestContextViewZeroAddress(t *testing.T) {
	_, err := quant.NewContextView(make(memview.Slice, 64), 0)
	assert.ErrorIs(t, err, memview.ErrInvalidDescriptor)
}

func TestContextViewBadPointers(t *testing.T) {
	buf := make(memview.Slice, 64)
	desc, err := memview.ContextDescriptor{ClosePtr: 40, TimePtr: 40, Count: 4}.MarshalBinary()
	require.NoError(t, err)
	copy(buf[8:], desc)

	v, err := quant.NewContextView(buf, 8)
	require.NoError(t, err)

	_, err = v.Closes() // 40 + 16 = 56: fits
	assert.NoError(t, err)
	_, err = v.Times() // 40 + 32 = 72: does not
	assert.ErrorIs(t, err, memview.ErrOutOfBounds)
	_, err = v.Columns()
	assert.ErrorIs(t, err, memview.ErrOutOfBounds)

	// absent columns stay empty, never an error
	o, err := v.Opens()
	require.NoError(t, err)
	assert.Zero(t, o.Len())

	_, err = quant.NewContextView(buf, 40)
	assert.ErrorIs(t, err, memview.ErrOutOfBounds)
}

func TestContextViewReprojectsAfterGrowth(t *testing.T) {
	ctx := context.Background()
	a := demo.NewArena(64)
	addr, err := a.PutContext(ctx, rows(4))
	require.NoError(t, err)
	v, err := quant.NewContextView(a.Memory(), addr)
	require.NoError(t, err)

	before, err := v.Closes()
	require.NoError(t, err)

	a.Grow(4096)
	d := v.Descriptor()
	require.NoError(t, a.Write(d.ClosePtr, binary.LittleEndian.AppendUint32(nil, math.Float32bits(99))))

	after, err := v.Closes()
	require.NoError(t, err)
	assert.Equal(t, float32(99), after.At(0))
	// a view kept across the growth still reads the old backing array
	assert.Equal(t, float32(10.5), before.At(0))
}

func TestIndicatorsLastWriteWins(t *testing.T) {
	ctx := context.Background()
	a := demo.NewArena(64)
	addr, err := a.PutContext(ctx, rows(2))
	require.NoError(t, err)
	v, err := quant.NewContextView(a.Memory(), addr)
	require.NoError(t, err)
	assert.Empty(t, v.Indicators())

	first := []quant.Indicator{{Name: "EMA20", Values: []float32{0, 1}, Color: "#2962FF"}}
	v.SetIndicators(first)
	first[0].Name = "mutated"
	assert.Equal(t, "EMA20", v.Indicators()[0].Name)

	v.SetIndicators([]quant.Indicator{{Name: "EMA60", Values: []float32{0, 0}}})
	require.Len(t, v.Indicators(), 1)
	assert.Equal(t, "EMA60", v.Indicators()[0].Name)

	v.SetIndicators(nil)
	assert.Empty(t, v.Indicators())
}

func TestWinRate(t *testing.T) {
	assert.Zero(t, quant.WinRate(0, 0))
	for count := uint32(1); count <= 20; count++ {
		for wins := uint32(0); wins <= count; wins++ {
			assert.Equal(t, float64(wins)/float64(count), quant.WinRate(wins, count))
		}
	}
}

func TestResultViewStatsAndColumns(t *testing.T) {
	ctx := context.Background()
	a := demo.NewArena(64)
	trades := []demo.Trade{
		{EntryIndex: 2, ExitIndex: 3, EntryPrice: 10, ExitPrice: 12, Profit: 2},
		{EntryIndex: 5, ExitIndex: 6, EntryPrice: 12, ExitPrice: 11, Profit: -1},
		{EntryIndex: 8, ExitIndex: 9, EntryPrice: 11, ExitPrice: 11.5, Profit: 0.5},
	}
	addr, err := a.PutResult(ctx, trades, 10)
	require.NoError(t, err)

	r, err := quant.NewResultView(a.Memory(), addr)
	require.NoError(t, err)

	s, err := r.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), s.Count)
	assert.Equal(t, uint32(10), s.Capacity)
	assert.Equal(t, uint32(2), s.WinCount)
	assert.InDelta(t, 1.5, s.TotalProfit, 1e-6)
	assert.InDelta(t, 1.0, s.MaxDrawdown, 1e-6)
	assert.InDelta(t, 2.0/3, s.WinRate(), 1e-12)

	entries, err := r.EntryIndices()
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 5, 8}, entries.AppendTo(nil))
	exits, err := r.ExitIndices()
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 6, 9}, exits.AppendTo(nil))
	ep, err := r.EntryPrices()
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 12, 11}, ep.AppendTo(nil))
	xp, err := r.ExitPrices()
	require.NoError(t, err)
	assert.Equal(t, []float32{12, 11, 11.5}, xp.AppendTo(nil))

	curve, err := r.EquityCurve()
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1, 1.5}, curve)
}

func TestEquityCurveIsPrefixSum(t *testing.T) {
	ctx := context.Background()
	profits := []float32{0.25, -1.5, 3, 0, -0.75, 2.125}
	var trades []demo.Trade
	for _, p := range profits {
		trades = append(trades, demo.Trade{Profit: p})
	}
	a := demo.NewArena(64)
	addr, err := a.PutResult(ctx, trades, 0)
	require.NoError(t, err)
	r, err := quant.NewResultView(a.Memory(), addr)
	require.NoError(t, err)

	curve, err := r.EquityCurve()
	require.NoError(t, err)
	require.Len(t, curve, len(profits))
	for i := range profits {
		var want float64
		for _, p := range profits[:i+1] {
			want += float64(p)
		}
		assert.InDelta(t, want, curve[i], 1e-9, "curve[%d]", i)
	}
}

func TestEmptyResult(t *testing.T) {
	ctx := context.Background()
	a := demo.NewArena(64)
	addr, err := a.PutResult(ctx, nil, 0)
	require.NoError(t, err)

	r, err := quant.NewResultView(a.Memory(), addr)
	require.NoError(t, err)
	s, err := r.Stats()
	require.NoError(t, err)
	assert.Zero(t, s.Count)
	assert.Zero(t, s.WinRate())

	curve, err := r.EquityCurve()
	require.NoError(t, err)
	assert.Empty(t, curve)

	p, err := r.Profits()
	require.NoError(t, err)
	assert.Zero(t, p.Len())
}

func TestResultViewZeroAddress(t *testing.T) {
	r, err := quant.NewResultView(make(memview.Slice, 64), 0)
	assert.ErrorIs(t, err, memview.ErrInvalidDescriptor)
	assert.Nil(t, r)
}

func TestResultViewRereadsDescriptor(t *testing.T) {
	ctx := context.Background()
	a := demo.NewArena(64)
	addr, err := a.PutResult(ctx, []demo.Trade{{Profit: 1}, {Profit: 2}}, 0)
	require.NoError(t, err)
	r, err := quant.NewResultView(a.Memory(), addr)
	require.NoError(t, err)

	// the engine shrinks the count in place
	require.NoError(t, a.Write(addr+20, binary.LittleEndian.AppendUint32(nil, 1)))

	s, err := r.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s.Count)
	curve, err := r.EquityCurve()
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, curve)
}
