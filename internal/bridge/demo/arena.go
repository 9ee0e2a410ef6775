// Package demo provides an in-process engine with the same memory contract as
// the wasm engine: one bump arena over a byte slice that is reallocated, not
// extended in place, when it grows.
package demo

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"kline-view/internal/bridge"
	"kline-view/internal/memview"
)

const (
	align    = 8
	reserved = 8 // keeps 0 free as the null pointer
)

// Row is one dataset row.
type Row struct {
	Time   int64
	Open   float32
	High   float32
	Low    float32
	Close  float32
	Volume float32
	Attr   uint8
}

// Trade is one backtest trade.
type Trade struct {
	EntryIndex uint32
	ExitIndex  uint32
	EntryPrice float32
	ExitPrice  float32
	Profit     float32
}

// Price-action tags written by Analyze.
const (
	AttrFlat uint8 = 0
	AttrBull uint8 = 1
	AttrBear uint8 = 2
)

// Arena is an in-process engine for demo mode and tests. The zero value is not
// usable; call NewArena.
type Arena struct {
	mem     []byte
	top     uint32
	resets  int
	growths int
	closed  bool
}

var _ bridge.Engine = (*Arena)(nil)

// NewArena returns an arena with the given initial capacity in bytes.
func NewArena(capacity int) *Arena {
	if capacity < reserved {
		capacity = reserved
	}
	return &Arena{mem: make([]byte, capacity), top: reserved}
}

type memory struct{ a *Arena }

func (m memory) Size() uint32 { return uint32(len(m.a.mem)) }

func (m memory) Read(offset, byteCount uint32) ([]byte, bool) {
	return memview.Slice(m.a.mem).Read(offset, byteCount)
}

// Memory returns a handle that always reads the current backing array.
func (a *Arena) Memory() memview.Buffer { return memory{a} }

// Resets returns how many times Free ran.
func (a *Arena) Resets() int { return a.resets }

// Growths returns how many times the backing array was reallocated.
func (a *Arena) Growths() int { return a.growths }

// Used returns the bytes currently allocated, including the reserved null page.
func (a *Arena) Used() uint32 { return a.top }

// Grow reallocates the backing array with n more bytes.
func (a *Arena) Grow(n int) {
	next := make([]byte, len(a.mem)+n)
	copy(next, a.mem)
	a.mem = next
	a.growths++
}

// Alloc reserves n bytes, 8-byte aligned.
func (a *Arena) Alloc(_ context.Context, n uint32) (uint32, error) {
	if a.closed {
		return 0, fmt.Errorf("arena closed: %w", bridge.ErrEngineFailed)
	}
	ptr := (a.top + align - 1) &^ (align - 1)
	end := uint64(ptr) + uint64(n)
	if end > math.MaxUint32 {
		return 0, fmt.Errorf("alloc %d bytes: %w", n, bridge.ErrEngineFailed)
	}
	if end > uint64(len(a.mem)) {
		a.Grow(max(len(a.mem), int(end)-len(a.mem)))
	}
	a.top = uint32(end)
	return ptr, nil
}

// Write copies b to ptr.
func (a *Arena) Write(ptr uint32, b []byte) error {
	dst, ok := memview.Slice(a.mem).Read(ptr, uint32(len(b)))
	if !ok {
		return fmt.Errorf("writing %d bytes at %#x: %w", len(b), ptr, memview.ErrOutOfBounds)
	}
	copy(dst, b)
	return nil
}

// Free resets the arena and zeroes the released bytes.
func (a *Arena) Free(context.Context) error {
	clear(a.mem[reserved:a.top])
	a.top = reserved
	a.resets++
	return nil
}

// Close marks the arena unusable.
func (a *Arena) Close(context.Context) error {
	a.closed = true
	return nil
}

// Parse reads CSV text at ptr. Lines with unparsable fields, a header included, are
// skipped.
func (a *Arena) Parse(ctx context.Context, ptr, n uint32, cols bridge.ColumnConfig) (uint32, error) {
	raw, ok := memview.Slice(a.mem).Read(ptr, n)
	if !ok {
		return 0, fmt.Errorf("parse input: %w", memview.ErrOutOfBounds)
	}
	// copy before allocating: allocation may move the backing array
	text := string(raw)

	var rows []Row
	for line := range strings.Lines(text) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		row, ok := parseRow(fields, cols)
		if !ok {
			continue
		}
		rows = append(rows, row)
	}
	return a.PutContext(ctx, rows)
}

// Analyze tags every row bull, bear or flat by close versus open.
func (a *Arena) Analyze(_ context.Context, ctxPtr uint32) error {
	d, err := memview.ReadContext(a.Memory(), ctxPtr)
	if err != nil {
		return err
	}
	opens, err := memview.Project[float32](a.Memory(), d.OpenPtr, d.Count)
	if err != nil {
		return err
	}
	closes, err := memview.Project[float32](a.Memory(), d.ClosePtr, d.Count)
	if err != nil {
		return err
	}
	attrs, err := memview.Project[uint8](a.Memory(), d.AttrPtr, d.Count)
	if err != nil {
		return err
	}
	out := attrs.Bytes()
	for i := range int(d.Count) {
		switch o, c := opens.At(i), closes.At(i); {
		case c > o:
			out[i] = AttrBull
		case c < o:
			out[i] = AttrBear
		default:
			out[i] = AttrFlat
		}
	}
	return nil
}

// EMA writes the period-EMA of closes to outPtr. Rows before the seed are 0.
func (a *Arena) EMA(_ context.Context, ctxPtr, period, outPtr uint32) error {
	d, err := memview.ReadContext(a.Memory(), ctxPtr)
	if err != nil {
		return err
	}
	closes, err := memview.Project[float32](a.Memory(), d.ClosePtr, d.Count)
	if err != nil {
		return err
	}
	vals := make([]float32, d.Count)
	if period > 0 && period <= d.Count {
		k := 2 / (float64(period) + 1)
		var sum float64
		for i := range int(period) {
			sum += float64(closes.At(i))
		}
		ema := sum / float64(period)
		vals[period-1] = float32(ema)
		for i := int(period); i < int(d.Count); i++ {
			ema = float64(closes.At(i))*k + ema*(1-k)
			vals[i] = float32(ema)
		}
	}
	return a.Write(outPtr, float32Bytes(vals))
}

// Backtest enters after param consecutive higher closes and exits on the next bar.
func (a *Arena) Backtest(ctx context.Context, ctxPtr, param uint32) (uint32, error) {
	d, err := memview.ReadContext(a.Memory(), ctxPtr)
	if err != nil {
		return 0, err
	}
	closes, err := memview.Project[float32](a.Memory(), d.ClosePtr, d.Count)
	if err != nil {
		return 0, err
	}
	if param == 0 {
		return 0, fmt.Errorf("backtest param 0: %w", bridge.ErrEngineFailed)
	}

	var trades []Trade
	run := uint32(0)
	for i := 1; i < int(d.Count); i++ {
		if closes.At(i) > closes.At(i-1) {
			run++
		} else {
			run = 0
		}
		if run >= param && i+1 < int(d.Count) {
			entry, exit := closes.At(i), closes.At(i+1)
			trades = append(trades, Trade{
				EntryIndex: uint32(i),
				ExitIndex:  uint32(i + 1),
				EntryPrice: entry,
				ExitPrice:  exit,
				Profit:     exit - entry,
			})
			run = 0
		}
	}
	return a.PutResult(ctx, trades, d.Count)
}

// PutContext writes rows as columns plus a context descriptor and returns the
// descriptor address.
func (a *Arena) PutContext(ctx context.Context, rows []Row) (uint32, error) {
	n := len(rows)
	times := make([]byte, 0, 8*n)
	var opens, highs, lows, closes, volumes []float32
	attrs := make([]byte, 0, n)
	for _, r := range rows {
		times = binary.LittleEndian.AppendUint64(times, uint64(r.Time))
		opens = append(opens, r.Open)
		highs = append(highs, r.High)
		lows = append(lows, r.Low)
		closes = append(closes, r.Close)
		volumes = append(volumes, r.Volume)
		attrs = append(attrs, r.Attr)
	}

	var d memview.ContextDescriptor
	var err error
	for _, col := range []struct {
		dst  *uint32
		data []byte
	}{
		{&d.TimePtr, times},
		{&d.OpenPtr, float32Bytes(opens)},
		{&d.HighPtr, float32Bytes(highs)},
		{&d.LowPtr, float32Bytes(lows)},
		{&d.ClosePtr, float32Bytes(closes)},
		{&d.VolumePtr, float32Bytes(volumes)},
		{&d.AttrPtr, attrs},
	} {
		if *col.dst, err = a.put(ctx, col.data); err != nil {
			return 0, err
		}
	}
	d.Count = uint32(n)
	return a.putDescriptor(ctx, d)
}

// PutResult writes trades plus a result descriptor with derived statistics and
// returns the descriptor address. capacity below len(trades) is raised to it.
func (a *Arena) PutResult(ctx context.Context, trades []Trade, capacity uint32) (uint32, error) {
	capacity = max(capacity, uint32(len(trades)))
	var (
		entries, exits               []byte
		entryPrices, exitPrices, pnl []float32
		d                            memview.ResultDescriptor
		equity, peak                 float64
	)
	for _, t := range trades {
		entries = binary.LittleEndian.AppendUint32(entries, t.EntryIndex)
		exits = binary.LittleEndian.AppendUint32(exits, t.ExitIndex)
		entryPrices = append(entryPrices, t.EntryPrice)
		exitPrices = append(exitPrices, t.ExitPrice)
		pnl = append(pnl, t.Profit)
		if t.Profit > 0 {
			d.WinCount++
		}
		equity += float64(t.Profit)
		peak = max(peak, equity)
		d.MaxDrawdown = max(d.MaxDrawdown, float32(peak-equity))
	}
	d.Count = uint32(len(trades))
	d.Capacity = capacity
	d.TotalProfit = float32(equity)

	var err error
	for _, col := range []struct {
		dst  *uint32
		data []byte
		size uint32
	}{
		{&d.EntryIndexPtr, entries, 4},
		{&d.ExitIndexPtr, exits, 4},
		{&d.EntryPricePtr, float32Bytes(entryPrices), 4},
		{&d.ExitPricePtr, float32Bytes(exitPrices), 4},
		{&d.ProfitPtr, float32Bytes(pnl), 4},
	} {
		if *col.dst, err = a.putCap(ctx, col.data, capacity*col.size); err != nil {
			return 0, err
		}
	}
	return a.putDescriptor(ctx, d)
}

func (a *Arena) putDescriptor(ctx context.Context, d interface{ MarshalBinary() ([]byte, error) }) (uint32, error) {
	raw, err := d.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return a.put(ctx, raw)
}

func (a *Arena) put(ctx context.Context, data []byte) (uint32, error) {
	return a.putCap(ctx, data, uint32(len(data)))
}

// putCap allocates max(size, len(data)) bytes and writes data at the start.
// Empty allocations return 0, the absent-column pointer.
func (a *Arena) putCap(ctx context.Context, data []byte, size uint32) (uint32, error) {
	size = max(size, uint32(len(data)))
	if size == 0 {
		return 0, nil
	}
	ptr, err := a.Alloc(ctx, size)
	if err != nil {
		return 0, err
	}
	return ptr, a.Write(ptr, data)
}

func parseRow(fields []string, cols bridge.ColumnConfig) (Row, bool) {
	num := func(idx int32) (float64, bool) {
		if idx < 0 {
			return 0, true
		}
		if int(idx) >= len(fields) {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[idx]), 64)
		return v, err == nil
	}
	var r Row
	t, ok := num(cols.Time)
	if !ok {
		return Row{}, false
	}
	r.Time = int64(t)
	for _, f := range []struct {
		dst *float32
		idx int32
	}{
		{&r.Open, cols.Open}, {&r.High, cols.High}, {&r.Low, cols.Low},
		{&r.Close, cols.Close}, {&r.Volume, cols.Volume},
	} {
		v, ok := num(f.idx)
		if !ok {
			return Row{}, false
		}
		*f.dst = float32(v)
	}
	return r, true
}

func float32Bytes(vals []float32) []byte {
	out := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}
