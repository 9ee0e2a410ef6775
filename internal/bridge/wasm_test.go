package bridge_test

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"kline-view/internal/bridge"
	"kline-view/internal/memview"
	"kline-view/internal/quant"
)

// Minimal wasm binary encoder for test modules.

const (
	i32       = 0x7f
	secType   = 1
	secFunc   = 3
	secMemory = 5
	secExport = 7
	secCode   = 10
	kindFunc  = 0x00
	kindMem   = 0x02
)

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func vec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, payload []byte) []byte {
	return append(append([]byte{id}, uleb(uint32(len(payload)))...), payload...)
}

func name(s string) []byte { return append(uleb(uint32(len(s))), s...) }

func funcType(params, results int) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint32(params))...)
	for range params {
		out = append(out, i32)
	}
	out = append(out, uleb(uint32(results))...)
	for range results {
		out = append(out, i32)
	}
	return out
}

// body returns a function body that returns the constant ret, or nothing.
func body(ret *int32) []byte {
	code := []byte{0x00} // no locals
	if ret != nil {
		code = append(code, 0x41)
		code = append(code, sleb(*ret)...)
	}
	code = append(code, 0x0b)
	return append(uleb(uint32(len(code))), code...)
}

func memoryOnlyModule() []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	mod = append(mod, section(secMemory, vec([]byte{0x00, 0x01}))...)
	mod = append(mod, section(secExport, vec(append(name("memory"), kindMem, 0x00)))...)
	return mod
}

// stubEngineModule exports every engine function. alloc returns allocPtr,
// parse and backtest return 0.
func stubEngineModule(allocPtr int32) []byte {
	zero := int32(0)
	type fn struct {
		name            string
		params, results int
		ret             *int32
	}
	fns := []fn{
		{"alloc_memory", 1, 1, &allocPtr},
		{"free_memory", 0, 0, nil},
		{"parse_csv_wasm", 8, 1, &zero},
		{"run_analysis", 1, 0, nil},
		{"calculate_ema", 3, 0, nil},
		{"backtest_consecutive_trend_up", 2, 1, &zero},
	}

	var types, funcs, exports, bodies [][]byte
	exports = append(exports, append(name("memory"), kindMem, 0x00))
	for i, f := range fns {
		types = append(types, funcType(f.params, f.results))
		funcs = append(funcs, uleb(uint32(i)))
		exports = append(exports, append(append(name(f.name), kindFunc), uleb(uint32(i))...))
		bodies = append(bodies, body(f.ret))
	}

	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	mod = append(mod, section(secType, vec(types...))...)
	mod = append(mod, section(secFunc, vec(funcs...))...)
	mod = append(mod, section(secMemory, vec([]byte{0x00, 0x01}))...)
	mod = append(mod, section(secExport, vec(exports...))...)
	mod = append(mod, section(secCode, vec(bodies...))...)
	return mod
}

func TestOpenRejectsModuleWithoutExports(t *testing.T) {
	ctx := context.Background()

	_, err := bridge.Open(ctx, memoryOnlyModule(), bridge.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alloc_memory")
	assert.Contains(t, err.Error(), "backtest_consecutive_trend_up")
}

func TestOpenRejectsRenamedExports(t *testing.T) {
	ctx := context.Background()
	ex := bridge.DefaultExports()
	ex.Backtest = "backtest_mean_reversion"

	_, err := bridge.Open(ctx, stubEngineModule(1024), bridge.Options{Exports: ex})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backtest_mean_reversion")
}

func TestWasmEngineCalls(t *testing.T) {
	ctx := context.Background()
	e, err := bridge.Open(ctx, stubEngineModule(1024), bridge.Options{MemoryLimitPages: 4})
	require.NoError(t, err)
	defer e.Close(ctx)

	assert.Equal(t, uint32(65536), e.Memory().Size())

	ptr, err := e.Alloc(ctx, 64)
	require.NoError(t, err)
	assert.Equal(t, uint32(1024), ptr)
	require.NoError(t, e.Write(ptr, []byte("time,open\n1,2\n")))

	_, err = e.Parse(ctx, ptr, 14, bridge.DefaultColumns())
	assert.ErrorIs(t, err, bridge.ErrEngineFailed)

	_, err = e.Backtest(ctx, ptr, 2)
	assert.ErrorIs(t, err, bridge.ErrEngineFailed)

	assert.NoError(t, e.Analyze(ctx, ptr))
	assert.NoError(t, e.EMA(ctx, ptr, 20, ptr))
	assert.NoError(t, e.Free(ctx))

	err = e.Write(65530, make([]byte, 16))
	assert.ErrorIs(t, err, memview.ErrOutOfBounds)
}

func TestContextViewOverWasmMemorySurvivesGrowth(t *testing.T) {
	ctx := context.Background()
	e, err := bridge.Open(ctx, stubEngineModule(1024), bridge.Options{})
	require.NoError(t, err)
	defer e.Close(ctx)

	const (
		timePtr  = 256
		closePtr = 512
		descPtr  = 1024
	)
	times := binary.LittleEndian.AppendUint64(nil, 100)
	times = binary.LittleEndian.AppendUint64(times, 200)
	times = binary.LittleEndian.AppendUint64(times, 300)
	var closes []byte
	for _, c := range []float32{10, 10.5, 11} {
		closes = binary.LittleEndian.AppendUint32(closes, math.Float32bits(c))
	}
	desc, err := memview.ContextDescriptor{TimePtr: timePtr, ClosePtr: closePtr, Count: 3}.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, e.Write(timePtr, times))
	require.NoError(t, e.Write(closePtr, closes))
	require.NoError(t, e.Write(descPtr, desc))

	view, err := quant.NewContextView(e.Memory(), descPtr)
	require.NoError(t, err)
	assert.Equal(t, 3, view.Count())

	mem, ok := e.Memory().(api.Memory)
	require.True(t, ok)
	_, ok = mem.Grow(2)
	require.True(t, ok)
	assert.Equal(t, uint32(3*65536), e.Memory().Size())

	// an engine write after growth lands in the new backing memory
	require.NoError(t, e.Write(closePtr+4, binary.LittleEndian.AppendUint32(nil, math.Float32bits(12.5))))

	c, err := view.Closes()
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 12.5, 11}, c.AppendTo(nil))

	ts, err := view.Times()
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 200, 300}, ts.AppendTo(nil))
}
