package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"kline-view/internal/memview"
)

// Exports names the engine module's exported functions.
type Exports struct {
	Alloc    string `yaml:"alloc" env:"ALLOC"`
	Free     string `yaml:"free" env:"FREE"`
	Parse    string `yaml:"parse" env:"PARSE"`
	Analyze  string `yaml:"analyze" env:"ANALYZE"`
	EMA      string `yaml:"ema" env:"EMA"`
	Backtest string `yaml:"backtest" env:"BACKTEST"`
}

// DefaultExports returns the export names of the kline engine build.
func DefaultExports() Exports {
	return Exports{
		Alloc:    "alloc_memory",
		Free:     "free_memory",
		Parse:    "parse_csv_wasm",
		Analyze:  "run_analysis",
		EMA:      "calculate_ema",
		Backtest: "backtest_consecutive_trend_up",
	}
}

// Options configures a WasmEngine.
type Options struct {
	Exports Exports
	// WASI instantiates wasi_snapshot_preview1 before the engine module.
	WASI bool
	// MemoryLimitPages caps the engine memory in 64KiB pages. 0 keeps the runtime default.
	MemoryLimitPages uint32
}

// WasmEngine runs the engine module in a wazero runtime.
// It is not safe for concurrent use.
type WasmEngine struct {
	rt  wazero.Runtime
	mod api.Module
	mem api.Memory

	alloc    api.Function
	free     api.Function
	parse    api.Function
	analyze  api.Function
	ema      api.Function
	backtest api.Function
}

// OpenFile loads the engine module from path.
func OpenFile(ctx context.Context, path string, opts Options) (*WasmEngine, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading engine module %s: %w", path, err)
	}
	return Open(ctx, wasm, opts)
}

// Open compiles and instantiates the engine module.
func Open(ctx context.Context, wasm []byte, opts Options) (*WasmEngine, error) {
	if opts.Exports == (Exports{}) {
		opts.Exports = DefaultExports()
	}

	cfg := wazero.NewRuntimeConfig()
	if opts.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(opts.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if opts.WASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("instantiating WASI: %w", err)
		}
	}

	mod, err := rt.InstantiateWithConfig(ctx, wasm, wazero.NewModuleConfig().WithName("kline_engine"))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating engine module: %w", err)
	}

	e := &WasmEngine{rt: rt, mod: mod, mem: mod.Memory()}
	if e.mem == nil {
		_ = rt.Close(ctx)
		return nil, errors.New("engine module exports no memory")
	}

	var missing []string
	lookup := func(name string) api.Function {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			missing = append(missing, name)
		}
		return fn
	}
	e.alloc = lookup(opts.Exports.Alloc)
	e.free = lookup(opts.Exports.Free)
	e.parse = lookup(opts.Exports.Parse)
	e.analyze = lookup(opts.Exports.Analyze)
	e.ema = lookup(opts.Exports.EMA)
	e.backtest = lookup(opts.Exports.Backtest)
	if len(missing) > 0 {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("engine module is missing exports %v", missing)
	}
	return e, nil
}

// Memory returns the engine's linear memory.
func (e *WasmEngine) Memory() memview.Buffer { return e.mem }

// Alloc reserves n bytes in the engine arena.
func (e *WasmEngine) Alloc(ctx context.Context, n uint32) (uint32, error) {
	return e.callPtr(ctx, e.alloc, "alloc", api.EncodeU32(n))
}

// Write copies b into engine memory at ptr.
func (e *WasmEngine) Write(ptr uint32, b []byte) error {
	if !e.mem.Write(ptr, b) {
		return fmt.Errorf("writing %d bytes at %#x: %w", len(b), ptr, memview.ErrOutOfBounds)
	}
	return nil
}

// Free resets the engine arena.
func (e *WasmEngine) Free(ctx context.Context) error {
	if _, err := e.free.Call(ctx); err != nil {
		return fmt.Errorf("calling free: %w", err)
	}
	return nil
}

// Parse parses n bytes of CSV at ptr and returns the context descriptor address.
func (e *WasmEngine) Parse(ctx context.Context, ptr, n uint32, cols ColumnConfig) (uint32, error) {
	return e.callPtr(ctx, e.parse, "parse",
		api.EncodeU32(ptr), api.EncodeU32(n),
		api.EncodeI32(cols.Time), api.EncodeI32(cols.Open), api.EncodeI32(cols.High),
		api.EncodeI32(cols.Low), api.EncodeI32(cols.Close), api.EncodeI32(cols.Volume),
	)
}

// Analyze labels price action into the attributes column.
func (e *WasmEngine) Analyze(ctx context.Context, ctxPtr uint32) error {
	if _, err := e.analyze.Call(ctx, api.EncodeU32(ctxPtr)); err != nil {
		return fmt.Errorf("calling analyze: %w", err)
	}
	return nil
}

// EMA writes the period-EMA of the close column into outPtr (count float32s).
func (e *WasmEngine) EMA(ctx context.Context, ctxPtr, period, outPtr uint32) error {
	if _, err := e.ema.Call(ctx, api.EncodeU32(ctxPtr), api.EncodeU32(period), api.EncodeU32(outPtr)); err != nil {
		return fmt.Errorf("calling ema: %w", err)
	}
	return nil
}

// Backtest runs the strategy and returns the result descriptor address.
func (e *WasmEngine) Backtest(ctx context.Context, ctxPtr, param uint32) (uint32, error) {
	return e.callPtr(ctx, e.backtest, "backtest", api.EncodeU32(ctxPtr), api.EncodeU32(param))
}

// Close tears down the runtime and the module.
func (e *WasmEngine) Close(ctx context.Context) error {
	return e.rt.Close(ctx)
}

func (e *WasmEngine) callPtr(ctx context.Context, fn api.Function, name string, params ...uint64) (uint32, error) {
	res, err := fn.Call(ctx, params...)
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", name, err)
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("calling %s: no result", name)
	}
	ptr := api.DecodeU32(res[0])
	if ptr == 0 {
		return 0, fmt.Errorf("%s returned a null pointer: %w", name, ErrEngineFailed)
	}
	return ptr, nil
}
