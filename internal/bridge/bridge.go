// Package bridge is the call contract between the host and the numeric engine that
// owns the linear memory.
package bridge

import (
	"context"
	"errors"

	"kline-view/internal/memview"
)

// ErrEngineFailed is returned when an engine call signals failure by returning a
// zero pointer. The pointer is never projected.
var ErrEngineFailed = errors.New("bridge: engine call failed")

// ColumnConfig maps CSV column positions to dataset fields. -1 marks an absent column.
type ColumnConfig struct {
	Time   int32 `yaml:"time" json:"time" env:"TIME"`
	Open   int32 `yaml:"open" json:"open" env:"OPEN"`
	High   int32 `yaml:"high" json:"high" env:"HIGH"`
	Low    int32 `yaml:"low" json:"low" env:"LOW"`
	Close  int32 `yaml:"close" json:"close" env:"CLOSE"`
	Volume int32 `yaml:"volume" json:"volume" env:"VOLUME"`
}

// DefaultColumns is the time,open,high,low,close,volume header order.
func DefaultColumns() ColumnConfig {
	return ColumnConfig{Time: 0, Open: 1, High: 2, Low: 3, Close: 4, Volume: 5}
}

// Engine is the numeric engine as seen from the host.
//
// Free resets the engine's whole arena; every descriptor and view derived before it
// is invalid afterwards. Only call it once no consumer holds the reclaim lock.
type Engine interface {
	// Memory returns the handle to the engine's linear memory. The handle stays
	// valid across growth; slices read through it do not.
	Memory() memview.Buffer
	Alloc(ctx context.Context, n uint32) (uint32, error)
	Write(ptr uint32, b []byte) error
	Free(ctx context.Context) error
	Parse(ctx context.Context, ptr, n uint32, cols ColumnConfig) (uint32, error)
	Analyze(ctx context.Context, ctxPtr uint32) error
	EMA(ctx context.Context, ctxPtr, period, outPtr uint32) error
	Backtest(ctx context.Context, ctxPtr, param uint32) (uint32, error)
	Close(ctx context.Context) error
}
