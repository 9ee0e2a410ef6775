// Package quant exposes the engine's parsed dataset and backtest records as
// zero-copy views.
//
// The views own no memory. Column accessors re-project from the stored pointers on
// every call, so a view stays usable after the engine grows its memory as long as the
// caller does not keep the returned column across that growth.
package quant

import (
	"errors"
	"fmt"
	"slices"

	"kline-view/internal/memview"
)

// ErrMissingColumn is returned by RequireLen for a column the engine left absent or
// short. An absent column projects as an empty view.
var ErrMissingColumn = errors.New("quant: missing column")

// RequireLen checks that col holds exactly n elements.
func RequireLen[T memview.Element](name string, col memview.View[T], n int) error {
	if col.Len() != n {
		return fmt.Errorf("%s column has %d of %d rows: %w", name, col.Len(), n, ErrMissingColumn)
	}
	return nil
}

// Indicator is a derived series computed on the host and attached to a dataset.
// Values is parallel to the dataset rows.
type Indicator struct {
	Name   string    `json:"name"`
	Values []float32 `json:"values"`
	Color  string    `json:"color,omitempty"`
}

// Columns is one projection of every dataset column.
type Columns struct {
	Times      memview.View[int64]
	Opens      memview.View[float32]
	Highs      memview.View[float32]
	Lows       memview.View[float32]
	Closes     memview.View[float32]
	Volumes    memview.View[float32]
	Attributes memview.View[uint8]
}

// ContextView is a view of one parsed dataset.
type ContextView struct {
	buf        memview.Buffer
	addr       uint32
	desc       memview.ContextDescriptor
	indicators []Indicator
}

// NewContextView decodes the context descriptor at addr.
func NewContextView(buf memview.Buffer, addr uint32) (*ContextView, error) {
	if addr == 0 {
		return nil, fmt.Errorf("context view: %w", memview.ErrInvalidDescriptor)
	}
	desc, err := memview.ReadContext(buf, addr)
	if err != nil {
		return nil, fmt.Errorf("context view: %w", err)
	}
	return &ContextView{buf: buf, addr: addr, desc: desc}, nil
}

// Addr returns the descriptor address, as passed back to the engine.
func (v *ContextView) Addr() uint32 { return v.addr }

// Count returns the row count. Every column has exactly this length.
func (v *ContextView) Count() int { return int(v.desc.Count) }

// Descriptor returns the decoded descriptor.
func (v *ContextView) Descriptor() memview.ContextDescriptor { return v.desc }

// Times returns the time column.
func (v *ContextView) Times() (memview.View[int64], error) {
	return project[int64](v, "time", v.desc.TimePtr)
}

// Opens returns the open price column.
func (v *ContextView) Opens() (memview.View[float32], error) {
	return project[float32](v, "open", v.desc.OpenPtr)
}

// Highs returns the high price column.
func (v *ContextView) Highs() (memview.View[float32], error) {
	return project[float32](v, "high", v.desc.HighPtr)
}

// Lows returns the low price column.
func (v *ContextView) Lows() (memview.View[float32], error) {
	return project[float32](v, "low", v.desc.LowPtr)
}

// Closes returns the close price column.
func (v *ContextView) Closes() (memview.View[float32], error) {
	return project[float32](v, "close", v.desc.ClosePtr)
}

// Volumes returns the volume column.
func (v *ContextView) Volumes() (memview.View[float32], error) {
	return project[float32](v, "volume", v.desc.VolumePtr)
}

// Attributes returns the per-row price-action tag column.
func (v *ContextView) Attributes() (memview.View[uint8], error) {
	return project[uint8](v, "attributes", v.desc.AttrPtr)
}

// Columns projects every column at once. The first failing column aborts.
func (v *ContextView) Columns() (Columns, error) {
	var (
		c   Columns
		err error
	)
	if c.Times, err = v.Times(); err != nil {
		return Columns{}, err
	}
	if c.Opens, err = v.Opens(); err != nil {
		return Columns{}, err
	}
	if c.Highs, err = v.Highs(); err != nil {
		return Columns{}, err
	}
	if c.Lows, err = v.Lows(); err != nil {
		return Columns{}, err
	}
	if c.Closes, err = v.Closes(); err != nil {
		return Columns{}, err
	}
	if c.Volumes, err = v.Volumes(); err != nil {
		return Columns{}, err
	}
	if c.Attributes, err = v.Attributes(); err != nil {
		return Columns{}, err
	}
	return c, nil
}

// SetIndicators replaces the attached indicator list.
func (v *ContextView) SetIndicators(list []Indicator) {
	v.indicators = slices.Clone(list)
}

// Indicators returns the attached indicator list.
func (v *ContextView) Indicators() []Indicator {
	return v.indicators
}

func project[T memview.Element](v *ContextView, column string, ptr uint32) (memview.View[T], error) {
	col, err := memview.Project[T](v.buf, ptr, v.desc.Count)
	if err != nil {
		return memview.View[T]{}, fmt.Errorf("%s column: %w", column, err)
	}
	return col, nil
}
