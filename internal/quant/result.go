package quant

import (
	"fmt"

	"kline-view/internal/memview"
)

// Stats holds the scalar fields of a backtest record.
type Stats struct {
	Count       uint32  `json:"count"`
	Capacity    uint32  `json:"capacity"`
	WinCount    uint32  `json:"winCount"`
	TotalProfit float32 `json:"totalProfit"`
	MaxDrawdown float32 `json:"maxDrawdown"`
}

// WinRate returns WinCount/Count, or 0 when there are no trades.
func (s Stats) WinRate() float64 { return WinRate(s.WinCount, s.Count) }

// WinRate returns wins/count, or 0 when count is 0.
func WinRate(wins, count uint32) float64 {
	if count == 0 {
		return 0
	}
	return float64(wins) / float64(count)
}

// ResultView is a view of one backtest record. Every accessor re-reads the
// descriptor, since the engine may rewrite it in place.
type ResultView struct {
	buf  memview.Buffer
	addr uint32
}

// NewResultView binds a view to the result descriptor at addr. A zero address
// means the backtest failed and there is no result to view.
func NewResultView(buf memview.Buffer, addr uint32) (*ResultView, error) {
	if addr == 0 {
		return nil, fmt.Errorf("result view: %w", memview.ErrInvalidDescriptor)
	}
	if _, err := memview.ReadResult(buf, addr); err != nil {
		return nil, fmt.Errorf("result view: %w", err)
	}
	return &ResultView{buf: buf, addr: addr}, nil
}

// Addr returns the descriptor address.
func (r *ResultView) Addr() uint32 { return r.addr }

// Stats decodes the scalar statistics.
func (r *ResultView) Stats() (Stats, error) {
	d, err := r.descriptor()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Count:       d.Count,
		Capacity:    d.Capacity,
		WinCount:    d.WinCount,
		TotalProfit: d.TotalProfit,
		MaxDrawdown: d.MaxDrawdown,
	}, nil
}

// EntryIndices returns the row index each trade entered at.
func (r *ResultView) EntryIndices() (memview.View[uint32], error) {
	return column[uint32](r, "entry index", func(d memview.ResultDescriptor) uint32 { return d.EntryIndexPtr })
}

// ExitIndices returns the row index each trade exited at.
func (r *ResultView) ExitIndices() (memview.View[uint32], error) {
	return column[uint32](r, "exit index", func(d memview.ResultDescriptor) uint32 { return d.ExitIndexPtr })
}

// EntryPrices returns the entry price per trade.
func (r *ResultView) EntryPrices() (memview.View[float32], error) {
	return column[float32](r, "entry price", func(d memview.ResultDescriptor) uint32 { return d.EntryPricePtr })
}

// ExitPrices returns the exit price per trade.
func (r *ResultView) ExitPrices() (memview.View[float32], error) {
	return column[float32](r, "exit price", func(d memview.ResultDescriptor) uint32 { return d.ExitPricePtr })
}

// Profits returns the profit per trade.
func (r *ResultView) Profits() (memview.View[float32], error) {
	return column[float32](r, "profit", func(d memview.ResultDescriptor) uint32 { return d.ProfitPtr })
}

// EquityCurve returns the running sum of Profits. It is recomputed on every call;
// call it right after the run, before the engine memory is reclaimed.
func (r *ResultView) EquityCurve() ([]float64, error) {
	profits, err := r.Profits()
	if err != nil {
		return nil, err
	}
	return EquityCurve(profits), nil
}

// EquityCurve returns the prefix sums of profits.
func EquityCurve(profits memview.View[float32]) []float64 {
	curve := make([]float64, profits.Len())
	var sum float64
	for i, p := range profits.All() {
		sum += float64(p)
		curve[i] = sum
	}
	return curve
}

func (r *ResultView) descriptor() (memview.ResultDescriptor, error) {
	d, err := memview.ReadResult(r.buf, r.addr)
	if err != nil {
		return memview.ResultDescriptor{}, fmt.Errorf("result view: %w", err)
	}
	return d, nil
}

func column[T memview.Element](r *ResultView, name string, ptr func(memview.ResultDescriptor) uint32) (memview.View[T], error) {
	d, err := r.descriptor()
	if err != nil {
		return memview.View[T]{}, err
	}
	col, err := memview.Project[T](r.buf, ptr(d), d.Count)
	if err != nil {
		return memview.View[T]{}, fmt.Errorf("%s column: %w", name, err)
	}
	return col, nil
}
