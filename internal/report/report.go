// Package report records backtest statistics from the latest ingest.
package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kline-view/internal/quant"
	"kline-view/internal/reclaim"
)

// Trade is one closed trade.
type Trade struct {
	EntryIndex uint32  `json:"entryIndex"`
	ExitIndex  uint32  `json:"exitIndex"`
	EntryPrice float32 `json:"entryPrice"`
	ExitPrice  float32 `json:"exitPrice"`
	Profit     float32 `json:"profit"`
}

// Report is a host-owned copy of one backtest result.
type Report struct {
	Stats       quant.Stats `json:"stats"`
	WinRate     float64     `json:"winRate"`
	EquityCurve []float64   `json:"equityCurve"`
	Trades      []Trade     `json:"trades"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Recorder keeps the report of the most recent ingest.
type Recorder struct {
	id     string
	lock   *reclaim.Lock
	logger *zap.Logger

	mu     sync.RWMutex
	latest *Report
}

// NewRecorder creates a recorder registered on lock under id.
func NewRecorder(id string, lock *reclaim.Lock) *Recorder {
	return &Recorder{id: id, lock: lock, logger: zap.NewNop()}
}

// ID returns the consumer id.
func (r *Recorder) ID() string { return r.id }

// SetLogger sets the structured logger.
func (r *Recorder) SetLogger(logger *zap.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Consume copies the result out of engine memory. A nil or empty result clears the
// report.
func (r *Recorder) Consume(_ context.Context, _ *quant.ContextView, result *quant.ResultView) error {
	if result == nil {
		r.set(nil)
		return nil
	}

	release := r.lock.Hold(r.id)
	defer release()

	rep, err := build(result)
	if err != nil {
		return err
	}
	if rep.Stats.Count == 0 {
		r.set(nil)
		return nil
	}
	r.set(&rep)
	r.logger.Info("backtest_recorded",
		zap.Uint32("trades", rep.Stats.Count),
		zap.Float64("win_rate", rep.WinRate),
		zap.Float32("total_profit", rep.Stats.TotalProfit),
		zap.Float32("max_drawdown", rep.Stats.MaxDrawdown),
	)
	return nil
}

// Latest returns the most recent report, if any.
func (r *Recorder) Latest() (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return Report{}, false
	}
	return *r.latest, true
}

func (r *Recorder) set(rep *Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = rep
}

func build(result *quant.ResultView) (Report, error) {
	stats, err := result.Stats()
	if err != nil {
		return Report{}, fmt.Errorf("report stats: %w", err)
	}
	entries, err := result.EntryIndices()
	if err != nil {
		return Report{}, fmt.Errorf("report trades: %w", err)
	}
	exits, err := result.ExitIndices()
	if err != nil {
		return Report{}, fmt.Errorf("report trades: %w", err)
	}
	entryPrices, err := result.EntryPrices()
	if err != nil {
		return Report{}, fmt.Errorf("report trades: %w", err)
	}
	exitPrices, err := result.ExitPrices()
	if err != nil {
		return Report{}, fmt.Errorf("report trades: %w", err)
	}
	profits, err := result.Profits()
	if err != nil {
		return Report{}, fmt.Errorf("report trades: %w", err)
	}

	n := int(stats.Count)
	if err := errors.Join(
		quant.RequireLen("entry index", entries, n),
		quant.RequireLen("exit index", exits, n),
		quant.RequireLen("entry price", entryPrices, n),
		quant.RequireLen("exit price", exitPrices, n),
		quant.RequireLen("profit", profits, n),
	); err != nil {
		return Report{}, fmt.Errorf("report trades: %w", err)
	}
	trades := make([]Trade, n)
	for i := range trades {
		trades[i] = Trade{
			EntryIndex: entries.At(i),
			ExitIndex:  exits.At(i),
			EntryPrice: entryPrices.At(i),
			ExitPrice:  exitPrices.At(i),
			Profit:     profits.At(i),
		}
	}
	return Report{
		Stats:       stats,
		WinRate:     stats.WinRate(),
		EquityCurve: quant.EquityCurve(profits),
		Trades:      trades,
		UpdatedAt:   time.Now(),
	}, nil
}
