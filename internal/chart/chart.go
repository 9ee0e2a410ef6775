// Package chart keeps a host-owned candlestick chart built from ingest views:
// candles, indicator overlays and trade markers.
package chart

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"kline-view/internal/memview"
	"kline-view/internal/quant"
	"kline-view/internal/reclaim"
)

// Candle colours by direction.
const (
	UpColor   = "#26a69a"
	DownColor = "#ef5350"
)

// Candle is one OHLCV bar.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float32 `json:"open"`
	High   float32 `json:"high"`
	Low    float32 `json:"low"`
	Close  float32 `json:"close"`
	Volume float32 `json:"volume"`
	Attr   uint8   `json:"attr"`
}

// Color returns the render colour of the candle.
func (c Candle) Color() string {
	if c.Close < c.Open {
		return DownColor
	}
	return UpColor
}

// Point is one overlay sample.
type Point struct {
	Time  int64   `json:"time"`
	Value float32 `json:"value"`
}

// Series is an indicator overlay.
type Series struct {
	Name   string  `json:"name"`
	Color  string  `json:"color,omitempty"`
	Points []Point `json:"points"`
}

// MarkerKind distinguishes entry and exit markers.
type MarkerKind string

const (
	MarkerEntry MarkerKind = "ENTRY"
	MarkerExit  MarkerKind = "EXIT"
)

// Marker pins a trade event to a candle.
type Marker struct {
	Time  int64      `json:"time"`
	Kind  MarkerKind `json:"kind"`
	Price float32    `json:"price"`
	Trade int        `json:"trade"`
}

// Snapshot is a point-in-time copy of the chart.
type Snapshot struct {
	Candles   []Candle  `json:"candles"`
	Series    []Series  `json:"series"`
	Markers   []Marker  `json:"markers"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Changes lists overlay names touched by a reconcile.
type Changes struct {
	Created []string `json:"created,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Chart is a thread-safe chart state fed by ingests.
type Chart struct {
	id     string
	lock   *reclaim.Lock
	logger *zap.Logger

	mu        sync.RWMutex
	candles   []Candle
	series    map[string]Series
	order     []string
	markers   []Marker
	updatedAt time.Time
}

// New creates an empty chart registered on lock under id.
func New(id string, lock *reclaim.Lock) *Chart {
	return &Chart{
		id:     id,
		lock:   lock,
		logger: zap.NewNop(),
		series: make(map[string]Series),
	}
}

// ID returns the consumer id.
func (c *Chart) ID() string { return c.id }

// SetLogger sets the structured logger.
func (c *Chart) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Consume copies the dataset, overlays and trades out of engine memory.
func (c *Chart) Consume(_ context.Context, data *quant.ContextView, result *quant.ResultView) error {
	release := c.lock.Hold(c.id)
	defer release()

	cols, err := data.Columns()
	if err != nil {
		return fmt.Errorf("chart columns: %w", err)
	}
	n := data.Count()
	if err := errors.Join(
		quant.RequireLen("time", cols.Times, n),
		quant.RequireLen("open", cols.Opens, n),
		quant.RequireLen("high", cols.Highs, n),
		quant.RequireLen("low", cols.Lows, n),
		quant.RequireLen("close", cols.Closes, n),
	); err != nil {
		return fmt.Errorf("chart columns: %w", err)
	}
	candles := make([]Candle, n)
	for i := range candles {
		candles[i] = Candle{
			Time:   cols.Times.At(i),
			Open:   cols.Opens.At(i),
			High:   cols.Highs.At(i),
			Low:    cols.Lows.At(i),
			Close:  cols.Closes.At(i),
			Volume: optional(cols.Volumes, i),
			Attr:   optional(cols.Attributes, i),
		}
	}
	times := cols.Times.AppendTo(make([]int64, 0, len(candles)))

	var markers []Marker
	if result != nil {
		if markers, err = tradeMarkers(result, times); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.candles = candles
	changes := c.reconcile(data.Indicators(), times)
	c.markers = markers
	c.updatedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("chart_updated",
		zap.Int("candles", len(candles)),
		zap.Int("markers", len(markers)),
		zap.Strings("created", changes.Created),
		zap.Strings("updated", changes.Updated),
		zap.Strings("removed", changes.Removed),
	)
	return nil
}

// Reconcile replaces the overlays with indicators, matched by name.
func (c *Chart) Reconcile(indicators []quant.Indicator, times []int64) Changes {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconcile(indicators, times)
}

func (c *Chart) reconcile(indicators []quant.Indicator, times []int64) Changes {
	var ch Changes
	keep := make(map[string]bool, len(indicators))
	for _, ind := range indicators {
		keep[ind.Name] = true
	}
	for _, name := range c.order {
		if !keep[name] {
			delete(c.series, name)
			ch.Removed = append(ch.Removed, name)
		}
	}

	order := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		if _, ok := c.series[ind.Name]; ok {
			ch.Updated = append(ch.Updated, ind.Name)
		} else {
			ch.Created = append(ch.Created, ind.Name)
		}
		if !slices.Contains(order, ind.Name) {
			order = append(order, ind.Name)
		}
		c.series[ind.Name] = Series{
			Name:   ind.Name,
			Color:  ind.Color,
			Points: overlayPoints(ind.Values, times),
		}
	}
	c.order = order
	return ch
}

// Snapshot returns a copy of the current chart.
func (c *Chart) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		Candles:   slices.Clone(c.candles),
		Series:    make([]Series, 0, len(c.order)),
		Markers:   slices.Clone(c.markers),
		UpdatedAt: c.updatedAt,
	}
	for _, name := range c.order {
		s := c.series[name]
		s.Points = slices.Clone(s.Points)
		snap.Series = append(snap.Series, s)
	}
	return snap
}

// overlayPoints pairs values with times, dropping warm-up rows that hold no value.
func overlayPoints(values []float32, times []int64) []Point {
	n := min(len(values), len(times))
	out := make([]Point, 0, n)
	for i := range n {
		v := values[i]
		if v <= 0 || math.IsNaN(float64(v)) {
			continue
		}
		out = append(out, Point{Time: times[i], Value: v})
	}
	return out
}

func tradeMarkers(result *quant.ResultView, times []int64) ([]Marker, error) {
	stats, err := result.Stats()
	if err != nil {
		return nil, fmt.Errorf("chart trades: %w", err)
	}
	entries, err := result.EntryIndices()
	if err != nil {
		return nil, fmt.Errorf("chart trades: %w", err)
	}
	exits, err := result.ExitIndices()
	if err != nil {
		return nil, fmt.Errorf("chart trades: %w", err)
	}
	entryPrices, err := result.EntryPrices()
	if err != nil {
		return nil, fmt.Errorf("chart trades: %w", err)
	}
	exitPrices, err := result.ExitPrices()
	if err != nil {
		return nil, fmt.Errorf("chart trades: %w", err)
	}

	n := int(stats.Count)
	if err := errors.Join(
		quant.RequireLen("entry index", entries, n),
		quant.RequireLen("exit index", exits, n),
		quant.RequireLen("entry price", entryPrices, n),
		quant.RequireLen("exit price", exitPrices, n),
	); err != nil {
		return nil, fmt.Errorf("chart trades: %w", err)
	}

	out := make([]Marker, 0, 2*n)
	for i := range n {
		if e := int(entries.At(i)); e < len(times) {
			out = append(out, Marker{Time: times[e], Kind: MarkerEntry, Price: entryPrices.At(i), Trade: i})
		}
		if x := int(exits.At(i)); x < len(times) {
			out = append(out, Marker{Time: times[x], Kind: MarkerExit, Price: exitPrices.At(i), Trade: i})
		}
	}
	return out, nil
}

// optional reads row i of a column the engine may leave absent, or zero.
func optional[T memview.Element](v memview.View[T], i int) T {
	if i >= v.Len() {
		var zero T
		return zero
	}
	return v.At(i)
}
