// Package session runs one ingest cycle against the engine and hands the resulting
// views to the registered consumers before the engine arena is reclaimed.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kline-view/internal/bridge"
	"kline-view/internal/memview"
	"kline-view/internal/quant"
	"kline-view/internal/reclaim"
)

// ErrNoInput is returned by Ingest for an empty CSV payload.
var ErrNoInput = errors.New("session: empty input")

// Consumer reads the views produced by an ingest. It must hold the session lock
// under its own id for as long as it reads engine memory, and must release it even
// when it fails.
type Consumer interface {
	ID() string
	// Consume receives the dataset view and the backtest view, which is nil when
	// the backtest produced no result.
	Consume(ctx context.Context, data *quant.ContextView, result *quant.ResultView) error
}

// IngestOptions configures one ingest.
type IngestOptions struct {
	Columns    bridge.ColumnConfig
	EMAPeriods []uint32
	// EMAColors are matched to EMAPeriods by position.
	EMAColors []string
	// BacktestParam is passed to the strategy. 0 skips the backtest.
	BacktestParam uint32
}

// Summary describes a finished ingest.
type Summary struct {
	ID         string       `json:"id"`
	Rows       int          `json:"rows"`
	ElapsedMs  float64      `json:"elapsedMs"`
	Indicators []string     `json:"indicators"`
	Stats      *quant.Stats `json:"stats,omitempty"`
	WinRate    float64      `json:"winRate"`
	At         time.Time    `json:"at"`
}

// Status is a point-in-time view of the session for diagnostics. MemoryBytes is
// sampled at the end of the last ingest or arena reset, not read live.
type Status struct {
	Holders        int      `json:"holders"`
	PendingReclaim bool     `json:"pendingReclaim"`
	MemoryBytes    uint32   `json:"memoryBytes"`
	Reclaims       int64    `json:"reclaims"`
	Last           *Summary `json:"last,omitempty"`
}

// Session serialises engine access and coordinates arena reclaim.
type Session struct {
	mu        sync.Mutex
	engine    bridge.Engine
	lock      *reclaim.Lock
	consumers []Consumer
	logger    *zap.Logger

	reclaims atomic.Int64
	memBytes atomic.Uint32
	stateMu  sync.RWMutex
	last     *Summary
}

// New creates a session over engine. The lock is shared with every consumer.
func New(engine bridge.Engine, lock *reclaim.Lock) *Session {
	s := &Session{
		engine: engine,
		lock:   lock,
		logger: zap.NewNop(),
	}
	s.memBytes.Store(engine.Memory().Size())
	return s
}

// SetLogger sets the structured logger for the session.
func (s *Session) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Register adds a consumer. Consumers run in registration order.
func (s *Session) Register(c Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers = append(s.consumers, c)
}

// Lock returns the reclaim lock shared by the session and its consumers.
func (s *Session) Lock() *reclaim.Lock { return s.lock }

// Ingest parses csv in the engine, derives indicators, runs the backtest and passes
// the views to every consumer. The arena reset is scheduled on the way out and runs
// once the last holder releases, whatever the outcome.
//
// A dataset with no rows returns memview.ErrEmptyResult and is not consumed.
func (s *Session) Ingest(ctx context.Context, csv []byte, opts IngestOptions) (Summary, error) {
	if len(csv) == 0 {
		return Summary{}, ErrNoInput
	}
	if uint64(len(csv)) > math.MaxUint32 {
		return Summary{}, fmt.Errorf("input of %d bytes exceeds the engine address space", len(csv))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	log := s.logger.With(zap.String("ingest", id))
	release := s.lock.Hold("ingest:" + id)
	defer func() {
		// Memory only grows under s.mu, so the size is stable here.
		s.memBytes.Store(s.engine.Memory().Size())
		s.lock.Schedule(s.reclaimAction(context.WithoutCancel(ctx), log))
		release()
	}()

	start := time.Now()
	data, err := s.load(ctx, csv, opts.Columns)
	if err != nil {
		log.Warn("ingest_parse_failed", zap.Error(err))
		return Summary{}, err
	}
	sum := Summary{ID: id, Rows: data.Count(), At: start}
	if data.Count() == 0 {
		log.Info("ingest_empty")
		s.setLast(sum)
		return sum, fmt.Errorf("dataset has no rows: %w", memview.ErrEmptyResult)
	}

	if err := s.engine.Analyze(ctx, data.Addr()); err != nil {
		return Summary{}, fmt.Errorf("analysis: %w", err)
	}

	indicators, err := s.indicators(ctx, data, opts)
	if err != nil {
		return Summary{}, err
	}
	data.SetIndicators(indicators)
	for _, ind := range indicators {
		sum.Indicators = append(sum.Indicators, ind.Name)
	}

	result, err := s.backtest(ctx, data, opts.BacktestParam, log)
	if err != nil {
		return Summary{}, err
	}
	if result != nil {
		stats, err := result.Stats()
		if err != nil {
			return Summary{}, err
		}
		sum.Stats = &stats
		sum.WinRate = stats.WinRate()
	}
	sum.ElapsedMs = float64(time.Since(start).Microseconds()) / 1000

	var errs []error
	for _, c := range s.consumers {
		if err := c.Consume(ctx, data, result); err != nil {
			log.Error("consumer_failed", zap.String("consumer", c.ID()), zap.Error(err))
			errs = append(errs, fmt.Errorf("consumer %s: %w", c.ID(), err))
		}
	}

	s.setLast(sum)
	log.Info("ingest_complete",
		zap.Int("rows", sum.Rows),
		zap.Float64("elapsed_ms", sum.ElapsedMs),
		zap.Strings("indicators", sum.Indicators),
		zap.Bool("has_result", result != nil),
	)
	return sum, errors.Join(errs...)
}

// Status reports lock and memory state.
func (s *Session) Status() Status {
	st := Status{
		Holders:        s.lock.Holders(),
		PendingReclaim: s.lock.Pending(),
		MemoryBytes:    s.memBytes.Load(),
		Reclaims:       s.reclaims.Load(),
	}
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.last != nil {
		last := *s.last
		st.Last = &last
	}
	return st
}

// Close closes the engine. Pending reclaim actions are dropped with it.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Close(ctx)
}

func (s *Session) load(ctx context.Context, csv []byte, cols bridge.ColumnConfig) (*quant.ContextView, error) {
	n := uint32(len(csv))
	ptr, err := s.engine.Alloc(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("allocating input: %w", err)
	}
	if err := s.engine.Write(ptr, csv); err != nil {
		return nil, fmt.Errorf("copying input: %w", err)
	}
	addr, err := s.engine.Parse(ctx, ptr, n, cols)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return quant.NewContextView(s.engine.Memory(), addr)
}

// indicators computes each EMA into engine memory and copies it out, so the series
// outlive the arena reset.
func (s *Session) indicators(ctx context.Context, data *quant.ContextView, opts IngestOptions) ([]quant.Indicator, error) {
	count := uint32(data.Count())
	out := make([]quant.Indicator, 0, len(opts.EMAPeriods))
	for i, period := range opts.EMAPeriods {
		ptr, err := s.engine.Alloc(ctx, 4*count)
		if err != nil {
			return nil, fmt.Errorf("allocating EMA%d: %w", period, err)
		}
		if err := s.engine.EMA(ctx, data.Addr(), period, ptr); err != nil {
			return nil, fmt.Errorf("EMA%d: %w", period, err)
		}
		col, err := memview.Project[float32](s.engine.Memory(), ptr, count)
		if err != nil {
			return nil, fmt.Errorf("EMA%d: %w", period, err)
		}
		ind := quant.Indicator{
			Name:   fmt.Sprintf("EMA%d", period),
			Values: col.AppendTo(make([]float32, 0, count)),
		}
		if i < len(opts.EMAColors) {
			ind.Color = opts.EMAColors[i]
		}
		out = append(out, ind)
	}
	return out, nil
}

// backtest returns nil without error when the engine reports no result.
func (s *Session) backtest(ctx context.Context, data *quant.ContextView, param uint32, log *zap.Logger) (*quant.ResultView, error) {
	if param == 0 {
		return nil, nil
	}
	addr, err := s.engine.Backtest(ctx, data.Addr(), param)
	if errors.Is(err, bridge.ErrEngineFailed) {
		log.Warn("backtest_no_result", zap.Uint32("param", param), zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}
	return quant.NewResultView(s.engine.Memory(), addr)
}

func (s *Session) reclaimAction(ctx context.Context, log *zap.Logger) func() {
	return func() {
		if err := s.engine.Free(ctx); err != nil {
			log.Error("arena_reset_failed", zap.Error(err))
			return
		}
		s.reclaims.Add(1)
		s.memBytes.Store(s.engine.Memory().Size())
		log.Info("arena_reset")
	}
}

func (s *Session) setLast(sum Summary) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.last = &sum
}
