package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"kline-view/internal/api"
	"kline-view/internal/bridge"
	"kline-view/internal/bridge/demo"
	"kline-view/internal/chart"
	"kline-view/internal/config"
	"kline-view/internal/memview"
	"kline-view/internal/reclaim"
	"kline-view/internal/report"
	"kline-view/internal/session"
)

// Consumer ids on the shared reclaim lock.
const (
	ChartID  = "chart"
	ReportID = "report"
)

// App is the application lifecycle manager.
type App struct {
	cfg *config.Config
	log *zap.Logger
}

// New creates a new App instance.
func New(cfg *config.Config, log *zap.Logger) *App {
	if log == nil {
		log = zap.NewNop()
	}
	return &App{cfg: cfg, log: log}
}

// Services are the wired components of a running daemon.
type Services struct {
	Mode    string
	Session *session.Session
	Chart   *chart.Chart
	Report  *report.Recorder
	API     *api.Server
}

// Close releases the engine.
func (s *Services) Close(ctx context.Context) error {
	return s.Session.Close(ctx)
}

// Build opens the engine and wires the session, consumers and API server.
func (a *App) Build(ctx context.Context) (*Services, error) {
	eng, mode, err := a.openEngine(ctx)
	if err != nil {
		return nil, err
	}
	a.log.Info("engine_opened",
		zap.String("mode", mode),
		zap.Uint32("memory_bytes", eng.Memory().Size()),
	)

	lock := reclaim.New()
	sess := session.New(eng, lock)
	sess.SetLogger(a.log.Named("session"))

	c := chart.New(ChartID, lock)
	c.SetLogger(a.log.Named("chart"))
	rec := report.NewRecorder(ReportID, lock)
	rec.SetLogger(a.log.Named("report"))
	sess.Register(c)
	sess.Register(rec)

	srv := api.NewServer(api.Options{
		Address:        a.cfg.API.ListenAddress,
		Engine:         mode,
		Defaults:       a.ingestDefaults(),
		MaxUploadBytes: a.cfg.Ingest.MaxUploadBytes,
	}, sess, c, rec, a.log.Named("api"))

	return &Services{Mode: mode, Session: sess, Chart: c, Report: rec, API: srv}, nil
}

// Run starts the full application: engine, API, and signal handling.
func (a *App) Run() error {
	a.log.Info("starting klined",
		zap.String("env", a.cfg.App.Env),
		zap.String("log_level", a.cfg.App.LogLevel),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(context.Background()); err != nil {
			a.log.Warn("engine_close_failed", zap.Error(err))
		}
	}()

	// Seed a synthetic dataset so the demo has something to show
	if a.cfg.Engine.Demo {
		a.seedDemoData(ctx, svc.Session)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.API.Run(ctx)
	}()

	// Wait for shutdown signal or fatal error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		a.log.Info("shutdown_signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("fatal_error", zap.Error(err))
			runErr = err
		}
	}

	cancel()
	a.log.Info("klined stopped")
	return runErr
}

func (a *App) openEngine(ctx context.Context) (bridge.Engine, string, error) {
	if a.cfg.Engine.Demo {
		return demo.NewArena(a.cfg.Engine.DemoArenaBytes), "demo", nil
	}
	eng, err := bridge.OpenFile(ctx, a.cfg.Engine.WasmPath, bridge.Options{
		Exports:          a.cfg.Engine.Exports,
		WASI:             a.cfg.Engine.WASI,
		MemoryLimitPages: a.cfg.Engine.MemoryLimitPages,
	})
	if err != nil {
		return nil, "", fmt.Errorf("opening engine: %w", err)
	}
	return eng, "wasm", nil
}

func (a *App) ingestDefaults() session.IngestOptions {
	return session.IngestOptions{
		Columns:       a.cfg.Ingest.Columns,
		EMAPeriods:    a.cfg.Ingest.EMAPeriods,
		EMAColors:     a.cfg.Ingest.EMAColors,
		BacktestParam: a.cfg.Ingest.BacktestParam,
	}
}

// seedDemoData ingests a generated dataset into the demo engine.
func (a *App) seedDemoData(ctx context.Context, sess *session.Session) {
	csv := DemoCSV(500, time.Now().UnixNano())
	sum, err := sess.Ingest(ctx, csv, a.ingestDefaults())
	if err != nil && !errors.Is(err, memview.ErrEmptyResult) {
		a.log.Warn("demo_seed_failed", zap.Error(err))
		return
	}
	a.log.Info("demo_seed_complete",
		zap.String("ingest", sum.ID),
		zap.Int("rows", sum.Rows),
		zap.Strings("indicators", sum.Indicators),
	)
}

// DemoCSV generates a random-walk OHLCV dataset with a header row, one bar per
// minute. The same seed yields the same data.
func DemoCSV(rows int, seed int64) []byte {
	rng := rand.New(rand.NewPCG(uint64(seed), 0x6b6c696e65))
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC).Unix()
	price := 100.0

	out := []byte("time,open,high,low,close,volume\n")
	for i := range rows {
		open := price
		wave := math.Sin(float64(i)/15) * 0.4
		price = math.Max(1, price+(rng.Float64()-0.5)*2+wave*0.1)
		high := math.Max(open, price) + rng.Float64()*0.5
		low := math.Max(0.5, math.Min(open, price)-rng.Float64()*0.5)
		volume := 1000 + rng.Float64()*500

		out = strconv.AppendInt(out, start+int64(i)*60, 10)
		for _, v := range []float64{open, high, low, price, volume} {
			out = append(out, ',')
			out = strconv.AppendFloat(out, v, 'f', 4, 64)
		}
		out = append(out, '\n')
	}
	return out
}
