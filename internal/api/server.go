package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"kline-view/internal/bridge"
	"kline-view/internal/chart"
	"kline-view/internal/memview"
	"kline-view/internal/model"
	"kline-view/internal/report"
	"kline-view/internal/session"
)

// Ingester runs ingests and reports session state.
type Ingester interface {
	Ingest(ctx context.Context, csv []byte, opts session.IngestOptions) (session.Summary, error)
	Status() session.Status
}

// ChartReader provides the current chart.
type ChartReader interface {
	Snapshot() chart.Snapshot
}

// ReportReader provides the latest backtest report.
type ReportReader interface {
	Latest() (report.Report, bool)
}

// Options configures the server.
type Options struct {
	Address string
	// Engine names the engine mode reported by the health endpoint.
	Engine string
	// Defaults are applied to every ingest before query overrides.
	Defaults       session.IngestOptions
	MaxUploadBytes int64
}

// Server is the REST API server.
type Server struct {
	ingester Ingester
	chart    ChartReader
	report   ReportReader
	opts     Options
	logger   *zap.Logger
	mux      *http.ServeMux
	srv      *http.Server
	started  time.Time
}

// NewServer creates an API server.
func NewServer(opts Options, ingester Ingester, chart ChartReader, report ReportReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ingester: ingester,
		chart:    chart,
		report:   report,
		opts:     opts,
		logger:   logger,
		mux:      http.NewServeMux(),
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/datasets", s.handleIngest)
	s.mux.HandleFunc("GET /api/chart", s.handleChart)
	s.mux.HandleFunc("GET /api/backtest", s.handleBacktest)
}

// Run starts the HTTP server and blocks until ctx is cancelled or serving fails.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_server_started", zap.String("address", s.opts.Address))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.APIResponse{
		Data: model.Health{
			Status: "ok",
			Engine: s.opts.Engine,
			Uptime: time.Since(s.started).Round(time.Second).String(),
		},
		Timestamp: time.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.APIResponse{
		Data:      s.ingester.Status(),
		Timestamp: time.Now(),
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	opts, err := s.ingestOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, model.CodeBadRequest, err)
		return
	}

	body := io.Reader(r.Body)
	if s.opts.MaxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}
	csv, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, model.CodeTooLarge,
				fmt.Errorf("body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, model.CodeBadRequest, err)
		return
	}

	sum, err := s.ingester.Ingest(r.Context(), csv, opts)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, model.APIResponse{Data: sum, Timestamp: time.Now()})
	case errors.Is(err, memview.ErrEmptyResult):
		writeJSON(w, http.StatusOK, model.APIResponse{Data: sum, Message: "no data", Timestamp: time.Now()})
	case errors.Is(err, session.ErrNoInput):
		writeError(w, http.StatusBadRequest, model.CodeBadRequest, err)
	case errors.Is(err, memview.ErrInvalidDescriptor):
		writeError(w, http.StatusUnprocessableEntity, model.CodeInvalidDescriptor, err)
	case errors.Is(err, memview.ErrOutOfBounds):
		writeError(w, http.StatusUnprocessableEntity, model.CodeOutOfBounds, err)
	case errors.Is(err, bridge.ErrEngineFailed):
		writeError(w, http.StatusUnprocessableEntity, model.CodeEngineFailed, err)
	case sum.ID != "":
		// the ingest finished but a consumer failed
		writeJSON(w, http.StatusInternalServerError, model.APIResponse{
			Data:      sum,
			Error:     err.Error(),
			Code:      model.CodeConsumerFailed,
			Timestamp: time.Now(),
		})
	default:
		writeError(w, http.StatusInternalServerError, model.CodeInternal, err)
	}
	if err != nil {
		s.logger.Warn("api_ingest_failed", zap.Error(err))
	}
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.APIResponse{
		Data:      s.chart.Snapshot(),
		Timestamp: time.Now(),
	})
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.report.Latest()
	if !ok {
		writeJSON(w, http.StatusOK, model.APIResponse{Message: "no data", Timestamp: time.Now()})
		return
	}
	writeJSON(w, http.StatusOK, model.APIResponse{Data: rep, Timestamp: time.Now()})
}

// ingestOptions applies query overrides to the configured defaults.
func (s *Server) ingestOptions(r *http.Request) (session.IngestOptions, error) {
	opts := s.opts.Defaults
	q := r.URL.Query()

	for _, col := range []struct {
		name string
		dst  *int32
	}{
		{"time", &opts.Columns.Time},
		{"open", &opts.Columns.Open},
		{"high", &opts.Columns.High},
		{"low", &opts.Columns.Low},
		{"close", &opts.Columns.Close},
		{"volume", &opts.Columns.Volume},
	} {
		raw := q.Get(col.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return opts, fmt.Errorf("column %s: %w", col.name, err)
		}
		*col.dst = int32(v)
	}

	if raw, ok := q["ema"]; ok {
		periods, err := parsePeriods(strings.Join(raw, ","))
		if err != nil {
			return opts, err
		}
		opts.EMAPeriods = periods
	}
	if raw := q.Get("param"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return opts, fmt.Errorf("param: %w", err)
		}
		opts.BacktestParam = uint32(v)
	}
	return opts, nil
}

func parsePeriods(raw string) ([]uint32, error) {
	var out []uint32
	for field := range strings.SplitSeq(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseUint(field, 10, 32)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("ema period %q must be a positive integer", field)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

func writeError(w http.ResponseWriter, status int, code model.ErrorCode, err error) {
	writeJSON(w, status, model.APIResponse{
		Error:     err.Error(),
		Code:      code,
		Timestamp: time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
