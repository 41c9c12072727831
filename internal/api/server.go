package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-mapper/internal/app"
	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
	"github.com/JakeFAU/parcel-mapper/internal/config"
	"github.com/JakeFAU/parcel-mapper/internal/input"
	"github.com/JakeFAU/parcel-mapper/internal/metrics"
)

// APIKeyHeader carries the key when auth is enabled.
const APIKeyHeader = "X-API-Key"

const maxBodyBytes = 10 << 20

// Runner executes one run submission.
type Runner interface {
	Run(ctx context.Context, req app.Request) (app.Result, error)
}

// Server wires HTTP handlers to the run service and history.
type Server struct {
	router     chi.Router
	runner     Runner
	history    *HistoryHandler
	maxRecords int
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. history may be
// nil, in which case the history routes answer 503.
func NewServer(runner Runner, history cadastre.RunHistory, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		runner:     runner,
		history:    NewHistoryHandler(history, logger),
		maxRecords: cfg.Server.MaxRecords,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/runs", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/", s.submitRun)
		r.Get("/", s.history.ListRuns)
		r.Get("/{run_id}", s.history.GetRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "run service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	Client  string                 `json:"client"`
	Records []cadastre.InputRecord `json:"records"`
}

type rowErrorDTO struct {
	Index  int      `json:"index"`
	Fields []string `json:"fields"`
}

type runResponse struct {
	RunID       string                  `json:"run_id"`
	Client      string                  `json:"client"`
	Attempted   int                     `json:"attempted"`
	Succeeded   int                     `json:"succeeded"`
	Failed      int                     `json:"failed"`
	TotalAreaM2 float64                 `json:"total_area_m2"`
	Failures    []cadastre.FailureEntry `json:"failures"`
	ArtifactURI string                  `json:"artifact_uri,omitempty"`
	GeoJSONURI  string                  `json:"geojson_uri,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// submitRun handles POST /v1/runs. It answers 200 with the run summary, 400
// for malformed bodies, 422 when no record resolved and 500 when the run
// completed but its outputs could not be stored.
func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "run service unavailable")
		return
	}
	var req runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records required")
		return
	}
	if s.maxRecords > 0 && len(req.Records) > s.maxRecords {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d records per run", s.maxRecords))
		return
	}
	var invalid []rowErrorDTO
	for i, rec := range req.Records {
		if fields := input.EmptyFields(rec); len(fields) > 0 {
			invalid = append(invalid, rowErrorDTO{Index: i, Fields: fields})
		}
	}
	if len(invalid) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "records with empty fields",
			"records": invalid,
		})
		return
	}

	res, err := s.runner.Run(r.Context(), app.Request{Client: req.Client, Records: req.Records})
	resp := toRunResponse(res)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, app.ErrNoFeatures):
		resp.Error = err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		s.logger.Error("run outputs failed", zap.String("run_id", res.Report.RunID), zap.Error(err))
		resp.Error = "run completed but its outputs could not be stored"
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func toRunResponse(res app.Result) runResponse {
	failures := res.Report.Failures
	if failures == nil {
		failures = []cadastre.FailureEntry{}
	}
	return runResponse{
		RunID:       res.Report.RunID,
		Client:      res.Client,
		Attempted:   res.Report.Attempted,
		Succeeded:   res.Report.Succeeded,
		Failed:      res.Report.Failed,
		TotalAreaM2: res.Report.TotalArea(),
		Failures:    failures,
		ArtifactURI: res.ArtifactURI,
		GeoJSONURI:  res.GeoJSONURI,
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
