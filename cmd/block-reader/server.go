package main

import (
	"bufio"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/marko911/block-reader/internal/fetch"
	"github.com/marko911/block-reader/internal/ingest"
	"github.com/marko911/block-reader/internal/metrics"
)

//go:embed 404.html
var notFoundPage []byte

var errBadBlockNumber = errors.New("block number must be a non-negative integer")

// Server exposes the orchestrator over HTTP.
type Server struct {
	orch     *ingest.Orchestrator
	onDemand string
	metrics  *metrics.Collector
	ws       http.Handler
	logger   *slog.Logger
}

// NewServer creates a server. onDemand names the source behind
// /add-block-by-number.
func NewServer(orch *ingest.Orchestrator, onDemand string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:     orch,
		onDemand: onDemand,
		logger:   logger.With("component", "http"),
	}
}

// SetMetrics enables /metrics and on-demand request accounting.
func (s *Server) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// SetWebSocketHandler enables /ws.
func (s *Server) SetWebSocketHandler(h http.Handler) {
	s.ws = h
}

// Router returns the full API.
func (s *Server) Router() http.Handler {
	mux := s.opsMux()

	mux.HandleFunc("GET /add-block-by-number/{number}", s.handleAddBlockByNumber)
	mux.HandleFunc("GET /api/v1/sources", s.handleSources)
	mux.HandleFunc("GET /api/v1/sources/{id}/blocks/{number}", s.handleSourceBlock)
	mux.HandleFunc("GET /api/v1/ledger", s.handleLedger)

	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}

	return s.loggingMiddleware(mux)
}

// OpsRouter serves only health, readiness and metrics.
func (s *Server) OpsRouter() http.Handler {
	return s.loggingMiddleware(s.opsMux())
}

func (s *Server) opsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/", s.handleNotFound)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports ready while the ledger answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.orch.Ledger().Snapshot(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready": false,
			"error": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":   true,
		"polling": s.orch.Running(),
		"sources": len(s.orch.Sources()),
	})
}

// handleAddBlockByNumber fetches a block from the on-demand source and
// delivers it downstream.
func (s *Server) handleAddBlockByNumber(w http.ResponseWriter, r *http.Request) {
	const failure = "Failed to fetch block hash"

	n, err := parseBlock(r.PathValue("number"))
	if err != nil || n == nil {
		if err == nil {
			err = errBadBlockNumber
		}
		s.writeError(w, http.StatusBadRequest, failure, err, "bad_request")
		return
	}

	start := time.Now()
	res, err := s.orch.Submit(r.Context(), s.onDemand, n)
	s.observe(s.onDemand, err, time.Since(start))
	if err != nil {
		status, kind := errorStatus(err)
		if res != nil {
			status, kind = http.StatusBadGateway, "delivery"
		}
		s.writeError(w, status, failure, err, kind)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"msg":        "block hash added successfully",
		"block_hash": res.Payload.Value(),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": s.orch.Sources(),
	})
}

// handleSourceBlock fetches a block without delivering it or touching the
// ledger. The number segment may be "latest".
func (s *Server) handleSourceBlock(w http.ResponseWriter, r *http.Request) {
	const failure = "Failed to fetch block"

	id := r.PathValue("id")
	n, err := parseBlock(r.PathValue("number"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, failure, err, "bad_request")
		return
	}

	start := time.Now()
	res, err := s.orch.FetchOnce(r.Context(), id, n)
	s.observe(id, err, time.Since(start))
	if err != nil {
		status, kind := errorStatus(err)
		s.writeError(w, status, failure, err, kind)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.Ledger().Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to read ledger", err, "internal")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ledger":  snap,
		"pollers": s.orch.Statuses(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(notFoundPage)
}

func (s *Server) observe(sourceID string, err error, took time.Duration) {
	if s.metrics != nil {
		s.metrics.OnDemand(sourceID, err, took)
	}
}

// parseBlock returns nil for "latest".
func parseBlock(raw string) (*uint64, error) {
	if raw == "latest" {
		return nil, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, errBadBlockNumber
	}
	return &n, nil
}

// errorStatus maps a fetch error kind onto an HTTP status.
func errorStatus(err error) (int, string) {
	kind := fetch.KindOf(err)
	switch kind {
	case fetch.KindUnknownSource, fetch.KindNotFound:
		return http.StatusNotFound, string(kind)
	case fetch.KindNetwork, fetch.KindProtocol, fetch.KindDecode:
		return http.StatusBadGateway, string(kind)
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string, err error, kind string) {
	s.writeJSON(w, status, map[string]string{
		"error":   msg,
		"details": err.Error(),
		"kind":    kind,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets /ws upgrade through the logging middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
