package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"homesense-bridge/internal/models"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// EventSource provides device and event snapshots
type EventSource interface {
	Devices() []models.Device
	RecentEvents(limit int) []models.DomainEvent
}

// HealthSource provides health record snapshots
type HealthSource interface {
	Snapshot() []models.HealthRecord
	Get(deviceID string) (models.HealthRecord, bool)
}

// Reconciler starts reconciliation batches on demand
type Reconciler interface {
	Trigger(reason string) bool
	Running() bool
}

// Server exposes read-only snapshots over HTTP
type Server struct {
	events     EventSource
	health     HealthSource
	reconciler Reconciler
	gatherer   prometheus.Gatherer
	logger     zerolog.Logger
}

// NewServer creates the handler set. A nil reconciler disables
// POST /api/v1/reconcile; a nil gatherer disables /metrics.
func NewServer(events EventSource, health HealthSource, reconciler Reconciler, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	return &Server{
		events:     events,
		health:     health,
		reconciler: reconciler,
		gatherer:   gatherer,
		logger:     logger,
	}
}

// Router builds the mux router with every route registered
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequest)

	router.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/health/{device}", s.handleDeviceHealth).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)

	return router
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.events.Devices())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Snapshot())
}

// handleDeviceHealth accepts either the device ID or its friendly name
func (s *Server) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["device"]

	id := key
	for _, d := range s.events.Devices() {
		if d.Name == key {
			id = d.ID
			break
		}
	}

	record, ok := s.health.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device: "+key)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events := s.events.RecentEvents(limit)
	if events == nil {
		events = []models.DomainEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleReconcile(w http.ResponseWriter, _ *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "no time-series store configured")
		return
	}
	if s.reconciler.Running() {
		writeError(w, http.StatusConflict, "reconciliation already in flight")
		return
	}
	if !s.reconciler.Trigger("api") {
		if s.reconciler.Running() {
			writeError(w, http.StatusConflict, "reconciliation already in flight")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "nothing to reconcile"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// logRequest logs each request with a generated request ID
func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()

		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		rw.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(rw, r)

		s.logger.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
