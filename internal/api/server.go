package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"autobot-telemetry/internal/db"
	"autobot-telemetry/internal/link"
	"autobot-telemetry/internal/metrics"
	"autobot-telemetry/internal/models"
	"autobot-telemetry/internal/parser"
	"autobot-telemetry/internal/pipeline"
)

// Pipeline is the subset of the running pipeline the API drives
type Pipeline interface {
	State() pipeline.State
	Connect(port string, baud int) error
	Disconnect()
	SetLoggingEnabled(on bool)
	SetCSVEnabled(on bool)
	Database() *db.Database
}

// Server represents the API server
type Server struct {
	p        Pipeline
	metrics  *metrics.Metrics
	log      zerolog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	// LiveInterval is how often /ws pushes a state frame
	LiveInterval time.Duration
}

// NewServer creates a new API server
func NewServer(p Pipeline, m *metrics.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		p:       p,
		metrics: m,
		log:     log.With().Str("component", "api").Logger(),
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		LiveInterval: 100 * time.Millisecond,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	// Health check
	s.router.Handle("/health", jsonMiddleware(http.HandlerFunc(s.handleHealth))).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(jsonMiddleware)

	// Live state and operational controls
	v1.HandleFunc("/state", s.handleState).Methods("GET")
	v1.HandleFunc("/link/connect", s.handleConnect).Methods("POST")
	v1.HandleFunc("/link/disconnect", s.handleDisconnect).Methods("POST")
	v1.HandleFunc("/logging", s.handleSetLogging).Methods("PUT")
	v1.HandleFunc("/csv", s.handleSetCSV).Methods("PUT")

	// Stored log
	v1.HandleFunc("/telemetry", s.handleQueryTelemetry).Methods("GET")
	v1.HandleFunc("/telemetry/latest", s.handleLatestTelemetry).Methods("GET")
	v1.HandleFunc("/telemetry/summary", s.handleTelemetrySummary).Methods("GET")
	v1.HandleFunc("/sessions", s.handleSessions).Methods("GET")

	// Stats endpoint
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")

	s.router.HandleFunc("/ws", s.handleLive).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped with panic recovery and CORS
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.log}),
		handlers.PrintRecoveryStack(true),
	)
	return recovery(cors(s.router))
}

type recoveryLogger struct{ log zerolog.Logger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error().Msg(fmt.Sprint(v...))
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.WrapHandler(route, next).ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.p.State()
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"link":   st.Link.State.String(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.p.State())
}

type connectRequest struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Port == "" {
		respondError(w, http.StatusBadRequest, "port is required")
		return
	}

	err := s.p.Connect(req.Port, req.Baud)
	var openErr *link.LinkOpenError
	switch {
	case errors.Is(err, link.ErrLoopActive):
		respondError(w, http.StatusConflict, err.Error())
		return
	case errors.As(err, &openErr):
		respondError(w, http.StatusBadGateway, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, s.p.State().Link)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.p.Disconnect()
	respondJSON(w, http.StatusOK, s.p.State().Link)
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func decodeToggle(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return false, false
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "enabled is required")
		return false, false
	}
	return *req.Enabled, true
}

func (s *Server) handleSetLogging(w http.ResponseWriter, r *http.Request) {
	on, ok := decodeToggle(w, r)
	if !ok {
		return
	}
	s.p.SetLoggingEnabled(on)
	respondJSON(w, http.StatusOK, map[string]bool{"logging_enabled": on})
}

func (s *Server) handleSetCSV(w http.ResponseWriter, r *http.Request) {
	on, ok := decodeToggle(w, r)
	if !ok {
		return
	}
	s.p.SetCSVEnabled(on)
	respondJSON(w, http.StatusOK, map[string]bool{"csv_enabled": on})
}

func (s *Server) database(w http.ResponseWriter) *db.Database {
	d := s.p.Database()
	if d == nil {
		respondError(w, http.StatusServiceUnavailable, "no telemetry database configured")
	}
	return d
}

func (s *Server) handleQueryTelemetry(w http.ResponseWriter, r *http.Request) {
	d := s.database(w)
	if d == nil {
		return
	}
	start := time.Now()

	q := models.LogQuery{
		Session: r.URL.Query().Get("session"),
		Limit:   100, // default
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		q.Offset, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("start_time"); v != "" {
		t, err := parser.ParseTimestamp(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid start_time")
			return
		}
		q.StartTime = t
	}
	if v := r.URL.Query().Get("end_time"); v != "" {
		t, err := parser.ParseTimestamp(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid end_time")
			return
		}
		q.EndTime = t
	}
	if v := r.URL.Query().Get("min_tag"); v != "" {
		q.MinTagID, _ = strconv.ParseInt(v, 10, 64)
	}

	results, err := d.QueryLog(q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	queryMs := time.Since(start).Milliseconds()
	respondWithMeta(w, results, &meta{
		Total:   len(results),
		Limit:   q.Limit,
		Offset:  q.Offset,
		QueryMs: queryMs,
	})
}

func (s *Server) handleLatestTelemetry(w http.ResponseWriter, r *http.Request) {
	d := s.database(w)
	if d == nil {
		return
	}
	start := time.Now()

	entry, err := d.GetLatest()
	if err != nil {
		respondError(w, http.StatusNotFound, "no telemetry logged yet")
		return
	}

	queryMs := time.Since(start).Milliseconds()
	respondWithMeta(w, entry, &meta{QueryMs: queryMs})
}

func (s *Server) handleTelemetrySummary(w http.ResponseWriter, r *http.Request) {
	d := s.database(w)
	if d == nil {
		return
	}
	start := time.Now()

	summary, err := d.GetSummary(r.URL.Query().Get("session"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	queryMs := time.Since(start).Milliseconds()
	respondWithMeta(w, summary, &meta{QueryMs: queryMs})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	d := s.database(w)
	if d == nil {
		return
	}
	sessions, err := d.ListSessions()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.p.State()
	stats := map[string]interface{}{
		"display_queue":   st.DisplayQueue,
		"log_queue":       st.LogQueue,
		"logging_enabled": st.LoggingEnabled,
		"csv_enabled":     st.CSVEnabled,
	}

	if d := s.p.Database(); d != nil {
		dbStats, err := d.GetStats()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for k, v := range dbStats {
			stats[k] = v
		}
	}

	respondJSON(w, http.StatusOK, stats)
}
