// Package api implements the sensorhub HTTP server: a WebSocket upgrade
// endpoint for connectors (spec component C9) plus a couple of small
// operational endpoints. Grounded on the ambient stack's HTTP server
// wrapper (Server/OllamaServer: an http.Server field, Start(ctx)/
// Shutdown(ctx) methods, a withLogging middleware).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/sensorhub/internal/buildinfo"
	"github.com/nugget/sensorhub/internal/session"
	"github.com/nugget/sensorhub/internal/store"
)

// upgrader accepts WebSocket upgrades from any origin: sensorhub is a
// backend service addressed by trusted connectors, not a browser page
// guarding against cross-site requests.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ColdStorage is the subset of coldstore.SQLiteSink the API server needs:
// write/drop counters for /metrics and a range query for /history. Kept as
// an interface so Server doesn't depend on the coldstore package's concrete
// type, matching the teacher's optional-collaborator setters
// (SetCheckpointer/SetMemoryStore/SetArchiveStore).
type ColdStorage interface {
	Written() int64
	Dropped() int64
	QueryRange(sensorID, attributeID string, from, to int64, limit int) ([]store.Measurement, error)
}

// Server is the sensorhub HTTP/WebSocket server.
type Server struct {
	address     string
	port        int
	sessionDeps session.Deps
	logger      *slog.Logger
	server      *http.Server

	coldStorage ColdStorage // optional; nil unless SetColdStorage is called
}

// SetColdStorage attaches the cold-storage collaborator used by /metrics
// and /history. Call before Start. Safe to leave unset: both handlers
// degrade gracefully when cs is nil.
func (s *Server) SetColdStorage(cs ColdStorage) {
	s.coldStorage = cs
}

// NewServer creates a new sensorhub API server. sessionDeps is handed to
// every session.New call for an upgraded connection.
func NewServer(address string, port int, sessionDeps session.Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:     address,
		port:        port,
		sessionDeps: sessionDeps,
		logger:      logger,
	}
}

// Start begins serving HTTP requests. This method blocks until the
// server is shut down or encounters an error.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting sensorhub API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	sess := session.New(conn, s.sessionDeps)
	go sess.Serve()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleMetrics reports a JSON-shaped (not Prometheus) status snapshot:
// build/uptime info plus the counters the bus, registry, and (if
// configured) cold storage already track. See DESIGN.md for why this is
// JSON rather than Prometheus exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := map[string]any{
		"build":             buildinfo.RuntimeInfo(),
		"active_sensors":    s.sessionDeps.Registry.Count(),
		"bus_dropped_total": s.sessionDeps.Bus.DroppedTotal(),
	}

	if s.coldStorage != nil {
		metrics["coldstore"] = map[string]int64{
			"written": s.coldStorage.Written(),
			"dropped": s.coldStorage.Dropped(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(metrics); err != nil {
		s.logger.Warn("encode metrics response failed", "error", err)
	}
}

// handleHistory answers sensor_id/attribute_id/from/to/limit range
// queries against cold storage, for history beyond the warm tier's
// retention window. Returns 503 if no cold storage sink is configured.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.coldStorage == nil {
		http.Error(w, `{"error":"cold storage not configured"}`, http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	sensorID := q.Get("sensor_id")
	attributeID := q.Get("attribute_id")
	if sensorID == "" || attributeID == "" {
		http.Error(w, `{"error":"sensor_id and attribute_id are required"}`, http.StatusBadRequest)
		return
	}

	from := parseQueryInt64(q.Get("from"), 0)
	to := parseQueryInt64(q.Get("to"), time.Now().UnixMilli())
	limit := int(parseQueryInt64(q.Get("limit"), 1000))

	measurements, err := s.coldStorage.QueryRange(sensorID, attributeID, from, to, limit)
	if err != nil {
		s.logger.Warn("history query failed", "sensor_id", sensorID, "attribute_id", attributeID, "error", err)
		http.Error(w, `{"error":"query failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"measurements": measurements}); err != nil {
		s.logger.Warn("encode history response failed", "error", err)
	}
}

func parseQueryInt64(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"name":"sensorhub","status":"ok"}`)
}
