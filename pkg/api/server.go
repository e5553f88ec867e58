package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmax-ai/roadnet/pkg/engine"
	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
	"github.com/rmax-ai/roadnet/pkg/reports"
	"github.com/rmax-ai/roadnet/pkg/store"
)

// Context keys
type contextKey string

const traceIDKey contextKey = "trace_id"

// Interfaces for dependencies to enable mocking

// WorldReader is the read side of a world. *engine.Controller implements it.
type WorldReader interface {
	WorldID() string
	Status() engine.Status
	Graph() *graph.Store
	Ledger() *ledger.Ledger
}

// SnapshotLister lists persisted snapshots, newest first.
type SnapshotLister interface {
	ListSnapshots(ctx context.Context, worldID string, limit int) ([]store.SnapshotInfo, error)
}

// OwnerInterface reports whether this process builds the world.
type OwnerInterface interface {
	IsOwner() bool
}

// Server encapsulates the read-only HTTP API server
type Server struct {
	world     WorldReader
	snapshots SnapshotLister
	owner     OwnerInterface
	server    *http.Server
}

// NewServer creates a new API server instance
func NewServer(world WorldReader, addr string) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s := &Server{world: world}

	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/graph", s.handleGraph)
	mux.HandleFunc("/v1/edges", s.handleEdges)
	mux.HandleFunc("/v1/segments", s.handleSegments)
	mux.HandleFunc("/v1/snapshots", s.handleSnapshots)
	mux.HandleFunc("/v1/reports", s.handleReports)

	// Middleware: Logging, Panic Recovery, Security Headers
	handler := withLogging(withRecovery(withSecureHeaders(mux)))

	if addr == "" {
		addr = ":8095"
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	return s
}

// SetSnapshotLister enables /v1/snapshots
func (s *Server) SetSnapshotLister(l SnapshotLister) {
	s.snapshots = l
}

// SetOwner adds ownership to /v1/status
func (s *Server) SetOwner(o OwnerInterface) {
	s.owner = o
}

// Handler returns the root handler, used by tests and embedding hosts.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	slog.Info("server_starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("server_stopping")
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed_to_encode_response", "trace_id", getTraceID(r.Context()), "path", r.URL.Path, "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	resp := StatusResponse{Status: s.world.Status(), Owner: true}
	if s.owner != nil {
		resp.Owner = s.owner.IsOwner()
	}
	writeJSON(w, r, resp)
}

// handleGraph returns a copy of the whole road graph.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	g, _ := s.world.Graph().Export()
	writeJSON(w, r, g)
}

// handleEdges lists edges, optionally filtered by ?status=, or returns one
// edge for ?key=lo|hi.
func (s *Server) handleEdges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	if raw := q.Get("key"); raw != "" {
		key, err := graph.ParseKey(raw)
		if err != nil {
			http.Error(w, `{"error":"invalid_key"}`, http.StatusBadRequest)
			return
		}
		e, ok := s.world.Graph().Edge(key)
		if !ok {
			http.Error(w, `{"error":"edge_not_found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, r, e)
		return
	}

	status := graph.EdgeStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, `{"error":"invalid_status"}`, http.StatusBadRequest)
		return
	}
	edges := s.world.Graph().EdgesWithStatus(status)
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			http.Error(w, `{"error":"invalid_limit"}`, http.StatusBadRequest)
			return
		}
		if limit < len(edges) {
			edges = edges[:limit]
		}
	}
	writeJSON(w, r, EdgesResponse{Edges: edges, Count: len(edges)})
}

// handleSegments returns the segment table, the entries of one partition for
// ?partition=x,z, or the entries of one path for ?path=lo|hi.
func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	l := s.world.Ledger()

	if raw := q.Get("partition"); raw != "" {
		var coord ledger.PartitionCoord
		if err := coord.UnmarshalText([]byte(raw)); err != nil {
			http.Error(w, `{"error":"invalid_partition"}`, http.StatusBadRequest)
			return
		}
		writeJSON(w, r, l.SegmentsFor(coord))
		return
	}
	if raw := q.Get("path"); raw != "" {
		key, err := graph.ParseKey(raw)
		if err != nil {
			http.Error(w, `{"error":"invalid_key"}`, http.StatusBadRequest)
			return
		}
		writeJSON(w, r, l.SegmentsForPath(key.String()))
		return
	}

	t, _ := l.Export()
	writeJSON(w, r, t)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if s.snapshots == nil {
		http.Error(w, `{"error":"snapshots_not_available"}`, http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			http.Error(w, `{"error":"invalid_limit"}`, http.StatusBadRequest)
			return
		}
		limit = l
	}
	infos, err := s.snapshots.ListSnapshots(r.Context(), s.world.WorldID(), limit)
	if err != nil {
		slog.Error("failed_to_list_snapshots", "trace_id", getTraceID(r.Context()), "error", err)
		http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
		return
	}
	if infos == nil {
		infos = []store.SnapshotInfo{}
	}
	writeJSON(w, r, infos)
}

// handleReports streams a CSV report of the edges or the segment table.
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	reportType := reports.ReportType(q.Get("type"))
	if reportType == "" {
		http.Error(w, `{"error":"missing_type"}`, http.StatusBadRequest)
		return
	}

	params := reports.ReportParams{Filters: make(map[string]interface{})}
	for _, name := range []string{"status", "partition", "path"} {
		if v := q.Get(name); v != "" {
			params.Filters[name] = v
		}
	}

	gen, err := reports.NewReportGenerator(reportType, s.world)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"invalid_report_type","details":%q}`, err.Error()), http.StatusBadRequest)
		return
	}

	reader, err := gen.Generate(r.Context(), params)
	if errors.Is(err, reports.ErrInvalidFilter) {
		http.Error(w, fmt.Sprintf(`{"error":"invalid_filter","details":%q}`, err.Error()), http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("failed_to_generate_report", "trace_id", getTraceID(r.Context()), "error", err)
		http.Error(w, `{"error":"report_generation_failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	filename := fmt.Sprintf("%s_%s_%d.csv", s.world.WorldID(), reportType, time.Now().Unix())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	if _, err := io.Copy(w, reader); err != nil {
		slog.Error("failed_to_stream_report", "trace_id", getTraceID(r.Context()), "error", err)
	}
}

// handleHealth returns simple status
func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Middleware: Panic Recovery
func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic_recovered", "error", fmt.Sprint(err), "path", r.URL.Path)
				http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Request Logging
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}

		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		// Wrap writer to capture status code
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		slog.Info("http_request", "trace_id", traceID, "method", r.Method, "path", r.URL.Path,
			"status", ww.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

func generateTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
