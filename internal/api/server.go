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
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
	"github.com/JakeFAU/clause-crawler/internal/metrics"
	"github.com/JakeFAU/clause-crawler/internal/repository"
)

// DocumentSource yields the current repository document. The file store
// re-reads the repository file on every call so a concurrent crawl is visible.
type DocumentSource interface {
	Load(ctx context.Context) (*repository.Document, error)
}

// Options tune the Server.
type Options struct {
	// APIKey guards /v1 routes when non-empty.
	APIKey string
	// RequestTimeout bounds each handler. Zero uses 30s.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the repository document.
type Server struct {
	router chi.Router
	docs   DocumentSource
	logger *zap.Logger
}

type statsResponse struct {
	LastUpdate time.Time     `json:"last_update"`
	Version    string        `json:"version"`
	Format     string        `json:"format"`
	Stats      crawler.Stats `json:"stats"`
}

type clauseSummary struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	NeedsUpdate bool   `json:"needs_update"`
	Versions    int    `json:"versions"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(docs DocumentSource, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{docs: docs, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/stats", s.stats)
		r.Get("/clauses", s.listClauses)
		r.Get("/clauses/{id}", s.getClause)
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

// readyz reports ready once the repository document can be read.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.docs.Load(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		LastUpdate: doc.Metadata.LastUpdate,
		Version:    doc.Metadata.Version,
		Format:     doc.Metadata.Format,
		Stats:      doc.Metadata.Stats,
	})
}

// listClauses supports ?type= and ?pending=true filters.
func (s *Server) listClauses(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.load(w, r)
	if !ok {
		return
	}
	clauseType := strings.TrimSpace(r.URL.Query().Get("type"))
	pendingOnly := r.URL.Query().Get("pending") == "true"

	out := make([]clauseSummary, 0, len(doc.Clauses))
	for id, rec := range doc.Clauses {
		if clauseType != "" && !strings.EqualFold(rec.Content.Type, clauseType) {
			continue
		}
		if pendingOnly && !rec.Metadata.Enrichment.NeedsUpdate {
			continue
		}
		out = append(out, clauseSummary{
			ID:          id,
			Type:        rec.Content.Type,
			Title:       rec.Content.Title,
			NeedsUpdate: rec.Metadata.Enrichment.NeedsUpdate,
			Versions:    len(rec.History.Versions),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"clauses": out, "count": len(out)})
}

func (s *Server) getClause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, ok := s.load(w, r)
	if !ok {
		return
	}
	rec, found := doc.Clauses[id]
	if !found {
		writeError(w, http.StatusNotFound, "clause not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) (*repository.Document, bool) {
	doc, err := s.docs.Load(r.Context())
	if err != nil {
		s.logger.Error("load repository failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load repository")
		return nil, false
	}
	return doc, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
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
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
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
