// Package api serves field explanations and artifact listings over HTTP.
// Every /v1 request is recorded in the audit log as a tool invocation.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/backfill-cli/internal/artifact"
	"github.com/sells-group/backfill-cli/internal/ledger"
	"github.com/sells-group/backfill-cli/internal/model"
)

// Options configures the HTTP surface.
type Options struct {
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
	// MaxListLimit caps the artifacts listing. Default: 100.
	MaxListLimit int
}

// Server routes explain requests to an artifact explainer.
type Server struct {
	explainer *artifact.Explainer
	audit     *ledger.AuditLog
	opts      Options
	router    chi.Router
}

// NewServer builds the router. audit may be nil.
func NewServer(explainer *artifact.Explainer, audit *ledger.AuditLog, opts Options) *Server {
	if opts.MaxListLimit <= 0 {
		opts.MaxListLimit = 100
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{explainer: explainer, audit: audit, opts: opts}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/records/{recordID}", func(r chi.Router) {
		r.Use(s.auditTool)
		r.Get("/fields/{field}/explain", s.handleExplain)
		r.Get("/artifacts", s.handleListArtifacts)
		r.Get("/artifacts/latest", s.handleLatestArtifact)
	})
	return r
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")
	field := chi.URLParam(r, "field")

	ex, err := s.explainer.Explain(r.Context(), recordID, field)
	if err != nil {
		s.writeLookupError(w, recordID, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")
	limit := s.opts.MaxListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	refs, err := s.explainer.List(r.Context(), recordID, limit)
	if err != nil {
		s.writeLookupError(w, recordID, err)
		return
	}
	if refs == nil {
		refs = []model.ArtifactRef{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"record_id": recordID, "artifacts": refs})
}

func (s *Server) handleLatestArtifact(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")
	art, _, err := s.explainer.Latest(r.Context(), recordID)
	if err != nil {
		s.writeLookupError(w, recordID, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (s *Server) writeLookupError(w http.ResponseWriter, recordID string, err error) {
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no artifact for record "+recordID)
		return
	}
	zap.L().Error("api: lookup failed", zap.String("record", recordID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// auditTool records each request once it has been served.
func (s *Server) auditTool(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		outcome := model.AuditSucceeded
		if status >= 400 {
			outcome = model.AuditFailed
		}
		args := map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
		}
		if field := chi.URLParam(r, "field"); field != "" {
			args["field"] = field
		}
		if q := r.URL.RawQuery; q != "" {
			args["query"] = q
		}
		pattern := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			pattern = rctx.RoutePattern()
		}

		zap.L().Debug("api: request",
			zap.String("pattern", pattern),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
		)
		if s.audit == nil {
			return
		}
		s.audit.Append(r.Context(), model.AuditEntry{
			RecordID:  chi.URLParam(r, "recordID"),
			Operation: model.OpTool,
			Fetcher:   pattern,
			Args:      args,
			Outcome:   outcome,
			Detail:    strconv.Itoa(status) + " " + http.StatusText(status),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
