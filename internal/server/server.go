// Package server exposes the generation pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"SnippetAI/internal/aierr"
	"SnippetAI/internal/artifact"
	"SnippetAI/internal/pipeline"
	"SnippetAI/internal/router"
	"SnippetAI/internal/session"
	"SnippetAI/internal/stream"
)

const maxBodySize = 1 << 20

// ArtifactReader looks up persisted results
type ArtifactReader interface {
	Get(ctx context.Context, sessionID string) (*artifact.Record, error)
}

// Deps are the components the handlers serve
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Store        *session.Store
	Transport    *stream.Transport
	Router       *router.Router
	// Artifacts may be nil
	Artifacts ArtifactReader
}

// Server represents the HTTP server
type Server struct {
	deps       Deps
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
	startTime  time.Time
}

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the failure
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// New creates a new HTTP server listening on addr
func New(addr string, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startTime: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/pipeline", s.startPipeline)
	mux.HandleFunc("GET /api/pipeline/{id}/stream", s.resumeStream)
	mux.HandleFunc("GET /api/pipeline/{id}/ws", s.resumeWebSocket)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.clearSession)
	mux.HandleFunc("POST /api/sessions/{id}/clear", s.clearSession)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.cancelSession)
	mux.HandleFunc("GET /api/model-tiering-config", s.tieringConfig)
	mux.HandleFunc("GET /api/artifacts/{id}", s.getArtifact)
	mux.HandleFunc("GET /healthz", s.health)
	return s.logRequests(mux)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("HTTP server starting", "addr", l.Addr().String())
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops running pipelines first so attached streams receive their final
// event and return, then drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.deps.Orchestrator.Shutdown(ctx); err != nil {
		s.logger.Error("pipelines still running at shutdown", "error", err)
	}
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes flushes through for streamed responses
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController and the upgrader
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if r.Header.Get("Upgrade") != "" {
			// the upgrader needs the raw writer to hijack the connection
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(rec, r)
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Kind: kind, Message: message}})
}

// statusOf maps an error to its HTTP status and kind
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		return http.StatusBadRequest, "InvalidRequest"
	case errors.Is(err, session.ErrSessionExists):
		return http.StatusConflict, "SessionExists"
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusServiceUnavailable, string(aierr.KindBusy)
	case errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound, "ArtifactNotFound"
	}

	kind := aierr.KindOf(err)
	switch kind {
	case aierr.KindSessionNotFound:
		return http.StatusNotFound, string(kind)
	case aierr.KindSessionExpired:
		return http.StatusGone, string(kind)
	case aierr.KindContentRejected:
		return http.StatusUnprocessableEntity, string(kind)
	case aierr.KindProviderUnconfigured, aierr.KindPipelineExhausted, aierr.KindRateLimited:
		return http.StatusServiceUnavailable, string(kind)
	case aierr.KindContextBudgetExceeded:
		return http.StatusRequestEntityTooLarge, string(kind)
	}
	return http.StatusInternalServerError, string(aierr.KindInternal)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, kind := statusOf(err)
	if status >= http.StatusInternalServerError && kind == string(aierr.KindInternal) {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, kind, err.Error())
}
