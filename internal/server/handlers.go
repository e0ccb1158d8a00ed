package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"SnippetAI/internal/pipeline"
	"SnippetAI/internal/stream"
)

// SessionHeader carries the session id of a streamed pipeline
const SessionHeader = "X-Session-ID"

func (s *Server) startPipeline(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid JSON body: "+err.Error())
		return
	}

	id, err := s.deps.Orchestrator.Start(r.Context(), req)
	if err != nil {
		if id != "" {
			w.Header().Set(SessionHeader, id)
		}
		s.fail(w, err)
		return
	}

	if r.URL.Query().Get("detach") == "true" {
		writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
		return
	}
	w.Header().Set(SessionHeader, id)
	s.streamNDJSON(w, r, id, -1)
}

func (s *Server) resumeStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, err := parseAfter(r, -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if _, err := s.deps.Store.Read(id); err != nil {
		s.fail(w, err)
		return
	}
	s.streamNDJSON(w, r, id, after)
}

// streamNDJSON writes events until the session ends or the client leaves. The run
// itself is unaffected by the client.
func (s *Server) streamNDJSON(w http.ResponseWriter, r *http.Request, id string, after int64) {
	w.Header().Set("Content-Type", stream.ContentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	err := s.deps.Transport.Stream(r.Context(), id, after, stream.NewNDJSONSink(w))
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Info("stream ended early", "session_id", id, "error", err)
	}
}

func (s *Server) resumeWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, err := parseAfter(r, s.deps.Transport.Acked(id))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if _, err := s.deps.Store.Read(id); err != nil {
		s.fail(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	sink := stream.NewWebSocketSink(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		sink.ReadAcks(func(seq int64) {
			s.deps.Transport.Ack(id, seq)
		})
	}()

	err = s.deps.Transport.Stream(ctx, id, after, sink)
	switch {
	case err == nil:
		sink.Close(websocket.CloseNormalClosure, "session finished")
	case errors.Is(err, stream.ErrPreempted):
		sink.Close(websocket.CloseNormalClosure, "replaced by a newer connection")
	case errors.Is(err, context.Canceled):
		sink.Close(websocket.CloseGoingAway, "")
	default:
		s.logger.Info("websocket stream ended early", "session_id", id, "error", err)
		_, kind := statusOf(err)
		sink.Close(websocket.CloseInternalServerErr, kind)
	}
}

func parseAfter(r *http.Request, def int64) (int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return def, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < -1 {
		return 0, errors.New("after must be an integer >= -1")
	}
	return after, nil
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Store.Read(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) clearSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.deps.Orchestrator.Clear(id)
	s.deps.Transport.Forget(id)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "cleared": true})
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Orchestrator.Cancel(id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "cancel_requested": true})
}

func (s *Server) tieringConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Router.Describe())
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	if s.deps.Artifacts == nil {
		writeError(w, http.StatusNotImplemented, "ArtifactStoreDisabled", "no artifact store is configured")
		return
	}
	rec, err := s.deps.Artifacts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime":         time.Since(s.startTime).Round(time.Second).String(),
		"sessions":       s.deps.Store.Len(),
		"pending_runs":   s.deps.Orchestrator.Pending(),
		"active_streams": s.deps.Transport.Consumers(),
		"providers":      s.deps.Router.Profiles(),
	})
}
