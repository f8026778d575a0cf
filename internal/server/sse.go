package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"batonrelay/internal/server/middleware"
	"batonrelay/internal/wire"
)

// keepaliveInterval is how often the stream sends a comment line so
// idle connections are not reaped by intermediaries.
const keepaliveInterval = 15 * time.Second

// handleEvents streams the session's realtime events over SSE until
// the client disconnects. GET /api/v1/sessions/{sessionID}/events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	p, _ := middleware.ParticipantFromContext(r.Context())
	if p == nil || p.SessionID != sessionID {
		writeError(w, wire.CodeUnauthorized, "participant belongs to another session")
		return
	}
	if s.bus == nil {
		writeError(w, wire.CodeInvalidState, "realtime events are not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, wire.CodeInternal, "streaming unsupported")
		return
	}

	events, cancel := s.bus.Subscribe(sessionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				s.log.Warn("event payload marshal failed",
					zap.String("event", ev.Name), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload)
			flusher.Flush()
		}
	}
}
