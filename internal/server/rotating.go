package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	rotatingsvc "batonrelay/internal/rotating/service"
	"batonrelay/internal/token"
	"batonrelay/internal/wire"
)

// handleRotatingFetch returns the window's current token. A closed
// window is not an error: the body answers {token: null, active: false}
// so displays poll one shape. GET .../rotating/{purpose}.
func (s *Server) handleRotatingFetch(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	purpose := token.Kind(chi.URLParam(r, "purpose"))

	win, err := s.rotating.Fetch(r.Context(), sessionID, purpose)
	if err != nil {
		if errors.Is(err, rotatingsvc.ErrWindowClosed) {
			writeJSON(w, http.StatusOK, wire.RotatingFetchResponse{Token: nil, Active: false})
			return
		}
		s.serviceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, wire.RotatingFetchResponse{
		Token: &wire.IssuedToken{
			Value:     win.TokenValue,
			TokenID:   win.TokenID,
			Etag:      win.TokenEtag,
			ExpiresAt: win.TokenExpiresAt.Unix(),
		},
		Active: true,
	})
}

// handleRotatingOpen opens the window. POST .../rotating/{purpose}/open.
func (s *Server) handleRotatingOpen(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	purpose := token.Kind(chi.URLParam(r, "purpose"))
	if err := s.rotating.Open(r.Context(), sessionID, purpose); err != nil {
		s.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRotatingClose closes the window; closing a closed window
// succeeds. POST .../rotating/{purpose}/close.
func (s *Server) handleRotatingClose(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	purpose := token.Kind(chi.URLParam(r, "purpose"))
	if err := s.rotating.Close(r.Context(), sessionID, purpose); err != nil {
		s.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
