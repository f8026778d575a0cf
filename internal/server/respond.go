package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	chainsvc "batonrelay/internal/chain/service"
	rotatingsvc "batonrelay/internal/rotating/service"
	verifysvc "batonrelay/internal/verify/service"
	"batonrelay/internal/wire"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code wire.Code, msg string) {
	writeJSON(w, statusFor(code), wire.ErrorBody{Error: wire.ErrorDetail{Code: code, Message: msg}})
}

// statusFor maps a wire code to its HTTP status. Every endpoint failure
// goes out as an ErrorBody, so clients branch on the code, not the
// status; the status exists for proxies and logs.
func statusFor(code wire.Code) int {
	switch code {
	case wire.CodeUnauthorized:
		return http.StatusUnauthorized
	case wire.CodeRateLimited:
		return http.StatusTooManyRequests
	case wire.CodeExpiredToken:
		return http.StatusGone
	case wire.CodeTokenAlreadyUsed, wire.CodeInvalidState, wire.CodeInsufficientCandidates:
		return http.StatusConflict
	case wire.CodeLocationViolation, wire.CodeGeofenceViolation, wire.CodeWifiViolation, wire.CodeIneligibleStudent:
		return http.StatusForbidden
	case wire.CodeInvalidRequest:
		return http.StatusBadRequest
	case wire.CodeNotFound:
		return http.StatusNotFound
	case wire.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// serviceError translates a service-layer failure into an error body.
// Verification rejections carry their own wire code; the named service
// sentinels map to operator codes; anything else is an internal fault
// that is logged and answered opaquely.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	var rej *verifysvc.Rejection
	if errors.As(err, &rej) {
		writeError(w, rej.Code, rej.Reason)
		return
	}

	switch {
	case errors.Is(err, chainsvc.ErrInsufficientCandidates):
		writeError(w, wire.CodeInsufficientCandidates, err.Error())
	case errors.Is(err, chainsvc.ErrInvalidCount):
		writeError(w, wire.CodeInvalidRequest, err.Error())
	case errors.Is(err, rotatingsvc.ErrInvalidPurpose):
		writeError(w, wire.CodeInvalidRequest, err.Error())
	case errors.Is(err, chainsvc.ErrSessionNotFound), errors.Is(err, rotatingsvc.ErrSessionNotFound):
		writeError(w, wire.CodeNotFound, "session not found")
	case errors.Is(err, chainsvc.ErrNoActiveChain):
		writeError(w, wire.CodeNotFound, "no active chain held")
	case errors.Is(err, chainsvc.ErrSessionNotActive), errors.Is(err, rotatingsvc.ErrSessionNotActive):
		writeError(w, wire.CodeInvalidState, "session is not accepting scans")
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, wire.CodeInternal, "internal error")
	}
}

// decodeBody parses a JSON request body into v, answering
// INVALID_REQUEST itself on malformed input. The bool reports whether
// the handler may proceed.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, wire.CodeInvalidRequest, "malformed request body")
		return false
	}
	return true
}
