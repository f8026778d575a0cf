package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	sessiondomain "batonrelay/internal/session/domain"
	"batonrelay/internal/wire"
)

// ParticipantSource resolves a device bearer token to the roster member
// it belongs to. A nil participant with nil error means unknown token.
type ParticipantSource interface {
	GetParticipantByDeviceToken(ctx context.Context, deviceToken string) (*sessiondomain.Participant, error)
}

// ParticipantAuth authenticates requests by device token. The resolved
// participant lands in the request context; requests without a valid
// token answer 401 with the UNAUTHORIZED wire code.
func ParticipantAuth(src ParticipantSource, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r)
			if tok == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			p, err := src.GetParticipantByDeviceToken(r.Context(), tok)
			if err != nil {
				log.Error("participant lookup failed", zap.Error(err))
				writeCode(w, http.StatusInternalServerError, wire.CodeInternal, "participant lookup failed")
				return
			}
			if p == nil {
				unauthorized(w, "unknown device token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithParticipant(r.Context(), p)))
		})
	}
}

// OperatorAuth guards operator endpoints with a single shared token.
// An empty configured token disables the operator surface outright.
func OperatorAuth(operatorToken string, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if operatorToken == "" {
				unauthorized(w, "operator endpoints are disabled")
				return
			}
			tok := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(tok), []byte(operatorToken)) != 1 {
				log.Warn("operator auth rejected", zap.String("path", r.URL.Path))
				unauthorized(w, "invalid operator token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

func unauthorized(w http.ResponseWriter, msg string) {
	writeCode(w, http.StatusUnauthorized, wire.CodeUnauthorized, msg)
}

// writeCode is the middleware-local error writer; handler responses go
// through the server package's richer mapping.
func writeCode(w http.ResponseWriter, status int, code wire.Code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.ErrorBody{Error: wire.ErrorDetail{Code: code, Message: msg}})
}
