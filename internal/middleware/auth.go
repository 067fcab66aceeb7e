package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/auditledger/internal/auth"
)

// Error codes written by the auth middleware. They share the API's error body format.
const (
	ErrCodeUnauthorized = "auth_failed"
	ErrCodeForbidden    = "forbidden"
)

// TokenValidator validates bearer tokens. *auth.JWTService satisfies it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// RequireAuth returns middleware that admits only requests carrying a valid
// bearer token granting scope. The caller is stored in the context as an Actor
// and handed to the logging middleware. metrics may be nil.
func RequireAuth(validator TokenValidator, scope string, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				reject(w, r, metrics, "missing", http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				reason, message := "invalid", "invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					reason, message = "expired", "token has expired"
				}
				reject(w, r, metrics, reason, http.StatusUnauthorized, ErrCodeUnauthorized, message)
				return
			}

			ctx := SetActor(r.Context(), Actor{
				ID:      claims.Subject,
				Type:    claims.ActorType,
				Service: claims.Service,
			})
			UpdateResponseContext(w, ctx)

			if !claims.HasScope(scope) {
				reject(w, r.WithContext(ctx), metrics, "scope", http.StatusForbidden, ErrCodeForbidden, "token lacks scope "+scope)
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func reject(w http.ResponseWriter, r *http.Request, metrics *Metrics, reason string, status int, code, message string) {
	if metrics != nil {
		metrics.IncAuthFailures(reason)
	}
	UpdateResponseContext(w, SetErrorCode(r.Context(), code))

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="auditledger"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := map[string]map[string]string{
		"error": {"code": code, "message": message},
	}
	_ = json.NewEncoder(w).Encode(body)
}
