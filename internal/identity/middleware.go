package identity

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/finance-engine/internal/platform/httpx"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// Middleware resolves bearer tokens into the request actor.
type Middleware struct {
	Provider Provider
	Logger   *slog.Logger
}

// Authenticate rejects requests without a valid bearer token.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			httpx.RespondError(w, ErrInvalidToken)
			return
		}
		actor, err := m.Provider.Authenticate(r.Context(), token)
		if err != nil {
			if m.Logger != nil && !errors.Is(err, shared.ErrUnauthenticated) {
				m.Logger.Error("identity authenticate", slog.Any("error", err))
			}
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

// Require ensures the request actor holds every permission in perms.
func Require(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, ErrInvalidToken)
				return
			}
			for _, perm := range perms {
				if !actor.Can(perm) {
					httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission "+perm)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
