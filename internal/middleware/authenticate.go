package middleware

import (
	"errors"
	"net/http"

	"github.com/carelink/internal/auth"
	"github.com/carelink/internal/logger"
)

// Authenticate разрешает credential запроса в identity через auth.Resolver и кладёт её в контекст.
// На неактивную identity или невалидный credential отвечает 401, до handler и WebSocket upgrade запрос не доходит.
func Authenticate(resolver auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := auth.Credential(r)
			if credential == "" {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			id, err := resolver.Resolve(r.Context(), credential)
			if err != nil {
				if !errors.Is(err, auth.ErrUnauthorized) {
					logger.Errorf("auth resolve token=%s: %v", MaskToken(credential), err)
					writeJSONError(w, http.StatusServiceUnavailable, "auth service unavailable")
					return
				}
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !id.IsActive {
				logger.Infof("auth rejected inactive user=%s", id.ID)
				writeJSONError(w, http.StatusUnauthorized, "account disabled")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), *id)))
		})
	}
}
