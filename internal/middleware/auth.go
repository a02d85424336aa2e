package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kejichat/internal/storage"
)

// BearerAuth проверяет заголовок Authorization: Bearer {token} через TokenStore
// и кладёт userID в контекст. Токен также принимается в query (?token=) —
// нужно для WebSocket-клиентов без поддержки заголовков.
func BearerAuth(store storage.TokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			userID, err := store.GetToken(ctx, token)
			cancel()
			if err != nil {
				http.Error(w, `{"error":"auth storage unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			if userID == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserIDKey, userID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
