package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/docsearch/internal/audit"
)

// ExtractBearerToken returns the token from "Authorization: Bearer <token>",
// falling back to the access_token query parameter for websocket clients
// that cannot set headers.
func ExtractBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := ExtractBearerToken(r)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			audit.Record(r.Context(), "deny", "api.request", "invalid_token", r.Method+" "+r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
