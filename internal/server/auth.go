package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const defaultAuthHeader = "x-api-key"

// authenticate enforces the shared-secret inbound key. With no keys
// configured the middleware is a pass-through. A configured gateway with no
// key on the request fails closed with 503; a wrong key gets 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if len(s.cfg.APIKeys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(s.cfg.AuthHeader)
		if key == "" {
			key = bearerToken(r)
		}
		if key == "" {
			writeError(w, http.StatusServiceUnavailable, "auth_error", "missing API key")
			return
		}
		for _, want := range s.cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(want)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "auth_error", "invalid API key")
	})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}
