package auth

import (
	"net/http"
	"strings"
)

// ExtractJWTToken pulls the bearer token from the Authorization header.
// The prefix match is case-insensitive per RFC 7235.
func ExtractJWTToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return "", false
	}

	token := strings.TrimSpace(authHeader[len(prefix):])
	if token == "" {
		return "", false
	}

	return token, true
}
