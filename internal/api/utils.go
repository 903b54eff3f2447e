package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// extractClientIP extracts the client IP from the request, preferring the
// first X-Forwarded-For entry over RemoteAddr.
func extractClientIP(r *http.Request) (string, error) {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0]), nil
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", fmt.Errorf("unable to parse remote address: %w", err)
	}
	return ip, nil
}

// extractToken reads the access token from X-API-Key or a Bearer
// Authorization header.
func extractToken(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
