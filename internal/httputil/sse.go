package httputil

import (
	"net/http"
	"strings"
)

// SetSSEHeaders sets the standard headers for a Server-Sent Events response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SetBearer sets "Authorization: Bearer <token>". An empty token leaves
// the header unset.
func SetBearer(r *http.Request, token string) {
	if token == "" {
		return
	}
	r.Header.Set("Authorization", "Bearer "+token)
}

// BearerToken returns the token from "Authorization: Bearer <token>", or
// "" when the header is absent or uses another scheme.
func BearerToken(r *http.Request) string {
	if rest, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}
