package util

import (
	"net/http"
	"strings"
)

// apiSecurityHeaders go on every response. Cache-Control is a default that
// handlers may override; the event stream sets no-cache itself.
var apiSecurityHeaders = [][2]string{
	{"Cache-Control", "no-store"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
}

// WithSecurityHeaders sets JSON API response headers. Registration returns a
// one-time password and device token, so nothing is cacheable by default.
// HSTS is added only for HTTPS requests, direct or via X-Forwarded-Proto.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range apiSecurityHeaders {
			h.Set(kv[0], kv[1])
		}
		if r.TLS != nil || strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
