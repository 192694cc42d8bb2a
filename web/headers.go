package web

import "net/http"

// defaultSecurityHeaders are stamped on every response before anything else
// writes to it.
func defaultSecurityHeaders() map[string]string {
	return map[string]string{
		"Content-Security-Policy":   "default-src 'self'",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}
}

func applySecurityHeaders(h http.Header, serverName string) {
	for name, value := range defaultSecurityHeaders() {
		h.Set(name, value)
	}
	if serverName != "" {
		h.Set("X-SERVER-NAME", serverName)
	}
}
