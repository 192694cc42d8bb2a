package web

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	corsAllowedMethods = "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS"
	corsAllowedHeaders = "Content-Type, Authorization, X-Requested-With"
	corsMaxAgeSeconds  = 86400
)

// applyCORS writes the cross-origin headers for one response.
//
// With a wildcard origin list and no Origin header the response advertises
// "*" without credentials. When the browser sent an Origin, the origin is
// reflected and credentials are allowed, with Vary: Origin so caches keep the
// reflected values apart. A non-matching origin gets no CORS headers at all,
// which makes the browser block the response.
func applyCORS(w http.ResponseWriter, r *http.Request, allowedOrigins []string) {
	origin := r.Header.Get("Origin")
	wildcard := containsWildcard(allowedOrigins)

	switch {
	case origin == "" && wildcard:
		w.Header().Set("Access-Control-Allow-Origin", "*")
	case origin != "" && wildcard:
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Add("Vary", "Origin")
	case origin != "" && originAllowed(origin, allowedOrigins):
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
}

// writePreflight answers an OPTIONS request: CORS headers plus the allowed
// methods/headers advertisement and an empty 204 body.
func writePreflight(w http.ResponseWriter, r *http.Request, allowedOrigins []string) {
	applyCORS(w, r, allowedOrigins)
	w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
	w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAgeSeconds))
	w.WriteHeader(http.StatusNoContent)
}

func containsWildcard(allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return true
		}
	}
	return false
}

// originAllowed checks an Origin value against the configured list. Beyond
// exact matches it supports wildcard subdomains ("https://*.example.com")
// and wildcard ports ("http://localhost:*"). An empty origin is a
// same-origin request and never matches.
func originAllowed(origin string, allowedOrigins []string) bool {
	if origin == "" {
		return false
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}

		// Wildcard subdomain: the part replacing "*." must be a non-empty
		// label so the bare root domain does not match.
		if idx := strings.Index(allowed, "*."); idx >= 0 {
			before := allowed[:idx]
			after := allowed[idx+2:]
			if !strings.HasPrefix(origin, before) || !strings.HasSuffix(origin, after) {
				continue
			}
			middle := strings.TrimSuffix(origin[len(before):], after)
			if len(middle) > 0 {
				return true
			}
		}

		// Wildcard port: "http://localhost:*" matches any port on the host.
		if strings.Contains(allowed, ":*") {
			base := strings.Split(allowed, ":*")[0]
			if strings.HasPrefix(origin, base+":") {
				return true
			}
		}
	}

	return false
}
