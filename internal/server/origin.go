// Package server exposes the HTTP surface of the chat relay: the WebSocket
// room endpoint plus the thin account and room handlers around it.
package server

import (
	"net/http"
	"net/url"
	"strings"
)

func normalizeOrigins(origins []string) (map[string]struct{}, bool) {
	normalized := make(map[string]struct{}, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		if n, ok := normalizeOrigin(trimmed); ok {
			normalized[n] = struct{}{}
		}
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// checkOrigin enforces the configured browser-origin allow list on
// WebSocket upgrades. Non-browser clients send no Origin header and pass
// through; authentication still gates admission.
func (s *Server) checkOrigin(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}

	normalized, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}
	if _, allowed := s.allowedOrigins[normalized]; allowed {
		return true
	}

	s.logger.Warn("blocked WebSocket upgrade from disallowed origin", "origin", originHeader)
	return false
}
