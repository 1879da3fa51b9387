package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type OriginChecker struct {
	logger         *zap.Logger
	allowAll       bool
	allowedOrigins map[string]struct{}
}

// NewOriginChecker accepts a comma separated list of origins; "*" allows any.
func NewOriginChecker(logger *zap.Logger, origins string) *OriginChecker {
	checker := &OriginChecker{
		logger:         logger,
		allowedOrigins: make(map[string]struct{}),
	}

	for _, origin := range strings.Split(origins, ",") {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			checker.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}

		checker.allowedOrigins[normalized] = struct{}{}
	}

	return checker
}

// Check allows requests without an Origin header; those do not come from a
// browser.
func (c *OriginChecker) Check(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" || c.allowAll {
		return true
	}

	normalized, ok := normalizeOrigin(originHeader)
	if ok {
		if _, allowed := c.allowedOrigins[normalized]; allowed {
			return true
		}
	}

	c.logger.Warn("blocked websocket connection from disallowed origin",
		zap.String("origin", originHeader))

	return false
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
