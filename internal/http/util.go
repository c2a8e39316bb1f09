package httpx

import (
	"net/http"
	"strconv"
	"strings"
)

// parseIntQuery returns the integer value of a query param or a default.
// It is tolerant of missing/invalid values.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// ParseLimit parses the limit query param and clamps it to [1, maxLimit].
// A missing limit returns defLimit, where zero means unbounded.
func ParseLimit(r *http.Request, defLimit, maxLimit int) int {
	// Defensive: ensure maxLimit is at least 1 to avoid clamping to 0 or negatives
	if maxLimit < 1 {
		maxLimit = 1
	}
	if strings.TrimSpace(r.URL.Query().Get("limit")) == "" {
		return defLimit
	}
	lim := parseIntQuery(r, "limit", defLimit)
	if lim < 1 {
		lim = 1
	}
	if lim > maxLimit {
		lim = maxLimit
	}
	return lim
}
