package middleware

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

var channelPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// ValidateID validates a resource ID.
func ValidateID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid %s ID format", kind)
	}
	return nil
}

// ValidateChannel validates a channel name from the URL.
func ValidateChannel(name string) error {
	if !channelPattern.MatchString(name) {
		return fmt.Errorf("invalid channel name %q", name)
	}
	return nil
}

// ParseLimit reads the limit query parameter, clamped to [1, max].
func ParseLimit(r *http.Request, def, max int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// MaxBody caps request body size.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
