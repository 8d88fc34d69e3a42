package core

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"vshift/internal/types"
)

// buildQueueWait is how long a synchronous build waits for a free slot before
// the request is rejected with 429.
const buildQueueWait = 250 * time.Millisecond

// buildRetryAfter is the Retry-After hint, in seconds, sent with a 429.
const buildRetryAfter = 5

// BuildLimiter bounds the number of synchronous grid builds in flight to
// ServerConfig.MaxConcurrentBuilds. A build holds several float64 layers of
// the requested grid, so the limit is a memory budget rather than a fairness
// policy.
//
// Every response carries:
//   - X-Build-Limit: the configured number of slots.
//   - X-Build-Remaining: free slots after this request took one.
//
// When no slot frees within buildQueueWait the request fails with 429 and a
// Retry-After header; callers with large grids should use POST /v1/jobs.
func (s *Server) BuildLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.builds == nil {
			next.ServeHTTP(w, r)
			return
		}

		timer := time.NewTimer(buildQueueWait)
		defer timer.Stop()

		select {
		case s.builds <- struct{}{}:
		case <-timer.C:
			s.rejectBuild(w, r)
			return
		case <-r.Context().Done():
			Error(w, r, types.NewAppError(types.ErrCodeRateLimit, "request cancelled while waiting for a build slot", r.Context().Err()))
			return
		}
		defer func() { <-s.builds }()

		setBuildLimitHeaders(w, cap(s.builds), cap(s.builds)-len(s.builds))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rejectBuild(w http.ResponseWriter, r *http.Request) {
	s.Logger.Warn("build limit exceeded",
		slog.Int("limit", cap(s.builds)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", types.GetRequestID(r.Context())),
	)

	setBuildLimitHeaders(w, cap(s.builds), 0)
	w.Header().Set("Retry-After", strconv.Itoa(buildRetryAfter))
	Error(w, r, types.NewAppErrorWithDetails(
		types.ErrCodeRateLimit,
		"too many shift grids are being built; retry later or submit a job",
		nil,
		map[string]any{"limit": cap(s.builds)},
	))
}

func setBuildLimitHeaders(w http.ResponseWriter, limit, remaining int) {
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-Build-Limit", strconv.Itoa(limit))
	w.Header().Set("X-Build-Remaining", strconv.Itoa(remaining))
}
