package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/ratelimit"
)

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// withRateLimit charges each mutating request to the caller's budget. A
// limiter outage lets requests through.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		subject, ok := domain.OwnerFromContext(r.Context())
		if !ok {
			subject = "anonymous"
		}
		subject = subject + ":" + r.Method

		decision, err := s.rateLimiter.Allow(r.Context(), subject)
		if err != nil {
			s.requestLogger(r).WithError(err).Warn("rate limiter check failed")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(r.Method).Inc()
		writeErrorBody(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
	})
}
