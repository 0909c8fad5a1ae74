package api

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// withOwner scopes the request context to the user named by the user id
// header. Requests without it act anonymously.
func (s *Server) withOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(s.userIDHeader))
		if owner != "" {
			r = r.WithContext(domain.WithOwner(r.Context(), owner))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		s.requestLogger(r).WithFields(logrus.Fields{
			"status":      recorder.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("request")
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.requestLogger(r).WithFields(logrus.Fields{
					"panic": rec,
					"stack": string(debug.Stack()),
				}).Error("panic recovered")
				writeErrorBody(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(r *http.Request) logrus.FieldLogger {
	fields := logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	}
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		fields["request_id"] = reqID
	}
	if owner, ok := domain.OwnerFromContext(r.Context()); ok {
		fields["user_id"] = owner
	}
	return s.logger.WithFields(fields)
}
