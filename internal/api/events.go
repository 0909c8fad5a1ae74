package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/go-chi/chi/v5"
)

// handleEvents streams a job as server-sent events: one "job" event with
// the current state, then one per change. The stream ends when the client
// disconnects or the job reaches a terminal status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	// Subscribe before the snapshot read so no change between the two is lost.
	sub, err := s.jobs.Subscribe(jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	snapshot, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.metrics.activeStreams.Inc()
	defer s.metrics.activeStreams.Dec()

	logger := s.requestLogger(r).WithField("job_id", jobID)
	if err := writeEvent(w, rc, snapshot); err != nil {
		logger.WithError(err).Debug("event stream write failed")
		return
	}
	if snapshot.Status.IsTerminal() {
		return
	}
	latest := snapshot.UpdatedAt

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case job, ok := <-sub.Updates():
			if !ok {
				return
			}
			if !job.UpdatedAt.After(latest) {
				continue
			}
			latest = job.UpdatedAt
			if err := writeEvent(w, rc, job); err != nil {
				logger.WithError(err).Debug("event stream write failed")
				return
			}
			if job.Status.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, rc *http.ResponseController, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: job\ndata: %s\n\n", job.UpdatedAt.UnixMicro(), payload); err != nil {
		return err
	}
	return rc.Flush()
}
