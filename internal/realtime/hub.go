package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
)

// Hub fans job updates out to the subscribers of each job id. Every
// subscription queues the states published to it without bound, so a slow
// consumer delays its own updates but never loses one.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	last   map[string]time.Time
	closed bool
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*Subscription]struct{}),
		last: make(map[string]time.Time),
	}
}

// Subscription is the cancellable handle returned by Subscribe.
type Subscription struct {
	hub   *Hub
	jobID string
	ch    chan domain.Job
	done  chan struct{}
	wake  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	pending []domain.Job
}

func newSubscription(hub *Hub, jobID string) *Subscription {
	return &Subscription{
		hub:   hub,
		jobID: jobID,
		ch:    make(chan domain.Job),
		done:  make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}
}

func (s *Subscription) JobID() string {
	return s.jobID
}

// Updates yields every job state published after the subscription was
// opened, in publish order. The channel is closed by Close; states still
// queued at that point are discarded.
func (s *Subscription) Updates() <-chan domain.Job {
	return s.ch
}

// Done is closed once Close has been called.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops delivery. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

func (s *Subscription) enqueue(job domain.Job) {
	s.mu.Lock()
	s.pending = append(s.pending, job)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued states onto the updates channel until Close.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, job := range batch {
			select {
			case s.ch <- job:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := newSubscription(h, jobID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.once.Do(func() {})
		close(sub.done)
		close(sub.ch)
		return sub
	}
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[jobID] = set
	}
	set[sub] = struct{}{}
	go sub.pump()
	return sub
}

// Publish queues job for its subscribers. A state whose updated_at is not
// after the last one published for that id is the same write seen again,
// or an older one, and is dropped. It reports whether anything was queued.
func (h *Hub) Publish(job domain.Job) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[job.ID]
	if len(set) == 0 {
		return false
	}
	if last, ok := h.last[job.ID]; ok && !job.UpdatedAt.After(last) {
		return false
	}
	h.last[job.ID] = job.UpdatedAt

	for sub := range set {
		sub.enqueue(job.Clone())
	}
	return true
}

func (h *Hub) HasSubscribers(jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID]) > 0
}

// JobIDs lists the job ids that currently have subscribers.
func (h *Hub) JobIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close ends every open subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.closed = true
	h.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[sub.jobID]
	if _, ok := set[sub]; ok {
		delete(set, sub)
		close(sub.done)
	}
	if len(set) == 0 {
		delete(h.subs, sub.jobID)
		delete(h.last, sub.jobID)
	}
}
