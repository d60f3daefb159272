// Package progress fans job progress out to any number of subscribers.
// Updates are advisory: a slow subscriber only ever sees the latest one.
package progress

import (
	"context"
	"sync"
	"time"
)

const DefaultRetain = 5 * time.Minute

// Update is one observation of a job.
type Update struct {
	JobID    string    `json:"jobId"`
	State    string    `json:"state"`
	Progress float64   `json:"progress"`
	Terminal bool      `json:"terminal"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

type topic struct {
	last    Update
	subs    map[chan Update]struct{}
	endedAt time.Time
}

// Hub keeps the latest update per job and the channels watching it. Ended
// jobs stay visible for the retain period so late subscribers still learn
// the outcome.
type Hub struct {
	mu        sync.Mutex
	topics    map[string]*topic
	retain    time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func NewHub(retain time.Duration) *Hub {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Hub{topics: make(map[string]*topic), retain: retain, now: time.Now}
}

// Publish records u. Progress never moves backwards and nothing is
// accepted for a job after its terminal update.
func (h *Hub) Publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.sweepLocked(now)
	if u.At.IsZero() {
		u.At = now
	}
	t, ok := h.topics[u.JobID]
	if !ok {
		t = &topic{subs: make(map[chan Update]struct{})}
		h.topics[u.JobID] = t
	} else {
		if t.last.Terminal {
			return
		}
		if u.Progress < t.last.Progress {
			u.Progress = t.last.Progress
		}
	}
	if u.Progress > 100 {
		u.Progress = 100
	}
	t.last = u
	for ch := range t.subs {
		offer(ch, u)
		if u.Terminal {
			close(ch)
			delete(t.subs, ch)
		}
	}
	if u.Terminal {
		t.endedAt = now
	}
}

// Subscribe returns a channel that first carries the latest update and is
// closed after the terminal one or when ctx ends. ok is false for unknown
// jobs.
func (h *Hub) Subscribe(ctx context.Context, jobID string) (<-chan Update, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	if !ok {
		return nil, false
	}
	ch := make(chan Update, 1)
	ch <- t.last
	if t.last.Terminal {
		close(ch)
		return ch, true
	}
	t.subs[ch] = struct{}{}
	context.AfterFunc(ctx, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, live := t.subs[ch]; live {
			delete(t.subs, ch)
			close(ch)
		}
	})
	return ch, true
}

func (h *Hub) Last(jobID string) (Update, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	if !ok {
		return Update{}, false
	}
	return t.last, true
}

// offer replaces whatever the subscriber has not consumed yet with u.
func offer(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- u:
	default:
	}
}

func (h *Hub) sweepLocked(now time.Time) {
	if now.Sub(h.lastSweep) < h.retain {
		return
	}
	for id, t := range h.topics {
		if t.last.Terminal && now.Sub(t.endedAt) >= h.retain {
			delete(h.topics, id)
		}
	}
	h.lastSweep = now
}
