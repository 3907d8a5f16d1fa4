package notif

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// offlineStore keeps one bounded FIFO of pending notifications per user.
// It is shared across sessions; a single mutex guards the whole store since
// operations are short appends/drains.
type offlineStore struct {
	mu       sync.Mutex
	queues   map[string]*queue.Queue
	capacity int
	ttl      time.Duration
}

func newOfflineStore(capacity int, ttl time.Duration) *offlineStore {
	return &offlineStore{
		queues:   make(map[string]*queue.Queue),
		capacity: capacity,
		ttl:      ttl,
	}
}

// push appends a notification, dropping the oldest entry when the user's
// queue is full.
func (s *offlineStore) push(userID string, n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[userID]
	if !ok {
		q = queue.New()
		s.queues[userID] = q
	}
	for q.Length() >= s.capacity {
		q.Remove()
	}
	q.Add(n)
}

// drain removes and returns every non-expired pending notification for a
// user. Destructive read: a second drain returns nothing.
func (s *offlineStore) drain(userID string) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[userID]
	if !ok {
		return nil
	}
	delete(s.queues, userID)

	cutoff := time.Now().UTC().Add(-s.ttl)
	pending := make([]Notification, 0, q.Length())
	for q.Length() > 0 {
		n := q.Remove().(Notification)
		if n.CreatedAt.Before(cutoff) {
			continue
		}
		pending = append(pending, n)
	}
	return pending
}

// pending reports the number of queued notifications for a user.
func (s *offlineStore) pending(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[userID]; ok {
		return q.Length()
	}
	return 0
}

// prune drops expired entries from every queue and deletes empty queues.
func (s *offlineStore) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-s.ttl)
	for userID, q := range s.queues {
		for n := q.Length(); n > 0; n-- {
			entry := q.Remove().(Notification)
			if entry.CreatedAt.Before(cutoff) {
				continue
			}
			q.Add(entry)
		}
		if q.Length() == 0 {
			delete(s.queues, userID)
		}
	}
}
