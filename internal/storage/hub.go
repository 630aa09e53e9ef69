package storage

import (
	"context"
	"sync"

	"github.com/example/ride-lifecycle/internal/models"
)

// hub fans ride snapshots out to per-ride subscribers. Each subscriber owns an
// unbounded queue drained by its own goroutine, so publishers never block and
// every subscriber sees snapshots in publish order.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	mu      sync.Mutex
	pending []models.Ride
	wake    chan struct{}
	out     chan models.Ride
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*subscriber]struct{})}
}

// subscribe registers for rideID and queues initial as the first snapshot.
// The returned channel is closed after ctx is done.
func (h *hub) subscribe(ctx context.Context, rideID string, initial models.Ride) <-chan models.Ride {
	s := &subscriber{wake: make(chan struct{}, 1), out: make(chan models.Ride)}
	s.push(initial)

	h.mu.Lock()
	set, ok := h.subs[rideID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[rideID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer func() {
			h.remove(rideID, s)
			close(s.out)
		}()
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				select {
				case <-ctx.Done():
					return
				case <-s.wake:
					continue
				}
			}
			next := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case s.out <- next:
			}
		}
	}()
	return s.out
}

func (s *subscriber) push(r models.Ride) {
	s.mu.Lock()
	s.pending = append(s.pending, r.Clone())
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (h *hub) publish(r models.Ride) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[r.ID] {
		s.push(r)
	}
}

func (h *hub) remove(rideID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[rideID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, rideID)
		}
	}
}

// watched returns the ride ids that currently have subscribers.
func (h *hub) watched() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}

func (h *hub) has(rideID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[rideID]) > 0
}
