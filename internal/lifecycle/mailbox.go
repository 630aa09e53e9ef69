package lifecycle

import (
	"context"
	"sync"

	"github.com/example/ride-lifecycle/internal/models"
)

// mailbox delivers snapshots to one observer in order without ever blocking
// the sender. After seal the remaining snapshots are delivered and out closes.
// Cancelling ctx closes out immediately. The mailbox context is done once out
// is closed.
type mailbox struct {
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	pending []models.Ride
	sealed  bool
	wake    chan struct{}
	out     chan models.Ride
}

func newMailbox(parent context.Context) *mailbox {
	ctx, cancel := context.WithCancel(parent)
	m := &mailbox{ctx: ctx, cancel: cancel, wake: make(chan struct{}, 1), out: make(chan models.Ride)}
	go m.pump()
	return m
}

func (m *mailbox) put(r models.Ride) {
	m.mu.Lock()
	if m.sealed {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, r.Clone())
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) pump() {
	ctx := m.ctx
	defer func() {
		close(m.out)
		m.cancel()
	}()
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			sealed := m.sealed
			m.mu.Unlock()
			if sealed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			}
			continue
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case m.out <- next:
		}
	}
}
