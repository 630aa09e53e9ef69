package lifecycle

import (
	"context"
	"sync"
)

// Sessions holds one Controller per signed-in passenger.
type Sessions struct {
	deps Deps
	// OnCreate, when set before first use, runs for every new controller.
	OnCreate func(*Controller)

	mu          sync.Mutex
	byPassenger map[string]*Controller
}

func NewSessions(deps Deps) *Sessions {
	return &Sessions{deps: deps.withDefaults(), byPassenger: make(map[string]*Controller)}
}

// Get returns the passenger's controller, creating it when absent.
func (s *Sessions) Get(passengerID string) *Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byPassenger[passengerID]
	if !ok {
		c = New(s.deps, passengerID)
		s.byPassenger[passengerID] = c
		if s.OnCreate != nil {
			s.OnCreate(c)
		}
	}
	return c
}

// Open returns the passenger's controller after restoring any active ride.
func (s *Sessions) Open(ctx context.Context, passengerID string) (*Controller, error) {
	c := s.Get(passengerID)
	if c.ActiveRide() != nil {
		return c, nil
	}
	_, err := c.RestoreActiveRide(ctx, passengerID)
	return c, err
}

// Close ends and forgets the passenger's session.
func (s *Sessions) Close(passengerID string) {
	s.mu.Lock()
	c, ok := s.byPassenger[passengerID]
	delete(s.byPassenger, passengerID)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Release closes c and forgets it unless the passenger has since opened a
// newer session.
func (s *Sessions) Release(c *Controller) {
	s.mu.Lock()
	if s.byPassenger[c.PassengerID()] == c {
		delete(s.byPassenger, c.PassengerID())
	}
	s.mu.Unlock()
	c.Close()
}

func (s *Sessions) CloseAll() {
	s.mu.Lock()
	all := s.byPassenger
	s.byPassenger = make(map[string]*Controller)
	s.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPassenger)
}
