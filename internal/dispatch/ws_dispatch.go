// Package dispatch pushes ride snapshots to connected passenger websockets.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-lifecycle/internal/models"
)

const writeWait = 5 * time.Second

type MessageType string

const (
	RideSnapshot MessageType = "ride.snapshot"
	RideFinished MessageType = "ride.finished"
	StreamClosed MessageType = "ride.stream_closed"
)

type Message struct {
	Type MessageType  `json:"type"`
	Ride *models.Ride `json:"ride,omitempty"`
}

// WSSession is one connected passenger socket. Writes are serialised.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WSRegistry holds passenger sessions; a passenger may have several sockets open.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{})}
}

func (r *WSRegistry) Add(passengerID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[passengerID]
	if !ok {
		set = make(map[*WSSession]struct{})
		r.sessions[passengerID] = set
	}
	set[s] = struct{}{}
	return s
}

func (r *WSRegistry) Remove(passengerID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.sessions[passengerID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.sessions, passengerID)
		}
	}
}

func (r *WSRegistry) Count(passengerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[passengerID])
}

// Notify sends msg to every socket of the passenger. ErrNoSession when none is open.
func (r *WSRegistry) Notify(passengerID string, msg Message) error {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[passengerID]))
	for s := range r.sessions[passengerID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	var firstErr error
	for _, s := range targets {
		if err := s.Send(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stream writes every snapshot from rides to s until rides closes or ctx is done,
// pinging the peer while idle.
func Stream(ctx context.Context, s *WSSession, rides <-chan models.Ride, pingEvery time.Duration) error {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-rides:
			if !ok {
				return s.Send(Message{Type: StreamClosed})
			}
			r = r.Clone()
			if err := s.Send(Message{Type: RideSnapshot, Ride: &r}); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return err
			}
		}
	}
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
