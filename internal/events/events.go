// Package events publishes ride lifecycle events to downstream consumers.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

type Type string

const (
	RideRequested   Type = "ride.requested"
	RideTransition  Type = "ride.transition"
	RideCompleted   Type = "ride.completed"
	PaymentCharged  Type = "payment.charged"
	ReviewSubmitted Type = "review.submitted"
)

// RideEvent is the message body on every transport. From is empty for RideRequested.
type RideEvent struct {
	Type        Type              `json:"type"`
	RideID      string            `json:"ride_id"`
	PassengerID string            `json:"passenger_id,omitempty"`
	DriverID    string            `json:"driver_id,omitempty"`
	From        models.RideStatus `json:"from,omitempty"`
	To          models.RideStatus `json:"to,omitempty"`
	Amount      float64           `json:"amount,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// RoutingKey is "<type>.<ride id>", e.g. ride.transition.r1.
func (e RideEvent) RoutingKey() string { return string(e.Type) + "." + e.RideID }

type Publisher interface {
	Publish(ctx context.Context, e RideEvent) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, RideEvent) error { return nil }
func (Nop) Close() error                              { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e RideEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emitter publishes with a bounded timeout. Failures are logged and counted,
// never returned.
type Emitter struct {
	pub     Publisher
	logger  *slog.Logger
	timeout time.Duration
}

func NewEmitter(pub Publisher, logger *slog.Logger) *Emitter {
	if pub == nil {
		pub = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{pub: pub, logger: logger, timeout: 2 * time.Second}
}

func (e *Emitter) Emit(ev RideEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if err := e.pub.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues("error").Inc()
		e.logger.Warn("publish ride event", "type", ev.Type, "ride_id", ev.RideID, "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues("ok").Inc()
}

func (e *Emitter) Close() error { return e.pub.Close() }
