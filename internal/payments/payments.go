// Package payments charges passengers for finished rides and records the transactions.
package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/storage"
)

// Provider charges a payer for a ride and returns the resulting transaction.
type Provider interface {
	Charge(ctx context.Context, rideID string, amount float64, method models.PaymentMethod, payerID string) (models.PaymentTransaction, error)
}

// Gateway moves the money. It returns an external reference for the charge.
type Gateway interface {
	Authorize(ctx context.Context, rideID string, amount float64, payerID string) (string, error)
}

// Service routes card payments through the card gateway and settles cash and
// in-app balance payments through the offline gateway. Every attempt is recorded,
// first as pending and then with its outcome. A ride that already has a pending
// or succeeded transaction is not charged again.
type Service struct {
	Card    Gateway
	Offline Gateway
	Store   storage.TransactionStore
	Logger  *slog.Logger
	now     func() time.Time
}

func NewService(card Gateway, store storage.TransactionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Card: card, Offline: &Simulated{}, Store: store, Logger: logger, now: time.Now}
}

func (s *Service) Charge(ctx context.Context, rideID string, amount float64, method models.PaymentMethod, payerID string) (models.PaymentTransaction, error) {
	if payerID == "" {
		return models.PaymentTransaction{}, models.ErrUnauthenticated
	}
	if rideID == "" || amount <= 0 {
		return models.PaymentTransaction{}, fmt.Errorf("%w: ride id and a positive amount are required", models.ErrInvalidArgument)
	}
	if !method.Valid() {
		return models.PaymentTransaction{}, fmt.Errorf("%w: unknown payment method %q", models.ErrInvalidArgument, method)
	}

	prior, err := s.Store.RideTransactions(ctx, rideID)
	if err != nil {
		return models.PaymentTransaction{}, models.Remote("load payments", err)
	}
	for _, p := range prior {
		if p.Status != models.PaymentFailed {
			return p, fmt.Errorf("%w: ride %s already has a %s payment", models.ErrAlreadyRecorded, rideID, p.Status)
		}
	}

	gw := s.Offline
	if method == models.PaymentCreditCard && s.Card != nil {
		gw = s.Card
	}

	tx := models.PaymentTransaction{
		ID:        uuid.NewString(),
		RideID:    rideID,
		PayerID:   payerID,
		Amount:    amount,
		Method:    method,
		Status:    models.PaymentPending,
		Timestamp: s.now().UTC(),
	}
	// the pending row claims the ride before any money moves
	if err := s.Store.SaveTransaction(ctx, tx); err != nil {
		return models.PaymentTransaction{}, models.Remote("record payment", err)
	}

	ref, chargeErr := gw.Authorize(ctx, rideID, amount, payerID)
	tx.Status = models.PaymentSucceeded
	if chargeErr != nil {
		tx.Status = models.PaymentFailed
	}
	tx.Reference = ref
	observability.Payments.WithLabelValues(string(method), string(tx.Status)).Inc()

	if err := s.Store.SaveTransaction(ctx, tx); err != nil {
		s.Logger.Error("record payment", "ride_id", rideID, "tx_id", tx.ID, "status", tx.Status, "error", err)
		if chargeErr == nil {
			return tx, models.Remote("record payment", err)
		}
	}
	if chargeErr != nil {
		s.Logger.Warn("payment failed", "ride_id", rideID, "method", method, "error", chargeErr)
		return tx, models.Remote("charge", chargeErr)
	}
	s.Logger.Info("payment succeeded", "ride_id", rideID, "tx_id", tx.ID, "amount", amount, "method", method)
	return tx, nil
}

// Simulated always succeeds after Delay. Zero Delay returns immediately.
type Simulated struct {
	Delay time.Duration
}

func (s *Simulated) Authorize(ctx context.Context, rideID string, _ float64, _ string) (string, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return "sim_" + rideID, nil
}
