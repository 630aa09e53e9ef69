package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-lifecycle/internal/models"
)

// RideStore persists ride documents and streams their changes.
type RideStore interface {
	// Create persists a new ride and returns its store-assigned id.
	Create(ctx context.Context, draft models.Ride) (string, error)
	// Update merges the partial fields into the ride. models.ErrNotFound if absent.
	Update(ctx context.Context, rideID string, u models.RideUpdate) error
	// Get returns the ride or models.ErrNotFound.
	Get(ctx context.Context, rideID string) (models.Ride, error)
	// FindActive returns the newest ride of the passenger whose status is in statuses, or nil.
	FindActive(ctx context.Context, passengerID string, statuses []models.RideStatus) (*models.Ride, error)
	// Subscribe streams the current snapshot and then one snapshot per committed change,
	// in commit order, until ctx is done. The channel is closed afterwards.
	Subscribe(ctx context.Context, rideID string) (<-chan models.Ride, error)
}

// HistoryStore is the append-only per-passenger trip archive.
type HistoryStore interface {
	// Append stores the entry once; appending an existing id is a no-op.
	Append(ctx context.Context, e models.TripHistoryEntry) error
	// List returns the passenger's entries, newest first.
	List(ctx context.Context, passengerID string) ([]models.TripHistoryEntry, error)
}

// TransactionStore records payment transactions. A ride has at most one
// transaction that is pending or succeeded.
type TransactionStore interface {
	// SaveTransaction inserts tx, or updates status and reference when the id is
	// known. A second live transaction for the ride fails with models.ErrAlreadyRecorded.
	SaveTransaction(ctx context.Context, tx models.PaymentTransaction) error
	// Transactions lists the payer's transactions, newest first.
	Transactions(ctx context.Context, payerID string) ([]models.PaymentTransaction, error)
	// RideTransactions lists every transaction recorded for the ride.
	RideTransactions(ctx context.Context, rideID string) ([]models.PaymentTransaction, error)
}

// MemoryStore implements RideStore, HistoryStore and TransactionStore in process.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	history map[string][]models.TripHistoryEntry
	seen    map[string]bool
	txs     map[string][]models.PaymentTransaction
	hub     *hub
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		history: make(map[string][]models.TripHistoryEntry),
		seen:    make(map[string]bool),
		txs:     make(map[string][]models.PaymentTransaction),
		hub:     newHub(),
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, draft models.Ride) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := draft.Clone()
	r.ID = uuid.NewString()
	now := m.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.rides[r.ID] = &r
	m.hub.publish(r)
	return r.ID, nil
}

func (m *MemoryStore) Update(_ context.Context, rideID string, u models.RideUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return models.ErrNotFound
	}
	u.Apply(r, m.now())
	m.hub.publish(*r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, rideID string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[rideID]
	if !ok {
		return models.Ride{}, models.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) FindActive(_ context.Context, passengerID string, statuses []models.RideStatus) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[models.RideStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var best *models.Ride
	for _, r := range m.rides {
		if r.PassengerID != passengerID || !want[r.Status] {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	c := best.Clone()
	return &c, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, rideID string) (<-chan models.Ride, error) {
	// hold the read lock so no update slips between the snapshot and registration
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return m.hub.subscribe(ctx, rideID, *r), nil
}

func (m *MemoryStore) Append(_ context.Context, e models.TripHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[e.ID] {
		return nil
	}
	m.seen[e.ID] = true
	m.history[e.PassengerID] = append(m.history[e.PassengerID], e)
	return nil
}

func (m *MemoryStore) List(_ context.Context, passengerID string) ([]models.TripHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TripHistoryEntry, len(m.history[passengerID]))
	copy(out, m.history[passengerID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func (m *MemoryStore) SaveTransaction(_ context.Context, tx models.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txs := range m.txs {
		for i, prev := range txs {
			if prev.ID == tx.ID {
				txs[i].Status, txs[i].Reference = tx.Status, tx.Reference
				return nil
			}
		}
	}
	if tx.Status != models.PaymentFailed {
		for _, txs := range m.txs {
			for _, prev := range txs {
				if prev.RideID == tx.RideID && prev.Status != models.PaymentFailed {
					return fmt.Errorf("%w: ride %s already has a %s payment", models.ErrAlreadyRecorded, tx.RideID, prev.Status)
				}
			}
		}
	}
	m.txs[tx.PayerID] = append(m.txs[tx.PayerID], tx)
	return nil
}

func (m *MemoryStore) RideTransactions(_ context.Context, rideID string) ([]models.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PaymentTransaction
	for _, txs := range m.txs {
		for _, tx := range txs {
			if tx.RideID == rideID {
				out = append(out, tx)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) Transactions(_ context.Context, payerID string) ([]models.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PaymentTransaction, len(m.txs[payerID]))
	copy(out, m.txs[payerID])
	return out, nil
}
