// Package ratings accepts driver reviews and keeps a running average per driver.
package ratings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

// Store keeps reviews and the per-driver (sum, count) aggregate. Add must update
// both atomically and accept at most one review per ride, failing with
// models.ErrAlreadyRecorded for the second.
type Store interface {
	Add(ctx context.Context, r models.Review) (models.DriverRating, error)
	Rating(ctx context.Context, driverID string) (models.DriverRating, error)
	Reviews(ctx context.Context, driverID string) ([]models.Review, error)
}

type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// SubmitForRide reviews the driver of a completed ride. The reviewer must be the
// ride's passenger. The driver is taken from the ride; a driver id set on r must
// match it.
func (s *Service) SubmitForRide(ctx context.Context, ride models.Ride, r models.Review) (models.DriverRating, error) {
	if r.ReviewerID == "" {
		return models.DriverRating{}, models.ErrUnauthenticated
	}
	if ride.PassengerID != r.ReviewerID {
		return models.DriverRating{}, models.ErrNotFound
	}
	if ride.Status != models.StatusCompleted || ride.Driver == nil {
		return models.DriverRating{}, fmt.Errorf("%w: only completed rides can be reviewed", models.ErrInvalidTransition)
	}
	if r.DriverID != "" && r.DriverID != ride.Driver.ID {
		return models.DriverRating{}, fmt.Errorf("%w: driver %s did not drive ride %s", models.ErrInvalidArgument, r.DriverID, ride.ID)
	}
	r.RideID = ride.ID
	r.DriverID = ride.Driver.ID
	return s.Submit(ctx, r)
}

// Submit validates and stores r and returns the driver's updated aggregate.
func (s *Service) Submit(ctx context.Context, r models.Review) (models.DriverRating, error) {
	if r.ReviewerID == "" {
		return models.DriverRating{}, models.ErrUnauthenticated
	}
	if r.RideID == "" {
		return models.DriverRating{}, fmt.Errorf("%w: ride id is required", models.ErrInvalidArgument)
	}
	if r.DriverID == "" {
		return models.DriverRating{}, fmt.Errorf("%w: driver id is required", models.ErrInvalidArgument)
	}
	if r.Rating < 1 || r.Rating > 5 {
		return models.DriverRating{}, fmt.Errorf("%w: rating must be between 1 and 5", models.ErrInvalidArgument)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now().UTC()
	}
	agg, err := s.store.Add(ctx, r)
	if err != nil {
		return models.DriverRating{}, models.Remote("submit review", err)
	}
	observability.ReviewsAccepted.Inc()
	s.logger.Info("review accepted", "ride_id", r.RideID, "driver_id", r.DriverID, "rating", r.Rating, "average", agg.Average(), "count", agg.Count)
	return agg, nil
}

// Rating returns the current aggregate. Unknown drivers have a zero aggregate.
func (s *Service) Rating(ctx context.Context, driverID string) (models.DriverRating, error) {
	agg, err := s.store.Rating(ctx, driverID)
	return agg, models.Remote("driver rating", err)
}

// Enrich copies the aggregate into a driver snapshot.
func (s *Service) Enrich(ctx context.Context, d *models.DriverInfo) {
	agg, err := s.store.Rating(ctx, d.ID)
	if err != nil {
		s.logger.Warn("load driver rating", "driver_id", d.ID, "error", err)
		return
	}
	if agg.Count > 0 {
		d.AverageRating = agg.Average()
		d.TotalRatings = agg.Count
	}
}

type MemoryStore struct {
	mu       sync.Mutex
	reviews  map[string][]models.Review
	aggs     map[string]models.DriverRating
	reviewed map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reviews:  make(map[string][]models.Review),
		aggs:     make(map[string]models.DriverRating),
		reviewed: make(map[string]bool),
	}
}

func (m *MemoryStore) Add(_ context.Context, r models.Review) (models.DriverRating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reviewed[r.RideID] {
		return models.DriverRating{}, duplicateReview(r.RideID)
	}
	m.reviewed[r.RideID] = true
	m.reviews[r.DriverID] = append(m.reviews[r.DriverID], r)
	agg := m.aggs[r.DriverID]
	agg.DriverID = r.DriverID
	agg.Sum += r.Rating
	agg.Count++
	m.aggs[r.DriverID] = agg
	return agg, nil
}

func duplicateReview(rideID string) error {
	return fmt.Errorf("%w: ride %s was already reviewed", models.ErrAlreadyRecorded, rideID)
}

func (m *MemoryStore) Rating(_ context.Context, driverID string) (models.DriverRating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg := m.aggs[driverID]
	agg.DriverID = driverID
	return agg, nil
}

func (m *MemoryStore) Reviews(_ context.Context, driverID string) ([]models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Review(nil), m.reviews[driverID]...), nil
}
