package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
)

type fakePool struct {
	drivers []models.Driver
	err     error
}

func (f *fakePool) Nearby(context.Context, models.Coord, int) ([]models.Driver, error) {
	return f.drivers, f.err
}

func (f *fakePool) Upsert(context.Context, models.Driver) error { return nil }

type fixedRatings map[string]models.DriverRating

func (r fixedRatings) Enrich(_ context.Context, d *models.DriverInfo) {
	if agg, ok := r[d.ID]; ok {
		d.AverageRating = agg.Average()
		d.TotalRatings = agg.Count
	}
}

type failingDirections struct{}

func (failingDirections) Route(context.Context, models.Coord, models.Coord) (models.Route, error) {
	return models.Route{}, errors.New("osrm down")
}

func TestChooseHigherRatingIfETAEqual(t *testing.T) {
	p := &fakePool{drivers: []models.Driver{
		{ID: "A", Loc: models.Coord{Lat: 0, Lon: 0}, Online: true},
		{ID: "B", Loc: models.Coord{Lat: 0, Lon: 0}, Online: true},
	}}
	s := &Service{
		Pool:            p,
		Ratings:         fixedRatings{"A": {Sum: 8, Count: 2}, "B": {Sum: 10, Count: 2}},
		DefaultSpeedMps: 10,
	}
	d, _, err := s.Match(context.Background(), models.Coord{Lat: 0.01, Lon: 0.01})
	require.NoError(t, err)
	assert.Equal(t, "B", d.ID)
	assert.Equal(t, 2, d.TotalRatings)
	assert.InDelta(t, 5.0, d.AverageRating, 1e-9)
}

func TestCloserDriverWinsOnEqualRating(t *testing.T) {
	pickup := models.Coord{Lat: 37.7749, Lon: -122.4194}
	idx := geo.NewIndex()
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, models.Driver{ID: "far", Loc: models.Coord{Lat: 37.80, Lon: -122.40}, Online: true}))
	require.NoError(t, idx.Upsert(ctx, models.Driver{ID: "near", Loc: models.Coord{Lat: 37.7755, Lon: -122.4190}, Online: true,
		Profile: models.DriverInfo{Name: "Ana", CarModel: "Prius"}}))

	s := &Service{Pool: idx, Directions: failingDirections{}, DefaultSpeedMps: 8}
	d, loc, err := s.Match(ctx, pickup)
	require.NoError(t, err)
	assert.Equal(t, "near", d.ID)
	assert.Equal(t, "Ana", d.Name)
	assert.Equal(t, models.Coord{Lat: 37.7755, Lon: -122.4190}, loc)

	ranked, err := s.Rank(ctx, pickup)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Less(t, ranked[0].ETA, ranked[1].ETA)
}

func TestMatch_EmptyPool(t *testing.T) {
	s := &Service{Pool: &fakePool{}}
	_, _, err := s.Match(context.Background(), models.Coord{})
	assert.ErrorIs(t, err, models.ErrNoDriverAvailable)
}

func TestMatch_PoolFailureIsRemote(t *testing.T) {
	s := &Service{Pool: &fakePool{err: errors.New("redis down")}}
	_, _, err := s.Match(context.Background(), models.Coord{})
	assert.ErrorIs(t, err, models.ErrRemoteFailure)
}
