// Package directions provides route geometry, travel time and distance between two points.
package directions

import (
	"context"
	"errors"

	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
)

// Provider returns a route between two coordinates or models.ErrNoRouteFound.
type Provider interface {
	Route(ctx context.Context, from, to models.Coord) (models.Route, error)
}

// StraightLine estimates a route from the great-circle distance and a fixed speed.
// It is the fallback when no routing engine is configured.
type StraightLine struct {
	SpeedMps float64
	// DetourFactor inflates the straight-line distance to approximate road distance.
	DetourFactor float64
}

func (s StraightLine) Route(_ context.Context, from, to models.Coord) (models.Route, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	factor := s.DetourFactor
	if factor < 1 {
		factor = 1
	}
	d := geo.Haversine(from, to) * factor
	return models.Route{DistanceMeters: d, DurationSeconds: d / speed}, nil
}

// Fallback tries Primary and answers from Secondary when Primary fails. A
// definitive no-route answer and an ended context are returned as is.
type Fallback struct {
	Primary   Provider
	Secondary Provider
}

func (f Fallback) Route(ctx context.Context, from, to models.Coord) (models.Route, error) {
	r, err := f.Primary.Route(ctx, from, to)
	if err == nil || ctx.Err() != nil || errors.Is(err, models.ErrNoRouteFound) {
		return r, err
	}
	return f.Secondary.Route(ctx, from, to)
}
