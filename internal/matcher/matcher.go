// Package matcher picks the driver assigned to a ride from the nearby pool.
package matcher

import (
	"context"
	"sort"

	"github.com/example/ride-lifecycle/internal/directions"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
)

// unratedScore stands in for drivers without reviews.
const unratedScore = 4.0

// RatingSource fills rating fields of a driver snapshot.
type RatingSource interface {
	Enrich(ctx context.Context, d *models.DriverInfo)
}

type Service struct {
	Pool            geo.Pool
	Ratings         RatingSource        // optional
	Directions      directions.Provider // optional; straight line when nil or failing
	DefaultSpeedMps float64
	TopN            int
}

// Candidate is a scored driver. Lower Cost is better.
type Candidate struct {
	Driver models.DriverInfo
	Loc    models.Coord
	ETA    float64
	Cost   float64
}

// Match returns the snapshot of the best driver near pickup.
func (s *Service) Match(ctx context.Context, pickup models.Coord) (models.DriverInfo, models.Coord, error) {
	cands, err := s.Rank(ctx, pickup)
	if err != nil {
		return models.DriverInfo{}, models.Coord{}, err
	}
	return cands[0].Driver, cands[0].Loc, nil
}

// Rank scores nearby online drivers by cost = eta + 30*(5 - rating).
func (s *Service) Rank(ctx context.Context, pickup models.Coord) ([]Candidate, error) {
	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	drivers, err := s.Pool.Nearby(ctx, pickup, topN)
	if err != nil {
		return nil, models.Remote("nearby drivers", err)
	}
	if len(drivers) == 0 {
		return nil, models.ErrNoDriverAvailable
	}
	fallback := directions.StraightLine{SpeedMps: s.DefaultSpeedMps}

	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		info := d.Profile
		if info.ID == "" {
			info.ID = d.ID
		}
		if s.Ratings != nil {
			s.Ratings.Enrich(ctx, &info)
		}
		rating := info.AverageRating
		if info.TotalRatings == 0 {
			rating = unratedScore
		}

		var route models.Route
		if s.Directions != nil {
			route, err = s.Directions.Route(ctx, d.Loc, pickup)
		}
		if s.Directions == nil || err != nil {
			route, _ = fallback.Route(ctx, d.Loc, pickup)
		}
		out = append(out, Candidate{
			Driver: info,
			Loc:    d.Loc,
			ETA:    route.DurationSeconds,
			Cost:   route.DurationSeconds + 30.0*(5.0-rating),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cost < out[j].Cost })
	return out, nil
}
