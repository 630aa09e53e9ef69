package pricing

import (
	"math"

	"github.com/example/ride-lifecycle/internal/models"
)

const (
	DefaultBaseFare      = 2.50
	DefaultPerKmRate     = 1.20
	DefaultPerMinuteRate = 0.30
)

// Engine computes fares from a trip estimation. The zero value is not usable; use
// NewEngine or DefaultEngine.
type Engine struct {
	BaseFare      float64
	PerKmRate     float64
	PerMinuteRate float64
}

func NewEngine(base, perKm, perMinute float64) Engine {
	return Engine{BaseFare: base, PerKmRate: perKm, PerMinuteRate: perMinute}
}

func DefaultEngine() Engine {
	return NewEngine(DefaultBaseFare, DefaultPerKmRate, DefaultPerMinuteRate)
}

// Quote is a fare with its components, each rounded to cents.
type Quote struct {
	BaseFare     float64 `json:"base_fare"`
	DistanceFare float64 `json:"distance_fare"`
	TimeFare     float64 `json:"time_fare"`
	Total        float64 `json:"total"`
}

// Price returns base + km*perKm + minutes*perMinute rounded to two decimals.
// Inputs are not validated; callers pass non-negative estimations.
func (e Engine) Price(est models.TripEstimation) float64 {
	return RoundCents(e.rawTotal(est))
}

func (e Engine) Quote(est models.TripEstimation) Quote {
	return Quote{
		BaseFare:     RoundCents(e.BaseFare),
		DistanceFare: RoundCents(est.DistanceKm() * e.PerKmRate),
		TimeFare:     RoundCents(est.DurationMinutes() * e.PerMinuteRate),
		Total:        e.Price(est),
	}
}

func (e Engine) rawTotal(est models.TripEstimation) float64 {
	return e.BaseFare + est.DistanceKm()*e.PerKmRate + est.DurationMinutes()*e.PerMinuteRate
}

// RoundCents rounds half away from zero to two decimal places.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
