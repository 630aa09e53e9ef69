package pricing

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/ride-lifecycle/internal/models"
)

func est(meters, secs float64) models.TripEstimation {
	return models.TripEstimation{DistanceMeters: meters, ExpectedTravelSeconds: secs}
}

func TestPrice_ReferenceTrip(t *testing.T) {
	e := DefaultEngine()
	assert.Equal(t, 13.00, e.Price(est(5000, 900)))
}

func TestPrice_ZeroTripIsBaseFare(t *testing.T) {
	assert.Equal(t, 2.50, DefaultEngine().Price(est(0, 0)))
}

func TestPrice_Monotonic(t *testing.T) {
	e := DefaultEngine()
	prev := e.Price(est(0, 600))
	for m := 100.0; m <= 30000; m += 137 {
		p := e.Price(est(m, 600))
		assert.GreaterOrEqual(t, p, prev, "distance %v", m)
		prev = p
	}
	prev = e.Price(est(2000, 0))
	for s := 7.0; s <= 7200; s += 53 {
		p := e.Price(est(2000, s))
		assert.GreaterOrEqual(t, p, prev, "duration %v", s)
		prev = p
	}
}

func TestPrice_TwoDecimalDigits(t *testing.T) {
	e := DefaultEngine()
	for m := 0.0; m < 12000; m += 333.3 {
		for s := 0.0; s < 4000; s += 91.7 {
			p := e.Price(est(m, s))
			cents := p * 100
			assert.InDelta(t, math.Round(cents), cents, 1e-6, "price %v", p)
			assert.Equal(t, fmt.Sprintf("%.2f", p), fmt.Sprintf("%.2f", RoundCents(p)))
		}
	}
}

func TestQuote_Breakdown(t *testing.T) {
	q := DefaultEngine().Quote(est(5000, 900))
	assert.Equal(t, Quote{BaseFare: 2.50, DistanceFare: 6.00, TimeFare: 4.50, Total: 13.00}, q)
}

func TestNewEngine_CustomRates(t *testing.T) {
	e := NewEngine(1, 2, 0.5)
	assert.Equal(t, 1+3*2+10*0.5, e.Price(est(3000, 600)))
}

func TestRoundCents(t *testing.T) {
	assert.Equal(t, 1.24, RoundCents(1.235000001))
	assert.Equal(t, 0.0, RoundCents(0.004))
	assert.Equal(t, 10.01, RoundCents(10.005000001))
}
