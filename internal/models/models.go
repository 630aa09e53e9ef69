package models

import (
	"fmt"
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideRequest is what a passenger submits to start a ride.
type RideRequest struct {
	PassengerID      string `json:"passenger_id"`
	Pickup           Coord  `json:"pickup"`
	Destination      Coord  `json:"destination"`
	DestinationTitle string `json:"destination_title"`
}

// DriverInfo is the driver snapshot attached to a ride when a driver is assigned.
type DriverInfo struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	CarModel        string  `json:"car_model"`
	LicensePlate    string  `json:"license_plate"`
	ProfileImageURL string  `json:"profile_image_url,omitempty"`
	AverageRating   float64 `json:"average_rating"` // 0..5
	TotalRatings    int     `json:"total_ratings"`
}

type Ride struct {
	ID               string      `json:"id"`
	PassengerID      string      `json:"passenger_id"`
	Pickup           Coord       `json:"pickup"`
	Destination      Coord       `json:"destination"`
	DestinationTitle string      `json:"destination_title"`
	Status           RideStatus  `json:"status"`
	Driver           *DriverInfo `json:"driver_info,omitempty"`
	DriverLocation   *Coord      `json:"driver_location,omitempty"`
	EstimatedPrice   float64     `json:"estimated_price"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Clone returns a deep copy so snapshots handed to observers cannot alias store state.
func (r Ride) Clone() Ride {
	if r.Driver != nil {
		d := *r.Driver
		r.Driver = &d
	}
	if r.DriverLocation != nil {
		c := *r.DriverLocation
		r.DriverLocation = &c
	}
	return r
}

// RideUpdate carries the partial fields written by a store update. Nil fields are left as is.
type RideUpdate struct {
	Status         *RideStatus
	Driver         *DriverInfo
	DriverLocation *Coord
}

// Apply merges u into r. It does not validate the status change.
func (u RideUpdate) Apply(r *Ride, now time.Time) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Driver != nil {
		d := *u.Driver
		r.Driver = &d
	}
	if u.DriverLocation != nil {
		c := *u.DriverLocation
		r.DriverLocation = &c
	}
	r.UpdatedAt = now
}

// Route is the raw answer of a directions provider.
type Route struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
	Polyline        string  `json:"polyline,omitempty"`
}

// TripEstimation is the distance/time pair used for pricing. It has no identity.
type TripEstimation struct {
	DistanceMeters        float64 `json:"distance_meters"`
	ExpectedTravelSeconds float64 `json:"expected_travel_seconds"`
}

func (e TripEstimation) DistanceKm() float64 { return e.DistanceMeters / 1000.0 }

func (e TripEstimation) DurationMinutes() float64 { return e.ExpectedTravelSeconds / 60.0 }

// FormattedDuration renders the travel time abbreviated to hours and minutes, e.g. "1h 5m".
func (e TripEstimation) FormattedDuration() string {
	if e.ExpectedTravelSeconds < 0 || math.IsNaN(e.ExpectedTravelSeconds) {
		return "N/A"
	}
	total := int(e.ExpectedTravelSeconds / 60)
	h, m := total/60, total%60
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dm", m)
	}
}

// EstimationFromRoute converts a provider route into a trip estimation, clamping
// negative provider values to zero.
func EstimationFromRoute(r Route) TripEstimation {
	return TripEstimation{
		DistanceMeters:        math.Max(0, r.DistanceMeters),
		ExpectedTravelSeconds: math.Max(0, r.DurationSeconds),
	}
}

type Review struct {
	RideID     string    `json:"ride_id"`
	ReviewerID string    `json:"reviewer_id"`
	DriverID   string    `json:"driver_id"`
	Rating     float64   `json:"rating"` // 1..5
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DriverRating is the running aggregate of all reviews for one driver.
type DriverRating struct {
	DriverID string  `json:"driver_id"`
	Sum      float64 `json:"sum"`
	Count    int     `json:"count"`
}

func (d DriverRating) Average() float64 {
	if d.Count == 0 {
		return 0
	}
	return d.Sum / float64(d.Count)
}

type TripHistoryEntry struct {
	ID                 string    `json:"id"`
	PassengerID        string    `json:"passenger_id"`
	Date               time.Time `json:"date"`
	PickupAddress      string    `json:"pickup_address"`
	DestinationAddress string    `json:"destination_address"`
	DriverName         string    `json:"driver_name"`
	CarModel           string    `json:"car_model"`
	FinalPrice         float64   `json:"final_price"`
}

func (h TripHistoryEntry) FormattedPrice() string { return fmt.Sprintf("%.2f", h.FinalPrice) }

type PaymentMethod string

const (
	PaymentCreditCard PaymentMethod = "credit_card"
	PaymentCash       PaymentMethod = "cash"
	PaymentRidePay    PaymentMethod = "ride_pay"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCreditCard, PaymentCash, PaymentRidePay:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

type PaymentTransaction struct {
	ID        string        `json:"id"`
	RideID    string        `json:"ride_id"`
	PayerID   string        `json:"payer_id"`
	Amount    float64       `json:"amount"`
	Method    PaymentMethod `json:"payment_method"`
	Status    PaymentStatus `json:"status"`
	Reference string        `json:"reference,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type UserIdentity struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Fullname string `json:"fullname"`
}

// Driver is a pool entry: a driver's profile and last reported position.
type Driver struct {
	ID      string     `json:"id"`
	Loc     Coord      `json:"loc"`
	Online  bool       `json:"online"`
	Profile DriverInfo `json:"profile"`
	Updated time.Time  `json:"updated"`
}
