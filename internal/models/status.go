package models

import "fmt"

// RideStatus is the lifecycle state of a ride. Values are the persisted wire form.
type RideStatus string

const (
	StatusRequesting     RideStatus = "requesting"
	StatusDriverAssigned RideStatus = "driver_assigned"
	StatusInProgress     RideStatus = "in_progress"
	StatusCompleted      RideStatus = "completed"
	StatusCancelled      RideStatus = "cancelled"
)

// ActiveStatuses are the non-terminal statuses, in lifecycle order.
var ActiveStatuses = []RideStatus{StatusRequesting, StatusDriverAssigned, StatusInProgress}

var transitions = map[RideStatus][]RideStatus{
	StatusRequesting:     {StatusDriverAssigned, StatusCancelled},
	StatusDriverAssigned: {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusCancelled},
}

func (s RideStatus) String() string { return string(s) }

func (s RideStatus) Valid() bool {
	switch s {
	case StatusRequesting, StatusDriverAssigned, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether next is an edge of the lifecycle graph from s.
func (s RideStatus) CanTransitionTo(next RideStatus) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable from s in one step.
func (s RideStatus) NextStatuses() []RideStatus {
	out := make([]RideStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// Transition validates moving r to next and returns the update to persist.
// driverAssigned requires a driver snapshot; other targets ignore driver.
// r is not modified.
func Transition(r Ride, next RideStatus, driver *DriverInfo) (RideUpdate, error) {
	if !r.Status.CanTransitionTo(next) {
		return RideUpdate{}, &TransitionError{From: r.Status, To: next}
	}
	u := RideUpdate{Status: &next}
	if next == StatusDriverAssigned {
		if driver == nil {
			return RideUpdate{}, fmt.Errorf("%w: driver info required for %s", ErrInvalidTransition, next)
		}
		d := *driver
		u.Driver = &d
	}
	return u, nil
}
