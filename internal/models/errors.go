package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrRemoteFailure     = errors.New("remote failure")
	ErrNoRouteFound      = errors.New("no route found")
	ErrActiveRideExists  = errors.New("passenger already has an active ride")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNoDriverAvailable = errors.New("no driver available")
	ErrAlreadyRecorded   = errors.New("already recorded")
)

// TransitionError is returned when a status change is not an edge of the lifecycle graph.
type TransitionError struct {
	From RideStatus
	To   RideStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// RemoteError wraps a failure reported by a store or provider.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteFailure }

// Remote wraps err as a RemoteError unless it is nil or already classified.
func Remote(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrRemoteFailure) || errors.Is(err, ErrNoRouteFound) ||
		errors.Is(err, ErrAlreadyRecorded) {
		return err
	}
	return &RemoteError{Op: op, Err: err}
}

// UserMessage converts err into the message shown to a passenger.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "user is not authenticated"
	case errors.Is(err, ErrActiveRideExists):
		return "you already have an active ride"
	case errors.Is(err, ErrInvalidTransition):
		return "the ride cannot move to that status"
	case errors.Is(err, ErrNotFound):
		return "ride not found"
	case errors.Is(err, ErrNoRouteFound):
		return "no route found to the destination"
	case errors.Is(err, ErrNoDriverAvailable):
		return "no drivers are available right now"
	case errors.Is(err, ErrAlreadyRecorded), errors.Is(err, ErrInvalidArgument):
		return err.Error()
	default:
		return "something went wrong, please try again"
	}
}
