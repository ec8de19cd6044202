package ride

import (
	"errors"
	"strings"
)

// Status is a ride lifecycle status as stored in the `rides` table.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusAssigned  Status = "ASSIGNED"
	StatusPickedUp  Status = "PICKED_UP"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

var ErrInvalidStatus = errors.New("invalid ride status")

// ParseStatus normalizes (uppercases+trims) and validates a status string.
func ParseStatus(in string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(in)))
	if status.Valid() {
		return status, nil
	}
	return "", ErrInvalidStatus
}

// Valid reports whether status is one of the allowed ride status constants.
func (status Status) Valid() bool {
	switch status {
	case StatusWaiting, StatusAssigned, StatusPickedUp, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the Status.
func (status Status) String() string {
	return string(status)
}

// CanTransitionTo specifies if the status can transition to the next status.
// The lifecycle graph is directed with no cycles; terminal states never move.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusWaiting:
		return next == StatusAssigned || next == StatusCancelled

	case StatusAssigned:
		return next == StatusPickedUp || next == StatusCancelled

	case StatusPickedUp:
		return next == StatusCompleted || next == StatusCancelled

	case StatusCompleted, StatusCancelled:
		return false

	default:
		return false
	}
}

// Terminal indicates if the status is in a terminal state.
func (status Status) Terminal() bool {
	return status == StatusCompleted || status == StatusCancelled
}
