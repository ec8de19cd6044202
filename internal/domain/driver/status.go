package driver

import (
	"errors"
	"strings"
)

// Status is a driver availability status as stored in the `drivers` table.
type Status string

const (
	StatusInactive Status = "INACTIVE"
	StatusActive   Status = "ACTIVE"
	StatusBusy     Status = "BUSY"
	StatusOffline  Status = "OFFLINE"
)

var ErrInvalidStatus = errors.New("invalid driver status")

// ParseStatus normalizes (uppercases+trims) and validates a driver status string.
func ParseStatus(in string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(in)))
	if status.Valid() {
		return status, nil
	}
	return "", ErrInvalidStatus
}

// Valid reports whether status is one of the allowed driver status constants.
func (status Status) Valid() bool {
	switch status {
	case StatusInactive, StatusActive, StatusBusy, StatusOffline:
		return true
	default:
		return false
	}
}

// String returns the string representation of the Status.
func (status Status) String() string {
	return string(status)
}
