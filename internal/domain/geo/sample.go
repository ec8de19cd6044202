package geo

import (
	"errors"
	"strings"
	"time"
)

// EntityKind distinguishes whose position a sample describes.
type EntityKind string

const (
	EntityDriver    EntityKind = "DRIVER"
	EntityPassenger EntityKind = "PASSENGER"
)

var ErrInvalidEntityKind = errors.New("invalid entity kind")

// ParseEntityKind normalizes (uppercases+trims) and validates an entity kind string.
func ParseEntityKind(in string) (EntityKind, error) {
	kind := EntityKind(strings.ToUpper(strings.TrimSpace(in)))
	if kind.Valid() {
		return kind, nil
	}
	return "", ErrInvalidEntityKind
}

// Valid reports whether kind is one of the allowed entity kind constants.
func (kind EntityKind) Valid() bool {
	return kind == EntityDriver || kind == EntityPassenger
}

// String returns the string representation of the EntityKind.
func (kind EntityKind) String() string {
	return string(kind)
}

// Point is a latitude/longitude pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

var (
	ErrInvalidLatitude  = errors.New("latitude must be between -90 and 90")
	ErrInvalidLongitude = errors.New("longitude must be between -180 and 180")
	ErrEmptyEntityID    = errors.New("entity id cannot be empty")
	ErrZeroTimestamp    = errors.New("sample timestamp cannot be zero")
)

// Validate checks the coordinate ranges.
func (p Point) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return ErrInvalidLatitude
	}
	if p.Lng < -180 || p.Lng > 180 {
		return ErrInvalidLongitude
	}
	return nil
}

// Sample is a single position report for a driver or passenger.
// Timestamps for a given entity are non-decreasing: older samples are
// discarded by the fanout pipeline, never stored.
type Sample struct {
	EntityID   string
	Kind       EntityKind
	Point      Point
	RecordedAt time.Time
}

// NewSample constructs a validated Sample.
func NewSample(entityID string, kind EntityKind, point Point, recordedAt time.Time) (*Sample, error) {
	if strings.TrimSpace(entityID) == "" {
		return nil, ErrEmptyEntityID
	}
	if !kind.Valid() {
		return nil, ErrInvalidEntityKind
	}
	if err := point.Validate(); err != nil {
		return nil, err
	}
	if recordedAt.IsZero() {
		return nil, ErrZeroTimestamp
	}

	return &Sample{
		EntityID:   strings.TrimSpace(entityID),
		Kind:       kind,
		Point:      point,
		RecordedAt: recordedAt.UTC(),
	}, nil
}

// NewerThan reports whether the sample is strictly newer than other.
// A nil other means there is no previous sample.
func (s *Sample) NewerThan(other *Sample) bool {
	if other == nil {
		return true
	}
	return s.RecordedAt.After(other.RecordedAt)
}
