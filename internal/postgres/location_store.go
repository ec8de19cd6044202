package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ride-dispatch/internal/domain/geo"
	"ride-dispatch/internal/ports"
)

// LocationStore keeps an append-only history of position samples. The
// latest sample per entity is answered from the same table; history depth
// is managed by a retention job outside this service.
type LocationStore struct {
	pool *pgxpool.Pool
}

var _ ports.LocationStore = (*LocationStore)(nil)

// NewLocationStore constructs a LocationStore.
func NewLocationStore(pool *pgxpool.Pool) *LocationStore {
	return &LocationStore{pool: pool}
}

// Last returns the most recent sample for an entity, or (nil, nil) when the
// entity has never reported.
func (store *LocationStore) Last(ctx context.Context, kind geo.EntityKind, entityID string) (*geo.Sample, error) {
	var out geo.Sample
	var k string

	err := store.pool.QueryRow(ctx, `
		SELECT entity_id, entity_kind, lat, lng, recorded_at
		FROM location_samples
		WHERE entity_id = $1 AND entity_kind = $2
		ORDER BY recorded_at DESC
		LIMIT 1
	`, entityID, kind.String()).Scan(
		&out.EntityID, &k, &out.Point.Lat, &out.Point.Lng, &out.RecordedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select last location: %w", err)
	}

	out.Kind = geo.EntityKind(k)
	return &out, nil
}

// Save appends one sample.
func (store *LocationStore) Save(ctx context.Context, sample *geo.Sample) error {
	_, err := store.pool.Exec(ctx, `
		INSERT INTO location_samples (entity_id, entity_kind, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sample.EntityID, sample.Kind.String(), sample.Point.Lat, sample.Point.Lng, sample.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert location sample: %w", err)
	}
	return nil
}
