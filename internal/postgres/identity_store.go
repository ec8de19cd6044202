package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ride-dispatch/internal/domain/user"
	"ride-dispatch/internal/ports"
)

// IdentityStore resolves authenticated subjects from the users table.
type IdentityStore struct {
	pool *pgxpool.Pool
}

var _ ports.IdentityStore = (*IdentityStore)(nil)

// NewIdentityStore constructs an IdentityStore.
func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

// Lookup fetches an identity with its push tokens. A driver identity also
// carries its driver record id.
func (store *IdentityStore) Lookup(ctx context.Context, id string) (*user.Identity, error) {
	var out user.Identity
	var role string
	var driverID *string

	err := store.pool.QueryRow(ctx, `
		SELECT u.id, u.role, d.id, u.push_tokens, u.created_at
		FROM users u
		LEFT JOIN drivers d ON d.user_id = u.id
		WHERE u.id = $1
	`, id).Scan(&out.ID, &role, &driverID, &out.PushTokens, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ports.ErrUserNotFound
		}
		return nil, fmt.Errorf("select user: %w", err)
	}

	out.Role = user.Role(role)
	if driverID != nil {
		out.DriverID = *driverID
	}
	return &out, nil
}
