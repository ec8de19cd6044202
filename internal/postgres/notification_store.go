package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"ride-dispatch/internal/domain/notification"
	"ride-dispatch/internal/ports"
)

// NotificationStore persists durable notification records.
type NotificationStore struct {
	pool *pgxpool.Pool
}

var _ ports.NotificationStore = (*NotificationStore)(nil)

// NewNotificationStore constructs a NotificationStore.
func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

// Create inserts one notification with its recipient in persisted form
// ("all-admins", "role:DRIVER", or a bare identity id).
func (store *NotificationStore) Create(ctx context.Context, n *notification.Notification) error {
	_, err := store.pool.Exec(ctx, `
		INSERT INTO notifications (id, recipient, title, message, category, reference, read, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, n.ID, n.Recipient.String(), n.Title, n.Message, n.Category, n.Reference, n.Read, n.ExpiresAt, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListUnread returns unexpired unread notifications addressed directly to
// the identity, oldest first so replay preserves order.
func (store *NotificationStore) ListUnread(ctx context.Context, identity string) ([]*notification.Notification, error) {
	rows, err := store.pool.Query(ctx, `
		SELECT id, recipient, title, message, category, reference, read, expires_at, created_at
		FROM notifications
		WHERE recipient = $1
		  AND read = FALSE
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at ASC
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("query unread notifications: %w", err)
	}
	defer rows.Close()

	var out []*notification.Notification
	for rows.Next() {
		var n notification.Notification
		var recipient string
		if err := rows.Scan(&n.ID, &recipient, &n.Title, &n.Message, &n.Category, &n.Reference, &n.Read, &n.ExpiresAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Recipient = notification.ToIdentity(recipient)
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// MarkRead flags delivered notifications so they are not replayed again.
func (store *NotificationStore) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := store.pool.Exec(ctx, `
		UPDATE notifications
		SET read = TRUE
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}
