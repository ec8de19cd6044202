// Package notify implements durable-first notification delivery: every
// notification is persisted before any realtime attempt, then delivered
// over live connections, with the push channel as fallback for recipients
// who are not connected.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ride-dispatch/internal/contracts"
	"ride-dispatch/internal/domain/notification"
	"ride-dispatch/internal/domain/user"
	"ride-dispatch/internal/logger"
	"ride-dispatch/internal/metrics"
	"ride-dispatch/internal/ports"
	"ride-dispatch/internal/registry"
)

// Broadcaster fans notifications out across the three channels.
type Broadcaster struct {
	store      ports.NotificationStore
	registry   *registry.Registry
	identities ports.IdentityStore
	push       ports.PushDeliverer
	logger     *logger.Logger
}

// NewBroadcaster constructs a Broadcaster. push may be nil when no push
// bridge is configured; delivery then stops at the durable record.
func NewBroadcaster(
	store ports.NotificationStore,
	reg *registry.Registry,
	identities ports.IdentityStore,
	push ports.PushDeliverer,
	log *logger.Logger,
) *Broadcaster {
	return &Broadcaster{
		store:      store,
		registry:   reg,
		identities: identities,
		push:       push,
		logger:     log,
	}
}

// Notify persists and delivers one notification.
//
// The durable write is the only step that can fail the call. Realtime and
// push delivery are best-effort: their failures are logged and counted,
// never surfaced, because the record already exists for later retrieval.
func (b *Broadcaster) Notify(ctx context.Context, recipient notification.Recipient, title, message, category string) (*notification.Notification, error) {
	n, err := notification.New(uuid.NewString(), recipient, title, message, category)
	if err != nil {
		return nil, err
	}

	if err := b.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrServiceUnavailable, err)
	}
	metrics.NotificationsTotal.WithLabelValues("durable").Inc()

	b.deliver(ctx, n)
	return n, nil
}

// NotifyReply stores a driver/passenger reply as a durable all-admins
// notification referencing what it answers, then delivers it like any other
// admin notification.
func (b *Broadcaster) NotifyReply(ctx context.Context, from, message, inReplyTo string) (*notification.Notification, error) {
	n, err := notification.New(uuid.NewString(), notification.ToAdmins(), "Reply from "+from, message, "reply")
	if err != nil {
		return nil, err
	}
	n.Reference = inReplyTo

	if err := b.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrServiceUnavailable, err)
	}
	metrics.NotificationsTotal.WithLabelValues("durable").Inc()

	b.deliver(ctx, n)
	return n, nil
}

// DeliverUnread replays a reconnecting identity's unread notifications over
// its live connections and marks the delivered ones read so the next
// reconnect does not repeat them.
func (b *Broadcaster) DeliverUnread(ctx context.Context, identity string) error {
	unread, err := b.store.ListUnread(ctx, identity)
	if err != nil {
		return err
	}

	var delivered []string
	for _, n := range unread {
		if !b.registry.SendToIdentity(ctx, identity, contracts.EventNotification, payloadOf(n)) {
			break // connection went away mid-replay
		}
		delivered = append(delivered, n.ID)
	}

	if len(delivered) > 0 {
		if err := b.store.MarkRead(ctx, delivered); err != nil {
			// replayed again next reconnect; better duplicated than lost
			b.logger.Warn(ctx, "notify_mark_read_failed", "Replayed notifications not marked read", map[string]any{
				"identity": identity, "count": len(delivered), "error": err.Error(),
			})
		}
	}
	return nil
}

func (b *Broadcaster) deliver(ctx context.Context, n *notification.Notification) {
	switch n.Recipient.Kind {
	case notification.RecipientAdmins:
		delivered := b.registry.SendToAdmins(ctx, contracts.EventAdminNotification, payloadOf(n))
		if delivered > 0 {
			metrics.NotificationsTotal.WithLabelValues("realtime").Inc()
		}

	case notification.RecipientRole:
		role, err := user.ParseRole(n.Recipient.ID)
		if err != nil {
			b.logger.Warn(ctx, "notify_bad_role", "Notification stored with unknown role recipient", map[string]any{
				"notification_id": n.ID, "role": n.Recipient.ID,
			})
			return
		}
		delivered := b.registry.SendToRole(ctx, role, contracts.EventNotification, payloadOf(n))
		if delivered > 0 {
			metrics.NotificationsTotal.WithLabelValues("realtime").Inc()
			return
		}
		b.pushToRole(ctx, role, n)

	default:
		if b.registry.SendToIdentity(ctx, n.Recipient.ID, contracts.EventNotification, payloadOf(n)) {
			metrics.NotificationsTotal.WithLabelValues("realtime").Inc()
			return
		}
		b.pushToIdentity(ctx, n.Recipient.ID, n)
	}
}

func (b *Broadcaster) pushToIdentity(ctx context.Context, identity string, n *notification.Notification) {
	if b.push == nil {
		return
	}

	var tokens []notification.PushToken
	ident, err := b.identities.Lookup(ctx, identity)
	switch {
	case err == nil:
		tokens = notification.ParsePushTokens(ident.PushTokens)
	case errors.Is(err, ports.ErrUserNotFound):
		return // nothing to push to
	default:
		b.logger.Warn(ctx, "notify_identity_lookup_failed", "Falling back to tokenless push", map[string]any{
			"notification_id": n.ID, "identity": identity, "error": err.Error(),
		})
	}

	if err := b.push.SendToIdentity(ctx, identity, tokens, n); err != nil {
		b.logger.Warn(ctx, "notify_push_failed", "Push delivery failed; durable record remains", map[string]any{
			"notification_id": n.ID, "identity": identity, "error": err.Error(),
		})
		return
	}
	metrics.NotificationsTotal.WithLabelValues("push").Inc()
}

func (b *Broadcaster) pushToRole(ctx context.Context, role user.Role, n *notification.Notification) {
	if b.push == nil {
		return
	}
	if err := b.push.SendToRole(ctx, role, n); err != nil {
		b.logger.Warn(ctx, "notify_push_failed", "Role push delivery failed; durable record remains", map[string]any{
			"notification_id": n.ID, "role": role.String(), "error": err.Error(),
		})
		return
	}
	metrics.NotificationsTotal.WithLabelValues("push").Inc()
}

func payloadOf(n *notification.Notification) contracts.NotificationPayload {
	return contracts.NotificationPayload{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Category:  n.Category,
		Reference: n.Reference,
		CreatedAt: n.CreatedAt,
	}
}
