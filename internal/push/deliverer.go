package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ride-dispatch/internal/domain/notification"
	"ride-dispatch/internal/domain/user"
	"ride-dispatch/internal/ports"
)

// message is the wire shape consumed by the push worker. Tokens carry
// their provider kind so the worker never re-classifies them.
type message struct {
	NotificationID string                   `json:"notificationId"`
	Identity       string                   `json:"identity,omitempty"`
	Role           string                   `json:"role,omitempty"`
	Tokens         []notification.PushToken `json:"tokens,omitempty"`
	Title          string                   `json:"title"`
	Body           string                   `json:"body"`
	Category       string                   `json:"category,omitempty"`
	QueuedAt       time.Time                `json:"queuedAt"`
}

// Deliverer publishes push requests for offline recipients.
type Deliverer struct {
	client *Client
}

var _ ports.PushDeliverer = (*Deliverer)(nil)

// NewDeliverer wraps a connected Client.
func NewDeliverer(client *Client) *Deliverer {
	return &Deliverer{client: client}
}

// SendToIdentity queues a push for one identity's devices.
func (d *Deliverer) SendToIdentity(ctx context.Context, identity string, tokens []notification.PushToken, n *notification.Notification) error {
	_ = ctx
	body, err := json.Marshal(message{
		NotificationID: n.ID,
		Identity:       identity,
		Tokens:         tokens,
		Title:          n.Title,
		Body:           n.Message,
		Category:       n.Category,
		QueuedAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("push: encode message: %w", err)
	}
	return d.client.publish(routeIdentityPrefix+identity, body)
}

// SendToRole queues a push addressed to every member of a role; the worker
// resolves the member set.
func (d *Deliverer) SendToRole(ctx context.Context, role user.Role, n *notification.Notification) error {
	_ = ctx
	body, err := json.Marshal(message{
		NotificationID: n.ID,
		Role:           role.String(),
		Title:          n.Title,
		Body:           n.Message,
		Category:       n.Category,
		QueuedAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("push: encode message: %w", err)
	}
	return d.client.publish(routeRolePrefix+role.String(), body)
}
