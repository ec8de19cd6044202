package notification

import (
	"errors"
	"strings"
	"time"

	"ride-dispatch/internal/domain/user"
)

// RecipientKind distinguishes the three delivery targets a notification may have.
type RecipientKind string

const (
	RecipientIdentity RecipientKind = "IDENTITY"
	RecipientRole     RecipientKind = "ROLE"
	RecipientAdmins   RecipientKind = "ADMINS"
)

// Recipient is a resolved notification target.
type Recipient struct {
	Kind RecipientKind
	ID   string // identity id for IDENTITY, role name for ROLE, empty for ADMINS
}

// ToIdentity targets a single identity (all of its devices/connections).
func ToIdentity(id string) Recipient {
	return Recipient{Kind: RecipientIdentity, ID: id}
}

// ToRole targets every member of a role class.
func ToRole(role user.Role) Recipient {
	return Recipient{Kind: RecipientRole, ID: role.String()}
}

// ToAdmins targets the admin broadcast set.
func ToAdmins() Recipient {
	return Recipient{Kind: RecipientAdmins}
}

// String renders the recipient in the persisted form ("all-admins",
// "role:DRIVER", or a bare identity id).
func (r Recipient) String() string {
	switch r.Kind {
	case RecipientAdmins:
		return "all-admins"
	case RecipientRole:
		return "role:" + r.ID
	default:
		return r.ID
	}
}

var (
	ErrEmptyRecipient = errors.New("notification recipient cannot be empty")
	ErrEmptyMessage   = errors.New("notification message cannot be empty")
)

// Notification is the durable record corresponding to the `notifications`
// table. It is created before any real-time delivery attempt so offline
// recipients can retrieve it later.
type Notification struct {
	ID        string
	Recipient Recipient
	Title     string
	Message   string
	Category  string
	Reference string // id of the notification or ride event this answers
	Read      bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// New constructs a validated Notification.
func New(id string, recipient Recipient, title, message, category string) (*Notification, error) {
	if recipient.Kind != RecipientAdmins && strings.TrimSpace(recipient.ID) == "" {
		return nil, ErrEmptyRecipient
	}
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	return &Notification{
		ID:        id,
		Recipient: recipient,
		Title:     strings.TrimSpace(title),
		Message:   strings.TrimSpace(message),
		Category:  strings.TrimSpace(category),
		CreatedAt: time.Now().UTC(),
	}, nil
}
