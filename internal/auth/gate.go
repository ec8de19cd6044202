// Package auth implements the connection-time authentication gate. It runs
// exactly once per connection establishment and is never re-invoked per
// message: the resolved principal travels with the registered connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ride-dispatch/internal/domain/user"
	"ride-dispatch/internal/jwt"
	"ride-dispatch/internal/logger"
	"ride-dispatch/internal/ports"
)

// ErrAuthRejected covers bad, missing, or expired credentials. The
// connection is refused; nothing is registered.
var ErrAuthRejected = errors.New("authentication rejected")

// Credentials is what a client presents on handshake: either a bearer
// token, or a bare client id for degraded (location-only) access.
type Credentials struct {
	Token    string
	ClientID string
}

// Principal is the admitted identity a connection acts as.
type Principal struct {
	Identity  string
	Role      user.Role
	DriverID  string // resolved for driver identities
	Anonymous bool
}

// Gate validates connection credentials against the token verifier and the
// external identity store.
type Gate struct {
	tokens     *jwt.Manager
	identities ports.IdentityStore
	logger     *logger.Logger
}

// NewGate constructs a Gate.
func NewGate(tokens *jwt.Manager, identities ports.IdentityStore, log *logger.Logger) *Gate {
	return &Gate{tokens: tokens, identities: identities, logger: log}
}

// Admit resolves credentials to a principal or a rejection.
//
// A token wins over a client id when both are present. Anonymous principals
// are keyed "anon:<clientId>", carry no role privileges, and may only feed
// location samples and subscribe to route updates.
func (g *Gate) Admit(ctx context.Context, creds Credentials) (*Principal, error) {
	token := strings.TrimSpace(creds.Token)
	clientID := strings.TrimSpace(creds.ClientID)

	switch {
	case token != "":
		return g.admitToken(ctx, token)
	case clientID != "":
		return &Principal{
			Identity:  "anon:" + clientID,
			Role:      user.RoleAnonymous,
			Anonymous: true,
		}, nil
	default:
		return nil, fmt.Errorf("%w: no token or client id", ErrAuthRejected)
	}
}

func (g *Gate) admitToken(ctx context.Context, token string) (*Principal, error) {
	claims, err := g.tokens.ParseAndValidate(token)
	if err != nil {
		g.logger.Warn(ctx, "auth_token_invalid", "Rejected connection token", map[string]any{"reason": err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	identity, err := g.identities.Lookup(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ports.ErrUserNotFound) {
			g.logger.Warn(ctx, "auth_unknown_subject", "Token subject no longer exists", map[string]any{"subject": claims.Subject})
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ports.ErrServiceUnavailable, err)
	}

	// the identity record is authoritative for the role; claims only carry
	// what the token was issued with
	role := identity.Role
	if !role.Valid() || role.IsAnonymous() {
		role = claims.Role
	}

	return &Principal{
		Identity: identity.ID,
		Role:     role,
		DriverID: identity.DriverID,
	}, nil
}
