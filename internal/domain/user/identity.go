package user

import "time"

// Identity is the slice of the `users` table the coordinator needs:
// who a token subject is, what role they act in, and where push
// notifications can reach their devices.
type Identity struct {
	ID         string
	Role       Role
	DriverID   string // non-empty only for driver identities
	PushTokens []string
	CreatedAt  time.Time
}
