// Package registry tracks live realtime connections and routes outbound
// events to them by identity, driver id, role, or subscription topic.
package registry

import (
	"context"
	"sync"

	"ride-dispatch/internal/domain/user"
	"ride-dispatch/internal/logger"
	"ride-dispatch/internal/metrics"
)

// Sender is the transport side of a registered connection. Implementations
// must be safe for concurrent SendEvent calls.
type Sender interface {
	SendEvent(event string, payload any) error
	Close() error
}

// Conn is one registered connection with its resolved principal.
type Conn struct {
	ID        string
	Identity  string
	Role      user.Role
	DriverID  string
	Anonymous bool

	sender Sender
}

// NewConn binds a principal to its transport sender.
func NewConn(id, identity string, role user.Role, driverID string, anonymous bool, sender Sender) *Conn {
	return &Conn{
		ID:        id,
		Identity:  identity,
		Role:      role,
		DriverID:  driverID,
		Anonymous: anonymous,
		sender:    sender,
	}
}

// Registry stores all active connections keyed by connection id with
// secondary indices for identity, driver, admin role, and topics. An
// identity may hold several simultaneous connections (multiple devices).
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*Conn
	byIdentity map[string]map[string]*Conn // identity -> conn id -> conn
	byDriver   map[string]map[string]*Conn // driver id -> conn id -> conn
	admins     map[string]*Conn
	topics     map[string]map[string]*Conn // topic -> conn id -> conn

	logger *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		byID:       make(map[string]*Conn),
		byIdentity: make(map[string]map[string]*Conn),
		byDriver:   make(map[string]map[string]*Conn),
		admins:     make(map[string]*Conn),
		topics:     make(map[string]map[string]*Conn),
		logger:     log,
	}
}

// Register adds a connection alongside any the identity already holds.
func (r *Registry) Register(ctx context.Context, c *Conn) {
	r.mu.Lock()
	r.byID[c.ID] = c
	addIndexed(r.byIdentity, c.Identity, c)
	if c.DriverID != "" {
		addIndexed(r.byDriver, c.DriverID, c)
	}
	if c.Role.IsAdmin() {
		r.admins[c.ID] = c
	}
	r.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(c.Role.String()).Inc()
	r.logger.Info(ctx, "conn_registered", "Connection registered", map[string]any{
		"conn_id": c.ID, "identity": c.Identity, "role": c.Role.String(),
	})
}

// Unregister removes a connection and all its index entries. Safe to call
// for an already-removed id.
func (r *Registry) Unregister(ctx context.Context, connID string) {
	r.mu.Lock()
	c, ok := r.byID[connID]
	if ok {
		r.dropLocked(c)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	metrics.ConnectionsActive.WithLabelValues(c.Role.String()).Dec()
	r.logger.Info(ctx, "conn_unregistered", "Connection removed", map[string]any{
		"conn_id": c.ID, "identity": c.Identity,
	})
}

// dropLocked removes every index entry for c. Caller holds r.mu.
func (r *Registry) dropLocked(c *Conn) {
	delete(r.byID, c.ID)
	removeIndexed(r.byIdentity, c.Identity, c.ID)
	if c.DriverID != "" {
		removeIndexed(r.byDriver, c.DriverID, c.ID)
	}
	delete(r.admins, c.ID)
	for topic, subs := range r.topics {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
}

func addIndexed(index map[string]map[string]*Conn, key string, c *Conn) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]*Conn)
		index[key] = set
	}
	set[c.ID] = c
}

func removeIndexed(index map[string]map[string]*Conn, key, connID string) {
	if set, ok := index[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

// Subscribe joins a connection to a topic. Unknown connection ids are ignored.
func (r *Registry) Subscribe(connID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[connID]
	if !ok {
		return
	}
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]*Conn)
		r.topics[topic] = subs
	}
	subs[c.ID] = c
}

// Unsubscribe removes a connection from a topic.
func (r *Registry) Unsubscribe(connID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.topics[topic]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
}

// Lookup returns every live connection an identity holds; empty when none.
func (r *Registry) Lookup(identity string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return connsOf(r.byIdentity[identity])
}

// LookupDriver returns every live connection a driver id is registered
// under; empty when none.
func (r *Registry) LookupDriver(driverID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return connsOf(r.byDriver[driverID])
}

func connsOf(set map[string]*Conn) []*Conn {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// SendToIdentity delivers an event to every device an identity has
// connected. It reports false when no device accepted the event; failed
// connections are evicted so the caller can fall back to push.
func (r *Registry) SendToIdentity(ctx context.Context, identity, event string, payload any) bool {
	delivered := 0
	for _, c := range r.Lookup(identity) {
		if r.deliver(ctx, c, event, payload) {
			delivered++
		}
	}
	return delivered > 0
}

// SendToDriver delivers an event to every connection registered under the
// driver id.
func (r *Registry) SendToDriver(ctx context.Context, driverID, event string, payload any) bool {
	delivered := 0
	for _, c := range r.LookupDriver(driverID) {
		if r.deliver(ctx, c, event, payload) {
			delivered++
		}
	}
	return delivered > 0
}

// SendToRole fans an event out to every connection of a role and returns
// the delivered count.
func (r *Registry) SendToRole(ctx context.Context, role user.Role, event string, payload any) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		if c.Role == role {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if r.deliver(ctx, c, event, payload) {
			delivered++
		}
	}
	return delivered
}

// SendToAdmins fans an event out to every admin connection and returns the
// delivered count.
func (r *Registry) SendToAdmins(ctx context.Context, event string, payload any) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.admins))
	for _, c := range r.admins {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if r.deliver(ctx, c, event, payload) {
			delivered++
		}
	}
	return delivered
}

// BroadcastTopic delivers an event to every topic subscriber except the
// origin connection, returning the delivered count.
func (r *Registry) BroadcastTopic(ctx context.Context, topic, originConnID, event string, payload any) int {
	r.mu.RLock()
	subs := r.topics[topic]
	targets := make([]*Conn, 0, len(subs))
	for _, c := range subs {
		if c.ID != originConnID {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if r.deliver(ctx, c, event, payload) {
			delivered++
		}
	}
	return delivered
}

// ConnectedIdentities lists identities with a live connection.
func (r *Registry) ConnectedIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) deliver(ctx context.Context, c *Conn, event string, payload any) bool {
	if err := c.sender.SendEvent(event, payload); err != nil {
		metrics.DeliveryFailuresTotal.Inc()
		r.logger.Warn(ctx, "conn_send_failed", "Evicting dead connection", map[string]any{
			"conn_id": c.ID, "identity": c.Identity, "event": event, "error": err.Error(),
		})
		r.Unregister(ctx, c.ID)
		_ = c.sender.Close()
		return false
	}
	return true
}
