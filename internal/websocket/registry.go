package websocket

import (
	"sync"

	"coursechat/pkg/types"
)

// Registry maps users to their live connections
// ARCHITECTURAL DISCOVERY: A user may hold several connections (tabs, devices);
// registering one never evicts another. One coarse RWMutex is enough because
// every critical section is a map operation.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]*Connection // userID -> connID -> Connection
	total int
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]map[string]*Connection),
	}
}

// Register adds conn under its identity
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	userID := conn.GetIdentity().ID
	if userID == "" {
		return ErrConnectionNotAuthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]*Connection)
		r.users[userID] = conns
	}
	if _, exists := conns[conn.GetID()]; !exists {
		conns[conn.GetID()] = conn
		r.total++
	}
	return nil
}

// Unregister removes exactly this connection; unknown connections are ignored
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}
	userID := conn.GetIdentity().ID

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		return
	}
	if _, exists := conns[conn.GetID()]; !exists {
		return
	}
	delete(conns, conn.GetID())
	r.total--
	// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
	if len(conns) == 0 {
		delete(r.users, userID)
	}
}

// UserConnections returns a snapshot of the user's connections
func (r *Registry) UserConnections(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the user has at least one registered connection
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// SendToUser queues event on every connection of userID and returns how many
// accepted it. Delivery happens outside the lock; zero is a delivery miss.
func (r *Registry) SendToUser(userID string, event types.Event) int {
	conns := r.UserConnections(userID)
	if len(conns) == 0 {
		return 0
	}

	data, err := types.EncodeEvent(event)
	if err != nil {
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if c.sendRaw(outbound{data: data}) == nil {
			delivered++
		}
	}
	return delivered
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": r.total,
		"online_users":      len(r.users),
	}
}

// AllConnections returns a snapshot of every registered connection
func (r *Registry) AllConnections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, r.total)
	for _, conns := range r.users {
		for _, c := range conns {
			out = append(out, c)
		}
	}
	return out
}
