// Package stream fans task updates out to live client connections.
// Delivery is best effort: a client that misses a push reconciles on its
// next fetch, so nothing here retries or persists.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/taskloop/taskloop/internal/platform/metrics"
)

// ErrTooManyConnections is returned when a user is already at the
// per-user connection cap.
var ErrTooManyConnections = errors.New("too many connections for user")

// Conn is one live client connection. Write must respect ctx; a write
// that outlives its deadline marks the connection dead.
type Conn interface {
	Write(ctx context.Context, data []byte) error
}

type entry struct {
	id   string
	conn Conn
}

// Registry tracks live connections per user. Broadcasts snapshot the
// user's connections under the read lock and send outside it, so a slow
// client never stalls register or deregister.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Conn
	max    int
}

// NewRegistry returns a registry capping each user at max connections.
// A non-positive max means no cap.
func NewRegistry(max int) *Registry {
	return &Registry{
		byUser: make(map[string]map[string]Conn),
		max:    max,
	}
}

// Register adds a connection for a user and returns its connection ID.
func (r *Registry) Register(userID string, conn Conn) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byUser[userID]
	if r.max > 0 && len(conns) >= r.max {
		return "", ErrTooManyConnections
	}
	if conns == nil {
		conns = make(map[string]Conn)
		r.byUser[userID] = conns
	}

	id := uuid.NewString()
	conns[id] = conn
	metrics.LiveConnections.Inc()
	return id, nil
}

// Deregister removes a connection. Removing an unknown ID is a no-op,
// so the accept handler and the broadcaster may both drop the same
// connection without coordinating.
func (r *Registry) Deregister(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[userID]
	if !ok {
		return
	}
	if _, ok := conns[connID]; !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
	}
	metrics.LiveConnections.Dec()
}

// Active returns the count of registered connections across all users.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, conns := range r.byUser {
		total += len(conns)
	}
	return total
}

// connectionsFor snapshots a user's connections for a broadcast.
func (r *Registry) connectionsFor(userID string) []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]entry, 0, len(conns))
	for id, conn := range conns {
		out = append(out, entry{id: id, conn: conn})
	}
	return out
}
