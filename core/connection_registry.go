package core

import (
	"fmt"
	"sync"
)

// ConnectionRegistry is the process-wide collection of live connections.
// Iteration order is insertion order, which fixes the delivery order of
// broadcasts to local subscribers.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	conns  []*Connection
	index  map[string]int
	logger Logger
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry(logger Logger) *ConnectionRegistry {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/connections")
	}
	return &ConnectionRegistry{
		index:  make(map[string]int),
		logger: logger,
	}
}

// Add inserts a connection. Each connection id appears at most once; a
// duplicate is a programming error and is rejected.
func (r *ConnectionRegistry) Add(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[conn.ID]; exists {
		return NewTypedError(KindServerInitialization,
			fmt.Sprintf("connection %s is already registered", conn.ID))
	}

	r.index[conn.ID] = len(r.conns)
	r.conns = append(r.conns, conn)

	r.logger.Debug("Connection registered", map[string]interface{}{
		"connection_id": conn.ID,
		"type":          string(conn.Type),
		"identifier":    conn.Identifier,
		"total":         len(r.conns),
	})
	return nil
}

// Get returns the connection with the given id.
func (r *ConnectionRegistry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return r.conns[i], true
}

// Find looks a connection up by the full (type, identifier, id) triple.
func (r *ConnectionRegistry) Find(connType ConnectionType, identifier, id string) (*Connection, bool) {
	conn, ok := r.Get(id)
	if !ok || conn.Type != connType || conn.Identifier != identifier {
		return nil, false
	}
	return conn, true
}

// Remove deletes a connection from the registry. Returns true when the id was
// present.
func (r *ConnectionRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[id]
	if !ok {
		return false
	}

	r.conns = append(r.conns[:i], r.conns[i+1:]...)
	delete(r.index, id)
	for j := i; j < len(r.conns); j++ {
		r.index[r.conns[j].ID] = j
	}

	r.logger.Debug("Connection removed", map[string]interface{}{
		"connection_id": id,
		"total":         len(r.conns),
	})
	return true
}

// Each calls fn for every connection in insertion order. Iteration happens on
// a snapshot, so fn may add or remove connections. Returning false stops the
// walk.
func (r *ConnectionRegistry) Each(fn func(conn *Connection) bool) {
	r.mu.RLock()
	snapshot := make([]*Connection, len(r.conns))
	copy(snapshot, r.conns)
	r.mu.RUnlock()

	for _, conn := range snapshot {
		if !fn(conn) {
			return
		}
	}
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
