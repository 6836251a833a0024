package wsapi

import "sync"

// Registry tracks every live Connection and implements
// session.Broadcaster by fanning a lifecycle event out to all of
// them, not just the connection that triggered it.
type Registry struct {
	mu    sync.RWMutex
	conns map[*Connection]struct{}
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[*Connection]struct{})}
}

func (r *Registry) add(c *Connection) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) remove(c *Connection) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// Broadcast implements session.Broadcaster.
func (r *Registry) Broadcast(event string, payload any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.conns {
		c.Broadcast(event, payload)
	}
}
