package wsapi

import "testing"

func TestRegistryBroadcastsToAllConnections(t *testing.T) {
	r := NewRegistry()
	c1 := &Connection{notify: make(chan struct{}, 1)}
	c2 := &Connection{notify: make(chan struct{}, 1)}
	r.add(c1)
	r.add(c2)

	r.Broadcast("session.created", map[string]any{"session_id": "s1"})

	for i, c := range []*Connection{c1, c2} {
		c.mu.Lock()
		n := len(c.queue)
		c.mu.Unlock()
		if n != 1 {
			t.Errorf("connection %d: queue len = %d, want 1", i, n)
		}
	}
}

func TestRegistryRemoveStopsDelivering(t *testing.T) {
	r := NewRegistry()
	c := &Connection{notify: make(chan struct{}, 1)}
	r.add(c)
	r.remove(c)

	r.Broadcast("session.created", map[string]any{"session_id": "s1"})

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) != 0 {
		t.Errorf("queue len = %d, want 0 after remove", len(c.queue))
	}
}
