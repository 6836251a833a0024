package wsapi

import "testing"

func TestCheckTokenMatchesAndRejects(t *testing.T) {
	if !CheckToken("secret", "secret") {
		t.Error("CheckToken() = false for matching tokens, want true")
	}
	if CheckToken("wrong", "secret") {
		t.Error("CheckToken() = true for mismatched tokens, want false")
	}
	if CheckToken("", "secret") {
		t.Error("CheckToken() = true for empty token, want false")
	}
	if CheckToken("secret", "") {
		t.Error("CheckToken() = true for empty configured key, want false")
	}
}

func TestEnqueueDropsOldestPlainOutputUnderPressure(t *testing.T) {
	c := &Connection{notify: make(chan struct{}, 1)}

	for i := 0; i < outboundQueueCap; i++ {
		c.enqueue(outputFrame{Type: "session.stdout", SessionID: "s", Seq: uint64(i)}, false)
	}
	// Queue is now full of plain output. One more priority frame must
	// not be dropped, and must not grow the queue past its cap.
	c.enqueue(ackFrame{Type: "session.exec.ack", SessionID: "s"}, true)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) != outboundQueueCap {
		t.Fatalf("len(queue) = %d, want %d", len(c.queue), outboundQueueCap)
	}

	found := false
	for _, qf := range c.queue {
		if _, ok := qf.frame.(ackFrame); ok {
			found = true
		}
	}
	if !found {
		t.Error("priority ack frame was dropped under backpressure")
	}

	// The oldest plain-output entry (seq 0) must be the one evicted.
	for _, qf := range c.queue {
		if of, ok := qf.frame.(outputFrame); ok && of.Seq == 0 {
			t.Error("oldest plain-output entry should have been dropped, but seq 0 survived")
		}
	}
}

func TestEnqueueNeverDropsPriorityFrames(t *testing.T) {
	c := &Connection{notify: make(chan struct{}, 1)}

	for i := 0; i < outboundQueueCap; i++ {
		c.enqueue(ackFrame{Type: "session.exec.ack", SessionID: "s"}, true)
	}
	c.enqueue(ackFrame{Type: "session.exec.ack", SessionID: "extra"}, true)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) != outboundQueueCap+1 {
		t.Errorf("len(queue) = %d, want %d (priority frames are never dropped)", len(c.queue), outboundQueueCap+1)
	}
}

func TestDrainEmptiesQueue(t *testing.T) {
	c := &Connection{notify: make(chan struct{}, 1)}
	c.enqueue(pongFrame{Type: "pong"}, true)
	c.enqueue(pongFrame{Type: "pong"}, true)

	drained := c.drain()
	if len(drained) != 2 {
		t.Fatalf("len(drained) = %d, want 2", len(drained))
	}
	if got := c.drain(); got != nil {
		t.Errorf("second drain() = %v, want nil", got)
	}
}
