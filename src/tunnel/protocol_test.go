package tunnel

import "testing"

func TestAppendEventCapsAtMaxRecentEvents(t *testing.T) {
	var events []event
	for i := 0; i < maxRecentEvents+5; i++ {
		events = appendEvent(events, event{Time: "t", Message: "m"})
	}
	if len(events) != maxRecentEvents {
		t.Errorf("len(events) = %d, want %d", len(events), maxRecentEvents)
	}
}

func TestAppendEventKeepsMostRecent(t *testing.T) {
	var events []event
	for i := 0; i < maxRecentEvents+1; i++ {
		events = appendEvent(events, event{Message: string(rune('a' + i))})
	}
	// The very first event ("a") should have been evicted.
	for _, e := range events {
		if e.Message == "a" {
			t.Error("oldest event should have been evicted")
		}
	}
}
