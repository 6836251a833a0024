package wsapi

import (
	"encoding/json"
	"testing"
)

func TestBroadcastFrameMarshalFlattensPayload(t *testing.T) {
	payload, err := json.Marshal(map[string]any{"session_id": "abc", "reason": "killed"})
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}
	f := broadcastFrame{Type: "session.destroyed", Data: payload}

	out, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("MarshalJSON() error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("json.Unmarshal() error: %v", err)
	}
	if got["type"] != "session.destroyed" {
		t.Errorf("type = %v, want session.destroyed", got["type"])
	}
	if got["session_id"] != "abc" {
		t.Errorf("session_id = %v, want abc", got["session_id"])
	}
	if got["reason"] != "killed" {
		t.Errorf("reason = %v, want killed", got["reason"])
	}
}

func TestBroadcastFrameMarshalWithNoPayload(t *testing.T) {
	f := broadcastFrame{Type: "session.created"}
	out, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("MarshalJSON() error: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("json.Unmarshal() error: %v", err)
	}
	if len(got) != 1 || got["type"] != "session.created" {
		t.Errorf("got %v, want only {type: session.created}", got)
	}
}

func TestInboundFramePTYPointerDistinguishesAbsentFromFalse(t *testing.T) {
	var absent inboundFrame
	if err := json.Unmarshal([]byte(`{"type":"session.start"}`), &absent); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if absent.PTY != nil {
		t.Errorf("PTY = %v, want nil when omitted", absent.PTY)
	}

	var explicit inboundFrame
	if err := json.Unmarshal([]byte(`{"type":"session.start","pty":false}`), &explicit); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if explicit.PTY == nil || *explicit.PTY != false {
		t.Errorf("PTY = %v, want pointer to false", explicit.PTY)
	}
}
