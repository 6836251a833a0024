package tunnel

import (
	"testing"
	"time"
)

func TestToWSConvertsHTTPAndHTTPSSchemes(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8080":  "ws://127.0.0.1:8080",
		"https://relay.example":  "wss://relay.example",
		"ws://already.ws":        "ws://already.ws",
	}
	for in, want := range cases {
		if got := toWS(in); got != want {
			t.Errorf("toWS(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRTTPercentilesEmpty(t *testing.T) {
	median, p95 := rttPercentiles(nil)
	if median != 0 || p95 != 0 {
		t.Errorf("rttPercentiles(nil) = (%v, %v), want (0, 0)", median, p95)
	}
}

func TestRTTPercentilesComputesMedianAndP95(t *testing.T) {
	rtts := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		40 * time.Millisecond,
		100 * time.Millisecond,
	}
	median, p95 := rttPercentiles(rtts)
	if median != 30 {
		t.Errorf("median = %v, want 30", median)
	}
	if p95 != 100 {
		t.Errorf("p95 = %v, want 100", p95)
	}
}

func TestDeviceStateString(t *testing.T) {
	cases := map[deviceState]string{
		stateDisconnected: "disconnected",
		stateConnecting:   "connecting",
		stateRegistered:   "registered",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("state %d String() = %q, want %q", state, got, want)
		}
	}
}
