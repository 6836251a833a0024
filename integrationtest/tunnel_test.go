// Package integrationtest drives the real gin router and a real
// tunnel.Device over actual TCP listeners, covering the end-to-end
// scenarios that a package-level unit test can't reach because they
// need two independent HTTP servers talking to each other.
package integrationtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sctl/src/api"
	"sctl/src/config"
	"sctl/src/handler"
	"sctl/src/session"
	"sctl/src/tunnel"
	"sctl/src/wsapi"
)

func newLiveServer(cfg config.Config) (*httptest.Server, *session.Manager) {
	registry := wsapi.NewRegistry()
	sessions := session.NewManager(cfg.MaxSessions, cfg.SessionBufferSize, registry)
	deps := api.Deps{Sessions: sessions, Registry: registry, Config: cfg}
	engine := api.SetupRouter(deps, true, false)
	return httptest.NewServer(engine), sessions
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestRelayProxiesHTTPToRegisteredDevice covers spec scenario 6: a
// device registers with a relay, and a GET against
// /d/<serial>/api/health at the relay returns the device's own health
// JSON verbatim.
func TestRelayProxiesHTTPToRegisteredDevice(t *testing.T) {
	deviceCfg := config.Defaults()
	deviceCfg.APIKey = "device-key"
	deviceSrv, deviceSessions := newLiveServer(deviceCfg)
	defer deviceSrv.Close()
	defer deviceSessions.Stop()

	tunnelCfg := config.Tunnel{
		TunnelProxyTimeoutSecs: 2,
		ReconnectDelaySecs:     1,
		ReconnectMaxDelaySecs:  2,
		HeartbeatIntervalSecs:  5,
		HeartbeatTimeoutSecs:   30,
		StableThresholdSecs:    60,
		TunnelKey:              "tunnel-secret",
	}
	relay := tunnel.NewRelay(tunnelCfg)
	tunnelHandler := handler.NewTunnelHandler(relay)

	relayCfg := config.Defaults()
	relayCfg.APIKey = "relay-key"
	relayCfg.Tunnel = tunnelCfg
	registry := wsapi.NewRegistry()
	relaySessions := session.NewManager(relayCfg.MaxSessions, relayCfg.SessionBufferSize, registry)
	defer relaySessions.Stop()
	deps := api.Deps{Sessions: relaySessions, Registry: registry, Config: relayCfg, Tunnel: relay}
	relayEngine := api.SetupRelayRouter(deps, tunnelHandler, true, false)
	relaySrv := httptest.NewServer(relayEngine)
	defer relaySrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tunnelCfg.URL = relaySrv.URL
	device := tunnel.NewDevice(tunnelCfg, "DEV-1", deviceSrv.URL)
	go device.Run(ctx)

	waitFor(t, 5*time.Second, func() bool {
		h := relay.Health()
		n, _ := h["devices_connected"].(int)
		return n == 1
	})

	resp, err := http.Get(relaySrv.URL + "/d/DEV-1/api/health")
	if err != nil {
		t.Fatalf("GET through relay: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got handler.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != "ok" {
		t.Errorf("Status = %q, want ok", got.Status)
	}
}

// TestRelayProxyReturns502WhenDeviceNotRegistered covers the other
// half of spec scenario 6: proxying to a serial with no registered
// device channel (equivalent to the device having disconnected)
// reports a tunnel_disconnected error mapped to HTTP 502.
func TestRelayProxyReturns502WhenDeviceNotRegistered(t *testing.T) {
	tunnelCfg := config.Tunnel{TunnelProxyTimeoutSecs: 1, TunnelKey: "tunnel-secret"}
	relay := tunnel.NewRelay(tunnelCfg)
	tunnelHandler := handler.NewTunnelHandler(relay)

	relayCfg := config.Defaults()
	relayCfg.APIKey = "relay-key"
	relayCfg.Tunnel = tunnelCfg
	registry := wsapi.NewRegistry()
	relaySessions := session.NewManager(relayCfg.MaxSessions, relayCfg.SessionBufferSize, registry)
	defer relaySessions.Stop()
	deps := api.Deps{Sessions: relaySessions, Registry: registry, Config: relayCfg, Tunnel: relay}
	relayEngine := api.SetupRelayRouter(deps, tunnelHandler, true, false)
	relaySrv := httptest.NewServer(relayEngine)
	defer relaySrv.Close()

	resp, err := http.Get(relaySrv.URL + "/d/DEV-NEVER-REGISTERED/api/health")
	if err != nil {
		t.Fatalf("GET through relay: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway && resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 502 or 504", resp.StatusCode)
	}
}
