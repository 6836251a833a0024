package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"sctl/src/config"
)

// deviceState is the device-mode connection state machine.
type deviceState int

const (
	stateDisconnected deviceState = iota
	stateConnecting
	stateRegistered
)

func (s deviceState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateRegistered:
		return "registered"
	default:
		return "disconnected"
	}
}

// Device drives the outbound control connection from a NAT'd device
// to a relay instance of this same daemon. It synthesizes local HTTP
// calls and local WS pipes against localAddr in response to frames
// the relay forwards from external clients.
type Device struct {
	cfg       config.Tunnel
	serial    string
	localAddr string // e.g. "http://127.0.0.1:8080"
	dialer    *websocket.Dialer
	client    *http.Client

	mu             sync.Mutex
	state          deviceState
	reconnects     int
	messagesSent   uint64
	messagesRecv   uint64
	droppedOut     uint64
	lastPongAt     time.Time
	pingSentAt     time.Time
	registeredAt   time.Time
	rtts           []time.Duration
	recentEvents   []event
	connectedSince time.Time
}

// NewDevice builds a Device that dials cfg.URL and serves requests
// against the daemon listening at localAddr. If cfg.BindAddress is
// set, the outbound control connection is bound to that local
// interface (LTE failover).
func NewDevice(cfg config.Tunnel, serial, localAddr string) *Device {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if cfg.BindAddress != "" {
		netDialer := &net.Dialer{
			LocalAddr: &net.TCPAddr{IP: net.ParseIP(cfg.BindAddress)},
			Timeout:   10 * time.Second,
		}
		dialer.NetDialContext = netDialer.DialContext
	}
	return &Device{
		cfg:       cfg,
		serial:    serial,
		localAddr: localAddr,
		dialer:    dialer,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Run drives the Disconnected -> Connecting -> Registered state
// machine until ctx is cancelled, reconnecting with exponential
// backoff on any failure.
func (d *Device) Run(ctx context.Context) {
	delay := time.Duration(d.cfg.ReconnectDelaySecs) * time.Second
	maxDelay := time.Duration(d.cfg.ReconnectMaxDelaySecs) * time.Second
	if delay <= 0 {
		delay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}
		d.setState(stateConnecting)
		connectedAt := time.Now()
		err := d.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		d.setState(stateDisconnected)
		d.note(fmt.Sprintf("disconnected: %v", err))
		logrus.Warnf("tunnel device: disconnected: %v", err)

		if time.Since(connectedAt) >= time.Duration(d.cfg.StableThresholdSecs)*time.Second {
			delay = time.Duration(d.cfg.ReconnectDelaySecs) * time.Second
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
		d.mu.Lock()
		d.reconnects++
		d.mu.Unlock()
	}
}

func (d *Device) runOnce(ctx context.Context) error {
	header := http.Header{"Authorization": {"Bearer " + d.cfg.TunnelKey}}
	wsURL := toWS(d.cfg.URL) + "/api/tunnel/register?serial=" + d.serial

	conn, _, err := d.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	d.setState(stateRegistered)
	d.mu.Lock()
	d.registeredAt = time.Now()
	d.connectedSince = d.registeredAt
	d.lastPongAt = d.registeredAt
	d.mu.Unlock()
	d.note("registered")

	conn.SetPongHandler(func(string) error {
		now := time.Now()
		d.mu.Lock()
		d.lastPongAt = now
		if !d.pingSentAt.IsZero() {
			d.rtts = append(d.rtts, now.Sub(d.pingSentAt))
			if len(d.rtts) > 200 {
				d.rtts = d.rtts[len(d.rtts)-200:]
			}
			d.pingSentAt = time.Time{}
		}
		d.mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.heartbeatLoop(ctx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		d.mu.Lock()
		d.messagesRecv++
		d.mu.Unlock()

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		switch f.Type {
		case frameHTTPRequest:
			go d.serveHTTP(conn, f)
		case frameWSOpen:
			go d.serveWS(conn, f)
		}
	}
}

func (d *Device) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	interval := time.Duration(d.cfg.HeartbeatIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent := time.Now()
			if err := conn.WriteControl(websocket.PingMessage, nil, sent.Add(5*time.Second)); err != nil {
				return
			}
			d.mu.Lock()
			d.messagesSent++
			d.pingSentAt = sent
			d.mu.Unlock()
		}
	}
}

// serveHTTP synthesizes a local HTTP call and streams the response
// back as http_response + http_body_chunk + http_end.
func (d *Device) serveHTTP(conn *websocket.Conn, in Frame) {
	req, err := http.NewRequest(in.Method, d.localAddr+in.Path, bytes.NewReader(in.Body))
	if err != nil {
		d.writeFrame(conn, Frame{Type: frameHTTPResponse, RequestID: in.RequestID, StatusCode: http.StatusBadGateway, Error: err.Error()})
		d.writeFrame(conn, Frame{Type: frameHTTPEnd, RequestID: in.RequestID})
		return
	}
	for k, vs := range in.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.writeFrame(conn, Frame{Type: frameHTTPResponse, RequestID: in.RequestID, StatusCode: http.StatusBadGateway, Error: err.Error()})
		d.writeFrame(conn, Frame{Type: frameHTTPEnd, RequestID: in.RequestID})
		return
	}
	defer resp.Body.Close()

	d.writeFrame(conn, Frame{Type: frameHTTPResponse, RequestID: in.RequestID, StatusCode: resp.StatusCode, Headers: resp.Header})

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			d.writeFrame(conn, Frame{Type: frameHTTPBodyChunk, RequestID: in.RequestID, Body: chunk})
		}
		if err != nil {
			break
		}
	}
	d.writeFrame(conn, Frame{Type: frameHTTPEnd, RequestID: in.RequestID})
}

// serveWS opens a local WS pipe to the daemon's own /api/ws handler
// and forwards every text or binary message the local socket sends
// back to the relay as ws_data, then sends ws_close once the local
// socket closes. Only that direction is carried: runOnce does not
// dispatch ws_data or ws_close frames arriving from the relay, so
// client messages never reach the local socket.
func (d *Device) serveWS(conn *websocket.Conn, in Frame) {
	localURL := toWS(d.localAddr) + in.Path
	header := http.Header{}
	for k, vs := range in.Headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	local, _, err := d.dialer.Dial(localURL, header)
	if err != nil {
		d.writeFrame(conn, Frame{Type: frameWSClose, RequestID: in.RequestID, Error: err.Error()})
		return
	}
	defer local.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			mt, data, err := local.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
				continue
			}
			d.writeFrame(conn, Frame{Type: frameWSData, RequestID: in.RequestID, Data: data})
		}
	}()
	<-done
	d.writeFrame(conn, Frame{Type: frameWSClose, RequestID: in.RequestID})
}

func (d *Device) writeFrame(conn *websocket.Conn, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.messagesSent++
	d.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (d *Device) setState(s deviceState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Device) note(msg string) {
	d.mu.Lock()
	d.recentEvents = appendEvent(d.recentEvents, event{Time: time.Now().Format(time.RFC3339), Message: msg})
	d.mu.Unlock()
}

// Health reports the counters surfaced through the daemon's health
// endpoint.
func (d *Device) Health() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	uptime := 0.0
	if d.state == stateRegistered && !d.connectedSince.IsZero() {
		uptime = time.Since(d.connectedSince).Seconds()
	}
	lastPongAge := int64(-1)
	if !d.lastPongAt.IsZero() {
		lastPongAge = time.Since(d.lastPongAt).Milliseconds()
	}

	median, p95 := rttPercentiles(d.rtts)

	return map[string]any{
		"connected":         d.state == stateRegistered,
		"reconnects":        d.reconnects,
		"uptime_secs":       uptime,
		"messages_sent":     d.messagesSent,
		"messages_received": d.messagesRecv,
		"last_pong_age_ms":  lastPongAge,
		"dropped_outbound":  d.droppedOut,
		"rtt_median_ms":     median,
		"rtt_p95_ms":        p95,
		"recent_events":     d.recentEvents,
	}
}

func rttPercentiles(rtts []time.Duration) (median, p95 float64) {
	if len(rtts) == 0 {
		return 0, 0
	}
	sorted := append([]time.Duration(nil), rtts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median = float64(sorted[len(sorted)/2].Milliseconds())
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	p95 = float64(sorted[idx].Milliseconds())
	return median, p95
}

func toWS(u string) string {
	if len(u) >= 5 && u[:5] == "https" {
		return "wss" + u[5:]
	}
	if len(u) >= 4 && u[:4] == "http" {
		return "ws" + u[4:]
	}
	return u
}
