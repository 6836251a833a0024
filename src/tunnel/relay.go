package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"sctl/src/activity"
	"sctl/src/apierr"
	"sctl/src/config"
)

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// deviceChannel is one registered device's control connection.
type deviceChannel struct {
	serial     string
	conn       *websocket.Conn
	writeMu    sync.Mutex
	lastPongAt time.Time
	registered time.Time

	mu       sync.Mutex
	pending  map[uint64]*pendingRequest
	wsPipes  map[uint64]*wsPipe
	nextID   uint64
}

type pendingRequest struct {
	status  int
	headers map[string][]string
	body    []byte
	done    chan struct{}
	errMsg  string
	ended   bool
}

type wsPipe struct {
	toClient chan []byte
	closed   chan struct{}
	once     sync.Once
}

func (p *wsPipe) close() {
	p.once.Do(func() { close(p.closed) })
}

// Relay is the server side of the tunnel: it accepts device control
// connections and proxies `/d/<serial>/...` traffic onto them.
type Relay struct {
	cfg      config.Tunnel
	recorder activity.Recorder

	mu      sync.RWMutex
	devices map[string]*deviceChannel

	statsMu      sync.Mutex
	reconnects   int
	messagesSent uint64
	messagesRecv uint64
	recentEvents []event
	startedAt    time.Time
}

func NewRelay(cfg config.Tunnel) *Relay {
	return &Relay{
		cfg:       cfg,
		recorder:  activity.NewLogRecorder(),
		devices:   make(map[string]*deviceChannel),
		startedAt: time.Now(),
	}
}

// SetRecorder replaces the default log recorder with a
// persistence-backed one.
func (r *Relay) SetRecorder(rec activity.Recorder) {
	r.statsMu.Lock()
	r.recorder = rec
	r.statsMu.Unlock()
}

// checkTunnelKey compares key against the configured tunnel_key in
// constant time, as device registration and the API key both require.
func (r *Relay) checkTunnelKey(key string) bool {
	return constantTimeEqual(key, r.cfg.TunnelKey)
}

// HandleRegister handles GET /api/tunnel/register?serial=<s>, upgrading
// to the device's control connection.
func (r *Relay) HandleRegister(c *http.Request, w http.ResponseWriter) error {
	auth := c.Header.Get("Authorization")
	const prefix = "Bearer "
	key := ""
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		key = auth[len(prefix):]
	}
	if !r.checkTunnelKey(key) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return fmt.Errorf("unauthorized tunnel register")
	}
	serial := c.URL.Query().Get("serial")
	if serial == "" {
		http.Error(w, "missing serial", http.StatusBadRequest)
		return fmt.Errorf("missing serial")
	}

	conn, err := relayUpgrader.Upgrade(w, c, nil)
	if err != nil {
		return err
	}

	dc := &deviceChannel{
		serial:     serial,
		conn:       conn,
		lastPongAt: time.Now(),
		registered: time.Now(),
		pending:    make(map[uint64]*pendingRequest),
		wsPipes:    make(map[uint64]*wsPipe),
	}

	r.mu.Lock()
	if old, ok := r.devices[serial]; ok {
		old.conn.Close()
	}
	r.devices[serial] = dc
	r.mu.Unlock()
	r.note(fmt.Sprintf("device %s registered", serial))

	conn.SetPongHandler(func(string) error {
		dc.lastPongAt = time.Now()
		return nil
	})

	go r.readLoop(dc)
	return nil
}

func (r *Relay) readLoop(dc *deviceChannel) {
	defer func() {
		r.mu.Lock()
		if r.devices[dc.serial] == dc {
			delete(r.devices, dc.serial)
		}
		r.mu.Unlock()
		r.drain(dc, fmt.Errorf("tunnel_disconnected"))
		dc.conn.Close()
		r.note(fmt.Sprintf("device %s disconnected", dc.serial))
	}()

	for {
		_, raw, err := dc.conn.ReadMessage()
		if err != nil {
			return
		}
		r.statsMu.Lock()
		r.messagesRecv++
		r.statsMu.Unlock()

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		switch f.Type {
		case frameHTTPResponse:
			r.onHTTPResponse(dc, f)
		case frameHTTPBodyChunk:
			r.onHTTPBodyChunk(dc, f)
		case frameHTTPEnd:
			r.onHTTPEnd(dc, f)
		case frameWSData:
			r.onWSData(dc, f)
		case frameWSClose:
			r.onWSClose(dc, f)
		}
	}
}

// drain completes every pending request and wsPipe on dc with err,
// used when the device's control connection closes mid-request.
func (r *Relay) drain(dc *deviceChannel, err error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for id, p := range dc.pending {
		p.errMsg = err.Error()
		p.ended = true
		close(p.done)
		delete(dc.pending, id)
	}
	for id, pipe := range dc.wsPipes {
		pipe.close()
		delete(dc.wsPipes, id)
	}
}

func (r *Relay) onHTTPResponse(dc *deviceChannel, f Frame) {
	dc.mu.Lock()
	p, ok := dc.pending[f.RequestID]
	dc.mu.Unlock()
	if !ok {
		return
	}
	p.status = f.StatusCode
	p.headers = f.Headers
	p.errMsg = f.Error
}

func (r *Relay) onHTTPBodyChunk(dc *deviceChannel, f Frame) {
	dc.mu.Lock()
	p, ok := dc.pending[f.RequestID]
	dc.mu.Unlock()
	if !ok {
		return
	}
	p.body = append(p.body, f.Body...)
}

func (r *Relay) onHTTPEnd(dc *deviceChannel, f Frame) {
	dc.mu.Lock()
	p, ok := dc.pending[f.RequestID]
	if ok {
		delete(dc.pending, f.RequestID)
	}
	dc.mu.Unlock()
	if !ok {
		return
	}
	p.ended = true
	close(p.done)
}

func (r *Relay) onWSData(dc *deviceChannel, f Frame) {
	dc.mu.Lock()
	pipe, ok := dc.wsPipes[f.RequestID]
	dc.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pipe.toClient <- f.Data:
	case <-pipe.closed:
	}
}

func (r *Relay) onWSClose(dc *deviceChannel, f Frame) {
	dc.mu.Lock()
	pipe, ok := dc.wsPipes[f.RequestID]
	if ok {
		delete(dc.wsPipes, f.RequestID)
	}
	dc.mu.Unlock()
	if ok {
		pipe.close()
	}
}

func (dc *deviceChannel) send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	return dc.conn.WriteMessage(websocket.TextMessage, data)
}

func (dc *deviceChannel) allocRequestID() uint64 {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.nextID++
	return dc.nextID
}

// HandleProxy serves /d/<serial>/<rest>. Websocket upgrades are
// detected from the request headers and handled by bridging frames
// through a ws_open/ws_data/ws_close exchange; plain requests are
// proxied as a single http_request/http_response round trip.
func (r *Relay) HandleProxy(serial, rest string, w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	dc, ok := r.devices[serial]
	r.mu.RUnlock()
	if !ok {
		writeProblem(w, apierr.New(apierr.TunnelDisconnected, "device not registered: "+serial))
		return
	}

	if websocket.IsWebSocketUpgrade(req) {
		r.proxyWS(dc, rest, w, req)
		return
	}
	r.proxyHTTP(dc, rest, w, req)
}

func (r *Relay) proxyHTTP(dc *deviceChannel, rest string, w http.ResponseWriter, req *http.Request) {
	body := readAll(req.Body)
	id := dc.allocRequestID()

	p := &pendingRequest{done: make(chan struct{})}
	dc.mu.Lock()
	dc.pending[id] = p
	dc.mu.Unlock()

	f := Frame{Type: frameHTTPRequest, RequestID: id, Method: req.Method, Path: "/" + rest, Headers: req.Header, Body: body}
	if err := dc.send(f); err != nil {
		dc.mu.Lock()
		delete(dc.pending, id)
		dc.mu.Unlock()
		writeProblem(w, apierr.New(apierr.TunnelDisconnected, "device write failed: "+err.Error()))
		return
	}
	r.statsMu.Lock()
	r.messagesSent++
	r.statsMu.Unlock()

	timeout := time.Duration(r.cfg.TunnelProxyTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-p.done:
		if p.errMsg != "" {
			writeProblem(w, apierr.New(apierr.TunnelDisconnected, p.errMsg))
			return
		}
		for k, vs := range p.headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		status := p.status
		if status == 0 {
			status = http.StatusBadGateway
		}
		w.WriteHeader(status)
		_, _ = w.Write(p.body)
	case <-time.After(timeout):
		dc.mu.Lock()
		delete(dc.pending, id)
		dc.mu.Unlock()
		writeProblem(w, apierr.New(apierr.Timeout, "tunnel proxy request timed out"))
	}
}

func (r *Relay) proxyWS(dc *deviceChannel, rest string, w http.ResponseWriter, req *http.Request) {
	conn, err := relayUpgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id := dc.allocRequestID()
	pipe := &wsPipe{toClient: make(chan []byte, 32), closed: make(chan struct{})}
	dc.mu.Lock()
	dc.wsPipes[id] = pipe
	dc.mu.Unlock()
	defer func() {
		dc.mu.Lock()
		delete(dc.wsPipes, id)
		dc.mu.Unlock()
		pipe.close()
	}()

	if err := dc.send(Frame{Type: frameWSOpen, RequestID: id, Path: "/" + rest, Headers: req.Header}); err != nil {
		return
	}

	go func() {
		for {
			select {
			case data, ok := <-pipe.toClient:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					pipe.close()
					return
				}
			case <-pipe.closed:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = dc.send(Frame{Type: frameWSClose, RequestID: id})
			return
		}
		if err := dc.send(Frame{Type: frameWSData, RequestID: id, Data: data}); err != nil {
			return
		}
		select {
		case <-pipe.closed:
			return
		default:
		}
	}
}

func (r *Relay) note(msg string) {
	r.statsMu.Lock()
	r.recentEvents = appendEvent(r.recentEvents, event{Time: time.Now().Format(time.RFC3339), Message: msg})
	rec := r.recorder
	r.statsMu.Unlock()
	if rec != nil {
		rec.Record(activity.Event{Kind: "tunnel", Detail: msg, At: time.Now()})
	}
}

// EvictStale closes any device channel whose last pong predates
// heartbeat_timeout_secs. Intended to run on a periodic ticker.
func (r *Relay) EvictStale(ctx context.Context) {
	interval := time.Duration(r.cfg.HeartbeatTimeoutSecs) * time.Second / 2
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
			timeout := time.Duration(r.cfg.HeartbeatTimeoutSecs) * time.Second
			now := time.Now()
			r.mu.Lock()
			for serial, dc := range r.devices {
				if now.Sub(dc.lastPongAt) > timeout {
					delete(r.devices, serial)
					dc.conn.Close()
					logrus.Warnf("tunnel relay: evicting stale device %s", serial)
				}
			}
			r.mu.Unlock()
		}
	}
}

// Health reports the relay-side counters surfaced through the
// daemon's health endpoint.
func (r *Relay) Health() map[string]any {
	r.mu.RLock()
	connected := len(r.devices)
	r.mu.RUnlock()

	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	return map[string]any{
		"connected":         connected > 0,
		"devices_connected": connected,
		"reconnects":        r.reconnects,
		"uptime_secs":       time.Since(r.startedAt).Seconds(),
		"messages_sent":     r.messagesSent,
		"messages_received": r.messagesRecv,
		"recent_events":     r.recentEvents,
	}
}
