// Package wsapi implements the per-client WebSocket message pump: frame
// decoding, dispatch onto the session manager, and an ordered,
// backpressured outbound pipeline.
package wsapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"sctl/src/session"
)

const outboundQueueCap = 512

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CheckToken compares token against want in constant time. The
// /api/ws upgrade is its only caller; the plain HTTP routes do no
// bearer-token check.
func CheckToken(token, want string) bool {
	if token == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

type queuedFrame struct {
	frame    outbound
	priority bool
}

// Connection is one client's WebSocket session: it owns the socket,
// the set of sessions it is attached to, and a single ordered
// outbound pipeline feeding the socket writer.
type Connection struct {
	conn *websocket.Conn
	mgr  *session.Manager
	isAI bool
	reg  *Registry

	mu          sync.Mutex
	queue       []queuedFrame
	notify      chan struct{}
	attachments map[string]*attachment
	created     map[string]bool

	writeMu sync.Mutex
	closed  bool
	doneCh  chan struct{}
}

type attachment struct {
	sess *session.Session
	sub  *session.Subscriber
	stop chan struct{}
}

// New wraps an already-upgraded socket. isAI marks frames originating
// from this connection as AI-attributed for the exec/stdin gate. reg
// may be nil, in which case this connection never receives lifecycle
// broadcasts triggered by other connections.
func New(conn *websocket.Conn, mgr *session.Manager, reg *Registry, isAI bool) *Connection {
	return &Connection{
		conn:        conn,
		mgr:         mgr,
		isAI:        isAI,
		reg:         reg,
		notify:      make(chan struct{}, 1),
		attachments: make(map[string]*attachment),
		created:     make(map[string]bool),
		doneCh:      make(chan struct{}),
	}
}

// Broadcast implements session.Broadcaster by enqueueing a flattened
// event frame; lifecycle broadcasts are never dropped under pressure.
func (c *Connection) Broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logrus.Errorf("wsapi: marshal broadcast %s: %v", event, err)
		return
	}
	c.enqueue(broadcastFrame{Type: event, Data: data}, true)
}

// enqueue adds frame to the outbound pipeline. Non-priority (plain
// output) frames are dropped from the head of the queue once it is
// full; priority frames (acks, errors, lifecycle) are never dropped.
func (c *Connection) enqueue(frame outbound, priority bool) {
	c.mu.Lock()
	if len(c.queue) >= outboundQueueCap {
		for i, qf := range c.queue {
			if !qf.priority {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
	}
	c.queue = append(c.queue, queuedFrame{frame: frame, priority: priority})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Connection) drain() []queuedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	return out
}

// Run pumps the connection until the socket closes: a writer
// goroutine drains the outbound queue while the calling goroutine
// reads and dispatches inbound frames.
func (c *Connection) Run() {
	defer c.conn.Close()

	if c.reg != nil {
		c.reg.add(c)
		defer c.reg.remove(c)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writerLoop()
	}()

	c.readerLoop()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.doneCh)

	select {
	case c.notify <- struct{}{}:
	default:
	}
	wg.Wait()

	c.onDisconnect()
}

func (c *Connection) writerLoop() {
	for {
		for _, qf := range c.drain() {
			c.writeMu.Lock()
			err := c.conn.WriteJSON(qf.frame)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		select {
		case <-c.notify:
		case <-c.doneCh:
			return
		}
	}
}

func (c *Connection) readerLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in inboundFrame
		if err := json.Unmarshal(raw, &in); err != nil {
			c.sendError("invalid_request", "malformed json frame", "", "")
			continue
		}
		c.dispatch(in)
	}
}

func (c *Connection) onDisconnect() {
	c.mu.Lock()
	attached := c.attachments
	c.attachments = nil
	createdIDs := make([]string, 0, len(c.created))
	for id := range c.created {
		createdIDs = append(createdIDs, id)
	}
	c.mu.Unlock()

	for _, a := range attached {
		close(a.stop)
		c.mgr.Detach(a.sess, a.sub)
	}
	for _, id := range createdIDs {
		if s, err := c.mgr.Get(id); err == nil {
			c.mgr.DestroyIfNonPersistent(s)
		}
	}
}

func (c *Connection) sendError(code, message, sessionID, requestID string) {
	c.enqueue(errorFrame{
		Type:      "error",
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		RequestID: requestID,
	}, true)
}

// listShells probes /etc/shells, falling back to a short built-in
// list if the file can't be read.
func listShells() ([]string, string) {
	def := os.Getenv("SHELL")
	if def == "" {
		def = "/bin/sh"
	}
	data, err := os.ReadFile("/etc/shells")
	if err != nil {
		return []string{"/bin/sh", "/bin/bash"}, def
	}
	var shells []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		shells = append(shells, line)
	}
	return shells, def
}

