package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sctl/src/activity"
	"sctl/src/apierr"
)

const sweepInterval = 30 * time.Second

// Broadcaster is how the Manager notifies every connected WS
// connection of lifecycle and AI status events. Implemented by the
// wsapi package's connection registry; kept as an interface here to
// avoid an import cycle between session and wsapi.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Manager is the process-wide session registry.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	bufferSize  int
	broadcaster Broadcaster
	recorder    activity.Recorder
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewManager constructs a Manager. bcast may be nil until the WS
// layer is wired up; broadcasts are then no-ops. Every lifecycle event
// is also handed to a LogRecorder until SetRecorder overrides it.
func NewManager(maxSessions, bufferSize int, bcast Broadcaster) *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		bufferSize:  bufferSize,
		broadcaster: bcast,
		recorder:    activity.NewLogRecorder(),
		stopCh:      make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// SetBroadcaster wires the WS connection registry in after both sides
// have been constructed.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	m.broadcaster = b
	m.mu.Unlock()
}

// SetRecorder replaces the default log recorder with a
// persistence-backed one.
func (m *Manager) SetRecorder(r activity.Recorder) {
	m.mu.Lock()
	m.recorder = r
	m.mu.Unlock()
}

func (m *Manager) broadcast(event string, payload any) {
	m.mu.RLock()
	b := m.broadcaster
	r := m.recorder
	m.mu.RUnlock()
	if b != nil {
		b.Broadcast(event, payload)
	}
	if r != nil {
		var sessionID string
		if m, ok := payload.(map[string]any); ok {
			sessionID, _ = m["session_id"].(string)
		}
		r.Record(activity.Event{Kind: event, SessionID: sessionID, At: time.Now()})
	}
}

// Start performs the capacity check and insert atomically under a
// single write lock.
func (m *Manager) Start(opts CreateOptions) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, apierr.New(apierr.SessionLimit, "max_sessions reached")
	}

	sess, err := newSession(opts, m.bufferSize)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.broadcast("session.created", sessionCreatedPayload(sess))
	return sess, nil
}

func sessionCreatedPayload(s *Session) map[string]any {
	info := s.Snapshot()
	return map[string]any{
		"session_id": info.ID,
		"pid":        info.PID,
		"pty":        info.PTY,
		"persistent": info.Persistent,
		"name":       info.Name,
	}
}

// Get returns the session by id, or session_not_found.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apierr.New(apierr.SessionNotFound, "no such session: "+id)
	}
	return s, nil
}

// List returns a snapshot of every registered session.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Kill destroys a session explicitly.
func (m *Manager) Kill(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	m.destroy(s, "killed")
	return nil
}

// destroy tears the session down, removes it from the registry, and
// broadcasts session.destroyed.
func (m *Manager) destroy(s *Session, reason string) {
	s.Destroy(reason)

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	m.broadcast("session.destroyed", map[string]any{
		"session_id": s.ID,
		"reason":     reason,
	})
}

// Attach delegates to the target session.
func (m *Manager) Attach(id string, sinceSeq uint64) (*Session, *Subscriber, []Entry, uint64, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	sub, entries, dropped := s.Attach(sinceSeq)
	return s, sub, entries, dropped, nil
}

// Detach removes ws's subscription; if the session is non-persistent
// and now has no attached clients, it is destroyed.
func (m *Manager) Detach(s *Session, sub *Subscriber) {
	s.Detach(sub)
	if !s.Persistent() && s.AttachedCount() == 0 {
		m.destroy(s, "creator_disconnected")
	}
}

// DestroyIfNonPersistent is called when the connection that created
// a session disconnects outright, whether or not it had an active
// attach; persistent sessions are left running.
func (m *Manager) DestroyIfNonPersistent(s *Session) {
	if !s.Persistent() {
		m.destroy(s, "creator_disconnected")
	}
}

// Rename, SetAIPermission, SetAIStatus: mutate + broadcast.
func (m *Manager) Rename(id, name string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Rename(name)
	m.broadcast("session.renamed", map[string]any{"session_id": id, "name": name})
	return nil
}

func (m *Manager) SetAIPermission(id string, allowed bool) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.SetAIPermission(allowed)
	m.broadcast("session.ai_permission_changed", map[string]any{"session_id": id, "allowed": allowed})
	return nil
}

func (m *Manager) SetAIStatus(id string, working bool, activity, message string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.SetAIStatus(working, activity, message)
	m.broadcast("session.ai_status_changed", map[string]any{
		"session_id": id,
		"working":    working,
		"activity":   activity,
		"message":    message,
	})
	return nil
}

// Signal, Resize, Exec, Stdin delegate directly to the Session.
func (m *Manager) Signal(id string, signum int) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Signal(signum)
}

func (m *Manager) Resize(id string, rows, cols uint16) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Resize(rows, cols)
}

func (m *Manager) Exec(id, command string, callerIsAI bool) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Exec(command, callerIsAI)
}

func (m *Manager) Stdin(id string, data []byte, callerIsAI bool) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Stdin(data, callerIsAI)
}

// sweepLoop runs the 30s idle-timeout reaper.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.RLock()
	candidates := make([]*Session, 0)
	for _, s := range m.sessions {
		if s.idleEligible(now) {
			candidates = append(candidates, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range candidates {
		logrus.Infof("session %s: idle timeout reached, reaping", s.ID)
		m.destroy(s, "idle_timeout")
	}
}

// Stop halts the idle sweep (used in tests and orderly shutdown).
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
