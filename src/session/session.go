// Package session implements the session engine: PTY-backed (or
// pipe-backed) child processes wrapped with identity, a ring-buffered
// output journal, attach/detach fanout, the AI permission/status
// state machine, and idle-timeout sweeping.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sctl/src/handler/constants"
)

// Subscriber is a WS Connection's handle onto a Session's live output.
// Dropped counts entries skipped for this subscriber alone when its
// queue was full — the ring itself is never affected.
type Subscriber struct {
	Out     chan Entry
	Dropped atomic.Uint64
	id      uint64
}

const outboundQueueSize = 256

// CreateOptions are the inputs to Start.
type CreateOptions struct {
	Name            string
	Shell           string
	Command         string
	WorkingDir      string
	Env             map[string]string
	Rows, Cols      uint16
	PTY             bool
	Persistent      bool
	IdleTimeoutSecs int
}

// Session wraps one PTY Process with identity, output buffering, and
// AI gate state.
type Session struct {
	ID         string
	mu         sync.RWMutex
	name       string
	proc       *Process
	pty        bool
	persistent bool
	workingDir string
	shell      string
	envOverlay map[string]string
	rows, cols uint16

	status   string
	exitCode *int

	createdAt      time.Time
	lastActivityAt time.Time
	idleTimeout    time.Duration

	ring *ring

	subMu     sync.RWMutex
	attached  map[*Subscriber]struct{}
	nextSubID uint64

	userAllowsAI    bool
	aiIsWorking     bool
	aiActivity      string
	aiStatusMessage string

	destroyOnce   sync.Once
	destroyedCh   chan struct{}
	destroyReason string
}

// newSession spawns the child process and starts its reader/waiter
// goroutines. bufferSize sets the ring capacity.
func newSession(opts CreateOptions, bufferSize int) (*Session, error) {
	proc, err := Spawn(SpawnOptions{
		Shell:      opts.Shell,
		Command:    opts.Command,
		Env:        opts.Env,
		WorkingDir: opts.WorkingDir,
		Rows:       opts.Rows,
		Cols:       opts.Cols,
		PTY:        opts.PTY,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:              uuid.NewString(),
		name:            opts.Name,
		proc:            proc,
		pty:             opts.PTY,
		persistent:      opts.Persistent,
		workingDir:      opts.WorkingDir,
		shell:           opts.Shell,
		envOverlay:      opts.Env,
		rows:            opts.Rows,
		cols:            opts.Cols,
		status:          constants.SessionStatusRunning,
		createdAt:       now,
		lastActivityAt:  now,
		idleTimeout:     time.Duration(opts.IdleTimeoutSecs) * time.Second,
		ring:            newRing(bufferSize),
		attached:        make(map[*Subscriber]struct{}),
		userAllowsAI:    true,
		destroyedCh:     make(chan struct{}),
	}

	s.appendSystem("session started as pid " + itoa(proc.PID()) + "\n")
	go func() {
		s.readLoop()
		s.waitLoop()
	}()
	return s, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// readLoop is the single reader task that owns the PTY master (or the
// stdout/stderr pipes).
func (s *Session) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("session %s: readLoop panic: %v", s.ID, r)
		}
	}()

	if s.pty {
		s.pumpStream(s.proc.Read, constants.StreamStdout)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pumpStream(s.proc.StdoutPipe().Read, constants.StreamStdout)
	}()
	go func() {
		defer wg.Done()
		s.pumpStream(s.proc.StderrPipe().Read, constants.StreamStderr)
	}()
	wg.Wait()
}

func (s *Session) pumpStream(read func([]byte) (int, error), stream string) {
	buf := make([]byte, 8*1024)
	for {
		n, err := read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.appendAndBroadcast(stream, data)
		}
		if err != nil {
			return
		}
	}
}

// waitLoop awaits the child's exit status and records it once the
// reader has observed EOF and the process table reaps the child.
func (s *Session) waitLoop() {
	<-s.proc.Done()
	code := s.proc.ExitCode()

	s.mu.Lock()
	s.status = constants.SessionStatusExited
	s.exitCode = code
	s.mu.Unlock()

	msg := "process exited\n"
	if code != nil {
		msg = "process exited with status " + itoa(*code) + "\n"
	}
	s.appendAndBroadcast(constants.StreamSystem, []byte(msg))
}

func (s *Session) appendSystem(msg string) {
	s.appendAndBroadcast(constants.StreamSystem, []byte(msg))
}

// appendAndBroadcast appends to the ring and fans out non-blockingly
// to every attached subscriber.
func (s *Session) appendAndBroadcast(stream string, data []byte) {
	e := s.ring.append(stream, data, time.Now().UnixMilli())

	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()

	s.subMu.RLock()
	for sub := range s.attached {
		select {
		case sub.Out <- e:
		default:
			sub.Dropped.Add(1)
		}
	}
	s.subMu.RUnlock()
}

// Attach adds ws's subscriber to the attached set and returns the
// backlog since sinceSeq plus a dropped count, atomically.
func (s *Session) Attach(sinceSeq uint64) (*Subscriber, []Entry, uint64) {
	sub := &Subscriber{Out: make(chan Entry, outboundQueueSize)}
	s.subMu.Lock()
	entries, dropped := s.ring.since(sinceSeq)
	s.nextSubID++
	sub.id = s.nextSubID
	s.attached[sub] = struct{}{}
	s.subMu.Unlock()

	return sub, entries, dropped
}

// Detach removes sub from the attached set. If the session is
// non-persistent and becomes unattached, the caller (Manager) is
// responsible for destroying it.
func (s *Session) Detach(sub *Subscriber) {
	s.subMu.Lock()
	delete(s.attached, sub)
	s.subMu.Unlock()
}

// AttachedCount reports how many connections are currently attached.
func (s *Session) AttachedCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.attached)
}

// Persistent reports whether the session survives its creator's
// disconnect.
func (s *Session) Persistent() bool { return s.persistent }

// Info is an immutable+snapshot view for listing/responses.
type Info struct {
	ID              string
	Name            string
	PID             int
	PTY             bool
	Persistent      bool
	WorkingDir      string
	Shell           string
	Rows, Cols      uint16
	Status          string
	ExitCode        *int
	CreatedAt       time.Time
	LastActivityAt  time.Time
	IdleTimeoutSecs int
	Idle            bool
	UserAllowsAI    bool
	AIIsWorking     bool
	AIActivity      string
	AIStatusMessage string
}

// Snapshot returns a consistent point-in-time view of the session.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idle := false
	if s.idleTimeout > 0 && s.AttachedCount() == 0 {
		idle = time.Since(s.lastActivityAt) >= s.idleTimeout/2
	}

	return Info{
		ID:              s.ID,
		Name:            s.name,
		PID:             s.proc.PID(),
		PTY:             s.pty,
		Persistent:      s.persistent,
		WorkingDir:      s.workingDir,
		Shell:           s.shell,
		Rows:            s.rows,
		Cols:            s.cols,
		Status:          s.status,
		ExitCode:        s.exitCode,
		CreatedAt:       s.createdAt,
		LastActivityAt:  s.lastActivityAt,
		IdleTimeoutSecs: int(s.idleTimeout / time.Second),
		Idle:            idle,
		UserAllowsAI:    s.userAllowsAI,
		AIIsWorking:     s.aiIsWorking,
		AIActivity:      s.aiActivity,
		AIStatusMessage: s.aiStatusMessage,
	}
}

// gateExec reports whether an AI-attributed exec call should be
// dropped: an AI caller may not start a new command while a previous
// one it started is still marked as working.
func (s *Session) gateExec(callerIsAI bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return callerIsAI && s.aiIsWorking
}

func (s *Session) gateStdin(callerIsAI bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if callerIsAI && s.aiIsWorking {
		return true
	}
	if callerIsAI && !s.userAllowsAI {
		return true
	}
	return false
}

// Exec writes command+"\n" to the child, subject to the AI gate.
func (s *Session) Exec(command string, callerIsAI bool) error {
	if s.gateExec(callerIsAI) {
		return nil
	}
	_, err := s.proc.Write([]byte(command + "\n"))
	return err
}

// Stdin writes raw bytes to the child, subject to the AI gate.
func (s *Session) Stdin(data []byte, callerIsAI bool) error {
	if s.gateStdin(callerIsAI) {
		return nil
	}
	_, err := s.proc.Write(data)
	return err
}

// Resize changes the PTY dimensions.
func (s *Session) Resize(rows, cols uint16) error {
	if err := s.proc.Resize(rows, cols); err != nil {
		return err
	}
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
	return nil
}

// Signal routes signum to the underlying process group.
func (s *Session) Signal(signum int) error {
	return s.proc.SignalGroup(signum)
}

// Rename mutates the display name.
func (s *Session) Rename(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Name returns the current display name.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// SetAIPermission mutates user_allows_ai.
func (s *Session) SetAIPermission(allowed bool) {
	s.mu.Lock()
	s.userAllowsAI = allowed
	s.mu.Unlock()
}

// SetAIStatus mutates ai_is_working/ai_activity/ai_status_message.
func (s *Session) SetAIStatus(working bool, activity, message string) {
	s.mu.Lock()
	s.aiIsWorking = working
	s.aiActivity = activity
	s.aiStatusMessage = message
	s.mu.Unlock()
}

// IsExited reports whether the child has been reaped.
func (s *Session) IsExited() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == constants.SessionStatusExited
}

// Exited returns a channel closed once the child has been reaped.
func (s *Session) Exited() <-chan struct{} { return s.proc.Done() }

// ExitCode returns the recorded exit code, if any.
func (s *Session) ExitCode() *int { return s.proc.ExitCode() }

// Destroyed returns a channel closed once Destroy has run.
func (s *Session) Destroyed() <-chan struct{} { return s.destroyedCh }

// DestroyReason returns the reason passed to Destroy, once it has run.
func (s *Session) DestroyReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destroyReason
}

// Destroy tears the session down: closes the PTY/pipes and signals
// the process group. Idempotent.
func (s *Session) Destroy(reason string) {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroyReason = reason
		s.mu.Unlock()

		s.proc.Close()
		close(s.destroyedCh)
	})
}

// idleEligible reports whether the sweep should reap this session now.
func (s *Session) idleEligible(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.idleTimeout <= 0 {
		return false
	}
	if s.AttachedCount() != 0 {
		return false
	}
	return now.Sub(s.lastActivityAt) >= s.idleTimeout
}
