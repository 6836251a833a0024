package session

import (
	"testing"
	"time"
)

type fakeBroadcaster struct {
	events []string
}

func (f *fakeBroadcaster) Broadcast(event string, payload any) {
	f.events = append(f.events, event)
}

func newTestManager(t *testing.T) (*Manager, *fakeBroadcaster) {
	t.Helper()
	b := &fakeBroadcaster{}
	m := NewManager(2, 64, b)
	t.Cleanup(m.Stop)
	return m, b
}

func TestStartAndGet(t *testing.T) {
	m, b := newTestManager(t)

	s, err := m.Start(CreateOptions{Shell: "/bin/sh", PTY: false, Persistent: true})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.destroy(s, "test cleanup")

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("Get() returned a different session")
	}

	found := false
	for _, e := range b.events {
		if e == "session.created" {
			found = true
		}
	}
	if !found {
		t.Error("expected session.created to be broadcast")
	}
}

func TestStartRespectsMaxSessions(t *testing.T) {
	m, _ := newTestManager(t)

	s1, err := m.Start(CreateOptions{Shell: "/bin/sh", Persistent: true})
	if err != nil {
		t.Fatalf("Start() #1 error: %v", err)
	}
	defer m.destroy(s1, "test cleanup")

	s2, err := m.Start(CreateOptions{Shell: "/bin/sh", Persistent: true})
	if err != nil {
		t.Fatalf("Start() #2 error: %v", err)
	}
	defer m.destroy(s2, "test cleanup")

	if _, err := m.Start(CreateOptions{Shell: "/bin/sh", Persistent: true}); err == nil {
		t.Fatal("Start() #3 expected session_limit error, got nil")
	}
}

func TestGetUnknownSessionNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Get("does-not-exist"); err == nil {
		t.Fatal("Get() expected session_not_found error, got nil")
	}
}

func TestKillDestroysAndBroadcasts(t *testing.T) {
	m, b := newTestManager(t)

	s, err := m.Start(CreateOptions{Shell: "/bin/sh", Persistent: true})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := m.Kill(s.ID); err != nil {
		t.Fatalf("Kill() error: %v", err)
	}

	if _, err := m.Get(s.ID); err == nil {
		t.Fatal("Get() after Kill() expected session_not_found, got nil")
	}

	found := false
	for _, e := range b.events {
		if e == "session.destroyed" {
			found = true
		}
	}
	if !found {
		t.Error("expected session.destroyed to be broadcast")
	}
}

func TestDetachDestroysNonPersistentWhenUnattached(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.Start(CreateOptions{Shell: "/bin/sh", Persistent: false})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	sub, _, _ := s.Attach(0)
	m.Detach(s, sub)

	if _, err := m.Get(s.ID); err == nil {
		t.Fatal("expected non-persistent session to be destroyed on last detach")
	}
}

func TestDetachKeepsPersistentSession(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.Start(CreateOptions{Shell: "/bin/sh", Persistent: true})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.destroy(s, "test cleanup")

	sub, _, _ := s.Attach(0)
	m.Detach(s, sub)

	if _, err := m.Get(s.ID); err != nil {
		t.Fatalf("expected persistent session to survive detach: %v", err)
	}
}

func TestRenameSetAIPermissionSetAIStatus(t *testing.T) {
	m, b := newTestManager(t)

	s, err := m.Start(CreateOptions{Shell: "/bin/sh", Persistent: true})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.destroy(s, "test cleanup")

	if err := m.Rename(s.ID, "new-name"); err != nil {
		t.Fatalf("Rename() error: %v", err)
	}
	if s.Name() != "new-name" {
		t.Errorf("Name() = %q, want new-name", s.Name())
	}

	if err := m.SetAIPermission(s.ID, false); err != nil {
		t.Fatalf("SetAIPermission() error: %v", err)
	}
	if err := m.SetAIStatus(s.ID, true, "write", "doing things"); err != nil {
		t.Fatalf("SetAIStatus() error: %v", err)
	}

	info := s.Snapshot()
	if info.UserAllowsAI {
		t.Error("UserAllowsAI should be false after SetAIPermission(false)")
	}
	if !info.AIIsWorking || info.AIActivity != "write" {
		t.Errorf("unexpected AI status snapshot: %+v", info)
	}

	wantEvents := []string{"session.renamed", "session.ai_permission_changed", "session.ai_status_changed"}
	for _, want := range wantEvents {
		found := false
		for _, e := range b.events {
			if e == want {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %s to be broadcast, got %v", want, b.events)
		}
	}
}

func TestExecGatedForAIWhileWorking(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.Start(CreateOptions{Shell: "/bin/sh", Persistent: true})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.destroy(s, "test cleanup")

	if err := m.SetAIStatus(s.ID, true, "write", ""); err != nil {
		t.Fatalf("SetAIStatus() error: %v", err)
	}

	// An AI-attributed exec while ai_is_working is already true must be
	// silently dropped, not errored.
	if err := m.Exec(s.ID, "echo hi", true); err != nil {
		t.Fatalf("Exec() unexpected error: %v", err)
	}
}

func TestSweepReapsIdleNonAttachedSession(t *testing.T) {
	m, b := newTestManager(t)

	s, err := m.Start(CreateOptions{Shell: "/bin/sh", Persistent: true, IdleTimeoutSecs: 1})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	s.mu.Lock()
	s.lastActivityAt = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	m.sweep()

	if _, err := m.Get(s.ID); err == nil {
		t.Fatal("expected idle session to be reaped by sweep()")
	}

	found := false
	for _, e := range b.events {
		if e == "session.destroyed" {
			found = true
		}
	}
	if !found {
		t.Error("expected session.destroyed to be broadcast after idle sweep")
	}
}
