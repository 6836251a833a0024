package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"sctl/src/session"
)

func newSessionsRouter(m *session.Manager) *gin.Engine {
	h := NewSessionsHandler(m)
	r := gin.New()
	r.GET("/api/sessions", h.HandleList)
	r.DELETE("/api/sessions/:id", h.HandleKill)
	r.PATCH("/api/sessions/:id", h.HandlePatch)
	r.POST("/api/sessions/:id/signal", h.HandleSignal)
	return r
}

func TestHandleListReturnsStartedSessions(t *testing.T) {
	m := session.NewManager(4, 64, nil)
	defer m.Stop()

	s, err := m.Start(session.CreateOptions{Shell: "/bin/sh", Persistent: true})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Kill(s.ID)

	r := newSessionsRouter(m)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}

	var out struct {
		Sessions []sessionView `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if len(out.Sessions) != 1 || out.Sessions[0].SessionID != s.ID {
		t.Errorf("unexpected sessions list: %+v", out.Sessions)
	}
}

func TestHandleKillRemovesSession(t *testing.T) {
	m := session.NewManager(4, 64, nil)
	defer m.Stop()

	s, err := m.Start(session.CreateOptions{Shell: "/bin/sh", Persistent: true})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	r := newSessionsRouter(m)
	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/"+s.ID, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	if _, err := m.Get(s.ID); err == nil {
		t.Error("expected session to be gone after kill")
	}
}

func TestHandleKillUnknownSessionReturnsNotFound(t *testing.T) {
	m := session.NewManager(4, 64, nil)
	defer m.Stop()

	r := newSessionsRouter(m)
	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/does-not-exist", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404; body=%s", w.Code, w.Body.String())
	}
}

func TestHandlePatchRenamesAndSetsAIState(t *testing.T) {
	m := session.NewManager(4, 64, nil)
	defer m.Stop()

	s, err := m.Start(session.CreateOptions{Shell: "/bin/sh", Persistent: true})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Kill(s.ID)

	name := "renamed-session"
	allows := false
	body, _ := json.Marshal(sessionPatchRequest{Name: &name, UserAllowsAI: &allows})

	r := newSessionsRouter(m)
	req := httptest.NewRequest(http.MethodPatch, "/api/sessions/"+s.ID, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}

	var view sessionView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if view.Name != name {
		t.Errorf("Name = %q, want %q", view.Name, name)
	}
	if view.UserAllowsAI {
		t.Error("UserAllowsAI should be false after patch")
	}
}

func TestHandleSignalRequiresSignalField(t *testing.T) {
	m := session.NewManager(4, 64, nil)
	defer m.Stop()

	s, err := m.Start(session.CreateOptions{Shell: "/bin/sh", Persistent: true})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Kill(s.ID)

	r := newSessionsRouter(m)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+s.ID+"/signal", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing signal; body=%s", w.Code, w.Body.String())
	}
}

func TestHandleSignalSendsSignalToProcess(t *testing.T) {
	m := session.NewManager(4, 64, nil)
	defer m.Stop()

	s, err := m.Start(session.CreateOptions{Shell: "/bin/sh", Command: "sleep 5", Persistent: true})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Kill(s.ID)

	body, _ := json.Marshal(signalRequest{Signal: 15})

	r := newSessionsRouter(m)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+s.ID+"/signal", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
}
