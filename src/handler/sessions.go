package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sctl/src/apierr"
	"sctl/src/session"
)

// SessionsHandler serves the REST projections of the WS session
// operations: list, kill, rename/allow_ai, and signal.
type SessionsHandler struct {
	*BaseHandler
	sessions *session.Manager
}

func NewSessionsHandler(sessions *session.Manager) *SessionsHandler {
	return &SessionsHandler{BaseHandler: NewBaseHandler(), sessions: sessions}
}

type sessionView struct {
	SessionID       string `json:"session_id"`
	Name            string `json:"name"`
	PID             int    `json:"pid"`
	PTY             bool   `json:"pty"`
	Persistent      bool   `json:"persistent"`
	WorkingDir      string `json:"working_dir"`
	Shell           string `json:"shell"`
	Rows            uint16 `json:"rows"`
	Cols            uint16 `json:"cols"`
	Status          string `json:"status"`
	ExitCode        *int   `json:"exit_code"`
	IdleTimeoutSecs int    `json:"idle_timeout_secs"`
	Idle            bool   `json:"idle"`
	UserAllowsAI    bool   `json:"user_allows_ai"`
	AIIsWorking     bool   `json:"ai_is_working"`
	AIActivity      string `json:"ai_activity,omitempty"`
	AIStatusMessage string `json:"ai_status_message,omitempty"`
}

func toView(info session.Info) sessionView {
	return sessionView{
		SessionID:       info.ID,
		Name:            info.Name,
		PID:             info.PID,
		PTY:             info.PTY,
		Persistent:      info.Persistent,
		WorkingDir:      info.WorkingDir,
		Shell:           info.Shell,
		Rows:            info.Rows,
		Cols:            info.Cols,
		Status:          info.Status,
		ExitCode:        info.ExitCode,
		IdleTimeoutSecs: info.IdleTimeoutSecs,
		Idle:            info.Idle,
		UserAllowsAI:    info.UserAllowsAI,
		AIIsWorking:     info.AIIsWorking,
		AIActivity:      info.AIActivity,
		AIStatusMessage: info.AIStatusMessage,
	}
}

// HandleList handles GET /api/sessions.
func (h *SessionsHandler) HandleList(c *gin.Context) {
	infos := h.sessions.List()
	views := make([]sessionView, len(infos))
	for i, info := range infos {
		views[i] = toView(info)
	}
	h.SendJSON(c, http.StatusOK, gin.H{"sessions": views})
}

// HandleKill handles DELETE /api/sessions/{id}.
func (h *SessionsHandler) HandleKill(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendProblem(c, apierr.New(apierr.InvalidRequest, err.Error()))
		return
	}
	if err := h.sessions.Kill(id); err != nil {
		h.SendProblem(c, err)
		return
	}
	h.SendSuccess(c, "session killed")
}

// sessionPatchRequest is the body of PATCH /api/sessions/{id}. Fields
// are applied independently when present.
type sessionPatchRequest struct {
	Name            *string `json:"name,omitempty"`
	UserAllowsAI    *bool   `json:"user_allows_ai,omitempty"`
	AIIsWorking     *bool   `json:"ai_is_working,omitempty"`
	AIActivity      string  `json:"ai_activity,omitempty"`
	AIStatusMessage string  `json:"ai_status_message,omitempty"`
}

// HandlePatch handles PATCH /api/sessions/{id}.
func (h *SessionsHandler) HandlePatch(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendProblem(c, apierr.New(apierr.InvalidRequest, err.Error()))
		return
	}

	var req sessionPatchRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendProblem(c, apierr.New(apierr.InvalidRequest, err.Error()))
		return
	}

	if req.Name != nil {
		if err := h.sessions.Rename(id, *req.Name); err != nil {
			h.SendProblem(c, err)
			return
		}
	}
	if req.UserAllowsAI != nil {
		if err := h.sessions.SetAIPermission(id, *req.UserAllowsAI); err != nil {
			h.SendProblem(c, err)
			return
		}
	}
	if req.AIIsWorking != nil {
		if err := h.sessions.SetAIStatus(id, *req.AIIsWorking, req.AIActivity, req.AIStatusMessage); err != nil {
			h.SendProblem(c, err)
			return
		}
	}

	s, err := h.sessions.Get(id)
	if err != nil {
		h.SendProblem(c, err)
		return
	}
	h.SendJSON(c, http.StatusOK, toView(s.Snapshot()))
}

// signalRequest is the body of POST /api/sessions/{id}/signal.
type signalRequest struct {
	Signal int `json:"signal" binding:"required"`
}

// HandleSignal handles POST /api/sessions/{id}/signal.
func (h *SessionsHandler) HandleSignal(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendProblem(c, apierr.New(apierr.InvalidRequest, err.Error()))
		return
	}
	var req signalRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendProblem(c, apierr.New(apierr.InvalidRequest, err.Error()))
		return
	}
	if err := h.sessions.Signal(id, req.Signal); err != nil {
		h.SendProblem(c, err)
		return
	}
	h.SendSuccess(c, "signal sent")
}
