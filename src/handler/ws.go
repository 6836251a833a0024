package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"sctl/src/session"
	"sctl/src/wsapi"
)

var errUnauthorized = errors.New("missing or invalid token")

// WSHandler upgrades GET /api/ws into a wsapi.Connection.
type WSHandler struct {
	*BaseHandler
	sessions *session.Manager
	registry *wsapi.Registry
	apiKey   string
}

func NewWSHandler(sessions *session.Manager, registry *wsapi.Registry, apiKey string) *WSHandler {
	return &WSHandler{
		BaseHandler: NewBaseHandler(),
		sessions:    sessions,
		registry:    registry,
		apiKey:      apiKey,
	}
}

// HandleWS handles GET /api/ws?token=<key>. A missing or mismatched
// token closes the socket before any frame is processed.
func (h *WSHandler) HandleWS(c *gin.Context) {
	token := h.GetQueryParam(c, "token", "")
	if !wsapi.CheckToken(token, h.apiKey) {
		h.SendError(c, 401, errUnauthorized)
		return
	}

	conn, err := wsapi.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Errorf("ws upgrade failed: %v", err)
		return
	}

	isAI := h.GetQueryParam(c, "client", "") == "ai"
	wsapi.New(conn, h.sessions, h.registry, isAI).Run()
}
