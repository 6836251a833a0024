package handler

import (
	"github.com/gin-gonic/gin"

	"sctl/src/tunnel"
)

// TunnelHandler adapts a tunnel.Relay onto gin routes.
type TunnelHandler struct {
	*BaseHandler
	relay *tunnel.Relay
}

func NewTunnelHandler(relay *tunnel.Relay) *TunnelHandler {
	return &TunnelHandler{BaseHandler: NewBaseHandler(), relay: relay}
}

// HandleRegister handles GET /api/tunnel/register?serial=<s>, the
// device-side control connection upgrade.
func (h *TunnelHandler) HandleRegister(c *gin.Context) {
	if err := h.relay.HandleRegister(c.Request, c.Writer); err != nil {
		// HandleRegister has already written the HTTP error, if any.
		return
	}
}

// HandleProxy handles /d/:serial/*rest, proxying both plain HTTP and
// WebSocket-upgrade requests onto the registered device.
func (h *TunnelHandler) HandleProxy(c *gin.Context) {
	serial := c.Param("serial")
	rest := c.Param("rest")
	if len(rest) > 0 && rest[0] == '/' {
		rest = rest[1:]
	}
	h.relay.HandleProxy(serial, rest, c.Writer, c.Request)
}
