package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"sctl/src/session"
)

// Version is set via ldflags at build time.
var Version = "dev"

var startTime = time.Now()

// TunnelHealthProvider is the subset of the reverse tunnel's counters
// surfaced on /api/health. Implemented by src/tunnel; kept as an
// interface here to avoid a handler -> tunnel import cycle.
type TunnelHealthProvider interface {
	Health() map[string]any
}

// SystemHandler handles system-level operations.
type SystemHandler struct {
	*BaseHandler
	sessions *session.Manager
	tunnel   TunnelHealthProvider
}

// NewSystemHandler creates a new system handler. tunnel may be nil
// when the daemon is running in neither device nor relay mode.
func NewSystemHandler(sessions *session.Manager, tunnel TunnelHealthProvider) *SystemHandler {
	return &SystemHandler{
		BaseHandler: NewBaseHandler(),
		sessions:    sessions,
		tunnel:      tunnel,
	}
}

// HealthResponse is the response body for GET /api/health.
type HealthResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds float64        `json:"uptime_secs"`
	Version       string         `json:"version"`
	Sessions      int            `json:"sessions"`
	GoVersion     string         `json:"go_version"`
	OS            string         `json:"os"`
	Arch          string         `json:"arch"`
	Tunnel        map[string]any `json:"tunnel,omitempty"`
}

// HandleHealth handles GET /api/health. It requires no auth.
func (h *SystemHandler) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(startTime).Seconds(),
		Version:       Version,
		Sessions:      len(h.sessions.List()),
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
	}
	if h.tunnel != nil {
		resp.Tunnel = h.tunnel.Health()
	}
	h.SendJSON(c, http.StatusOK, resp)
}
