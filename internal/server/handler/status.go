package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/exitguard/internal/engine"
)

// StatusHandler reports engine state and the active, redacted configuration.
type StatusHandler struct {
	engine Engine
	mode   string
	config any
}

// NewStatusHandler creates a StatusHandler. config is rendered as-is, so the
// caller passes an already redacted copy.
func NewStatusHandler(eng Engine, mode string, config any) *StatusHandler {
	return &StatusHandler{engine: eng, mode: mode, config: config}
}

type statusResponse struct {
	Mode          string        `json:"mode"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Engine        engine.Status `json:"engine"`
	Config        any           `json:"config,omitempty"`
}

// GetStatus returns the engine status.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	st := h.engine.Status()
	var uptime int64
	if st.Running && !st.StartedAt.IsZero() {
		uptime = int64(time.Since(st.StartedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Mode:          h.mode,
		UptimeSeconds: uptime,
		Engine:        st,
		Config:        h.config,
	})
}
