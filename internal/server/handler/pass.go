package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/exitguard/internal/domain"
	"github.com/alanyoungcy/exitguard/internal/engine"
)

// PassHandler lets an operator force an evaluation pass.
type PassHandler struct {
	engine Engine
	logger *slog.Logger
}

// NewPassHandler creates a PassHandler.
func NewPassHandler(eng Engine, logger *slog.Logger) *PassHandler {
	return &PassHandler{engine: eng, logger: logger}
}

// TriggerPass runs a pass and returns its summary. When another pass is in
// flight the request is coalesced into it and 202 is returned.
// POST /api/pass
func (h *PassHandler) TriggerPass(w http.ResponseWriter, r *http.Request) {
	if !h.engine.Running() {
		writeError(w, http.StatusConflict, domain.ErrEngineStopped.Error())
		return
	}
	res, ran := h.engine.RunPass(r.Context(), engine.TriggerManual)
	if !ran {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "coalesced"})
		return
	}
	h.logger.InfoContext(r.Context(), "manual pass",
		slog.String("pass_id", res.ID),
		slog.Int("triggered", res.Triggered),
	)
	writeJSON(w, http.StatusOK, res)
}
