package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/exitguard/internal/domain"
	"github.com/alanyoungcy/exitguard/internal/executor"
)

// PositionHandler serves the per-position view: the latest decision for every
// evaluated position and, when a store is attached, its event history.
type PositionHandler struct {
	engine Engine
	events domain.ExitEventStore
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler. events may be nil.
func NewPositionHandler(eng Engine, events domain.ExitEventStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{engine: eng, events: events, logger: logger}
}

type listPositionsResponse struct {
	Positions    []domain.Decision      `json:"positions"`
	Reservations []executor.Reservation `json:"reservations"`
}

// ListPositions returns the latest decision per position.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, _ *http.Request) {
	resp := listPositionsResponse{
		Positions:    h.engine.Decisions(),
		Reservations: h.engine.Status().Reservations,
	}
	if resp.Positions == nil {
		resp.Positions = []domain.Decision{}
	}
	if resp.Reservations == nil {
		resp.Reservations = []executor.Reservation{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPositionEvents returns the stored event history of one position.
// GET /api/positions/{id}/events
func (h *PositionHandler) ListPositionEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotFound, "event store not configured")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	evs, err := h.events.ListByPosition(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list position events failed",
			slog.Int64("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if evs == nil {
		evs = []domain.ExitEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"position_id": id, "events": evs})
}

// ListRecentEvents returns the newest stored events.
// GET /api/events?limit=&offset=
func (h *PositionHandler) ListRecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotFound, "event store not configured")
		return
	}
	evs, err := h.events.ListRecent(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list recent events failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if evs == nil {
		evs = []domain.ExitEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}
