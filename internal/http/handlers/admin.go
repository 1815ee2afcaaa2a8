package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/keyrelay/server/internal/distribution"
)

// AdminHandler handles operational endpoints
type AdminHandler struct {
	reaper *distribution.Reaper
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(reaper *distribution.Reaper) *AdminHandler {
	return &AdminHandler{reaper: reaper}
}

// sweepRequest is the request body for POST /admin/sweep
type sweepRequest struct {
	Days int `json:"days"`
}

// HandleSweep handles POST /admin/sweep: permanently delete users whose
// deletion schedule passed at least the given number of days ago.
func (h *AdminHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Days < 0 {
		respondWithError(w, http.StatusBadRequest, "days must be non-negative")
		return
	}

	report, err := h.reaper.Sweep(r.Context(), req.Days)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "sweep failed")
		return
	}

	respondJSON(w, http.StatusOK, report)
}
