package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/botforge/internal/services"
)

type BotHandler struct {
	bots *services.BotService
}

func NewBotHandler(bots *services.BotService) *BotHandler {
	return &BotHandler{bots: bots}
}

func (h *BotHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	job, err := h.bots.Reindex(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// JobProgress reports one job's state for monitoring surfaces.
func (h *BotHandler) JobProgress(w http.ResponseWriter, r *http.Request) {
	prog, err := h.bots.JobProgress(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prog)
}
