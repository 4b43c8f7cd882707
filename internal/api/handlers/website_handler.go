package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/botforge/internal/models"
	"github.com/markdave123-py/botforge/internal/services"
)

type WebsiteHandler struct {
	websites *services.WebsiteService
}

func NewWebsiteHandler(websites *services.WebsiteService) *WebsiteHandler {
	return &WebsiteHandler{websites: websites}
}

type addWebsiteRequest struct {
	URL string `json:"url"`
}

func (h *WebsiteHandler) AddWebsite(w http.ResponseWriter, r *http.Request) {
	var req addWebsiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid body", services.ErrInvalidRequest))
		return
	}

	site, job, err := h.websites.Add(r.Context(), chi.URLParam(r, "botID"), req.URL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sourceResponse[*models.Website]{Source: site, Job: job})
}

func (h *WebsiteHandler) GetWebsite(w http.ResponseWriter, r *http.Request) {
	site, err := h.websites.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}
