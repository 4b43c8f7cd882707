package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/botforge/internal/models"
	"github.com/markdave123-py/botforge/internal/services"
)

// maxUploadSize bounds the multipart body of a document upload.
const maxUploadSize = 50 << 20

type DocumentHandler struct {
	documents *services.DocumentService
}

func NewDocumentHandler(documents *services.DocumentService) *DocumentHandler {
	return &DocumentHandler{documents: documents}
}

type sourceResponse[T any] struct {
	Source T                    `json:"source"`
	Job    *models.IngestionJob `json:"job,omitempty"`
}

// UploadDocument stores the multipart "file" field and queues its ingestion.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", services.ErrInvalidRequest, err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: missing file field", services.ErrInvalidRequest))
		return
	}
	defer file.Close()

	uploadCtx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	doc, job, err := h.documents.Upload(uploadCtx, chi.URLParam(r, "botID"), header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sourceResponse[*models.Document]{Source: doc, Job: job})
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.documents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
