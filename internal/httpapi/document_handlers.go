package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"inksign.org/internal/document"
)

func (a *API) handleDocumentsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.uploadDocument(w, r)
	case http.MethodGet:
		a.listDocuments(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleDocumentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/documents/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, sub, _ := strings.Cut(path, "/")

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.getDocument(w, r, id)
		case http.MethodDelete:
			a.deleteDocument(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
	case "content":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.documentContent(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// uploadDocument accepts the raw PDF body; the filename travels in the
// X-Document-Name header.
func (a *API) uploadDocument(w http.ResponseWriter, r *http.Request) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	name := strings.TrimSpace(r.Header.Get("X-Document-Name"))
	contentType := r.Header.Get("Content-Type")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, document.MaxSize+1))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "document exceeds size limit")
		return
	}
	meta, err := a.documents.Register(r.Context(), name, contentType, sender, body)
	if err != nil {
		handleDocumentError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/documents/"+meta.ID)
	writeJSON(w, http.StatusCreated, meta)
}

func (a *API) listDocuments(w http.ResponseWriter, r *http.Request) {
	sender, ok := a.senderID(w, r)
	if !ok {
		return
	}
	docs, err := a.documents.List(r.Context(), sender)
	if err != nil {
		handleDocumentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": docs})
}

func (a *API) getDocument(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.senderID(w, r); !ok {
		return
	}
	meta, err := a.documents.Get(r.Context(), id)
	if err != nil {
		handleDocumentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) documentContent(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.senderID(w, r); !ok {
		return
	}
	meta, err := a.documents.Get(r.Context(), id)
	if err != nil {
		handleDocumentError(w, r, err)
		return
	}
	data, err := a.documents.Content(r.Context(), id)
	if err != nil {
		handleDocumentError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", meta.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *API) deleteDocument(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.senderID(w, r); !ok {
		return
	}
	if err := a.documents.Delete(r.Context(), id); err != nil {
		handleDocumentError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleDocumentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, document.ErrInvalid), errors.Is(err, document.ErrBadContent):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, document.ErrTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, document.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, document.ErrInUse):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
