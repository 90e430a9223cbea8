package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/docpipeline/internal/blobstore"
	"github.com/ashita-ai/docpipeline/internal/model"
	"github.com/ashita-ai/docpipeline/internal/queue"
	"github.com/ashita-ai/docpipeline/internal/storage"
)

// maxUploadBytes bounds the multipart body accepted by the upload endpoint.
const maxUploadBytes = 64 << 20 // 64 MiB

// Handlers holds the HTTP handler dependencies for the document pipeline API.
type Handlers struct {
	db        *storage.DB
	blobs     blobstore.Store
	publisher queue.Publisher
	logger    *slog.Logger
	startedAt time.Time
}

// HandlersDeps bundles the Handlers' collaborators.
type HandlersDeps struct {
	DB        *storage.DB
	Blobs     blobstore.Store
	Publisher queue.Publisher
	Logger    *slog.Logger
}

// NewHandlers builds a Handlers from its dependencies.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:        deps.DB,
		blobs:     deps.Blobs,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		startedAt: time.Now(),
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	})
}

// HandleUpload handles POST /api/documents/upload: a multipart upload that
// persists bytes to the blob store, a document record to the repository,
// and publishes a classify job.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		ve := model.NewValidationError()
		ve.Fields.Add(".file", "a file part named \"file\" is required")
		writeValidationError(w, ve)
		return
	}
	defer file.Close()

	if err := model.ValidateUploadFilename(header.Filename); err != nil {
		ve := model.NewValidationError()
		ve.Fields.Add(".file.filename", err.Error())
		writeValidationError(w, ve)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	metadata := parseMetadataForm(r)

	now := time.Now()
	id := uuid.New()
	key := blobstore.UploadKey(now, id, header.Filename)

	if err := h.blobs.Put(r.Context(), key, file); err != nil {
		h.writeInternalError(w, r, "persist uploaded bytes failed", err)
		return
	}

	doc, err := h.db.Insert(r.Context(), key, header.Filename, mimeType, header.Size, metadata)
	if err != nil {
		h.writeInternalError(w, r, "insert document failed", err)
		return
	}

	if err := h.publisher.Publish(r.Context(), model.DocumentMessage{
		DocumentID: doc.ID,
		Action:     model.ActionClassify,
	}); err != nil {
		h.logger.Warn("publish classify job failed, document left unclassified until a retry", "error", err, "document_id", doc.ID)
	}

	writeJSON(w, http.StatusOK, doc)
}

func parseMetadataForm(r *http.Request) map[string]string {
	metadata := map[string]string{}
	if r.MultipartForm == nil {
		return metadata
	}
	for key, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			metadata[key] = values[0]
		}
	}
	return metadata
}

// HandleList handles GET /api/documents.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ve := model.NewValidationError()

	limit := parseIntDefault(q.Get("limit"), 100)
	offset := parseIntDefault(q.Get("offset"), 0)
	model.ValidateLimit(ve, ".limit", limit)
	model.ValidateOffset(ve, ".offset", offset)
	if !ve.Empty() {
		writeValidationError(w, ve)
		return
	}

	docs, err := h.db.List(r.Context(), q.Get("classification"), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "list documents failed", err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// HandleSearch handles GET /api/documents/search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ve := model.NewValidationError()

	limit := parseIntDefault(q.Get("limit"), 100)
	model.ValidateLimit(ve, ".limit", limit)
	if !ve.Empty() {
		writeValidationError(w, ve)
		return
	}

	pairs := map[string]string{}
	const prefix = "metadata."
	for key, values := range q {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix && len(values) > 0 {
			pairs[key[len(prefix):]] = values[0]
		}
	}

	docs, err := h.db.SearchMetadata(r.Context(), pairs, limit)
	if err != nil {
		h.writeInternalError(w, r, "search documents failed", err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// HandleGet handles GET /api/documents/{id}.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseDocumentID(w, r)
	if !ok {
		return
	}

	doc, err := h.db.GetByID(r.Context(), id)
	if err != nil {
		h.writeNotFoundOrInternal(w, r, err, "get document failed")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleDownload handles GET /api/documents/{id}/download.
func (h *Handlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseDocumentID(w, r)
	if !ok {
		return
	}

	doc, err := h.db.GetByID(r.Context(), id)
	if err != nil {
		h.writeNotFoundOrInternal(w, r, err, "get document failed")
		return
	}

	rc, err := h.blobs.Get(r.Context(), doc.StoragePath)
	if err != nil {
		writeError(w, http.StatusNotFound, "document bytes not found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", doc.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+doc.OriginalFilename+"\"")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("stream download failed", "error", err, "document_id", id)
	}
}

// HandleOCR handles GET /api/documents/{id}/ocr.
func (h *Handlers) HandleOCR(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseDocumentID(w, r)
	if !ok {
		return
	}

	doc, err := h.db.GetByID(r.Context(), id)
	if err != nil {
		h.writeNotFoundOrInternal(w, r, err, "get document failed")
		return
	}
	if doc.OCRStoragePath == nil {
		writeError(w, http.StatusNotFound, "no OCR artifact for this document")
		return
	}

	rc, err := h.blobs.Get(r.Context(), *doc.OCRStoragePath)
	if err != nil {
		writeError(w, http.StatusNotFound, "OCR artifact not found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("stream OCR artifact failed", "error", err, "document_id", id)
	}
}

// HandleDelete handles DELETE /api/documents/{id}.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseDocumentID(w, r)
	if !ok {
		return
	}

	doc, err := h.db.GetByID(r.Context(), id)
	if err != nil {
		h.writeNotFoundOrInternal(w, r, err, "get document failed")
		return
	}

	deleted, err := h.db.Delete(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "delete document failed", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	if err := h.blobs.Delete(r.Context(), doc.StoragePath); err != nil {
		h.logger.Warn("delete uploaded bytes failed", "error", err, "document_id", id)
	}
	if doc.OCRStoragePath != nil {
		if err := h.blobs.Delete(r.Context(), *doc.OCRStoragePath); err != nil {
			h.logger.Warn("delete OCR artifact failed", "error", err, "document_id", id)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleCorrectClassification handles PATCH /api/documents/{id}/classification.
func (h *Handlers) HandleCorrectClassification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseDocumentID(w, r)
	if !ok {
		return
	}

	var req model.CorrectClassificationRequest
	if err := decodeJSON(w, r, &req, 1<<16); err != nil {
		ve := model.NewValidationError()
		ve.Fields.Add(".", "invalid request body")
		writeValidationError(w, ve)
		return
	}
	if err := model.ValidateClassificationLabel(req.Classification); err != nil {
		ve := model.NewValidationError()
		ve.Fields.Add(".classification", err.Error())
		writeValidationError(w, ve)
		return
	}

	applied, err := h.db.CorrectClassification(r.Context(), id, req.Classification)
	if err != nil {
		h.writeInternalError(w, r, "correct classification failed", err)
		return
	}
	if !applied {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	doc, err := h.db.GetByID(r.Context(), id)
	if err != nil {
		h.writeNotFoundOrInternal(w, r, err, "get document failed")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleRetry handles POST /api/documents/{id}/retry: resets a document to
// unclassified and re-enqueues a classify job.
func (h *Handlers) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseDocumentID(w, r)
	if !ok {
		return
	}

	reset, err := h.db.ResetClassification(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "reset classification failed", err)
		return
	}
	if !reset {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	if err := h.publisher.Publish(r.Context(), model.DocumentMessage{
		DocumentID: id,
		Action:     model.ActionClassify,
	}); err != nil {
		h.writeInternalError(w, r, "publish retry job failed", err)
		return
	}

	doc, err := h.db.GetByID(r.Context(), id)
	if err != nil {
		h.writeNotFoundOrInternal(w, r, err, "get document failed")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// parseDocumentID validates the {id} path parameter, writing a validation
// error (never a 404) when it is not a well-formed UUID, per spec §8
// boundary behavior.
func (h *Handlers) parseDocumentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ve := model.NewValidationError()
		ve.Fields.Add(".id", "must be a valid identifier")
		writeValidationError(w, ve)
		return uuid.UUID{}, false
	}
	return id, true
}

func (h *Handlers) writeNotFoundOrInternal(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	h.writeInternalError(w, r, msg, err)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
