package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	middleware "github.com/docgrove/docgrove/internal/api/middlewares"
	"github.com/docgrove/docgrove/internal/core"
	"github.com/docgrove/docgrove/internal/core/pipeline"
	"github.com/docgrove/docgrove/internal/models"
)

const maxUploadBytes = 52 << 20 // 52 MB

type DocumentHandler struct {
	db         core.DbClient
	blobs      core.ObjectClient
	embedder   core.EmbeddingProvider
	vectors    core.VectorClient
	dispatcher *pipeline.Dispatcher
	deleter    *pipeline.Deleter
}

func NewDocumentHandler(db core.DbClient, blobs core.ObjectClient, embedder core.EmbeddingProvider, vectors core.VectorClient, dispatcher *pipeline.Dispatcher, deleter *pipeline.Deleter) *DocumentHandler {
	return &DocumentHandler{db: db, blobs: blobs, embedder: embedder, vectors: vectors, dispatcher: dispatcher, deleter: deleter}
}

// UploadDocument accepts a multipart upload, stores the raw file, creates
// the metadata row in queued state and kicks off the pipeline.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r)
	if !ok {
		http.Error(w, "owner not found in context", http.StatusUnauthorized)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "invalid file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		http.Error(w, "read upload", http.StatusBadRequest)
		return
	}
	if len(data) > maxUploadBytes {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// Sanitize filename to prevent path traversal in the blob key.
	cleanFilename := filepath.Base(header.Filename)
	docID := uuid.NewString()
	blobPath := fmt.Sprintf("%s/%s/%s", ownerID, docID, cleanFilename)

	if err := h.blobs.UploadFile(r.Context(), blobPath, data, contentType); err != nil {
		http.Error(w, fmt.Sprintf("upload failed: %v", err), http.StatusInternalServerError)
		return
	}

	title := r.FormValue("title")
	if title == "" {
		title = cleanFilename
	}

	doc := &models.Document{
		ID:          docID,
		OwnerID:     ownerID,
		Title:       title,
		FileName:    cleanFilename,
		ContentType: contentType,
		RawBlobPath: blobPath,
		Status:      models.StatusQueued,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := h.db.CreateDocument(r.Context(), doc); err != nil {
		log.Printf("DB insert failed for doc %s: %v", docID, err)
		http.Error(w, "failed to store document metadata", http.StatusInternalServerError)
		return
	}

	h.dispatcher.TriggerIngest(docID, ownerID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(doc)
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r)
	if !ok {
		http.Error(w, "owner not found in context", http.StatusUnauthorized)
		return
	}

	documents, err := h.db.ListDocumentsByOwner(r.Context(), ownerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(documents)
}

// GetStatus reports the polling contract: status, progress, cursor and the
// recorded error. paused means the pipeline will continue on its own;
// error means it needs an explicit resume or investigation.
func (h *DocumentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r)
	if !ok {
		http.Error(w, "owner not found in context", http.StatusUnauthorized)
		return
	}
	docID := chi.URLParam(r, "document_id")

	doc, err := h.db.GetDocumentByID(r.Context(), docID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if doc == nil || doc.OwnerID != ownerID {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":            doc.ID,
		"status":        doc.Status,
		"progress":      doc.Progress,
		"current_batch": doc.CurrentBatch,
		"batch_count":   doc.BatchCount,
		"error":         doc.ErrorMessage,
	})
}

// ResumeDocument schedules a resume; processing continues asynchronously.
func (h *DocumentHandler) ResumeDocument(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r)
	if !ok {
		http.Error(w, "owner not found in context", http.StatusUnauthorized)
		return
	}
	docID := chi.URLParam(r, "document_id")

	doc, err := h.db.GetDocumentByID(r.Context(), docID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if doc == nil || doc.OwnerID != ownerID {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	h.dispatcher.TriggerResume(docID, ownerID)

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": docID, "status": "resuming"})
}

// SearchFragments embeds the query text and returns the nearest fragments
// in the owner's namespace, optionally narrowed to one document.
func (h *DocumentHandler) SearchFragments(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r)
	if !ok {
		http.Error(w, "owner not found in context", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		http.Error(w, "missing query parameter q", http.StatusBadRequest)
		return
	}
	documentID := r.URL.Query().Get("document_id")

	topK := 5
	if v := r.URL.Query().Get("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 50 {
			http.Error(w, "top_k must be an integer between 1 and 50", http.StatusBadRequest)
			return
		}
		topK = n
	}

	vecs, err := h.embedder.EmbedTexts(r.Context(), []string{query})
	if err != nil {
		log.Printf("search: embed query failed: %v", err)
		http.Error(w, "failed to embed query", http.StatusBadGateway)
		return
	}
	if len(vecs) != 1 {
		http.Error(w, "failed to embed query", http.StatusBadGateway)
		return
	}

	matches, err := h.vectors.Query(r.Context(), ownerID, vecs[0], topK, documentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []core.VectorMatch{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"query": query, "matches": matches})
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r)
	if !ok {
		http.Error(w, "owner not found in context", http.StatusUnauthorized)
		return
	}
	docID := chi.URLParam(r, "document_id")
	force := r.URL.Query().Get("force") == "true"

	if err := h.deleter.Delete(r.Context(), docID, ownerID, force); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
