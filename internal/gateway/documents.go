// ABOUTME: Document registration endpoint feeding the document Q&A agent
// ABOUTME: Forwards the upload to the retrieval service and records the doc_id mapping

package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/2389/parley/internal/adapter"
	"github.com/2389/parley/internal/store"
)

// DocumentResponse is the JSON response for POST /api/documents.
type DocumentResponse struct {
	Success   bool   `json:"success"`
	DocID     string `json:"doc_id"`
	Filename  string `json:"filename"`
	Pages     int    `json:"pages"`
	Chunks    int    `json:"chunks"`
	RequestID string `json:"request_id,omitempty"`
}

// handleDocuments handles POST /api/documents. The body is multipart form
// data with one "file" part. The file is indexed by the retrieval service and
// its doc_id is recorded so answer citations can show the original filename.
func (g *Gateway) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.uploader == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "document upload is not configured")
		return
	}

	userID, ok := g.requestUser(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "parsing multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "file part is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading upload: "+err.Error())
		return
	}

	doc, err := g.uploader.Upload(r.Context(), adapter.Upload{Name: header.Filename, Data: data}, userID)
	if err != nil {
		g.logger.Error("document upload failed", "error", err, "filename", header.Filename)
		g.sendJSONError(w, http.StatusBadGateway, "document indexing failed")
		return
	}

	record := &store.RagDocument{
		DocID:      doc.DocID,
		UserID:     userID,
		Filename:   doc.Filename,
		Pages:      doc.Pages,
		Chunks:     doc.Chunks,
		UploadedAt: time.Now(),
	}
	if err := g.store.SaveRagDocument(r.Context(), record); err != nil {
		// The retrieval service has the document either way; a lost mapping
		// only degrades citation labels, so the upload still succeeds.
		g.logger.Error("failed to record document", "error", err, "doc_id", doc.DocID)
	}

	g.logger.Info("document registered",
		"doc_id", doc.DocID,
		"filename", doc.Filename,
		"pages", doc.Pages,
		"chunks", doc.Chunks)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(DocumentResponse{
		Success:   true,
		DocID:     doc.DocID,
		Filename:  doc.Filename,
		Pages:     doc.Pages,
		Chunks:    doc.Chunks,
		RequestID: doc.RequestID,
	})
}
