// ABOUTME: Client for registering documents with the external RAG service
// ABOUTME: Uploads one file and reports the doc id the ask endpoint will cite

package adapter

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
)

// RegisteredDoc is the RAG service's record of one accepted upload. DocID is
// what later ask replies cite in their sources.
type RegisteredDoc struct {
	DocID     string `json:"doc_id"`
	Filename  string `json:"filename"`
	Pages     int    `json:"pages"`
	Chunks    int    `json:"chunks"`
	RequestID string `json:"request_id"`
}

// DocUploader registers documents with the RAG service so the document Q&A
// agent can search them.
type DocUploader struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewDocUploader creates the upload client. Pass nil client for
// http.DefaultClient.
func NewDocUploader(url string, client *http.Client, logger *slog.Logger) *DocUploader {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DocUploader{
		url:    url,
		client: client,
		logger: logger.With("component", "doc-uploader"),
	}
}

// Upload posts one file to the RAG upload endpoint under the given user tag.
// Unlike agent invocations, a rejected upload is a plain error; there is no
// conversation to carry an error-kind result.
func (u *DocUploader) Upload(ctx context.Context, file Upload, userTag string) (*RegisteredDoc, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", file.Name)
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("writing file bytes: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if userTag != "" {
		req.Header.Set("X-User-Id", userTag)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := readBody(resp.Body)
		u.logger.Warn("rag upload rejected", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("rag upload failed (status %d): %s", resp.StatusCode, errBody)
	}

	var reply struct {
		Success   bool   `json:"success"`
		DocID     string `json:"doc_id"`
		Pages     int    `json:"pages"`
		Chunks    int    `json:"chunks"`
		RequestID string `json:"request_id"`
	}
	if err := decodeJSON(resp, &reply); err != nil {
		return nil, err
	}
	if !reply.Success || reply.DocID == "" {
		return nil, fmt.Errorf("rag service did not accept %s", file.Name)
	}

	u.logger.Debug("document registered", "doc_id", reply.DocID, "filename", file.Name)
	return &RegisteredDoc{
		DocID:     reply.DocID,
		Filename:  file.Name,
		Pages:     reply.Pages,
		Chunks:    reply.Chunks,
		RequestID: reply.RequestID,
	}, nil
}
