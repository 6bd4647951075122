// ABOUTME: Document Q&A agent adapter calling the external RAG service
// ABOUTME: JSON request with document filters; reply carries answer plus source references

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/parley/internal/content"
)

// AgentDocChat is the catalog id of the document Q&A agent.
const AgentDocChat = "doc-chat"

const (
	defaultTopK    = 6
	defaultMaxDocs = 20
)

// DocumentNamer maps doc ids to human filenames. Satisfied by store.Store.
type DocumentNamer interface {
	LookupDocumentNames(ctx context.Context, docIDs []string) (map[string]string, error)
}

// DocChat calls the external RAG ask endpoint.
type DocChat struct {
	url    string
	client *http.Client
	namer  DocumentNamer
	logger *slog.Logger
}

// NewDocChat creates the document Q&A adapter. namer may be nil, in which
// case source filenames are used as the service reported them.
func NewDocChat(url string, client *http.Client, namer DocumentNamer, logger *slog.Logger) *DocChat {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DocChat{
		url:    url,
		client: client,
		namer:  namer,
		logger: logger.With("component", "adapter", "agent", AgentDocChat),
	}
}

func (d *DocChat) ID() string { return AgentDocChat }

// CheckInput requires a question.
func (d *DocChat) CheckInput(inv *Invocation) error {
	if inv.Input == "" {
		return fmt.Errorf("%w: question", ErrMissingInput)
	}
	return nil
}

// Invoke asks the RAG service and returns the answer with its citations.
// Document filters narrow the search: explicit ids win over the all-docs
// default.
func (d *DocChat) Invoke(ctx context.Context, inv *Invocation) (*Outcome, error) {
	if err := d.CheckInput(inv); err != nil {
		return nil, err
	}

	topK := inv.Params.TopK
	if topK == 0 {
		topK = defaultTopK
	}
	maxDocs := inv.Params.MaxDocs
	if maxDocs == 0 {
		maxDocs = defaultMaxDocs
	}

	payload := map[string]any{
		"question": inv.Input,
		"top_k":    topK,
	}
	switch {
	case inv.Params.AllDocs:
		payload["all_docs"] = true
		payload["max_docs"] = maxDocs
	case len(inv.Params.DocIDs) > 0:
		payload["doc_ids"] = inv.Params.DocIDs
	case inv.Params.DocID != "":
		payload["doc_id"] = inv.Params.DocID
	default:
		payload["all_docs"] = true
		payload["max_docs"] = maxDocs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding ask request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating ask request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if inv.Params.UserTag != "" {
		req.Header.Set("X-User-Id", inv.Params.UserTag)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("doc-chat call failed", "error", err)
		return &Outcome{Results: []content.Value{transportError("doc-chat", err)}}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := readBody(resp.Body)
		d.logger.Warn("doc-chat service error", "status", resp.StatusCode, "body", errBody)
		return &Outcome{Results: []content.Value{upstreamError("doc-chat", resp.StatusCode, errBody)}}, nil
	}

	var reply struct {
		Answer  string `json:"answer"`
		Sources []struct {
			DocID    string  `json:"doc_id"`
			Page     int     `json:"page"`
			Filename string  `json:"filename"`
			Score    float64 `json:"score"`
		} `json:"sources"`
	}
	if err := decodeJSON(resp, &reply); err != nil {
		return &Outcome{Results: []content.Value{transportError("doc-chat", err)}}, nil
	}
	if reply.Answer == "" {
		return &Outcome{Results: []content.Value{content.Errorf("doc-chat service returned no answer")}}, nil
	}

	sources := make([]content.SourceRef, 0, len(reply.Sources))
	for _, src := range reply.Sources {
		sources = append(sources, content.SourceRef{
			DocID:    src.DocID,
			Page:     src.Page,
			Filename: src.Filename,
			Score:    src.Score,
		})
	}
	d.resolveFilenames(ctx, sources)

	result := content.Value{
		Kind:    content.KindSources,
		Sources: &content.SourceList{Answer: reply.Answer, Sources: sources},
	}
	return &Outcome{Results: []content.Value{result}}, nil
}

// resolveFilenames replaces reported filenames with locally recorded ones
// where a doc id is known. Lookup failures leave the reported names in place.
func (d *DocChat) resolveFilenames(ctx context.Context, sources []content.SourceRef) {
	if d.namer == nil || len(sources) == 0 {
		return
	}

	seen := make(map[string]bool, len(sources))
	var docIDs []string
	for _, src := range sources {
		if src.DocID != "" && !seen[src.DocID] {
			seen[src.DocID] = true
			docIDs = append(docIDs, src.DocID)
		}
	}

	names, err := d.namer.LookupDocumentNames(ctx, docIDs)
	if err != nil {
		d.logger.Warn("failed to map source filenames", "error", err)
		return
	}

	for i := range sources {
		if name, ok := names[sources[i].DocID]; ok && name != "" {
			sources[i].Filename = name
		}
	}
}
