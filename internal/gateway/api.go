// ABOUTME: HTTP API handlers for turns, conversations, messages, and the agent catalog
// ABOUTME: Accepts JSON or multipart turn submissions and renders history as JSON or HTML

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/2389/parley/internal/adapter"
	"github.com/2389/parley/internal/content"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/store"
)

// maxUploadBytes caps one multipart turn submission.
const maxUploadBytes = 256 << 20

// TurnSubmission is the JSON request body for POST /api/turns. For multipart
// submissions the same JSON travels in the "payload" field and media files in
// "files" parts.
type TurnSubmission struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	AgentID        string   `json:"agent_id"`
	Text           string   `json:"text,omitempty"`
	TargetLang     string   `json:"target_lang,omitempty"`
	DocID          string   `json:"doc_id,omitempty"`
	DocIDs         []string `json:"doc_ids,omitempty"`
	AllDocs        bool     `json:"all_docs,omitempty"`
	TopK           int      `json:"top_k,omitempty"`
	URLs           []string `json:"urls,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	MaxPages       int      `json:"max_pages,omitempty"`
	DPI            int      `json:"dpi,omitempty"`

	STT *adapter.STTConfig `json:"stt,omitempty"`
}

// ConversationResponse is one conversation list entry.
type ConversationResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// MessageResponse is the JSON shape of one stored message. Exactly one of
// Text, Analysis, or Sources is populated, selected by Kind. HTML carries the
// rendered markdown when the client asks for it.
type MessageResponse struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	Role           string              `json:"role"`
	AgentID        string              `json:"agent_id,omitempty"`
	Kind           string              `json:"kind"`
	Text           string              `json:"text,omitempty"`
	Analysis       *content.Analysis   `json:"analysis,omitempty"`
	Sources        *content.SourceList `json:"sources,omitempty"`
	HTML           string              `json:"html,omitempty"`
	CreatedAt      string              `json:"created_at"`
}

// TurnResponse is the JSON response for POST /api/turns.
type TurnResponse struct {
	ConversationID string                      `json:"conversation_id"`
	Title          string                      `json:"title"`
	UserMessage    MessageResponse             `json:"user_message"`
	Replies        []MessageResponse           `json:"replies"`
	Pending        []*conversation.Placeholder `json:"pending,omitempty"`
}

// AgentResponse is one catalog entry for GET /api/agents.
type AgentResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Features    []string `json:"features,omitempty"`
	OrderIndex  int      `json:"order_index"`
}

// ReorderRequest is the JSON request body for POST /api/agents/reorder.
type ReorderRequest struct {
	Order []string `json:"order"`
}

// handleTurns handles POST /api/turns. The body is either JSON or multipart
// form data with a "payload" JSON field plus "files" media parts.
func (g *Gateway) handleTurns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID, ok := g.requestUser(w, r)
	if !ok {
		return
	}

	sub, files, err := parseTurnSubmission(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := &conversation.TurnRequest{
		ConversationID: sub.ConversationID,
		UserID:         userID,
		AgentID:        sub.AgentID,
		Text:           sub.Text,
		Params: adapter.Params{
			TargetLang: sub.TargetLang,
			DocID:      sub.DocID,
			DocIDs:     sub.DocIDs,
			AllDocs:    sub.AllDocs,
			TopK:       sub.TopK,
			URLs:       sub.URLs,
			Files:      files,
			OCRMode:    sub.Mode,
			MaxPages:   sub.MaxPages,
			DPI:        sub.DPI,
		},
	}
	if sub.STT != nil {
		req.Params.STTConfig = *sub.STT
	}

	result, err := g.service.SendTurn(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, adapter.ErrUnknownAgent):
			g.sendJSONError(w, http.StatusBadRequest, "unknown agent")
		case errors.Is(err, adapter.ErrMissingInput), errors.Is(err, conversation.ErrEmptyTurn):
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
		default:
			g.logger.Error("turn failed", "error", err, "agent_id", sub.AgentID)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	resp := TurnResponse{
		ConversationID: result.Conversation.ID,
		Title:          result.Conversation.Title,
		UserMessage:    g.messageResponse(result.UserMessage, false),
		Replies:        make([]MessageResponse, 0, len(result.Replies)),
		Pending:        result.Pending,
	}
	for _, m := range result.Replies {
		resp.Replies = append(resp.Replies, g.messageResponse(m, false))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// handleConversations handles GET /api/conversations.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID, ok := g.requestUser(w, r)
	if !ok {
		return
	}

	convs, err := g.service.List(r.Context(), userID)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		response = append(response, ConversationResponse{
			ID:        c.ID,
			Title:     c.Title,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConversationByID routes /api/conversations/{id} and
// /api/conversations/{id}/messages.
func (g *Gateway) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	convID, tail, _ := strings.Cut(rest, "/")
	if convID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	switch {
	case tail == "" && r.Method == http.MethodDelete:
		g.deleteConversation(w, r, convID)
	case tail == "messages" && r.Method == http.MethodGet:
		g.listMessages(w, r, convID)
	case tail == "" || tail == "messages":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

func (g *Gateway) deleteConversation(w http.ResponseWriter, r *http.Request, convID string) {
	userID, ok := g.requestUser(w, r)
	if !ok {
		return
	}

	err := g.service.Delete(r.Context(), convID, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, conversation.ErrNotOwner):
		g.sendJSONError(w, http.StatusForbidden, "not your conversation")
	case err != nil:
		g.logger.Error("failed to delete conversation", "error", err, "conversation_id", convID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (g *Gateway) listMessages(w http.ResponseWriter, r *http.Request, convID string) {
	userID, ok := g.requestUser(w, r)
	if !ok {
		return
	}

	msgs, err := g.service.History(r.Context(), convID, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	case errors.Is(err, conversation.ErrNotOwner):
		g.sendJSONError(w, http.StatusForbidden, "not your conversation")
		return
	case err != nil:
		g.logger.Error("failed to list messages", "error", err, "conversation_id", convID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	renderHTML := r.URL.Query().Get("render") == "html"
	response := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		response = append(response, g.messageResponse(m, renderHTML))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleAgents handles GET /api/agents.
func (g *Gateway) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agents, err := g.store.ListAgents(r.Context(), true)
	if err != nil {
		g.logger.Error("failed to list agents", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, AgentResponse{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			Features:    a.Features,
			OrderIndex:  a.OrderIndex,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleReorderAgents handles POST /api/agents/reorder.
func (g *Gateway) handleReorderAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ReorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Order) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "order is required")
		return
	}

	if err := g.store.ReorderAgents(r.Context(), req.Order); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusBadRequest, "unknown agent in order")
			return
		}
		g.logger.Error("failed to reorder agents", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// messageResponse converts a stored message to the API shape, decoding the
// content union and optionally rendering markdown bodies to HTML.
func (g *Gateway) messageResponse(m *store.Message, renderHTML bool) MessageResponse {
	val := content.Decode(m.Content)
	resp := MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		AgentID:        m.AgentID,
		Kind:           string(val.Kind),
		CreatedAt:      m.CreatedAt.Format(time.RFC3339),
	}
	switch val.Kind {
	case content.KindAnalysis:
		resp.Analysis = val.Analysis
	case content.KindSources:
		resp.Sources = val.Sources
	default:
		resp.Text = val.Text
	}

	if renderHTML {
		if md := content.FlattenText(val); md != "" {
			var buf bytes.Buffer
			if err := g.markdown.Convert([]byte(md), &buf); err == nil {
				resp.HTML = buf.String()
			}
		}
	}
	return resp
}

// parseTurnSubmission decodes a turn request from a JSON or multipart body.
func parseTurnSubmission(r *http.Request) (*TurnSubmission, []adapter.Upload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType != "multipart/form-data" {
		var sub TurnSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			return nil, nil, errors.New("invalid JSON body")
		}
		return validateSubmission(&sub, nil)
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, nil, fmt.Errorf("parsing multipart form: %w", err)
	}

	var sub TurnSubmission
	payload := r.FormValue("payload")
	if payload == "" {
		return nil, nil, errors.New("payload field is required")
	}
	if err := json.Unmarshal([]byte(payload), &sub); err != nil {
		return nil, nil, errors.New("invalid payload JSON")
	}

	var files []adapter.Upload
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				return nil, nil, fmt.Errorf("opening upload %q: %w", fh.Filename, err)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, nil, fmt.Errorf("reading upload %q: %w", fh.Filename, err)
			}
			files = append(files, adapter.Upload{Name: fh.Filename, Data: data})
		}
	}

	return validateSubmission(&sub, files)
}

func validateSubmission(sub *TurnSubmission, files []adapter.Upload) (*TurnSubmission, []adapter.Upload, error) {
	if sub.AgentID == "" {
		return nil, nil, errors.New("agent_id is required")
	}
	if strings.TrimSpace(sub.Text) == "" && len(sub.URLs) == 0 && len(files) == 0 {
		return nil, nil, errors.New("text, urls, or files are required")
	}
	return sub, files, nil
}

// conversationError maps ownership and lookup failures to HTTP statuses.
func (g *Gateway) conversationError(w http.ResponseWriter, err error, convID string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, conversation.ErrNotOwner):
		g.sendJSONError(w, http.StatusForbidden, "not your conversation")
	default:
		g.logger.Error("conversation lookup failed", "error", err, "conversation_id", convID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
