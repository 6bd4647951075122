// ABOUTME: Agent adapter contract and registry for routing a turn to one agent
// ABOUTME: Adapters normalize a user turn into an external call and the reply into content

package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/parley/internal/content"
)

// ErrUnknownAgent is returned when a turn names an agent id the registry
// doesn't know. The caller must reject the turn without appending anything.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrMissingInput is returned when a turn lacks the inputs its agent needs.
var ErrMissingInput = errors.New("missing required input")

// Turn is one prior exchange entry, carried as decoded content so adapters
// can apply the shared flattening rule before forwarding it as context.
type Turn struct {
	Role    string
	Content content.Value
}

// ContextEntry is the flat role/content pair external services accept.
type ContextEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Upload is one already-received attachment handed over by the intake
// collaborator. The adapter forwards the bytes verbatim.
type Upload struct {
	Name string
	Data []byte
}

// Params carries agent-specific inputs alongside the turn text.
type Params struct {
	TargetLang string // translate

	DocID   string // doc-chat: single document filter
	DocIDs  []string
	AllDocs bool
	TopK    int
	MaxDocs int
	UserTag string // doc-chat: forwarded as X-User-Id

	URLs      []string  // stt: sources to analyze
	Files     []Upload  // stt/ocr: uploaded media or documents
	STTConfig STTConfig // stt: transcription options

	OCRMode  string // ocr: output mode, defaults to markdown
	MaxPages int    // ocr: page cap, 0 means service default
	DPI      int    // ocr: render resolution
}

// Invocation is one adapter call: the current turn plus reduced context.
type Invocation struct {
	ConversationID string
	Input          string
	Context        []Turn
	Params         Params
}

// AsyncHandle identifies a queued external job that will complete later.
type AsyncHandle struct {
	RequestID string
	Origin    string // URL or filename the job was submitted for
}

// Outcome is everything one invocation produced: zero or more immediate
// results (each becomes one assistant message) and zero or more async
// handles (each becomes one placeholder tracked by the poller).
type Outcome struct {
	Results []content.Value
	Handles []AsyncHandle
}

// Adapter is the per-agent translation between the internal turn model and
// an external service's request/response shape. Implementations make at most
// one external call per unit of work and never retry; retries belong to the
// poller. Upstream failures come back as error-kind results, not Go errors.
//
// CheckInput validates that the invocation carries the inputs this agent
// needs, wrapping ErrMissingInput when it doesn't. Callers run it before
// recording anything, so a turn an agent cannot act on is rejected the same
// way an unknown agent id is. Invoke repeats the check.
type Adapter interface {
	ID() string
	CheckInput(inv *Invocation) error
	Invoke(ctx context.Context, inv *Invocation) (*Outcome, error)
}

// Registry maps agent ids to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get returns the adapter for an agent id, or ErrUnknownAgent.
func (r *Registry) Get(agentID string) (Adapter, error) {
	a, ok := r.adapters[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	return a, nil
}

// FlattenContext reduces prior turns to the flat role/content list external
// services accept. Structured content collapses per the shared rule in
// content.FlattenText, so every adapter forwards identical context.
func FlattenContext(turns []Turn) []ContextEntry {
	entries := make([]ContextEntry, 0, len(turns))
	for _, t := range turns {
		entries = append(entries, ContextEntry{
			Role:    t.Role,
			Content: content.FlattenText(t.Content),
		})
	}
	return entries
}

// upstreamError formats a non-success external reply as an error-kind result.
func upstreamError(service string, status int, body string) content.Value {
	return content.Errorf("%s request failed (status %d): %s", service, status, body)
}

// transportError formats a failed external call as an error-kind result.
func transportError(service string, err error) content.Value {
	return content.Errorf("%s request failed: %v", service, err)
}

// readBody drains a response body for error reporting, bounded to keep
// pathological replies out of the log and the conversation.
func readBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 8192))
	if err != nil {
		return ""
	}
	return string(data)
}

// decodeJSON decodes a response body into v.
func decodeJSON(resp *http.Response, v any) error {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
