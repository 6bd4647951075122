// ABOUTME: Service is the session controller - every turn flows through here
// ABOUTME: Persists the user turn first, dispatches the agent, tracks async jobs to finalization

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/adapter"
	"github.com/2389/parley/internal/content"
	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/poller"
	"github.com/2389/parley/internal/store"
)

// titleRuneLimit caps derived conversation titles.
const titleRuneLimit = 30

// ErrEmptyTurn is returned when a turn carries no text, URLs, or files.
var ErrEmptyTurn = errors.New("turn has no content")

// ErrNotOwner is returned when a conversation belongs to a different user.
var ErrNotOwner = errors.New("conversation belongs to another user")

// ConversationStore defines what the service needs from storage.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*store.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
}

// JobRunner defines what the service needs from the job tracker.
type JobRunner interface {
	Start(ctx context.Context, job *poller.Job, done func(*poller.Job, *poller.Result))
	Abandon(placeholderID string) bool
}

// Service owns the turn lifecycle: conversation resolution, persistence,
// agent dispatch, and asynchronous job finalization.
type Service struct {
	store       ConversationStore
	registry    *adapter.Registry
	jobs        JobRunner
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string][]string // conversation id -> live placeholder ids
}

// New creates the service. broadcaster and metrics may be nil.
func New(st ConversationStore, registry *adapter.Registry, jobs JobRunner, broadcaster *Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		registry:    registry,
		jobs:        jobs,
		broadcaster: broadcaster,
		metrics:     m,
		logger:      logger.With("component", "conversation"),
		pending:     make(map[string][]string),
	}
}

// TurnRequest is one user submission routed to an agent.
type TurnRequest struct {
	ConversationID string // empty means start a new conversation
	UserID         string
	AgentID        string
	Text           string
	Params         adapter.Params
}

// Placeholder is a pending assistant message shown while an asynchronous job
// runs. It lives only in memory; its ID becomes the finalized message's ID.
type Placeholder struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	RequestID      string    `json:"request_id"`
	Origin         string    `json:"origin"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// TurnResult is everything one turn produced immediately.
type TurnResult struct {
	Conversation *store.Conversation
	UserMessage  *store.Message
	Replies      []*store.Message
	Pending      []*Placeholder
}

// SendTurn records the user turn, dispatches the agent, persists immediate
// replies, and registers polling jobs for queued work.
//
// Record first, then act: the user message is saved before the agent is
// called, so a failed dispatch still leaves the turn in history. Turns the
// agent would refuse outright, an unknown agent id or a missing required
// input, are rejected before anything is written.
func (s *Service) SendTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	display := displayText(req.Text, req.Params)
	if display == "" {
		return nil, ErrEmptyTurn
	}

	ad, err := s.registry.Get(req.AgentID)
	if err != nil {
		return nil, err
	}

	inv := &adapter.Invocation{
		Input:  strings.TrimSpace(req.Text),
		Params: req.Params,
	}
	if inv.Params.UserTag == "" {
		inv.Params.UserTag = req.UserID
	}
	if err := ad.CheckInput(inv); err != nil {
		return nil, err
	}

	conv, err := s.ensureConversation(ctx, req, display)
	if err != nil {
		return nil, fmt.Errorf("conversation resolution failed: %w", err)
	}

	// Prior turns are captured before the new one is appended so the agent
	// sees exactly the history that preceded this submission.
	prior, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	encoded, err := content.Encode(content.Prose(display))
	if err != nil {
		return nil, fmt.Errorf("encoding turn: %w", err)
	}
	userMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        encoded,
		AgentID:        req.AgentID,
		CreatedAt:      time.Now(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("recording turn: %w", err)
	}
	s.metrics.RecordTurn(req.AgentID)
	s.metrics.RecordMessage(store.RoleUser)

	s.logger.Debug("turn recorded",
		"conversation_id", conv.ID,
		"message_id", userMsg.ID,
		"agent_id", req.AgentID)

	inv.ConversationID = conv.ID
	inv.Context = decodeTurns(prior)

	outcome, err := ad.Invoke(ctx, inv)
	if err != nil {
		// The turn is recorded but the agent refused the input.
		return nil, fmt.Errorf("agent dispatch failed: %w", err)
	}

	result := &TurnResult{Conversation: conv, UserMessage: userMsg}

	for _, val := range outcome.Results {
		msg, err := s.appendReply(ctx, conv.ID, req.AgentID, "", val)
		if err != nil {
			return nil, err
		}
		result.Replies = append(result.Replies, msg)
	}

	for _, h := range outcome.Handles {
		ph := &Placeholder{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			AgentID:        req.AgentID,
			RequestID:      h.RequestID,
			Origin:         h.Origin,
			Text:           processingText(h.Origin),
			CreatedAt:      time.Now(),
		}
		job := &poller.Job{
			RequestID:      h.RequestID,
			ConversationID: conv.ID,
			PlaceholderID:  ph.ID,
			AgentID:        req.AgentID,
			Origin:         h.Origin,
			CreatedAt:      ph.CreatedAt,
		}
		// The job outlives the request, so it runs under the tracker's
		// own cancellation scope rather than the request context.
		s.jobs.Start(context.Background(), job, s.finishJob)
		s.trackJob(conv.ID, ph.ID)
		s.metrics.RecordJobStart()
		result.Pending = append(result.Pending, ph)

		s.logger.Info("job registered",
			"conversation_id", conv.ID,
			"request_id", h.RequestID,
			"placeholder_id", ph.ID,
			"origin", h.Origin)
	}

	return result, nil
}

// History returns a conversation's messages after verifying ownership.
func (s *Service) History(ctx context.Context, conversationID, userID string) ([]*store.Message, error) {
	if _, err := s.owned(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID)
}

// List returns the user's conversations, most recent first.
func (s *Service) List(ctx context.Context, userID string) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, userID)
}

// Delete removes a conversation and its messages after verifying ownership.
// Live jobs for the conversation are abandoned first so finalization does
// not append into deleted history; a job that finishes during the race fails
// the append against the missing conversation and is logged, not retried.
func (s *Service) Delete(ctx context.Context, conversationID, userID string) error {
	if _, err := s.owned(ctx, conversationID, userID); err != nil {
		return err
	}
	for _, phID := range s.takeJobs(conversationID) {
		if s.jobs.Abandon(phID) {
			s.logger.Info("job abandoned with conversation",
				"conversation_id", conversationID,
				"placeholder_id", phID)
		}
	}
	return s.store.DeleteConversation(ctx, conversationID)
}

// Subscribe exposes the broadcaster for event streaming after verifying
// the subscriber owns the conversation.
func (s *Service) Subscribe(ctx context.Context, conversationID, userID string) (<-chan *store.Message, string, error) {
	if _, err := s.owned(ctx, conversationID, userID); err != nil {
		return nil, "", err
	}
	ch, subID := s.broadcaster.Subscribe(ctx, conversationID)
	return ch, subID, nil
}

// trackJob remembers a live placeholder so Delete can abandon it.
func (s *Service) trackJob(conversationID, placeholderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[conversationID] = append(s.pending[conversationID], placeholderID)
}

// untrackJob forgets a placeholder once its job reached a terminal state.
func (s *Service) untrackJob(conversationID, placeholderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.pending[conversationID]
	for i, id := range ids {
		if id == placeholderID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.pending, conversationID)
		return
	}
	s.pending[conversationID] = ids
}

// takeJobs removes and returns every live placeholder for a conversation.
func (s *Service) takeJobs(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.pending[conversationID]
	delete(s.pending, conversationID)
	return ids
}

func (s *Service) owned(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrNotOwner
	}
	return conv, nil
}

// ensureConversation resolves the target conversation. A supplied id is
// trusted as-is for appends; reads and deletes are where ownership is
// enforced. A missing id means a new conversation titled from the turn.
func (s *Service) ensureConversation(ctx context.Context, req *TurnRequest, seed string) (*store.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := s.store.GetConversation(ctx, req.ConversationID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		// Client-supplied id that does not exist yet: create it so turns
		// submitted against an optimistic id are not lost.
		conv = &store.Conversation{
			ID:        req.ConversationID,
			UserID:    req.UserID,
			Title:     deriveTitle(seed),
			CreatedAt: time.Now(),
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
		s.logger.Debug("conversation created", "conversation_id", conv.ID)
		return conv, nil
	}

	conv := &store.Conversation{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Title:     deriveTitle(seed),
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	s.logger.Debug("conversation created", "conversation_id", conv.ID)
	return conv, nil
}

// finishJob is the tracker's done callback. It turns the terminal result
// into a message stored under the placeholder's id, so clients can swap the
// pending bubble for the final one.
func (s *Service) finishJob(job *poller.Job, res *poller.Result) {
	s.untrackJob(job.ConversationID, job.PlaceholderID)

	var val content.Value
	switch res.State {
	case poller.StateCompleted:
		val = completionValue(job, res.Payload)
	case poller.StateFailed:
		val = content.Errorf("analysis of %s failed: %s", job.Origin, res.Detail)
	case poller.StateTimedOut:
		val = content.Errorf("analysis of %s timed out (request_id: %s)", job.Origin, job.RequestID)
	default:
		val = content.Errorf("analysis of %s ended in unexpected state %s", job.Origin, res.State)
	}
	s.metrics.RecordJobDone(string(res.State), res.Attempts)

	if _, err := s.appendReply(context.Background(), job.ConversationID, job.AgentID, job.PlaceholderID, val); err != nil {
		s.logger.Error("failed to finalize job",
			"error", err,
			"conversation_id", job.ConversationID,
			"request_id", job.RequestID,
			"placeholder_id", job.PlaceholderID)
	}
}

// appendReply persists one assistant message and publishes it. An empty id
// means a fresh message; a non-empty id carries a placeholder id forward.
// Persistence uses its own timeout so a cancelled request cannot drop a
// reply that was already produced.
func (s *Service) appendReply(ctx context.Context, conversationID, agentID, id string, val content.Value) (*store.Message, error) {
	encoded, err := content.Encode(val)
	if err != nil {
		return nil, fmt.Errorf("encoding reply: %w", err)
	}
	if id == "" {
		id = uuid.New().String()
	}

	msg := &store.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        encoded,
		AgentID:        agentID,
		CreatedAt:      time.Now(),
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.AppendMessage(saveCtx, msg); err != nil {
		return nil, fmt.Errorf("recording reply: %w", err)
	}
	s.metrics.RecordMessage(store.RoleAssistant)

	if s.broadcaster != nil {
		s.broadcaster.Publish(conversationID, msg)
	}
	return msg, nil
}

// decodeTurns converts stored messages into the adapter context model.
func decodeTurns(msgs []*store.Message) []adapter.Turn {
	turns := make([]adapter.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, adapter.Turn{
			Role:    m.Role,
			Content: content.Decode(m.Content),
		})
	}
	return turns
}

// displayText folds URLs and attachment names into the stored user turn so
// history shows what was submitted, not just the typed text.
func displayText(text string, p adapter.Params) string {
	parts := make([]string, 0, 1+len(p.URLs)+len(p.Files))
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		parts = append(parts, trimmed)
	}
	parts = append(parts, p.URLs...)
	for _, f := range p.Files {
		parts = append(parts, "[file] "+f.Name)
	}
	return strings.Join(parts, "\n")
}

// deriveTitle truncates the seed text to the title limit.
func deriveTitle(seed string) string {
	seed = strings.TrimSpace(seed)
	if line, _, found := strings.Cut(seed, "\n"); found {
		seed = line
	}
	runes := []rune(seed)
	if len(runes) <= titleRuneLimit {
		return seed
	}
	return string(runes[:titleRuneLimit]) + "…"
}

// processingText is the fixed body shown while a job runs.
func processingText(origin string) string {
	return fmt.Sprintf("Analyzing %s. This can take a few minutes.", origin)
}

// completionValue interprets a completed job payload. The external service
// replies {success, content} where content carries summary_md and merged_md;
// anything that does not fit that shape is preserved as text rather than lost.
func completionValue(job *poller.Job, payload json.RawMessage) content.Value {
	var env struct {
		Success bool            `json:"success"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return content.Errorf("analysis of %s returned an unreadable result: %s", job.Origin, string(payload))
	}
	if !env.Success {
		return content.Errorf("analysis of %s failed: %s", job.Origin, string(payload))
	}

	analysis := &content.Analysis{Source: job.Origin}

	var structured struct {
		SummaryMD string `json:"summary_md"`
		MergedMD  string `json:"merged_md"`
	}
	if err := json.Unmarshal(env.Content, &structured); err == nil && (structured.SummaryMD != "" || structured.MergedMD != "") {
		analysis.SummaryMD = structured.SummaryMD
		analysis.MergedMD = structured.MergedMD
		return content.Value{Kind: content.KindAnalysis, Analysis: analysis}
	}

	var text string
	if err := json.Unmarshal(env.Content, &text); err == nil {
		analysis.SummaryMD = text
	} else {
		analysis.SummaryMD = string(env.Content)
	}
	return content.Value{Kind: content.KindAnalysis, Analysis: analysis}
}
