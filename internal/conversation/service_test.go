// ABOUTME: Tests for the turn lifecycle service with a real sqlite store
// ABOUTME: Agent dispatch and job tracking are faked; persistence is not

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/adapter"
	"github.com/2389/parley/internal/content"
	"github.com/2389/parley/internal/poller"
	"github.com/2389/parley/internal/store"
)

// fakeAdapter returns a scripted outcome and records the invocation.
type fakeAdapter struct {
	id       string
	outcome  *adapter.Outcome
	checkErr error
	err      error
	last     *adapter.Invocation
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) CheckInput(*adapter.Invocation) error { return f.checkErr }

func (f *fakeAdapter) Invoke(_ context.Context, inv *adapter.Invocation) (*adapter.Outcome, error) {
	f.last = inv
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

// fakeRunner records started jobs instead of polling anything.
type fakeRunner struct {
	mu        sync.Mutex
	jobs      []*poller.Job
	dones     []func(*poller.Job, *poller.Result)
	abandoned []string
}

func (f *fakeRunner) Start(_ context.Context, job *poller.Job, done func(*poller.Job, *poller.Result)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	f.dones = append(f.dones, done)
}

func (f *fakeRunner) Abandon(placeholderID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, placeholderID)
	return true
}

type serviceFixture struct {
	svc     *Service
	store   *store.SQLiteStore
	adapter *fakeAdapter
	runner  *fakeRunner
}

func newServiceFixture(t *testing.T, a *fakeAdapter) *serviceFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runner := &fakeRunner{}
	svc := New(st, adapter.NewRegistry(a), runner, NewBroadcaster(nil), nil, nil)
	return &serviceFixture{svc: svc, store: st, adapter: a, runner: runner}
}

func proseOutcome(texts ...string) *adapter.Outcome {
	out := &adapter.Outcome{}
	for _, txt := range texts {
		out.Results = append(out.Results, content.Prose(txt))
	}
	return out
}

func TestSendTurn_NewConversation(t *testing.T) {
	fake := &fakeAdapter{id: "translate_language", outcome: proseOutcome("안녕하세요")}
	fx := newServiceFixture(t, fake)

	res, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		UserID:  "user-1",
		AgentID: "translate_language",
		Text:    "hello there",
	})
	require.NoError(t, err)

	require.NotNil(t, res.Conversation)
	assert.NotEmpty(t, res.Conversation.ID)
	assert.Equal(t, "hello there", res.Conversation.Title)
	assert.Equal(t, "user-1", res.Conversation.UserID)

	assert.Equal(t, store.RoleUser, res.UserMessage.Role)
	require.Len(t, res.Replies, 1)
	assert.Equal(t, store.RoleAssistant, res.Replies[0].Role)
	assert.Empty(t, res.Pending)

	msgs, err := fx.store.ListMessages(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello there", content.Decode(msgs[0].Content).Text)
	assert.Equal(t, "안녕하세요", content.Decode(msgs[1].Content).Text)
}

func TestSendTurn_TitleTruncation(t *testing.T) {
	fake := &fakeAdapter{id: "spellcheck", outcome: proseOutcome("ok")}
	fx := newServiceFixture(t, fake)

	long := strings.Repeat("가", 45)
	res, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		UserID:  "user-1",
		AgentID: "spellcheck",
		Text:    long,
	})
	require.NoError(t, err)

	title := []rune(res.Conversation.Title)
	assert.Len(t, title, 31)
	assert.Equal(t, '…', title[30])
}

func TestSendTurn_AppendsToExistingConversation(t *testing.T) {
	fake := &fakeAdapter{id: "spellcheck", outcome: proseOutcome("first reply")}
	fx := newServiceFixture(t, fake)

	first, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		UserID:  "user-1",
		AgentID: "spellcheck",
		Text:    "first turn",
	})
	require.NoError(t, err)

	fake.outcome = proseOutcome("second reply")
	second, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		ConversationID: first.Conversation.ID,
		UserID:         "user-1",
		AgentID:        "spellcheck",
		Text:           "second turn",
	})
	require.NoError(t, err)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)

	// The agent saw only the history that preceded the second turn.
	require.Len(t, fake.last.Context, 2)
	assert.Equal(t, "first turn", fake.last.Context[0].Content.Text)
	assert.Equal(t, "first reply", fake.last.Context[1].Content.Text)

	msgs, err := fx.store.ListMessages(context.Background(), first.Conversation.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestSendTurn_SuppliedNewIDCreatesConversation(t *testing.T) {
	fake := &fakeAdapter{id: "spellcheck", outcome: proseOutcome("ok")}
	fx := newServiceFixture(t, fake)

	res, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		ConversationID: "client-chosen-id",
		UserID:         "user-1",
		AgentID:        "spellcheck",
		Text:           "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "client-chosen-id", res.Conversation.ID)

	conv, err := fx.store.GetConversation(context.Background(), "client-chosen-id")
	require.NoError(t, err)
	assert.Equal(t, "user-1", conv.UserID)
}

func TestSendTurn_UnknownAgentWritesNothing(t *testing.T) {
	fake := &fakeAdapter{id: "spellcheck", outcome: proseOutcome("ok")}
	fx := newServiceFixture(t, fake)

	_, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		UserID:  "user-1",
		AgentID: "no-such-agent",
		Text:    "hi",
	})
	require.ErrorIs(t, err, adapter.ErrUnknownAgent)

	convs, err := fx.store.ListConversations(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSendTurn_EmptyTurn(t *testing.T) {
	fake := &fakeAdapter{id: "spellcheck", outcome: proseOutcome("ok")}
	fx := newServiceFixture(t, fake)

	_, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		UserID:  "user-1",
		AgentID: "spellcheck",
		Text:    "   \n  ",
	})
	require.ErrorIs(t, err, ErrEmptyTurn)
}

func TestSendTurn_DispatchFailureKeepsTurn(t *testing.T) {
	upstream := errors.New("doc-chat service unreachable")
	fake := &fakeAdapter{id: "doc-chat", err: upstream}
	fx := newServiceFixture(t, fake)

	_, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		UserID:  "user-1",
		AgentID: "doc-chat",
		Text:    "question",
	})
	require.ErrorIs(t, err, upstream)

	convs, err := fx.store.ListConversations(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, convs, 1)

	msgs, err := fx.store.ListMessages(context.Background(), convs[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
}

func TestSendTurn_MissingInputWritesNothing(t *testing.T) {
	fake := &fakeAdapter{id: "stt-summary", checkErr: adapter.ErrMissingInput}
	fx := newServiceFixture(t, fake)

	// A text-only turn to an agent that needs URLs or files is refused
	// before any conversation or message is persisted.
	_, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		UserID:  "user-1",
		AgentID: "stt-summary",
		Text:    "summarize this please",
	})
	require.ErrorIs(t, err, adapter.ErrMissingInput)

	convs, err := fx.store.ListConversations(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSendTurn_DefaultsUserTag(t *testing.T) {
	fake := &fakeAdapter{id: "doc-chat", outcome: proseOutcome("answer")}
	fx := newServiceFixture(t, fake)

	_, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		UserID:  "user-7",
		AgentID: "doc-chat",
		Text:    "question",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-7", fake.last.Params.UserTag)
}

func TestSendTurn_AsyncHandlesBecomePlaceholders(t *testing.T) {
	fake := &fakeAdapter{id: "stt-summary", outcome: &adapter.Outcome{
		Handles: []adapter.AsyncHandle{
			{RequestID: "req-1", Origin: "https://a.example/v1"},
			{RequestID: "req-2", Origin: "https://b.example/v2"},
		},
	}}
	fx := newServiceFixture(t, fake)

	res, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		UserID:  "user-1",
		AgentID: "stt-summary",
		Params:  adapter.Params{URLs: []string{"https://a.example/v1", "https://b.example/v2"}},
	})
	require.NoError(t, err)

	assert.Empty(t, res.Replies)
	require.Len(t, res.Pending, 2)
	assert.Equal(t, "req-1", res.Pending[0].RequestID)
	assert.Contains(t, res.Pending[0].Text, "https://a.example/v1")

	require.Len(t, fx.runner.jobs, 2)
	assert.Equal(t, res.Pending[0].ID, fx.runner.jobs[0].PlaceholderID)
	assert.Equal(t, res.Pending[1].ID, fx.runner.jobs[1].PlaceholderID)

	// Only the user turn is persisted; placeholders live in memory.
	msgs, err := fx.store.ListMessages(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	// Finishing the first job finalizes only its own placeholder.
	fx.runner.dones[0](fx.runner.jobs[0], &poller.Result{
		State:   poller.StateCompleted,
		Payload: json.RawMessage(`{"success":true,"content":"first done"}`),
	})
	msgs, err = fx.store.ListMessages(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, res.Pending[0].ID, msgs[1].ID)
}

func sendSTTJob(t *testing.T, fx *serviceFixture) (*TurnResult, *poller.Job, func(*poller.Job, *poller.Result)) {
	t.Helper()
	res, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		UserID:  "user-1",
		AgentID: "stt-summary",
		Params:  adapter.Params{URLs: []string{"https://a.example/v1"}},
	})
	require.NoError(t, err)
	require.Len(t, fx.runner.jobs, 1)
	return res, fx.runner.jobs[0], fx.runner.dones[0]
}

func TestFinishJob_CompletedReusesPlaceholderID(t *testing.T) {
	fake := &fakeAdapter{id: "stt-summary", outcome: &adapter.Outcome{
		Handles: []adapter.AsyncHandle{{RequestID: "req-1", Origin: "https://a.example/v1"}},
	}}
	fx := newServiceFixture(t, fake)
	res, job, done := sendSTTJob(t, fx)

	payload := json.RawMessage(`{"success":true,"content":{"summary_md":"## Summary","merged_md":"full transcript"}}`)
	done(job, &poller.Result{State: poller.StateCompleted, Payload: payload, Attempts: 2})

	msgs, err := fx.store.ListMessages(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	final := msgs[1]
	assert.Equal(t, res.Pending[0].ID, final.ID)
	assert.Equal(t, store.RoleAssistant, final.Role)

	val := content.Decode(final.Content)
	require.Equal(t, content.KindAnalysis, val.Kind)
	assert.Equal(t, "## Summary", val.Analysis.SummaryMD)
	assert.Equal(t, "full transcript", val.Analysis.MergedMD)
	assert.Equal(t, "https://a.example/v1", val.Analysis.Source)
}

func TestFinishJob_PublishesToSubscribers(t *testing.T) {
	fake := &fakeAdapter{id: "stt-summary", outcome: &adapter.Outcome{
		Handles: []adapter.AsyncHandle{{RequestID: "req-1", Origin: "https://a.example/v1"}},
	}}
	fx := newServiceFixture(t, fake)
	res, job, done := sendSTTJob(t, fx)

	ch, _, err := fx.svc.Subscribe(context.Background(), res.Conversation.ID, "user-1")
	require.NoError(t, err)

	done(job, &poller.Result{State: poller.StateCompleted, Payload: json.RawMessage(`{"success":true,"content":"done"}`), Attempts: 1})

	select {
	case msg := <-ch:
		assert.Equal(t, res.Pending[0].ID, msg.ID)
	case <-time.After(time.Second):
		t.Fatal("no message broadcast after job finished")
	}
}

func TestFinishJob_FailureAndTimeout(t *testing.T) {
	tests := []struct {
		name   string
		result *poller.Result
		want   []string
	}{
		{
			"failed carries upstream detail",
			&poller.Result{State: poller.StateFailed, Detail: "worker crashed", Attempts: 3},
			[]string{"failed", "worker crashed", "https://a.example/v1"},
		},
		{
			"timeout names the request id",
			&poller.Result{State: poller.StateTimedOut, Attempts: 100},
			[]string{"timed out", "req-1"},
		},
		{
			"rejected completion keeps raw payload",
			&poller.Result{State: poller.StateCompleted, Payload: json.RawMessage(`{"success":false,"error":"no audio track"}`), Attempts: 5},
			[]string{"failed", "no audio track"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeAdapter{id: "stt-summary", outcome: &adapter.Outcome{
				Handles: []adapter.AsyncHandle{{RequestID: "req-1", Origin: "https://a.example/v1"}},
			}}
			fx := newServiceFixture(t, fake)
			res, job, done := sendSTTJob(t, fx)

			done(job, tt.result)

			msgs, err := fx.store.ListMessages(context.Background(), res.Conversation.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 2)

			val := content.Decode(msgs[1].Content)
			assert.Equal(t, content.KindError, val.Kind)
			for _, want := range tt.want {
				assert.Contains(t, val.Text, want)
			}
		})
	}
}

func TestCompletionValue_StringContent(t *testing.T) {
	job := &poller.Job{Origin: "https://a.example/v1"}
	val := completionValue(job, json.RawMessage(`{"success":true,"content":"plain summary"}`))
	require.Equal(t, content.KindAnalysis, val.Kind)
	assert.Equal(t, "plain summary", val.Analysis.SummaryMD)
	assert.Empty(t, val.Analysis.MergedMD)
}

func TestHistoryAndDelete_Ownership(t *testing.T) {
	fake := &fakeAdapter{id: "spellcheck", outcome: proseOutcome("ok")}
	fx := newServiceFixture(t, fake)

	res, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		UserID:  "user-1",
		AgentID: "spellcheck",
		Text:    "hi",
	})
	require.NoError(t, err)
	convID := res.Conversation.ID

	msgs, err := fx.svc.History(context.Background(), convID, "user-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	_, err = fx.svc.History(context.Background(), convID, "user-2")
	assert.ErrorIs(t, err, ErrNotOwner)

	err = fx.svc.Delete(context.Background(), convID, "user-2")
	assert.ErrorIs(t, err, ErrNotOwner)

	require.NoError(t, fx.svc.Delete(context.Background(), convID, "user-1"))
	_, err = fx.store.GetConversation(context.Background(), convID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete_AbandonsLiveJobs(t *testing.T) {
	fake := &fakeAdapter{id: "stt-summary", outcome: &adapter.Outcome{
		Handles: []adapter.AsyncHandle{
			{RequestID: "req-1", Origin: "https://a.example/v1"},
			{RequestID: "req-2", Origin: "https://b.example/v2"},
		},
	}}
	fx := newServiceFixture(t, fake)

	res, err := fx.svc.SendTurn(context.Background(), &TurnRequest{
		UserID:  "user-1",
		AgentID: "stt-summary",
		Params:  adapter.Params{URLs: []string{"https://a.example/v1", "https://b.example/v2"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Pending, 2)

	require.NoError(t, fx.svc.Delete(context.Background(), res.Conversation.ID, "user-1"))

	assert.ElementsMatch(t,
		[]string{res.Pending[0].ID, res.Pending[1].ID},
		fx.runner.abandoned)
}

func TestFinishJob_AfterDeleteWritesNothing(t *testing.T) {
	fake := &fakeAdapter{id: "stt-summary", outcome: &adapter.Outcome{
		Handles: []adapter.AsyncHandle{{RequestID: "req-1", Origin: "https://a.example/v1"}},
	}}
	fx := newServiceFixture(t, fake)
	res, job, done := sendSTTJob(t, fx)

	require.NoError(t, fx.svc.Delete(context.Background(), res.Conversation.ID, "user-1"))

	// A job that slips past the abandon and finalizes anyway must not
	// recreate rows for the deleted conversation.
	done(job, &poller.Result{
		State:   poller.StateCompleted,
		Payload: json.RawMessage(`{"success":true,"content":"late result"}`),
	})

	_, err := fx.store.GetConversation(context.Background(), res.Conversation.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	msgs, err := fx.store.ListMessages(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDisplayText(t *testing.T) {
	assert.Equal(t, "hi", displayText("  hi  ", adapter.Params{}))
	assert.Equal(t, "", displayText("  ", adapter.Params{}))

	got := displayText("check this", adapter.Params{
		URLs:  []string{"https://a.example/v1"},
		Files: []adapter.Upload{{Name: "talk.mp4"}},
	})
	assert.Equal(t, "check this\nhttps://a.example/v1\n[file] talk.mp4", got)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "short", deriveTitle("short"))
	assert.Equal(t, "first line", deriveTitle("first line\nsecond line"))
	long := strings.Repeat("x", 40)
	assert.Equal(t, strings.Repeat("x", 30)+"…", deriveTitle(long))
}
