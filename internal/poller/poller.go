// ABOUTME: Asynchronous job completion tracker polling an external status endpoint
// ABOUTME: Fixed cadence with a bounded attempt budget; not-found means still processing

package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// State is where a tracked job is in its lifecycle.
type State string

const (
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Job binds an external request id to the placeholder message awaiting its
// result. Jobs are ephemeral; they are never persisted.
type Job struct {
	RequestID      string
	ConversationID string
	PlaceholderID  string
	AgentID        string
	Origin         string // URL or filename the job was submitted for
	CreatedAt      time.Time
}

// Result is the terminal outcome of one job.
type Result struct {
	State    State
	Payload  json.RawMessage // completed: the status endpoint's success body
	Detail   string          // failed: raw upstream error body
	Attempts int
}

// UpstreamError is a non-success, non-404 reply from the status endpoint.
// It terminates the job immediately.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("status endpoint returned %d: %s", e.StatusCode, e.Body)
}

// StatusClient issues one status query per tick. A (nil, nil) return means
// the job is still in progress; registration on the external side may lag
// the handle's return, so "not found" is in progress, not an error.
type StatusClient interface {
	Poll(ctx context.Context, requestID string) (json.RawMessage, error)
}

// Poller drives one status query per tick until a job reaches a terminal
// state or exhausts its attempt budget.
type Poller struct {
	client      StatusClient
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// New creates a poller. Pass nil logger for default.
func New(client StatusClient, interval time.Duration, maxAttempts int, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:      client,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "poller"),
	}
}

// Watch polls until the job completes, fails, or runs out of attempts, then
// calls done exactly once with the terminal result. Cancelling ctx abandons
// the job without calling done; the external job keeps running, which is the
// accepted cost of fire-and-forget submission.
//
// Watch blocks; callers that want concurrency spawn it via Tracker.
func (p *Poller) Watch(ctx context.Context, job *Job, done func(*Job, *Result)) {
	logger := p.logger.With("request_id", job.RequestID, "conversation_id", job.ConversationID)
	logger.Debug("watching job", "origin", job.Origin)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			logger.Debug("job abandoned", "attempts", attempts)
			return

		case <-ticker.C:
			attempts++

			payload, err := p.client.Poll(ctx, job.RequestID)
			if err != nil {
				var upstream *UpstreamError
				if errors.As(err, &upstream) {
					// A hard status-endpoint error ends the job now; only
					// "not found" counts as still-processing.
					logger.Warn("job failed",
						"status", upstream.StatusCode,
						"attempts", attempts)
					done(job, &Result{State: StateFailed, Detail: upstream.Body, Attempts: attempts})
					return
				}
				if ctx.Err() != nil {
					logger.Debug("job abandoned mid-poll", "attempts", attempts)
					return
				}
				// Transient transport trouble; the next tick retries.
				logger.Warn("poll attempt failed", "error", err, "attempt", attempts)
			}

			if payload != nil {
				logger.Debug("job completed", "attempts", attempts)
				done(job, &Result{State: StateCompleted, Payload: payload, Attempts: attempts})
				return
			}

			if attempts >= p.maxAttempts {
				logger.Warn("job timed out", "attempts", attempts)
				done(job, &Result{State: StateTimedOut, Attempts: attempts})
				return
			}
		}
	}
}

// HTTPStatusClient queries a status endpoint by request id.
type HTTPStatusClient struct {
	url    string
	client *http.Client
}

// NewHTTPStatusClient creates a status client for the given endpoint URL.
func NewHTTPStatusClient(endpoint string, client *http.Client) *HTTPStatusClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStatusClient{url: endpoint, client: client}
}

// Poll issues GET {url}?request_id={id}. 404 maps to in-progress, any other
// non-2xx to UpstreamError, and a 2xx body is returned as the payload.
func (c *HTTPStatusClient) Poll(ctx context.Context, requestID string) (json.RawMessage, error) {
	u := c.url + "?request_id=" + url.QueryEscape(requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating status request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: readBody(resp)}
	}

	var payload json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return payload, nil
}

func readBody(resp *http.Response) string {
	buf := make([]byte, 8192)
	n, _ := resp.Body.Read(buf)
	return string(buf[:n])
}

var _ StatusClient = (*HTTPStatusClient)(nil)
