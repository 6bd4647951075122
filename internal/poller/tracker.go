// ABOUTME: Tracker owns the lifecycle of every live polling goroutine
// ABOUTME: Each job gets its own cancelable context keyed by placeholder id

package poller

import (
	"context"
	"log/slog"
	"sync"
)

// Tracker spawns and supervises Watch goroutines. Every job's context is
// derived here, so abandoning a job or shutting everything down is an
// explicit cancel rather than a leaked goroutine.
type Tracker struct {
	poller *Poller
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // placeholder id -> cancel
	wg      sync.WaitGroup
}

// NewTracker creates a tracker around the given poller.
func NewTracker(p *Poller, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		poller:  p,
		logger:  logger.With("component", "job-tracker"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start spawns a watch goroutine for the job. The job's context is derived
// from ctx, so cancelling the parent stops the watch too. done fires at most
// once per job and never after Abandon or Stop returns for that job.
func (t *Tracker) Start(ctx context.Context, job *Job, done func(*Job, *Result)) {
	jobCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if prev, ok := t.cancels[job.PlaceholderID]; ok {
		prev()
	}
	t.cancels[job.PlaceholderID] = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.remove(job.PlaceholderID)
		t.poller.Watch(jobCtx, job, done)
	}()
}

// Abandon cancels the watch for the given placeholder, if still live.
// Reports whether a job was found.
func (t *Tracker) Abandon(placeholderID string) bool {
	t.mu.Lock()
	cancel, ok := t.cancels[placeholderID]
	if ok {
		delete(t.cancels, placeholderID)
	}
	t.mu.Unlock()

	if ok {
		cancel()
		t.logger.Debug("abandoned job", "placeholder_id", placeholderID)
	}
	return ok
}

// Active reports how many jobs are currently being watched.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancels)
}

// Stop cancels every live job and waits for their goroutines to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.cancels))
	for id, cancel := range t.cancels {
		cancels = append(cancels, cancel)
		delete(t.cancels, id)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	t.wg.Wait()
	t.logger.Debug("all jobs stopped")
}

func (t *Tracker) remove(placeholderID string) {
	t.mu.Lock()
	delete(t.cancels, placeholderID)
	t.mu.Unlock()
}
