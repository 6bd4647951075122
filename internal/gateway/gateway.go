// ABOUTME: Gateway orchestrator wiring the HTTP server, routes, and lifecycle
// ABOUTME: Owns graceful shutdown of the server, job tracker, and broadcaster

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/parley/internal/adapter"
	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/poller"
	"github.com/2389/parley/internal/store"
)

// Gateway coordinates the HTTP server and the components behind it.
type Gateway struct {
	config      *config.Config
	store       store.Store
	service     *conversation.Service
	tracker     *poller.Tracker
	broadcaster *conversation.Broadcaster
	verifier    auth.Verifier
	uploader    *adapter.DocUploader
	metrics     *metrics.Metrics
	markdown    goldmark.Markdown
	httpServer  *http.Server
	logger      *slog.Logger
}

// New creates a gateway with all routes registered. verifier, uploader, and m
// may be nil; a nil verifier treats every request as sessionless and a nil
// uploader disables document registration.
func New(cfg *config.Config, st store.Store, svc *conversation.Service, tracker *poller.Tracker, broadcaster *conversation.Broadcaster, verifier auth.Verifier, uploader *adapter.DocUploader, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:      cfg,
		store:       st,
		service:     svc,
		tracker:     tracker,
		broadcaster: broadcaster,
		verifier:    verifier,
		uploader:    uploader,
		metrics:     m,
		markdown:    goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:      logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/turns", g.handleTurns)
	mux.HandleFunc("/api/conversations", g.handleConversations)
	mux.HandleFunc("/api/conversations/", g.handleConversationByID)
	mux.HandleFunc("/api/documents", g.handleDocuments)
	mux.HandleFunc("/api/agents", g.handleAgents)
	mux.HandleFunc("/api/agents/reorder", g.handleReorderAgents)
	mux.HandleFunc("/api/events", g.handleEvents)
	mux.HandleFunc("/health", g.handleHealth)
	if cfg.Metrics.Enabled && m != nil {
		mux.Handle(cfg.Metrics.Path, m.Handler())
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g
}

// Start runs the HTTP server until it is shut down.
func (g *Gateway) Start() error {
	g.logger.Info("http server starting", "addr", g.config.Server.HTTPAddr)
	if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP server, stops live polling jobs, and closes the
// broadcaster. The store is owned by the caller.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down")

	err := g.httpServer.Shutdown(ctx)

	if g.tracker != nil {
		g.tracker.Stop()
	}
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}

	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// handleHealth handles GET /health requests.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}

// requestUser resolves the authenticated user for a request. A request with
// no session at all falls back to the configured default owner, matching
// single-user deployments without a login flow. A bad token is still a 401.
func (g *Gateway) requestUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if g.verifier == nil {
		return g.config.Auth.DefaultUserID, true
	}
	user, err := g.verifier.CurrentUser(r)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid session")
		return "", false
	}
	if user == nil {
		return g.config.Auth.DefaultUserID, true
	}
	return user.ID, true
}
