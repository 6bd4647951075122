// ABOUTME: Translation agent adapter calling the external translate service
// ABOUTME: JSON request/response; replies synchronously with the translated text

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

// AgentTranslate is the catalog id of the translation agent.
const AgentTranslate = "translate_language"

const defaultTargetLang = "ko"

// Translate calls the external translation endpoint.
type Translate struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewTranslate creates the translation adapter. Pass nil logger for default.
func NewTranslate(url string, client *http.Client, logger *slog.Logger) *Translate {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Translate{
		url:    url,
		client: client,
		logger: logger.With("component", "adapter", "agent", AgentTranslate),
	}
}

func (t *Translate) ID() string { return AgentTranslate }

// CheckInput requires turn text.
func (t *Translate) CheckInput(inv *Invocation) error {
	if inv.Input == "" {
		return fmt.Errorf("%w: text", ErrMissingInput)
	}
	return nil
}

// Invoke sends the turn text and flattened context to the translate service.
func (t *Translate) Invoke(ctx context.Context, inv *Invocation) (*Outcome, error) {
	if err := t.CheckInput(inv); err != nil {
		return nil, err
	}

	targetLang := inv.Params.TargetLang
	if targetLang == "" {
		targetLang = defaultTargetLang
	}

	// The service rejects an empty context array; it wants "" instead.
	var previousContext any = FlattenContext(inv.Context)
	if len(inv.Context) == 0 {
		previousContext = ""
	}

	payload := map[string]any{
		"text":             inv.Input,
		"current_input":    inv.Input,
		"target_lang":      targetLang,
		"previous_context": previousContext,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding translate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating translate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("translate call failed", "error", err)
		return &Outcome{Results: []content.Value{transportError("translate", err)}}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := readBody(resp.Body)
		t.logger.Warn("translate service error", "status", resp.StatusCode, "body", errBody)
		return &Outcome{Results: []content.Value{upstreamError("translate", resp.StatusCode, errBody)}}, nil
	}

	var reply struct {
		Translated string `json:"translated"`
	}
	if err := decodeJSON(resp, &reply); err != nil {
		return &Outcome{Results: []content.Value{transportError("translate", err)}}, nil
	}
	if reply.Translated == "" {
		return &Outcome{Results: []content.Value{content.Errorf("translate service returned no translated text")}}, nil
	}

	return &Outcome{Results: []content.Value{content.Prose(reply.Translated)}}, nil
}
