// ABOUTME: Spell-check agent adapter calling the external mail-refinement service
// ABOUTME: Multipart form request; the reply's text field name varies by service version

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/2389/parley/internal/content"
)

// AgentSpellcheck is the catalog id of the spell-check agent.
const AgentSpellcheck = "spellcheck"

// Spellcheck calls the external spell-check endpoint.
type Spellcheck struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewSpellcheck creates the spell-check adapter. Pass nil logger for default.
func NewSpellcheck(url string, client *http.Client, logger *slog.Logger) *Spellcheck {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Spellcheck{
		url:    url,
		client: client,
		logger: logger.With("component", "adapter", "agent", AgentSpellcheck),
	}
}

func (s *Spellcheck) ID() string { return AgentSpellcheck }

// CheckInput requires turn text.
func (s *Spellcheck) CheckInput(inv *Invocation) error {
	if inv.Input == "" {
		return fmt.Errorf("%w: text", ErrMissingInput)
	}
	return nil
}

// Invoke posts the turn text as a multipart form and extracts the corrected
// text from whichever field the service used.
func (s *Spellcheck) Invoke(ctx context.Context, inv *Invocation) (*Outcome, error) {
	if err := s.CheckInput(inv); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("text", inv.Input); err != nil {
		return nil, fmt.Errorf("writing form field: %w", err)
	}
	if len(inv.Context) > 0 {
		contextJSON, err := json.Marshal(FlattenContext(inv.Context))
		if err != nil {
			return nil, fmt.Errorf("encoding context: %w", err)
		}
		if err := form.WriteField("previous_context", string(contextJSON)); err != nil {
			return nil, fmt.Errorf("writing form field: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("creating spellcheck request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("spellcheck call failed", "error", err)
		return &Outcome{Results: []content.Value{transportError("spellcheck", err)}}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := readBody(resp.Body)
		s.logger.Warn("spellcheck service error", "status", resp.StatusCode, "body", errBody)
		return &Outcome{Results: []content.Value{upstreamError("spellcheck", resp.StatusCode, errBody)}}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Outcome{Results: []content.Value{transportError("spellcheck", err)}}, nil
	}

	return &Outcome{Results: []content.Value{content.Prose(extractResultText(body))}}, nil
}

// extractResultText pulls the reply text out of a loosely specified JSON
// body. Known field names are tried in order; a bare string or an unknown
// shape falls back to the raw body.
func extractResultText(body []byte) string {
	var asString string
	if err := json.Unmarshal(body, &asString); err == nil {
		return asString
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return string(body)
	}

	for _, key := range []string{"corrected", "result", "text", "refined_text", "message"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err == nil && value != "" {
			return value
		}
	}

	return string(body)
}
