// ABOUTME: Report-drafting agent adapter calling the external report service
// ABOUTME: Multipart form request; the reply is raw markdown or a JSON wrapper

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

// AgentReport is the catalog id of the report-drafting agent.
const AgentReport = "report-gen"

// Report calls the external report generation endpoint.
type Report struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewReport creates the report adapter. Pass nil logger for default.
func NewReport(url string, client *http.Client, logger *slog.Logger) *Report {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Report{
		url:    url,
		client: client,
		logger: logger.With("component", "adapter", "agent", AgentReport),
	}
}

func (r *Report) ID() string { return AgentReport }

// CheckInput requires turn text.
func (r *Report) CheckInput(inv *Invocation) error {
	if inv.Input == "" {
		return fmt.Errorf("%w: text", ErrMissingInput)
	}
	return nil
}

// Invoke posts the turn text and context as a multipart form and returns the
// drafted report as prose markdown.
func (r *Report) Invoke(ctx context.Context, inv *Invocation) (*Outcome, error) {
	if err := r.CheckInput(inv); err != nil {
		return nil, err
	}

	contextJSON, err := json.Marshal(FlattenContext(inv.Context))
	if err != nil {
		return nil, fmt.Errorf("encoding context: %w", err)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	for _, field := range []struct{ name, value string }{
		{"fmt", "md"},
		{"current_input", ""},
		{"text", inv.Input},
		{"previous_context", string(contextJSON)},
	} {
		if err := form.WriteField(field.name, field.value); err != nil {
			return nil, fmt.Errorf("writing form field %s: %w", field.name, err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("creating report request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("report call failed", "error", err)
		return &Outcome{Results: []content.Value{transportError("report", err)}}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := readBody(resp.Body)
		r.logger.Warn("report service error", "status", resp.StatusCode, "body", errBody)
		return &Outcome{Results: []content.Value{upstreamError("report", resp.StatusCode, errBody)}}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Outcome{Results: []content.Value{transportError("report", err)}}, nil
	}

	return &Outcome{Results: []content.Value{content.Prose(reportText(body))}}, nil
}

// reportText unwraps a JSON-wrapped report if the service sent one; the
// usual reply is the raw markdown document itself.
func reportText(body []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return string(body)
	}

	for _, key := range []string{"report", "text", "content", "result"} {
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
