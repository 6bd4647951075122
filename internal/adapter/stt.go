// ABOUTME: Speech-to-text agent adapter submitting media to the queued STT service
// ABOUTME: Returns async handles; completion is observed by the job poller, not here

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/2389/parley/internal/content"
)

// AgentSTT is the catalog id of the speech-to-text summarization agent.
const AgentSTT = "stt-summary"

// STTConfig mirrors the transcription options the external service accepts.
type STTConfig struct {
	WhisperModel string `json:"whisper_model"`
	WhisperLang  string `json:"whisper_lang"`
	Diarize      bool   `json:"diarize"`
	MakeSummary  bool   `json:"make_summary"`
	OutFormats   string `json:"out_formats"`
}

// DefaultSTTConfig returns the options the web frontend submits by default.
func DefaultSTTConfig() STTConfig {
	return STTConfig{
		WhisperModel: "large-v3",
		WhisperLang:  "ko",
		Diarize:      true,
		MakeSummary:  true,
		OutFormats:   "txt",
	}
}

// STT submits analysis jobs to the external speech-to-text service. Each URL
// or file becomes one independent job; a submission that fails yields an
// error result instead of a handle.
type STT struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewSTT creates the speech-to-text adapter. Pass nil logger for default.
func NewSTT(url string, client *http.Client, logger *slog.Logger) *STT {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &STT{
		url:    url,
		client: client,
		logger: logger.With("component", "adapter", "agent", AgentSTT),
	}
}

func (s *STT) ID() string { return AgentSTT }

// CheckInput requires at least one URL or uploaded file.
func (s *STT) CheckInput(inv *Invocation) error {
	if len(inv.Params.URLs) == 0 && len(inv.Params.Files) == 0 {
		return fmt.Errorf("%w: urls or files", ErrMissingInput)
	}
	return nil
}

// Invoke submits one job per URL and per uploaded file. The outcome carries
// handles for accepted jobs and error results for rejected ones; there is no
// synchronous content.
func (s *STT) Invoke(ctx context.Context, inv *Invocation) (*Outcome, error) {
	if err := s.CheckInput(inv); err != nil {
		return nil, err
	}

	cfg := inv.Params.STTConfig
	if cfg == (STTConfig{}) {
		cfg = DefaultSTTConfig()
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding stt config: %w", err)
	}

	outcome := &Outcome{}

	for _, url := range inv.Params.URLs {
		handle, errResult := s.submitURL(ctx, url, cfgJSON)
		if handle != nil {
			outcome.Handles = append(outcome.Handles, *handle)
		} else {
			outcome.Results = append(outcome.Results, *errResult)
		}
	}

	for _, file := range inv.Params.Files {
		handle, errResult := s.submitFile(ctx, file, cfgJSON)
		if handle != nil {
			outcome.Handles = append(outcome.Handles, *handle)
		} else {
			outcome.Results = append(outcome.Results, *errResult)
		}
	}

	return outcome, nil
}

// submitURL posts one URL as a multipart form and reads back the request id.
func (s *STT) submitURL(ctx context.Context, url string, cfgJSON []byte) (*AsyncHandle, *content.Value) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("input_source", url); err != nil {
		return nil, errResult(url, fmt.Errorf("writing form field: %w", err))
	}
	if err := form.WriteField("config", string(cfgJSON)); err != nil {
		return nil, errResult(url, fmt.Errorf("writing form field: %w", err))
	}
	if err := form.Close(); err != nil {
		return nil, errResult(url, fmt.Errorf("closing form: %w", err))
	}

	return s.submit(ctx, url, &buf, form.FormDataContentType())
}

// submitFile posts uploaded media bytes.
func (s *STT) submitFile(ctx context.Context, file Upload, cfgJSON []byte) (*AsyncHandle, *content.Value) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("files", file.Name)
	if err != nil {
		return nil, errResult(file.Name, fmt.Errorf("creating form file: %w", err))
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, errResult(file.Name, fmt.Errorf("writing file bytes: %w", err))
	}
	if err := form.WriteField("config", string(cfgJSON)); err != nil {
		return nil, errResult(file.Name, fmt.Errorf("writing form field: %w", err))
	}
	if err := form.Close(); err != nil {
		return nil, errResult(file.Name, fmt.Errorf("closing form: %w", err))
	}

	return s.submit(ctx, file.Name, &buf, form.FormDataContentType())
}

// submit performs one submission call and interprets the reply.
func (s *STT) submit(ctx context.Context, origin string, body *bytes.Buffer, contentType string) (*AsyncHandle, *content.Value) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, body)
	if err != nil {
		return nil, errResult(origin, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("stt submission failed", "origin", origin, "error", err)
		return nil, errResult(origin, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := readBody(resp.Body)
		s.logger.Warn("stt service rejected submission",
			"origin", origin,
			"status", resp.StatusCode,
			"body", errBody)
		v := upstreamError("stt", resp.StatusCode, errBody)
		return nil, &v
	}

	var reply struct {
		Success   bool   `json:"success"`
		RequestID string `json:"request_id"`
	}
	if err := decodeJSON(resp, &reply); err != nil {
		return nil, errResult(origin, err)
	}
	if !reply.Success || reply.RequestID == "" {
		v := content.Errorf("stt service did not accept %s", origin)
		return nil, &v
	}

	s.logger.Debug("stt job submitted", "origin", origin, "request_id", reply.RequestID)
	return &AsyncHandle{RequestID: reply.RequestID, Origin: origin}, nil
}

func errResult(origin string, err error) *content.Value {
	v := content.Errorf("analysis submission failed for %s: %v", origin, err)
	return &v
}
