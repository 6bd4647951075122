// ABOUTME: Adapter for the external OCR text-extraction service
// ABOUTME: Posts uploaded documents as multipart and formats extracted text as markdown

package adapter

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/2389/parley/internal/content"
)

// AgentOCR is the catalog id of the OCR text-extraction agent.
const AgentOCR = "ocr"

const (
	defaultOCRMode = "markdown"
	defaultOCRDPI  = 150
)

// OCR calls the external text-extraction endpoint.
type OCR struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewOCR creates the OCR adapter. Pass nil client for http.DefaultClient.
func NewOCR(url string, client *http.Client, logger *slog.Logger) *OCR {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OCR{
		url:    url,
		client: client,
		logger: logger.With("component", "adapter", "agent", AgentOCR),
	}
}

func (o *OCR) ID() string { return AgentOCR }

// CheckInput requires at least one uploaded file.
func (o *OCR) CheckInput(inv *Invocation) error {
	if len(inv.Params.Files) == 0 {
		return fmt.Errorf("%w: files", ErrMissingInput)
	}
	return nil
}

// Invoke posts the uploaded documents in one multipart call, with extraction
// options carried as query parameters, and returns the extracted text of all
// files as a single markdown result.
func (o *OCR) Invoke(ctx context.Context, inv *Invocation) (*Outcome, error) {
	if err := o.CheckInput(inv); err != nil {
		return nil, err
	}

	mode := inv.Params.OCRMode
	if mode == "" {
		mode = defaultOCRMode
	}
	dpi := inv.Params.DPI
	if dpi == 0 {
		dpi = defaultOCRDPI
	}

	query := url.Values{}
	query.Set("mode", mode)
	if inv.Params.MaxPages > 0 {
		query.Set("max_pages", strconv.Itoa(inv.Params.MaxPages))
	}
	query.Set("dpi", strconv.Itoa(dpi))

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	for _, file := range inv.Params.Files {
		part, err := form.CreateFormFile("files", file.Name)
		if err != nil {
			return nil, fmt.Errorf("creating form file: %w", err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, fmt.Errorf("writing file bytes: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"?"+query.Encode(), &buf)
	if err != nil {
		return nil, fmt.Errorf("creating ocr request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Warn("ocr call failed", "error", err)
		return &Outcome{Results: []content.Value{transportError("ocr", err)}}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := readBody(resp.Body)
		o.logger.Warn("ocr service error", "status", resp.StatusCode, "body", errBody)
		return &Outcome{Results: []content.Value{upstreamError("ocr", resp.StatusCode, errBody)}}, nil
	}

	var reply struct {
		Success bool `json:"success"`
		Items   []struct {
			Filename string `json:"filename"`
			Text     string `json:"text"`
		} `json:"items"`
		TotalMS float64 `json:"total_ms"`
	}
	if err := decodeJSON(resp, &reply); err != nil {
		return &Outcome{Results: []content.Value{transportError("ocr", err)}}, nil
	}
	if !reply.Success || len(reply.Items) == 0 {
		return &Outcome{Results: []content.Value{content.Errorf("ocr service returned no extracted text")}}, nil
	}

	var sb strings.Builder
	if len(reply.Items) == 1 {
		fmt.Fprintf(&sb, "**OCR result** %s\n\n%s", reply.Items[0].Filename, reply.Items[0].Text)
	} else {
		fmt.Fprintf(&sb, "**OCR result** (%d files)\n\n", len(reply.Items))
		for i, item := range reply.Items {
			fmt.Fprintf(&sb, "### %d. %s\n\n%s\n\n", i+1, item.Filename, item.Text)
			if i < len(reply.Items)-1 {
				sb.WriteString("---\n\n")
			}
		}
	}
	if reply.TotalMS > 0 {
		fmt.Fprintf(&sb, "\n\n---\n_processed in %.1fs_", reply.TotalMS/1000)
	}

	return &Outcome{Results: []content.Value{content.Prose(sb.String())}}, nil
}
