// ABOUTME: Agent catalog seed file loading and store synchronization
// ABOUTME: Parses a TOML catalog and upserts entries the store doesn't have yet

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/2389/parley/internal/store"
)

// File is the TOML catalog shape.
type File struct {
	Agents []Entry `toml:"agents"`
}

// Entry describes one agent in the seed file. Order in the file becomes the
// initial display order.
type Entry struct {
	ID          string   `toml:"id"`
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Features    []string `toml:"features"`
}

// Default returns the built-in catalog used when no seed file is configured.
func Default() *File {
	return &File{Agents: []Entry{
		{
			ID:          "translate_language",
			Name:        "Translation",
			Description: "Translates the current input using conversation context",
			Features:    []string{"text"},
		},
		{
			ID:          "spellcheck",
			Name:        "Spell Check",
			Description: "Corrects spelling and grammar in the submitted text",
			Features:    []string{"text"},
		},
		{
			ID:          "doc-chat",
			Name:        "Document Q&A",
			Description: "Answers questions against uploaded documents with cited sources",
			Features:    []string{"text", "documents"},
		},
		{
			ID:          "report-gen",
			Name:        "Report Drafting",
			Description: "Drafts a markdown report from the submitted text",
			Features:    []string{"text", "markdown"},
		},
		{
			ID:          "ocr",
			Name:        "Text Extraction",
			Description: "Extracts text from uploaded images and PDFs as markdown",
			Features:    []string{"files"},
		},
		{
			ID:          "stt-summary",
			Name:        "Video Analysis",
			Description: "Transcribes and summarizes media from URLs or uploads",
			Features:    []string{"urls", "files", "async"},
		},
	}}
}

// Load parses a catalog file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	var f File
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("parsing catalog file: %w", err)
	}

	for i, e := range f.Agents {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry %d: id is required", i)
		}
		if e.Name == "" {
			return nil, fmt.Errorf("catalog entry %q: name is required", e.ID)
		}
	}

	return &f, nil
}

// Seed upserts catalog entries into the store when the agents table is empty.
// An already-populated table is left alone so admin edits survive restarts.
func Seed(ctx context.Context, s store.Store, f *File, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	existing, err := s.ListAgents(ctx, false)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	for i, e := range f.Agents {
		agent := &store.Agent{
			ID:          e.ID,
			Name:        e.Name,
			Description: e.Description,
			Features:    e.Features,
			OrderIndex:  i,
			Active:      true,
		}
		if err := s.UpsertAgent(ctx, agent); err != nil {
			return fmt.Errorf("seeding agent %q: %w", e.ID, err)
		}
	}

	logger.Info("seeded agent catalog", "count", len(f.Agents))
	return nil
}
