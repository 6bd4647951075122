// ABOUTME: Tagged content union for message bodies (prose, analysis, sources, error)
// ABOUTME: Serializes to a self-describing text form so stored rows decode losslessly

package content

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates the variants of a message body.
type Kind string

const (
	KindProse    Kind = "prose"    // plain text reply (translation, spell check, report)
	KindAnalysis Kind = "analysis" // structured speech-to-text result
	KindSources  Kind = "sources"  // document Q&A answer with source references
	KindError    Kind = "error"    // human-readable failure description
)

// Analysis is the structured result produced by the speech-to-text agent.
// Field names follow the external service's output keys.
type Analysis struct {
	Source    string `json:"source,omitempty"`     // origin descriptor: URL or filename
	SummaryMD string `json:"summary_md,omitempty"` // short human summary
	MergedMD  string `json:"merged_md,omitempty"`  // full transcript
}

// SourceRef points at one retrieved document passage.
type SourceRef struct {
	DocID    string  `json:"doc_id"`
	Page     int     `json:"page,omitempty"`
	Filename string  `json:"filename,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

// SourceList is the document Q&A agent's answer plus its citations.
type SourceList struct {
	Answer  string      `json:"answer"`
	Sources []SourceRef `json:"sources,omitempty"`
}

// Value is one message body. Exactly one variant is populated, selected by Kind.
type Value struct {
	Kind     Kind
	Text     string // prose and error variants
	Analysis *Analysis
	Sources  *SourceList
}

// Prose wraps plain text.
func Prose(text string) Value {
	return Value{Kind: KindProse, Text: text}
}

// Errorf builds an error-kind value from a format string.
func Errorf(format string, args ...any) Value {
	return Value{Kind: KindError, Text: fmt.Sprintf(format, args...)}
}

// envelope is the persisted JSON form for non-bare values.
type envelope struct {
	Kind     Kind        `json:"kind"`
	Text     string      `json:"text,omitempty"`
	Analysis *Analysis   `json:"analysis,omitempty"`
	Sources  *SourceList `json:"sources,omitempty"`
}

// Encode serializes a value to its stored text form. Prose is stored bare so
// ordinary replies stay readable in the database; everything else (and prose
// that would itself parse as an envelope) gets a JSON envelope carrying the
// kind discriminant.
func Encode(v Value) (string, error) {
	if v.Kind == "" {
		v.Kind = KindProse
	}
	if v.Kind == KindProse && !looksLikeEnvelope(v.Text) {
		return v.Text, nil
	}

	env := envelope{Kind: v.Kind, Text: v.Text, Analysis: v.Analysis, Sources: v.Sources}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding %s content: %w", v.Kind, err)
	}
	return string(data), nil
}

// Decode reverses Encode. Anything that is not an envelope with a known kind
// is returned as prose verbatim.
func Decode(stored string) Value {
	if !looksLikeEnvelope(stored) {
		return Prose(stored)
	}

	var env envelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil {
		return Prose(stored)
	}

	switch env.Kind {
	case KindProse, KindError:
		return Value{Kind: env.Kind, Text: env.Text}
	case KindAnalysis:
		if env.Analysis == nil {
			env.Analysis = &Analysis{}
		}
		return Value{Kind: KindAnalysis, Analysis: env.Analysis}
	case KindSources:
		if env.Sources == nil {
			env.Sources = &SourceList{}
		}
		return Value{Kind: KindSources, Sources: env.Sources}
	default:
		return Prose(stored)
	}
}

// looksLikeEnvelope reports whether raw would be read back as an envelope:
// a JSON object whose "kind" field names a known variant.
func looksLikeEnvelope(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var env struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return false
	}
	switch env.Kind {
	case KindProse, KindAnalysis, KindSources, KindError:
		return true
	}
	return false
}

// FlattenText reduces a value to its most representative plain text. This is
// the context-reduction rule shared by every adapter that forwards prior
// turns: transcript first, then summary, then a generic stringification.
func FlattenText(v Value) string {
	switch v.Kind {
	case KindAnalysis:
		if v.Analysis == nil {
			return ""
		}
		if v.Analysis.MergedMD != "" {
			return v.Analysis.MergedMD
		}
		if v.Analysis.SummaryMD != "" {
			return v.Analysis.SummaryMD
		}
		data, err := json.Marshal(v.Analysis)
		if err != nil {
			return ""
		}
		return string(data)
	case KindSources:
		if v.Sources == nil {
			return ""
		}
		return v.Sources.Answer
	default:
		return v.Text
	}
}
