// Package collab holds stand-in implementations of the external analysis
// collaborators: a filesystem blob store, a plain-text extractor, a
// keyword-scoring jurisdiction detector, template analyzers and a canned
// chat responder. The pipeline only depends on the interfaces in the tasks
// package; swap these for the real services without touching the handlers.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/mohans/legalpipe/tasks"
)

// DirBlobStore loads uploaded document bytes from a directory, one file per
// document id.
type DirBlobStore struct {
	Dir string
}

func (s DirBlobStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, documentID))
	if os.IsNotExist(err) {
		return nil, tasks.ErrDocumentNotFound
	}
	return data, err
}

// Save writes uploaded bytes; used by the API's upload endpoint.
func (s DirBlobStore) Save(ctx context.Context, documentID string, data []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.Dir, documentID), data, 0o644)
}

// PlainTextExtractor treats the blob as UTF-8 text.
type PlainTextExtractor struct{}

const charsPerPage = 3000

func (PlainTextExtractor) Extract(ctx context.Context, data []byte) (tasks.ExtractResult, error) {
	if !utf8.Valid(data) {
		return tasks.ExtractResult{}, tasks.ErrUnsupportedFormat
	}
	text := string(data)
	pages := len(text)/charsPerPage + 1
	return tasks.ExtractResult{Text: text, PageCount: pages}, nil
}

// KeywordDetector scores jurisdictions by marker-term frequency.
type KeywordDetector struct{}

var jurisdictionMarkers = map[string][]string{
	tasks.JurisdictionIndia: {"indian contract act", "companies act 2013", "reserve bank of india", "high court of", "rupees", "gst"},
	tasks.JurisdictionUS:    {"delaware", "securities and exchange commission", "uniform commercial code", "state of new york", "us dollars", "irs"},
}

var crossBorderMarkers = []string{"governing law of multiple", "cross-border", "international arbitration", "uncitral", "icc rules"}

func (KeywordDetector) Detect(ctx context.Context, text string) (tasks.Detection, error) {
	lower := strings.ToLower(text)
	scores := make(map[string]float64)
	var elements []string
	for jurisdiction, markers := range jurisdictionMarkers {
		for _, m := range markers {
			if n := strings.Count(lower, m); n > 0 {
				scores[jurisdiction] += float64(n)
				elements = append(elements, m)
			}
		}
	}
	for _, m := range crossBorderMarkers {
		if n := strings.Count(lower, m); n > 0 {
			scores[tasks.JurisdictionCrossBorder] += float64(2 * n)
			elements = append(elements, m)
		}
	}
	best, bestScore, total := tasks.JurisdictionUS, 0.0, 0.0
	for j, s := range scores {
		total += s
		if s > bestScore {
			best, bestScore = j, s
		}
	}
	confidence := 0.0
	if total > 0 {
		confidence = bestScore / total
	}
	return tasks.Detection{
		Jurisdiction:     best,
		Confidence:       confidence,
		Scores:           scores,
		DetectedElements: elements,
	}, nil
}

// TemplateAnalyzer produces minimal structured findings for one
// jurisdiction.
type TemplateAnalyzer struct {
	Jurisdiction string
}

func (a TemplateAnalyzer) Analyze(ctx context.Context, text string) (json.RawMessage, error) {
	findings := map[string]any{
		"jurisdiction": a.Jurisdiction,
		"word_count":   len(strings.Fields(text)),
		"summary":      fmt.Sprintf("automated %s review of %d characters", a.Jurisdiction, len(text)),
	}
	return json.Marshal(findings)
}

// Analyzers returns the full analyzer table keyed by jurisdiction.
func Analyzers() map[string]tasks.LegalAnalyzer {
	return map[string]tasks.LegalAnalyzer{
		tasks.JurisdictionIndia:       TemplateAnalyzer{Jurisdiction: tasks.JurisdictionIndia},
		tasks.JurisdictionUS:          TemplateAnalyzer{Jurisdiction: tasks.JurisdictionUS},
		tasks.JurisdictionCrossBorder: TemplateAnalyzer{Jurisdiction: tasks.JurisdictionCrossBorder},
	}
}

// EchoResponder is the chat stand-in.
type EchoResponder struct{}

func (EchoResponder) Respond(ctx context.Context, documentID, message string) (string, error) {
	if documentID == "" {
		return fmt.Sprintf("I can help with questions about your documents. You asked: %q", message), nil
	}
	return fmt.Sprintf("Regarding document %s: %q is noted; full analysis is available once processing completes.", documentID, message), nil
}
