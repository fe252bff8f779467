package tasks

import (
	"context"
	"encoding/json"
)

// Jurisdiction values the detector may report.
const (
	JurisdictionIndia       = "INDIA"
	JurisdictionUS          = "US"
	JurisdictionCrossBorder = "CROSS_BORDER"
)

// ExtractResult is what text extraction yields for a document.
type ExtractResult struct {
	Text      string   `json:"text"`
	PageCount int      `json:"page_count"`
	Errors    []string `json:"errors,omitempty"`
}

// Detection is the structured output of jurisdiction detection.
type Detection struct {
	Jurisdiction     string             `json:"jurisdiction"`
	Confidence       float64            `json:"confidence"`
	Scores           map[string]float64 `json:"scores,omitempty"`
	DetectedElements []string           `json:"detected_elements,omitempty"`
}

// The legal heuristics themselves are external collaborators: text in,
// structured findings out. Handlers only depend on these signatures.
type (
	// BlobStore loads the raw uploaded bytes for a document.
	BlobStore interface {
		Load(ctx context.Context, documentID string) ([]byte, error)
	}

	TextExtractor interface {
		Extract(ctx context.Context, data []byte) (ExtractResult, error)
	}

	JurisdictionDetector interface {
		Detect(ctx context.Context, text string) (Detection, error)
	}

	// LegalAnalyzer produces jurisdiction-specific structured findings.
	LegalAnalyzer interface {
		Analyze(ctx context.Context, text string) (json.RawMessage, error)
	}

	// ChatResponder answers a user message about a document.
	ChatResponder interface {
		Respond(ctx context.Context, documentID, message string) (string, error)
	}
)

// analyzeTypeFor maps a detected jurisdiction to the single task type that
// handles it.
func analyzeTypeFor(jurisdiction string) (string, bool) {
	switch jurisdiction {
	case JurisdictionIndia:
		return TypeAnalyzeIndia, true
	case JurisdictionUS:
		return TypeAnalyzeUS, true
	case JurisdictionCrossBorder:
		return TypeAnalyzeCrossBorder, true
	default:
		return "", false
	}
}
