package tasks

import (
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// Category classifies a task failure for logging and triage.
type Category string

const (
	CategoryDocumentProcessing   Category = "document-processing"
	CategoryAIAnalysis           Category = "ai-analysis"
	CategoryJurisdictionAnalysis Category = "jurisdiction-analysis"
)

// TaskError wraps a handler failure with its category.
type TaskError struct {
	Category Category
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

func documentError(err error) error {
	return &TaskError{Category: CategoryDocumentProcessing, Err: err}
}

func aiError(err error) error {
	return &TaskError{Category: CategoryAIAnalysis, Err: err}
}

func jurisdictionError(err error) error {
	return &TaskError{Category: CategoryJurisdictionAnalysis, Err: err}
}

// Permanent domain errors. These can never succeed on retry, so they are
// wrapped with asynq.SkipRetry and archive immediately instead of consuming
// the retry budget.
var (
	ErrDocumentNotFound    = errors.New("document not found")
	ErrUnsupportedFormat   = errors.New("unsupported document format")
	ErrUnknownJurisdiction = errors.New("unknown jurisdiction")
)

func permanent(err error) error {
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// categorize returns the error's own category when it carries one, and
// otherwise falls back to the task type's natural category.
func categorize(taskType string, err error) Category {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Category
	}
	switch taskType {
	case TypeProcessDocument:
		return CategoryDocumentProcessing
	case TypeDetectJurisdiction, TypeAnalyzeIndia, TypeAnalyzeUS, TypeAnalyzeCrossBorder, TypeComprehensiveAnalysis:
		return CategoryJurisdictionAnalysis
	default:
		return CategoryAIAnalysis
	}
}
