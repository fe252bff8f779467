package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/legalpipe/store"
)

// The comprehensive analysis is a saga, not a blocking wait: the starter
// task persists pipeline state and enqueues detection; the detection
// handler's completion enqueues exactly one jurisdiction-specific stage; the
// final stage writes the combined record. No worker slot is ever held
// hostage across a child task.

// HandleComprehensiveAnalysis starts the saga. Its own task succeeds as soon
// as the first stage is enqueued; the pipeline record (keyed by this task's
// id) carries the run to completion.
func (h *Handlers) HandleComprehensiveAnalysis(ctx context.Context, t *asynq.Task) error {
	var p DocumentPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return jurisdictionError(permanent(err))
	}
	pipelineID, ok := asynq.GetTaskID(ctx)
	if !ok {
		return jurisdictionError(fmt.Errorf("no task id in context"))
	}

	if existing, err := h.d.Pipelines.Get(ctx, pipelineID); err == nil && existing.Stage != "" {
		// Redelivered after a crash; the saga is already under way.
		h.d.Log.Info("pipeline already started, skipping", "pipeline_id", pipelineID)
		return nil
	}

	if err := h.d.Pipelines.Save(ctx, store.PipelineRecord{
		ID:         pipelineID,
		DocumentID: p.DocumentID,
		Stage:      store.StageDetecting,
	}); err != nil {
		return jurisdictionError(err)
	}

	if _, err := h.d.Enqueuer.Submit(ctx, TypeDetectJurisdiction, DetectPayload{
		DocumentID: p.DocumentID,
		PipelineID: pipelineID,
	}); err != nil {
		h.failPipeline(ctx, pipelineID, err.Error())
		return jurisdictionError(err)
	}

	result, _ := json.Marshal(map[string]string{"pipeline_id": pipelineID, "stage": string(store.StageDetecting)})
	res := string(result)
	_ = h.d.Results.MarkSuccess(ctx, pipelineID, &res, time.Now().UTC())
	return nil
}

// advancePipeline branches on the detected jurisdiction and dispatches the
// single matching second stage.
func (h *Handlers) advancePipeline(ctx context.Context, pipelineID, documentID string, det Detection) error {
	analyzeType, ok := analyzeTypeFor(det.Jurisdiction)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownJurisdiction, det.Jurisdiction)
		h.failPipeline(ctx, pipelineID, err.Error())
		return jurisdictionError(permanent(err))
	}

	detJSON, _ := json.Marshal(det)
	rec, err := h.d.Pipelines.Get(ctx, pipelineID)
	if err != nil {
		return jurisdictionError(err)
	}
	rec.Stage = store.StageAnalyzing
	rec.DetectionJSON = string(detJSON)
	if err := h.d.Pipelines.Save(ctx, *rec); err != nil {
		return jurisdictionError(err)
	}

	if _, err := h.d.Enqueuer.Submit(ctx, analyzeType, AnalyzePayload{
		DocumentID:   documentID,
		Jurisdiction: det.Jurisdiction,
		PipelineID:   pipelineID,
	}); err != nil {
		h.failPipeline(ctx, pipelineID, err.Error())
		return jurisdictionError(err)
	}
	h.d.Log.Info("pipeline advanced", "pipeline_id", pipelineID, "jurisdiction", det.Jurisdiction, "next", analyzeType)
	return nil
}

// completePipeline records the combined detection + findings outcome.
func (h *Handlers) completePipeline(ctx context.Context, pipelineID, documentID string, findings json.RawMessage) error {
	rec, err := h.d.Pipelines.Get(ctx, pipelineID)
	if err != nil {
		return jurisdictionError(err)
	}
	rec.Stage = store.StageDone
	rec.FindingsJSON = string(findings)
	if err := h.d.Pipelines.Save(ctx, *rec); err != nil {
		return jurisdictionError(err)
	}

	combined, _ := json.Marshal(map[string]any{
		"document_id": documentID,
		"detection":   json.RawMessage(rec.DetectionJSON),
		"findings":    findings,
	})
	_ = h.d.Docs.SaveAnalysis(ctx, store.Analysis{
		ID:           pipelineID,
		DocumentID:   documentID,
		Kind:         "comprehensive",
		FindingsJSON: string(combined),
	})
	h.d.Log.Info("pipeline completed", "pipeline_id", pipelineID, "document_id", documentID)
	return nil
}

// failPipeline is fail-fast bookkeeping: the stage that failed surfaces its
// error verbatim as the pipeline's own failure and nothing further is
// dispatched.
func (h *Handlers) failPipeline(ctx context.Context, pipelineID, errMsg string) {
	rec, err := h.d.Pipelines.Get(ctx, pipelineID)
	if err != nil {
		h.d.Log.Warn("pipeline record missing on failure", "pipeline_id", pipelineID, "err", err)
		return
	}
	rec.Stage = store.StageFailed
	rec.ErrorMsg = errMsg
	if err := h.d.Pipelines.Save(ctx, *rec); err != nil {
		h.d.Log.Warn("pipeline failure write failed", "pipeline_id", pipelineID, "err", err)
	}
}

// PipelineFailureHook runs on a stage task's final failure (retries
// exhausted or skipped). Wired into the engine's failure hook so transient
// stage errors that later succeed on retry do not kill the saga.
func (h *Handlers) PipelineFailureHook(ctx context.Context, t *asynq.Task, err error) {
	var pipelineID string
	switch t.Type() {
	case TypeDetectJurisdiction:
		var p DetectPayload
		if json.Unmarshal(t.Payload(), &p) == nil {
			pipelineID = p.PipelineID
		}
	case TypeAnalyzeIndia, TypeAnalyzeUS, TypeAnalyzeCrossBorder:
		var p AnalyzePayload
		if json.Unmarshal(t.Payload(), &p) == nil {
			pipelineID = p.PipelineID
		}
	}
	if pipelineID == "" {
		return
	}
	h.failPipeline(ctx, pipelineID, err.Error())
}
