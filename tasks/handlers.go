package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/mohans/legalpipe/hub"
	"github.com/mohans/legalpipe/progress"
	"github.com/mohans/legalpipe/store"
)

// PipelineStore persists comprehensive-analysis saga state.
// Satisfied by *store.RedisPipelineStore.
type PipelineStore interface {
	Save(ctx context.Context, rec store.PipelineRecord) error
	Get(ctx context.Context, id string) (*store.PipelineRecord, error)
}

// SessionNotifier broadcasts into a real-time session. Satisfied by
// *hub.Hub; nil in worker processes, which have no colocated hub.
type SessionNotifier interface {
	Broadcast(sessionID string, ev hub.Event, exclude hub.Conn)
}

// Deps is the explicit context object handlers receive. Constructed once at
// process start; nothing here is a package-level singleton.
type Deps struct {
	Results   store.ResultStore
	Docs      store.DocumentStore
	Pipelines PipelineStore
	Tracker   *progress.Tracker
	Enqueuer  Enqueuer
	Blobs     BlobStore
	Extractor TextExtractor
	Detector  JurisdictionDetector
	Analyzers map[string]LegalAnalyzer
	Responder ChatResponder
	Sessions  SessionNotifier
	Log       *slog.Logger
}

type Handlers struct {
	d Deps
}

func NewHandlers(d Deps) *Handlers {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Handlers{d: d}
}

// Register wires the worker-fleet handlers onto mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeProcessDocument, h.HandleProcessDocument)
	mux.HandleFunc(TypeDetectJurisdiction, h.HandleDetectJurisdiction)
	mux.HandleFunc(TypeAnalyzeIndia, h.HandleAnalyzeJurisdiction)
	mux.HandleFunc(TypeAnalyzeUS, h.HandleAnalyzeJurisdiction)
	mux.HandleFunc(TypeAnalyzeCrossBorder, h.HandleAnalyzeJurisdiction)
	mux.HandleFunc(TypeComprehensiveAnalysis, h.HandleComprehensiveAnalysis)
}

// RegisterChat wires the hub-colocated handlers consumed by the API process.
func (h *Handlers) RegisterChat(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeChatResponse, h.HandleChatResponse)
}

func (h *Handlers) checkpoint(ctx context.Context, current int, message string) {
	if h.d.Tracker == nil {
		return
	}
	if id, ok := asynq.GetTaskID(ctx); ok {
		h.d.Tracker.Update(ctx, id, current, 100, message)
	}
}

// HandleProcessDocument extracts text from an uploaded document, detects its
// jurisdiction and persists the outcome. Redelivery after a crash is
// expected (ack-late), so the handler checks persisted state before acting
// and always moves the document to a terminal status before failing.
func (h *Handlers) HandleProcessDocument(ctx context.Context, t *asynq.Task) error {
	var p DocumentPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return documentError(permanent(err))
	}
	doc, err := h.d.Docs.GetDocument(ctx, p.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		return documentError(permanent(ErrDocumentNotFound))
	}
	if err != nil {
		return documentError(err)
	}
	if doc.Status == store.DocCompleted {
		h.d.Log.Info("document already processed, skipping", "document_id", p.DocumentID)
		return nil
	}

	h.checkpoint(ctx, 0, "starting")
	if err := h.d.Docs.MarkProcessing(ctx, p.DocumentID); err != nil {
		return documentError(err)
	}
	// The document is now mid-run; every exit below must leave it terminal
	// so failed runs stay inspectable.
	fail := func(cause error) error {
		_ = h.d.Docs.MarkDocFailed(ctx, p.DocumentID, cause.Error())
		return documentError(cause)
	}

	h.checkpoint(ctx, 10, "loading document")
	data, err := h.d.Blobs.Load(ctx, p.DocumentID)
	if err != nil {
		return fail(err)
	}

	h.checkpoint(ctx, 30, "extracting text")
	extracted, err := h.d.Extractor.Extract(ctx, data)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFormat) {
			return fail(permanent(err))
		}
		return fail(err)
	}

	h.checkpoint(ctx, 60, "detecting jurisdiction")
	det, err := h.d.Detector.Detect(ctx, extracted.Text)
	if err != nil {
		return fail(err)
	}

	h.checkpoint(ctx, 80, "saving results")
	detJSON, _ := json.Marshal(det)
	if err := h.d.Docs.SaveAnalysis(ctx, store.Analysis{
		ID:           uuid.NewString(),
		DocumentID:   p.DocumentID,
		Kind:         "detection",
		FindingsJSON: string(detJSON),
	}); err != nil {
		return fail(err)
	}
	if err := h.d.Docs.MarkCompleted(ctx, p.DocumentID, det.Jurisdiction, extracted.PageCount); err != nil {
		return fail(err)
	}

	h.checkpoint(ctx, 100, "completed")
	if id, ok := asynq.GetTaskID(ctx); ok {
		result, _ := json.Marshal(map[string]any{
			"document_id":  p.DocumentID,
			"jurisdiction": det.Jurisdiction,
			"page_count":   extracted.PageCount,
		})
		res := string(result)
		_ = h.d.Results.MarkSuccess(ctx, id, &res, time.Now().UTC())
	}
	return nil
}

// HandleDetectJurisdiction runs the detection collaborator. When the task is
// a comprehensive-analysis stage, its completion enqueues exactly one
// jurisdiction-specific stage; a failed or unrecognized detection fails the
// whole pipeline before any second-stage dispatch.
func (h *Handlers) HandleDetectJurisdiction(ctx context.Context, t *asynq.Task) error {
	var p DetectPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return jurisdictionError(permanent(err))
	}
	text, err := h.loadText(ctx, p.DocumentID)
	if err != nil {
		return jurisdictionError(err)
	}
	det, err := h.d.Detector.Detect(ctx, text)
	if err != nil {
		return jurisdictionError(err)
	}

	detJSON, _ := json.Marshal(det)
	_ = h.d.Docs.SaveAnalysis(ctx, store.Analysis{
		ID:           uuid.NewString(),
		DocumentID:   p.DocumentID,
		Kind:         "detection",
		FindingsJSON: string(detJSON),
	})

	if p.PipelineID != "" {
		if err := h.advancePipeline(ctx, p.PipelineID, p.DocumentID, det); err != nil {
			return err
		}
	}

	if id, ok := asynq.GetTaskID(ctx); ok {
		res := string(detJSON)
		_ = h.d.Results.MarkSuccess(ctx, id, &res, time.Now().UTC())
	}
	return nil
}

// HandleAnalyzeJurisdiction serves all three jurisdiction-specific task
// types; the payload names the jurisdiction.
func (h *Handlers) HandleAnalyzeJurisdiction(ctx context.Context, t *asynq.Task) error {
	var p AnalyzePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return jurisdictionError(permanent(err))
	}
	analyzer, ok := h.d.Analyzers[p.Jurisdiction]
	if !ok {
		return jurisdictionError(permanent(ErrUnknownJurisdiction))
	}
	text, err := h.loadText(ctx, p.DocumentID)
	if err != nil {
		return jurisdictionError(err)
	}
	findings, err := analyzer.Analyze(ctx, text)
	if err != nil {
		return jurisdictionError(err)
	}

	_ = h.d.Docs.SaveAnalysis(ctx, store.Analysis{
		ID:           uuid.NewString(),
		DocumentID:   p.DocumentID,
		Kind:         p.Jurisdiction,
		FindingsJSON: string(findings),
	})

	if p.PipelineID != "" {
		if err := h.completePipeline(ctx, p.PipelineID, p.DocumentID, findings); err != nil {
			return err
		}
	}

	if id, ok := asynq.GetTaskID(ctx); ok {
		res := string(findings)
		_ = h.d.Results.MarkSuccess(ctx, id, &res, time.Now().UTC())
	}
	return nil
}

// HandleChatResponse answers a chat message about a document and feeds the
// session's real-time channel. It runs in the API process so the hub is in
// the same memory; retries are disabled at submit time because re-answering
// a chat message is worse than reporting the error.
func (h *Handlers) HandleChatResponse(ctx context.Context, t *asynq.Task) error {
	var p ChatPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return aiError(permanent(err))
	}
	if h.d.Sessions != nil {
		h.d.Sessions.Broadcast(p.SessionID, hub.Event{Type: hub.EventAITyping, Payload: map[string]any{
			"session_id": p.SessionID, "is_typing": true,
		}}, nil)
	}
	reply, err := h.d.Responder.Respond(ctx, p.DocumentID, p.Message)
	if err != nil {
		if h.d.Sessions != nil {
			h.d.Sessions.Broadcast(p.SessionID, hub.Event{Type: hub.EventAIError, Payload: map[string]any{
				"session_id": p.SessionID, "message": err.Error(),
			}}, nil)
		}
		return aiError(err)
	}
	if h.d.Sessions != nil {
		h.d.Sessions.Broadcast(p.SessionID, hub.Event{Type: hub.EventAIMessage, Payload: map[string]any{
			"session_id": p.SessionID, "message": reply, "in_reply_to": p.UserID,
		}}, nil)
	}
	return nil
}

// loadText re-extracts the document text. The text itself is not persisted,
// only the findings are, so every stage extracts from the stored blob.
func (h *Handlers) loadText(ctx context.Context, documentID string) (string, error) {
	if _, err := h.d.Docs.GetDocument(ctx, documentID); errors.Is(err, store.ErrNotFound) {
		return "", permanent(ErrDocumentNotFound)
	} else if err != nil {
		return "", err
	}
	data, err := h.d.Blobs.Load(ctx, documentID)
	if err != nil {
		return "", err
	}
	extracted, err := h.d.Extractor.Extract(ctx, data)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFormat) {
			return "", permanent(err)
		}
		return "", err
	}
	return extracted.Text, nil
}
