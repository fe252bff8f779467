package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/mohans/legalpipe/hub"
	"github.com/mohans/legalpipe/store"
)

// --- in-memory collaborators shared by the unit and integration tests ---

type memDocs struct {
	mu       sync.Mutex
	docs     map[string]store.Document
	analyses []store.Analysis
}

func newMemDocs() *memDocs {
	return &memDocs{docs: make(map[string]store.Document)}
}

func (m *memDocs) InsertDocument(_ context.Context, doc store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.Status == "" {
		doc.Status = store.DocUploaded
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *memDocs) GetDocument(_ context.Context, id string) (*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &doc, nil
}

func (m *memDocs) MarkProcessing(_ context.Context, id string) error {
	return m.setStatus(id, store.DocProcessing, nil)
}

func (m *memDocs) MarkCompleted(_ context.Context, id, jurisdiction string, pageCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docs[id]
	doc.Status = store.DocCompleted
	doc.Jurisdiction = &jurisdiction
	doc.PageCount = &pageCount
	m.docs[id] = doc
	return nil
}

func (m *memDocs) MarkDocFailed(_ context.Context, id, errMsg string) error {
	return m.setStatus(id, store.DocFailed, &errMsg)
}

func (m *memDocs) setStatus(id string, status store.DocumentStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docs[id]
	doc.Status = status
	doc.ErrorMsg = errMsg
	m.docs[id] = doc
	return nil
}

func (m *memDocs) SaveAnalysis(_ context.Context, a store.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses = append(m.analyses, a)
	return nil
}

func (m *memDocs) GetAnalysis(_ context.Context, documentID, kind string) (*store.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.analyses) - 1; i >= 0; i-- {
		if m.analyses[i].DocumentID == documentID && m.analyses[i].Kind == kind {
			a := m.analyses[i]
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memDocs) analysisKinds(documentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, a := range m.analyses {
		if a.DocumentID == documentID {
			out = append(out, a.Kind)
		}
	}
	return out
}

type memPipelines struct {
	mu   sync.Mutex
	recs map[string]store.PipelineRecord
}

func newMemPipelines() *memPipelines {
	return &memPipelines{recs: make(map[string]store.PipelineRecord)}
}

func (m *memPipelines) Save(_ context.Context, rec store.PipelineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec
	return nil
}

func (m *memPipelines) Get(_ context.Context, id string) (*store.PipelineRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{blobs: make(map[string][]byte)} }

func (m *memBlobs) put(id string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = data
}

func (m *memBlobs) Load(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return data, nil
}

type stubExtractor struct {
	err error
}

func (s stubExtractor) Extract(_ context.Context, data []byte) (ExtractResult, error) {
	if s.err != nil {
		return ExtractResult{}, s.err
	}
	return ExtractResult{Text: string(data), PageCount: 1}, nil
}

type stubDetector struct {
	jurisdiction string
	err          error
}

func (s stubDetector) Detect(context.Context, string) (Detection, error) {
	if s.err != nil {
		return Detection{}, s.err
	}
	return Detection{Jurisdiction: s.jurisdiction, Confidence: 0.9}, nil
}

type stubAnalyzer struct {
	findings string
}

func (s stubAnalyzer) Analyze(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(s.findings), nil
}

type stubResponder struct {
	reply string
	err   error
}

func (s stubResponder) Respond(context.Context, string, string) (string, error) {
	return s.reply, s.err
}

type recordedSubmit struct {
	taskType string
	payload  any
}

type fakeEnqueuer struct {
	mu      sync.Mutex
	submits []recordedSubmit
	err     error
}

func (f *fakeEnqueuer) Submit(_ context.Context, taskType string, payload any, _ ...asynq.Option) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.submits = append(f.submits, recordedSubmit{taskType: taskType, payload: payload})
	return "enqueued-1", nil
}

type recordedBroadcast struct {
	sessionID string
	ev        hub.Event
}

type fakeSessions struct {
	mu     sync.Mutex
	events []recordedBroadcast
}

func (f *fakeSessions) Broadcast(sessionID string, ev hub.Event, _ hub.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedBroadcast{sessionID: sessionID, ev: ev})
}

func (f *fakeSessions) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.ev.Type)
	}
	return out
}

type handlerFixture struct {
	docs      *memDocs
	pipelines *memPipelines
	blobs     *memBlobs
	enqueuer  *fakeEnqueuer
	sessions  *fakeSessions
	handlers  *Handlers
}

func newHandlerFixture(t *testing.T, detector JurisdictionDetector) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		docs:      newMemDocs(),
		pipelines: newMemPipelines(),
		blobs:     newMemBlobs(),
		enqueuer:  &fakeEnqueuer{},
		sessions:  &fakeSessions{},
	}
	if detector == nil {
		detector = stubDetector{jurisdiction: JurisdictionIndia}
	}
	f.handlers = NewHandlers(Deps{
		Docs:      f.docs,
		Pipelines: f.pipelines,
		Enqueuer:  f.enqueuer,
		Blobs:     f.blobs,
		Extractor: stubExtractor{},
		Detector:  detector,
		Analyzers: map[string]LegalAnalyzer{
			JurisdictionIndia:       stubAnalyzer{findings: `{"act":"Indian Contract Act, 1872"}`},
			JurisdictionUS:          stubAnalyzer{findings: `{"code":"UCC"}`},
			JurisdictionCrossBorder: stubAnalyzer{findings: `{"framework":"UNCITRAL"}`},
		},
		Responder: stubResponder{reply: "the indemnity clause is in section 7"},
		Sessions:  f.sessions,
	})
	return f
}

func mustTask(t *testing.T, taskType string, payload any) *asynq.Task {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(taskType, b)
}

func TestHandleProcessDocument_Success(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.docs.InsertDocument(ctx, store.Document{ID: "d1", Filename: "contract.txt"}))
	f.blobs.put("d1", []byte("this agreement is governed by the laws of India"))

	err := f.handlers.HandleProcessDocument(ctx, mustTask(t, TypeProcessDocument, DocumentPayload{DocumentID: "d1"}))
	require.NoError(t, err)

	doc, err := f.docs.GetDocument(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, store.DocCompleted, doc.Status)
	require.Equal(t, JurisdictionIndia, *doc.Jurisdiction)

	a, err := f.docs.GetAnalysis(ctx, "d1", "detection")
	require.NoError(t, err)
	require.Contains(t, a.FindingsJSON, JurisdictionIndia)
}

func TestHandleProcessDocument_MissingDocumentIsPermanent(t *testing.T) {
	f := newHandlerFixture(t, nil)

	err := f.handlers.HandleProcessDocument(context.Background(), mustTask(t, TypeProcessDocument, DocumentPayload{DocumentID: "ghost"}))
	require.ErrorIs(t, err, ErrDocumentNotFound)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleProcessDocument_UnsupportedFormatLeavesDocInspectable(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.handlers.d.Extractor = stubExtractor{err: ErrUnsupportedFormat}
	ctx := context.Background()
	require.NoError(t, f.docs.InsertDocument(ctx, store.Document{ID: "d2", Filename: "scan.bin"}))
	f.blobs.put("d2", []byte{0xff, 0xfe})

	err := f.handlers.HandleProcessDocument(ctx, mustTask(t, TypeProcessDocument, DocumentPayload{DocumentID: "d2"}))
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	require.ErrorIs(t, err, asynq.SkipRetry)

	doc, err := f.docs.GetDocument(ctx, "d2")
	require.NoError(t, err)
	require.Equal(t, store.DocFailed, doc.Status)
	require.Contains(t, *doc.ErrorMsg, "unsupported document format")
}

func TestHandleProcessDocument_AlreadyCompletedSkips(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.docs.InsertDocument(ctx, store.Document{ID: "d3", Status: store.DocCompleted}))

	err := f.handlers.HandleProcessDocument(ctx, mustTask(t, TypeProcessDocument, DocumentPayload{DocumentID: "d3"}))
	require.NoError(t, err)
	require.Empty(t, f.docs.analysisKinds("d3"))
}

func TestHandleDetectJurisdiction_AdvancesPipelineWithOneDispatch(t *testing.T) {
	f := newHandlerFixture(t, stubDetector{jurisdiction: JurisdictionUS})
	ctx := context.Background()
	require.NoError(t, f.docs.InsertDocument(ctx, store.Document{ID: "d4"}))
	f.blobs.put("d4", []byte("pursuant to the Delaware General Corporation Law"))
	require.NoError(t, f.pipelines.Save(ctx, store.PipelineRecord{ID: "p1", DocumentID: "d4", Stage: store.StageDetecting}))

	err := f.handlers.HandleDetectJurisdiction(ctx, mustTask(t, TypeDetectJurisdiction, DetectPayload{DocumentID: "d4", PipelineID: "p1"}))
	require.NoError(t, err)

	require.Len(t, f.enqueuer.submits, 1)
	require.Equal(t, TypeAnalyzeUS, f.enqueuer.submits[0].taskType)
	next := f.enqueuer.submits[0].payload.(AnalyzePayload)
	require.Equal(t, "p1", next.PipelineID)
	require.Equal(t, JurisdictionUS, next.Jurisdiction)

	rec, err := f.pipelines.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, store.StageAnalyzing, rec.Stage)
	require.Contains(t, rec.DetectionJSON, JurisdictionUS)
}

func TestHandleDetectJurisdiction_UnknownJurisdictionFailsPipeline(t *testing.T) {
	f := newHandlerFixture(t, stubDetector{jurisdiction: "MARS"})
	ctx := context.Background()
	require.NoError(t, f.docs.InsertDocument(ctx, store.Document{ID: "d5"}))
	f.blobs.put("d5", []byte("martian mining concession"))
	require.NoError(t, f.pipelines.Save(ctx, store.PipelineRecord{ID: "p2", DocumentID: "d5", Stage: store.StageDetecting}))

	err := f.handlers.HandleDetectJurisdiction(ctx, mustTask(t, TypeDetectJurisdiction, DetectPayload{DocumentID: "d5", PipelineID: "p2"}))
	require.ErrorIs(t, err, ErrUnknownJurisdiction)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, f.enqueuer.submits)

	rec, getErr := f.pipelines.Get(ctx, "p2")
	require.NoError(t, getErr)
	require.Equal(t, store.StageFailed, rec.Stage)
	require.Contains(t, rec.ErrorMsg, "MARS")
}

func TestHandleAnalyzeJurisdiction_CompletesPipeline(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.docs.InsertDocument(ctx, store.Document{ID: "d6"}))
	f.blobs.put("d6", []byte("arbitration under the Indian Arbitration and Conciliation Act"))
	require.NoError(t, f.pipelines.Save(ctx, store.PipelineRecord{
		ID: "p3", DocumentID: "d6", Stage: store.StageAnalyzing,
		DetectionJSON: `{"jurisdiction":"INDIA","confidence":0.9}`,
	}))

	err := f.handlers.HandleAnalyzeJurisdiction(ctx, mustTask(t, TypeAnalyzeIndia, AnalyzePayload{
		DocumentID: "d6", Jurisdiction: JurisdictionIndia, PipelineID: "p3",
	}))
	require.NoError(t, err)

	rec, err := f.pipelines.Get(ctx, "p3")
	require.NoError(t, err)
	require.Equal(t, store.StageDone, rec.Stage)

	combined, err := f.docs.GetAnalysis(ctx, "d6", "comprehensive")
	require.NoError(t, err)
	require.Equal(t, "p3", combined.ID)
	require.Contains(t, combined.FindingsJSON, "detection")
	require.Contains(t, combined.FindingsJSON, "Indian Contract Act")
}

func TestHandleAnalyzeJurisdiction_UnknownJurisdictionIsPermanent(t *testing.T) {
	f := newHandlerFixture(t, nil)

	err := f.handlers.HandleAnalyzeJurisdiction(context.Background(), mustTask(t, TypeAnalyzeIndia, AnalyzePayload{
		DocumentID: "d7", Jurisdiction: "ATLANTIS",
	}))
	require.ErrorIs(t, err, ErrUnknownJurisdiction)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPipelineFailureHook_MarksPipelineFailed(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.pipelines.Save(ctx, store.PipelineRecord{ID: "p4", DocumentID: "d8", Stage: store.StageDetecting}))

	f.handlers.PipelineFailureHook(ctx,
		mustTask(t, TypeDetectJurisdiction, DetectPayload{DocumentID: "d8", PipelineID: "p4"}),
		errors.New("redis timeout"))

	rec, err := f.pipelines.Get(ctx, "p4")
	require.NoError(t, err)
	require.Equal(t, store.StageFailed, rec.Stage)
	require.Equal(t, "redis timeout", rec.ErrorMsg)
}

func TestPipelineFailureHook_IgnoresStandaloneTasks(t *testing.T) {
	f := newHandlerFixture(t, nil)

	// A detect task without a pipeline id is a standalone run.
	f.handlers.PipelineFailureHook(context.Background(),
		mustTask(t, TypeDetectJurisdiction, DetectPayload{DocumentID: "d9"}),
		errors.New("boom"))
	require.Empty(t, f.pipelines.recs)
}

func TestHandleChatResponse_TypingThenMessage(t *testing.T) {
	f := newHandlerFixture(t, nil)

	err := f.handlers.HandleChatResponse(context.Background(), mustTask(t, TypeChatResponse, ChatPayload{
		SessionID: "s1", UserID: "u1", DocumentID: "d1", Message: "where is the indemnity clause?",
	}))
	require.NoError(t, err)
	require.Equal(t, []string{hub.EventAITyping, hub.EventAIMessage}, f.sessions.types())
	require.Equal(t, "s1", f.sessions.events[0].sessionID)
}

func TestHandleChatResponse_ErrorReachesSession(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.handlers.d.Responder = stubResponder{err: errors.New("model unavailable")}

	err := f.handlers.HandleChatResponse(context.Background(), mustTask(t, TypeChatResponse, ChatPayload{
		SessionID: "s1", UserID: "u1", Message: "hello",
	}))
	require.Error(t, err)
	require.Equal(t, []string{hub.EventAITyping, hub.EventAIError}, f.sessions.types())

	var te *TaskError
	require.ErrorAs(t, err, &te)
	require.Equal(t, CategoryAIAnalysis, te.Category)
}

func TestSubmitterOptionsDefaults(t *testing.T) {
	s := NewSubmitter(asynq.RedisClientOpt{Addr: "localhost:0"}, nil, SubmitterOptions{})
	require.Equal(t, 3, s.opts.MaxRetries)
	require.Equal(t, 60*time.Second, s.opts.RetryDelay)
	require.Equal(t, 60*time.Second, s.RetryDelayFunc(1, errors.New("x"), nil))
	require.NoError(t, s.Close())
}
