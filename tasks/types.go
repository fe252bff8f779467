// Package tasks defines the task types, queue routing, payloads, execution
// middleware and handlers of the analysis pipeline.
package tasks

// Task type names. Each maps to exactly one queue via routes.
const (
	TypeProcessDocument       = "document:process"
	TypeDetectJurisdiction    = "jurisdiction:detect"
	TypeAnalyzeIndia          = "analysis:india"
	TypeAnalyzeUS             = "analysis:us"
	TypeAnalyzeCrossBorder    = "analysis:crossborder"
	TypeComprehensiveAnalysis = "analysis:comprehensive"
	TypeChatResponse          = "chat:respond"
)

// Queue names. Three category queues plus a default.
const (
	QueueDefault              = "default"
	QueueDocumentProcessing   = "document_processing"
	QueueAIAnalysis           = "ai_analysis"
	QueueJurisdictionAnalysis = "jurisdiction_analysis"
)

// routes is the static task-name to queue table.
var routes = map[string]string{
	TypeProcessDocument:       QueueDocumentProcessing,
	TypeDetectJurisdiction:    QueueJurisdictionAnalysis,
	TypeAnalyzeIndia:          QueueJurisdictionAnalysis,
	TypeAnalyzeUS:             QueueJurisdictionAnalysis,
	TypeAnalyzeCrossBorder:    QueueJurisdictionAnalysis,
	TypeComprehensiveAnalysis: QueueDefault,
	TypeChatResponse:          QueueAIAnalysis,
}

// QueueFor returns the queue a task type is routed to. Unknown types go to
// the default queue.
func QueueFor(taskType string) string {
	if q, ok := routes[taskType]; ok {
		return q
	}
	return QueueDefault
}

// WorkerQueues are the queue weights consumed by the worker fleet. The chat
// queue is deliberately absent: chat tasks run inside the API process where
// the notification hub lives.
func WorkerQueues() map[string]int {
	return map[string]int{
		QueueDocumentProcessing:   3,
		QueueJurisdictionAnalysis: 2,
		QueueDefault:              1,
	}
}

// APIQueues are the queues the API process consumes (hub-colocated tasks).
func APIQueues() map[string]int {
	return map[string]int{QueueAIAnalysis: 1}
}

// AllQueues lists every queue for control operations that span "all".
func AllQueues() []string {
	return []string{
		QueueDefault,
		QueueDocumentProcessing,
		QueueAIAnalysis,
		QueueJurisdictionAnalysis,
	}
}

// DocumentPayload is carried by document:process.
type DocumentPayload struct {
	DocumentID string `json:"document_id"`
}

// DetectPayload is carried by jurisdiction:detect. PipelineID is non-empty
// when the detection runs as the first stage of a comprehensive analysis.
type DetectPayload struct {
	DocumentID string `json:"document_id"`
	PipelineID string `json:"pipeline_id,omitempty"`
}

// AnalyzePayload is carried by the jurisdiction-specific analysis tasks.
type AnalyzePayload struct {
	DocumentID   string `json:"document_id"`
	Jurisdiction string `json:"jurisdiction"`
	PipelineID   string `json:"pipeline_id,omitempty"`
}

// ChatPayload is carried by chat:respond.
type ChatPayload struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id,omitempty"`
	Message    string `json:"message"`
}
