// Package types provides shared type definitions used across tablemend
// packages. This package exists to break import cycles between the workflow
// engine, retrieval, and the execution pipeline. Types in this package should
// be foundational data structures with no complex dependencies.
package types

import (
	"encoding/json"
	"time"
)

// Row is one tabular record: column name to value. Values are whatever the
// storage backend decoded from canonical JSON (string, float64, bool, nil).
type Row = map[string]interface{}

// =============================================================================
// SESSION
// =============================================================================

// SessionStatus tracks where a correction conversation is in its lifecycle.
type SessionStatus string

const (
	StatusCreated                SessionStatus = "CREATED"
	StatusAwaitingConfirmation   SessionStatus = "AWAITING_CONFIRMATION"
	StatusSelectionRejected      SessionStatus = "SELECTION_REJECTED"
	StatusTableConfirmed         SessionStatus = "TABLE_CONFIRMED"
	StatusTransformationReady    SessionStatus = "TRANSFORMATION_READY"
	StatusTransformationApplied  SessionStatus = "TRANSFORMATION_APPLIED"
	StatusTransformationRejected SessionStatus = "TRANSFORMATION_REJECTED"
	StatusCancelled              SessionStatus = "CANCELLED"
	StatusCompleted              SessionStatus = "COMPLETED"
)

// Terminal reports whether no further workflow operation is legal.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// legalTransitions is the session state graph. SELECTION_REJECTED loops back
// to AWAITING_CONFIRMATION; CANCELLED and COMPLETED are terminal. Every state
// before TRANSFORMATION_APPLIED keeps an edge back to AWAITING_CONFIRMATION so
// a failed confirmation never strands the session, and an edge to CANCELLED so
// the operator can abandon it; once data has been mutated the only way out is
// COMPLETED.
var legalTransitions = map[SessionStatus][]SessionStatus{
	StatusCreated:                {StatusAwaitingConfirmation, StatusCancelled},
	StatusAwaitingConfirmation:   {StatusAwaitingConfirmation, StatusSelectionRejected, StatusTableConfirmed, StatusTransformationReady, StatusCancelled},
	StatusSelectionRejected:      {StatusAwaitingConfirmation},
	StatusTableConfirmed:         {StatusTransformationReady, StatusAwaitingConfirmation, StatusCancelled},
	StatusTransformationReady:    {StatusTransformationApplied, StatusTransformationRejected, StatusCancelled, StatusAwaitingConfirmation},
	StatusTransformationApplied:  {StatusCompleted},
	StatusTransformationRejected: {StatusCompleted, StatusAwaitingConfirmation, StatusCancelled},
}

// ValidTransition reports whether moving from one status to another follows
// the state graph.
func ValidTransition(from, to SessionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Metadata keys written by workflow transitions. Keys written by a transition
// are never retracted by an earlier-stage transition.
const (
	MetaConfirmedTables      = "confirmedTables"
	MetaGeneratedCode        = "generatedCode"
	MetaTransformationResult = "transformationResult"
)

// ConversationEntry is one turn of the correction conversation: the operator
// message and the structured response it produced. History is append-only and
// insertion order is significant.
type ConversationEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Message   string          `json:"message"`
	Response  json.RawMessage `json:"response"`
}

// Session is one operator's multi-turn data-correction conversation and its
// accumulated state. Sessions are created on the first message, mutated by
// every workflow step, and never deleted by the engine.
type Session struct {
	ID        string                 `json:"sessionId"`
	UserID    string                 `json:"userId"`
	Status    SessionStatus          `json:"status"`
	History   []ConversationEntry    `json:"conversationHistory"`
	Metadata  map[string]interface{} `json:"metadata"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// =============================================================================
// INTENT ANALYSIS
// =============================================================================

// Entity is a typed span extracted from the operator message.
type Entity struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Role string `json:"role"`
}

// Condition is a field/operator/value triple extracted from the message.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// IntentAnalysis is the structured extraction produced once per operator
// message by the completion service. Immutable once stored in history.
type IntentAnalysis struct {
	Intent     string      `json:"intent"`
	Operation  string      `json:"operation"`
	Entities   []Entity    `json:"entities"`
	Conditions []Condition `json:"conditions"`
	Concepts   []string    `json:"concepts"`
	Confidence float64     `json:"confidence"`
}

// =============================================================================
// DIRECTORY RECORDS
// =============================================================================

// FieldRecord describes one column of one table in the field guide.
// Score is only populated on search results (cosine similarity + 1.0) and is
// transient.
type FieldRecord struct {
	TableName      string    `json:"tableName"`
	FieldName      string    `json:"fieldName"`
	Description    string    `json:"description"`
	DataType       string    `json:"dataType"`
	PossibleValues []string  `json:"possibleValues,omitempty"`
	RelatedFields  []string  `json:"relatedFields,omitempty"`
	Embedding      []float32 `json:"-"`
	Score          float64   `json:"score,omitempty"`
}

// TableMetadata is the directory's per-table record.
type TableMetadata struct {
	TableName   string   `json:"tableName"`
	Description string   `json:"description"`
	DataSet     string   `json:"dataSet"`
	DomainTags  []string `json:"domainTags,omitempty"`
	UsageTags   []string `json:"usageTags,omitempty"`
}

// TableCandidate is a ranked retrieval result: a table, its matched fields,
// and the fused relevance score. Recomputed on every retrieval, never
// persisted on its own.
type TableCandidate struct {
	TableName   string        `json:"tableName"`
	Description string        `json:"description"`
	DataSet     string        `json:"dataSet"`
	Fields      []FieldRecord `json:"fields"`
	Score       float64       `json:"score"`
}

// =============================================================================
// CODE GENERATION
// =============================================================================

// TableSchema maps column names to inferred type tags for one table.
// Advisory context for the generation prompt, not runtime type checking.
type TableSchema struct {
	TableName string            `json:"tableName"`
	Columns   map[string]string `json:"columns"`
}

// TableSample carries the sampled rows used to ground code generation.
type TableSample struct {
	TableName string `json:"tableName"`
	Rows      []Row  `json:"rows"`
}

// TransformationCode is the generated artifact: the sample-safe and
// full-dataset variants (identical when the completion returns one fenced
// block), the explanation, and the entry-point symbol the executor must find.
// Immutable once the session reaches TRANSFORMATION_READY.
type TransformationCode struct {
	SampleCode  string        `json:"sampleCode"`
	FullCode    string        `json:"fullCode"`
	Explanation string        `json:"explanation"`
	EntryPoint  string        `json:"entryPoint"`
	Schemas     []TableSchema `json:"schemas"`
	Samples     []TableSample `json:"samples"`
}

// =============================================================================
// EXECUTION RESULTS
// =============================================================================

// DiffResult is one table's before/after outcome from a sandboxed run.
// RecordsChanged counts rows whose canonical serialization differs at the
// same index; row reordering therefore counts as change.
type DiffResult struct {
	TableName      string `json:"tableName"`
	Original       []Row  `json:"original"`
	Transformed    []Row  `json:"transformed"`
	RecordsChanged int    `json:"recordsChanged"`
	Error          string `json:"error,omitempty"`
}

// TableApplyResult is one row of the batch apply result set. A failed table
// reports its error here and never blocks sibling tables.
type TableApplyResult struct {
	Table            string `json:"table"`
	RecordsProcessed int    `json:"recordsProcessed"`
	RecordsChanged   int    `json:"recordsChanged"`
	Error            string `json:"error,omitempty"`
}
