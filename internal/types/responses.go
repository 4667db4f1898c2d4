package types

// Response shapes vary by workflow stage. Each stage gets its own concrete
// struct carrying a stage tag so callers can handle every shape exhaustively
// instead of sniffing an untyped map.

// Stage tags the response union.
type Stage string

const (
	StageIntentSuggestion    Stage = "INTENT_SUGGESTION"
	StageConfirmationRequest Stage = "CONFIRMATION_REQUEST"
	StagePreviewReady        Stage = "PREVIEW_READY"
	StageApplyResult         Stage = "APPLY_RESULT"
	StageSessionCancelled    Stage = "SESSION_CANCELLED"
)

// Response is the tagged union of per-stage workflow responses.
type Response interface {
	ResponseStage() Stage
}

// IntentSuggestion is returned by ProcessMessage: the intent read from the
// message plus ranked table candidates awaiting operator confirmation.
type IntentSuggestion struct {
	Stage                Stage            `json:"stage"`
	Message              string           `json:"message"`
	IntentAnalysis       *IntentAnalysis  `json:"intentAnalysis"`
	Candidates           []TableCandidate `json:"relevantTables"`
	RequiresConfirmation bool             `json:"requiresConfirmation"`
}

func (r *IntentSuggestion) ResponseStage() Stage { return StageIntentSuggestion }

// ConfirmationRequest is returned when the operator rejects the suggested
// tables: the engine asks for a refined description and loops back.
type ConfirmationRequest struct {
	Stage   Stage         `json:"stage"`
	Message string        `json:"message"`
	Status  SessionStatus `json:"status"`
}

func (r *ConfirmationRequest) ResponseStage() Stage { return StageConfirmationRequest }

// PreviewReady is returned after table confirmation: generated code plus the
// per-table preview diffs over samples.
type PreviewReady struct {
	Stage    Stage               `json:"stage"`
	Message  string              `json:"message"`
	Status   SessionStatus       `json:"status"`
	Code     *TransformationCode `json:"code"`
	Previews []DiffResult        `json:"previews"`
	// DiffText is a human-readable rendering of the sample diffs.
	DiffText string `json:"diffText,omitempty"`
}

func (r *PreviewReady) ResponseStage() Stage { return StagePreviewReady }

// ApplyResult is returned by ApplyTransformation: one row per confirmed
// table plus the accumulated change count.
type ApplyResult struct {
	Stage        Stage              `json:"stage"`
	Message      string             `json:"message"`
	Status       SessionStatus      `json:"status"`
	Results      []TableApplyResult `json:"results,omitempty"`
	TotalChanged int                `json:"totalChanged"`
}

func (r *ApplyResult) ResponseStage() Stage { return StageApplyResult }

// SessionCancelled is returned by Cancel: the session is terminally closed
// and no table data was touched.
type SessionCancelled struct {
	Stage   Stage         `json:"stage"`
	Message string        `json:"message"`
	Status  SessionStatus `json:"status"`
}

func (r *SessionCancelled) ResponseStage() Stage { return StageSessionCancelled }
