package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ContractVersion is the locked envelope version for /api/assistant.
// A request carrying any other version is rejected, never coerced.
const ContractVersion = "3.0.0"

// AssistantRequest is the single inbound request shape.
type AssistantRequest struct {
	Version string           `json:"version"`
	Input   AssistantInput   `json:"input"`
	Context AssistantContext `json:"context"`
}

type AssistantInput struct {
	Message           string          `json:"message,omitempty"`
	SummarizedPayload json.RawMessage `json:"summarized_payload,omitempty"`
}

type AssistantContext struct {
	Platform             string `json:"platform"`
	Device               string `json:"device"`
	SessionID            string `json:"session_id,omitempty"`
	VoiceInput           bool   `json:"voice_input,omitempty"`
	PreferredLanguage    string `json:"preferred_language,omitempty"`
	DetectedLanguage     string `json:"detected_language,omitempty"`
	AudioOutputRequested bool   `json:"audio_output_requested,omitempty"`
}

// Text resolves the usable content source: the message, or the summary
// carried inside a prior-stage payload. Empty means unusable.
func (in AssistantInput) Text() string {
	if msg := strings.TrimSpace(in.Message); msg != "" {
		return msg
	}
	if len(in.SummarizedPayload) == 0 {
		return ""
	}
	var payload struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(in.SummarizedPayload, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Summary)
}

// ResultType classifies the terminal response.
type ResultType string

const (
	ResultPassive      ResultType = "passive"
	ResultIntelligence ResultType = "intelligence"
	ResultWorkflow     ResultType = "workflow"
)

// AssistantResult is the success payload of the response envelope.
type AssistantResult struct {
	Type      ResultType       `json:"type"`
	Response  string           `json:"response"`
	Task      json.RawMessage  `json:"task,omitempty"`
	Verdict   *Verdict         `json:"verdict,omitempty"`
	Safety    *SafetyResult    `json:"safety,omitempty"`
	Execution *ExecutionResult `json:"execution,omitempty"`
	AuditRefs []string         `json:"audit_refs,omitempty"`
}

type AssistantResponse struct {
	Version     string           `json:"version"`
	Status      string           `json:"status"`
	Result      *AssistantResult `json:"result,omitempty"`
	Error       *ErrorBody       `json:"error,omitempty"`
	ProcessedAt string           `json:"processed_at"`
	TraceID     string           `json:"trace_id,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TraceContext identifies one end-to-end request. Created once at
// pipeline entry, never mutated, referenced by every stage artifact.
type TraceContext struct {
	TraceID   string    `json:"trace_id"`
	CreatedAt time.Time `json:"created_at"`
}

// StageName is the fixed stage vocabulary of the pipeline.
type StageName string

const (
	StageRequest       StageName = "request"
	StageSafety        StageName = "safety"
	StageIntelligence  StageName = "intelligence"
	StageVerdict       StageName = "verdict"
	StageOrchestration StageName = "orchestration"
	StageExecution     StageName = "execution"
	StageResponse      StageName = "response"

	// StageBoundary marks audit entries written for artifact operations
	// decided at the boundary, outside the pipeline's stage order.
	StageBoundary StageName = "boundary"
)

// StageOrder lists pipeline stages in execution order.
var StageOrder = []StageName{
	StageRequest,
	StageSafety,
	StageIntelligence,
	StageVerdict,
	StageOrchestration,
	StageExecution,
	StageResponse,
}

type StageStatus string

const (
	StageSuccess  StageStatus = "success"
	StageError    StageStatus = "error"
	StageSkipped  StageStatus = "skipped"
	StageDegraded StageStatus = "degraded"
	StageBlocked  StageStatus = "blocked"
)

// StageResult is the recorded outcome of one pipeline stage.
type StageResult struct {
	Stage     StageName       `json:"stage"`
	TraceID   string          `json:"trace_id"`
	Status    StageStatus     `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SafetyDecision values come from the safety collaborator.
type SafetyDecision string

const (
	SafetyHardDeny    SafetyDecision = "hard_deny"
	SafetySoftRewrite SafetyDecision = "soft_rewrite"
	SafetyAllow       SafetyDecision = "allow"
)

type SafetyResult struct {
	Decision        SafetyDecision `json:"decision"`
	RiskCategory    string         `json:"risk_category,omitempty"`
	ReasonCode      string         `json:"reason_code,omitempty"`
	MatchedPatterns []string       `json:"matched_patterns,omitempty"`
	SafeOutput      string         `json:"safe_output,omitempty"`
	TraceID         string         `json:"trace_id,omitempty"`
	Timestamp       string         `json:"timestamp,omitempty"`
}

type IntelligenceResult struct {
	BehavioralState string          `json:"behavioral_state"`
	Confidence      float64         `json:"confidence"`
	Constraints     json.RawMessage `json:"constraints,omitempty"`
	TraceID         string          `json:"trace_id,omitempty"`
}

// Decision is the closed verdict set. No other value is representable
// through the constructors in pkg/verdict.
type Decision string

const (
	DecisionAllow   Decision = "ALLOW"
	DecisionRewrite Decision = "REWRITE"
	DecisionBlock   Decision = "BLOCK"
)

type VerdictScope string

const (
	ScopeResponse VerdictScope = "response"
	ScopeAction   VerdictScope = "action"
	ScopeBoth     VerdictScope = "both"
)

// Verdict reason codes. Stable machine-readable enum, never free text.
const (
	ReasonSelfHarmBlock      = "SELF_HARM_BLOCK"
	ReasonSafetyHardDeny     = "SAFETY_HARD_DENY"
	ReasonSafeRewrite        = "SAFE_REWRITE_REQUIRED"
	ReasonRiskFlags          = "RISK_FLAGS_DETECTED"
	ReasonContentAllowed     = "CONTENT_ALLOWED"
	ReasonSafetyUnavailable  = "SAFETY_UNAVAILABLE"
	ReasonVerdictUnavailable = "VERDICT_UNAVAILABLE"
	ReasonAuditUnavailable   = "AUDIT_UNAVAILABLE"
)

// RewriteDeterministic is the only rewrite class the engine emits today.
const RewriteDeterministic = "DETERMINISTIC_REWRITE"

type Verdict struct {
	Decision     Decision     `json:"decision"`
	Scope        VerdictScope `json:"scope"`
	ReasonCode   string       `json:"reason_code"`
	RewriteClass string       `json:"rewrite_class,omitempty"`
	TraceID      string       `json:"trace_id,omitempty"`
	Timestamp    string       `json:"timestamp,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
	ExecutionBlocked ExecutionStatus = "blocked"
)

type ExecutionResult struct {
	Status     ExecutionStatus `json:"status"`
	ActionType string          `json:"action_type"`
	Details    json.RawMessage `json:"details,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

// OperationType is the closed set of artifact operations the audit
// trail records and the boundary validator reasons about.
type OperationType string

const (
	OpCreate OperationType = "CREATE"
	OpRead   OperationType = "READ"
	OpUpdate OperationType = "UPDATE"
	OpDelete OperationType = "DELETE"
	OpAppend OperationType = "APPEND"
)
