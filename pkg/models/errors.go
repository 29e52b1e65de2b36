package models

import (
	"errors"
	"fmt"
)

// Envelope error codes. These are the only codes the HTTP surface emits.
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeInvalidVersion    = "INVALID_VERSION"
	CodeStageTimeout      = "STAGE_TIMEOUT"
	CodeStageFailure      = "STAGE_FAILURE"
	CodeWormViolation     = "WORM_VIOLATION"
	CodeBoundaryViolation = "BOUNDARY_VIOLATION"
	CodeInternal          = "INTERNAL_ERROR"
	CodeRateLimited       = "RATE_LIMITED"
)

// StageFailure marks a failure in a named pipeline stage. Critical stage
// errors abort the pipeline; quality stage errors degrade it.
type StageFailure struct {
	Stage    StageName
	Code     string
	Critical bool
	Err      error
}

func (e *StageFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stage %s: %s", e.Stage, e.Code)
	}
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// NewStageError wraps err as a failure of stage. Critical stages stop
// the pipeline with a fail-closed response.
func NewStageError(stage StageName, code string, critical bool, err error) *StageFailure {
	return &StageFailure{Stage: stage, Code: code, Critical: critical, Err: err}
}

// AsStageError unwraps err to a StageFailure if one is in the chain.
func AsStageError(err error) (*StageFailure, bool) {
	var se *StageFailure
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
