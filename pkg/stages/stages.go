// Package stages holds the HTTP adapters for the pipeline's external
// collaborators. Each adapter owns its timeout and retry posture; the
// orchestrator decides what a failure means.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/praj33/ai-assistant-backend/pkg/httpx"
	"github.com/praj33/ai-assistant-backend/pkg/models"
)

// SafetyClient screens content through the safety collaborator.
type SafetyClient interface {
	Screen(ctx context.Context, text, traceID string) (*models.SafetyResult, error)
}

// IntelligenceClient fetches behavioral context for a trace.
type IntelligenceClient interface {
	Analyze(ctx context.Context, text, traceID string) (*models.IntelligenceResult, error)
}

// Executor performs an allowed workflow action. Implementations must
// re-validate the enforcement decision themselves.
type Executor interface {
	Execute(ctx context.Context, task json.RawMessage, verdict models.Verdict) (*models.ExecutionResult, error)
}

// HTTPSafety calls a safety service over HTTP.
type HTTPSafety struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (h HTTPSafety) Screen(ctx context.Context, text, traceID string) (*models.SafetyResult, error) {
	if h.Endpoint == "" {
		return nil, errors.New("safety endpoint is empty")
	}
	payload, _ := json.Marshal(map[string]string{"text": text, "trace_id": traceID})
	status, body, err := httpx.RequestJSON(ctx, h.Client, http.MethodPost, h.Endpoint, payload, h.Headers, h.Retries, h.RetryDelay)
	if err != nil {
		return nil, models.NewStageError(models.StageSafety, models.CodeStageFailure, true, err)
	}
	if status >= 300 {
		return nil, models.NewStageError(models.StageSafety, models.CodeStageFailure, true, fmt.Errorf("status %d", status))
	}
	var out models.SafetyResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, models.NewStageError(models.StageSafety, models.CodeStageFailure, true, fmt.Errorf("decode: %w", err))
	}
	if out.TraceID == "" {
		out.TraceID = traceID
	}
	return &out, nil
}

// HTTPIntelligence calls the behavioral intelligence service.
type HTTPIntelligence struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (h HTTPIntelligence) Analyze(ctx context.Context, text, traceID string) (*models.IntelligenceResult, error) {
	if h.Endpoint == "" {
		return nil, errors.New("intelligence endpoint is empty")
	}
	payload, _ := json.Marshal(map[string]string{"text": text, "trace_id": traceID})
	status, body, err := httpx.RequestJSON(ctx, h.Client, http.MethodPost, h.Endpoint, payload, h.Headers, h.Retries, h.RetryDelay)
	if err != nil {
		return nil, models.NewStageError(models.StageIntelligence, models.CodeStageFailure, false, err)
	}
	if status >= 300 {
		return nil, models.NewStageError(models.StageIntelligence, models.CodeStageFailure, false, fmt.Errorf("status %d", status))
	}
	var out models.IntelligenceResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, models.NewStageError(models.StageIntelligence, models.CodeStageFailure, false, fmt.Errorf("decode: %w", err))
	}
	if out.TraceID == "" {
		out.TraceID = traceID
	}
	return &out, nil
}

// HTTPExecutor executes workflow actions through an execution service.
// It is the last line of defense: regardless of what the orchestrator
// did upstream, a verdict other than ALLOW returns a blocked result
// without touching the wire.
type HTTPExecutor struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (h HTTPExecutor) Execute(ctx context.Context, task json.RawMessage, verdict models.Verdict) (*models.ExecutionResult, error) {
	if verdict.Decision != models.DecisionAllow {
		return &models.ExecutionResult{
			Status:  models.ExecutionBlocked,
			Reason:  "enforcement decision is not ALLOW",
			TraceID: verdict.TraceID,
		}, nil
	}
	if h.Endpoint == "" {
		return nil, errors.New("execution endpoint is empty")
	}
	body, _ := json.Marshal(map[string]any{
		"task":                 json.RawMessage(task),
		"enforcement_decision": string(verdict.Decision),
		"trace_id":             verdict.TraceID,
	})
	status, respBody, err := httpx.RequestJSON(ctx, h.Client, http.MethodPost, h.Endpoint, body, h.Headers, h.Retries, h.RetryDelay)
	if err != nil {
		return nil, models.NewStageError(models.StageExecution, models.CodeStageFailure, true, err)
	}
	if status >= 300 {
		return nil, models.NewStageError(models.StageExecution, models.CodeStageFailure, true, fmt.Errorf("status %d", status))
	}
	var out models.ExecutionResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, models.NewStageError(models.StageExecution, models.CodeStageFailure, true, fmt.Errorf("decode: %w", err))
	}
	if out.TraceID == "" {
		out.TraceID = verdict.TraceID
	}
	return &out, nil
}
