package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/praj33/ai-assistant-backend/pkg/audit"
	"github.com/praj33/ai-assistant-backend/pkg/auth"
	"github.com/praj33/ai-assistant-backend/pkg/flow"
	"github.com/praj33/ai-assistant-backend/pkg/httpx"
	"github.com/praj33/ai-assistant-backend/pkg/models"
	"github.com/praj33/ai-assistant-backend/pkg/stream"
	"github.com/praj33/ai-assistant-backend/pkg/verdict"

	"github.com/google/uuid"
)

// Fixed terminal response texts. Stable wording keeps the pipeline
// deterministic and replayable.
const (
	refusalText = "I can't help with that request."
	crisisText  = "It sounds like you might be going through a very difficult time. " +
		"You don't have to face this alone. Please reach out to a crisis line " +
		"such as 988 (call or text, US) or a trusted person near you right now."
	rewriteFallbackText   = "Here is a safer way I can help with that."
	executionFailedText   = "I couldn't complete that task right now. Please try again."
	reasonUpstreamBlock   = "upstream_block"
	reasonUpstreamFailure = "upstream_failure"
	reasonNoAction        = "no_action_required"
	reasonStageTimeout    = "stage_timeout"
	reasonStageFailure    = "stage_failure"
)

func newTraceID() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "trace_" + id[:12]
}

// pipelineRun carries the per-request state the stage helpers share.
type pipelineRun struct {
	trace     models.TraceContext
	requester string
	auditRefs []string
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readAssistantBody(w, r)
	if !ok {
		return
	}
	var req models.AssistantRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeEnvelopeError(w, 400, models.CodeInvalidInput, "request body is not valid json", "")
		return
	}
	if req.Version != models.ContractVersion {
		s.writeEnvelopeError(w, 400, models.CodeInvalidVersion,
			"version must be "+models.ContractVersion, "")
		return
	}
	text := req.Input.Text()
	if text == "" {
		s.writeEnvelopeError(w, 400, models.CodeInvalidInput, "no usable content source", "")
		return
	}

	sessionID := strings.TrimSpace(req.Context.SessionID)
	idemKey := ""
	if sessionID != "" && s.IdempotencyTTL > 0 && s.Cache != nil {
		idemKey = "assist:resp:" + hashIdentity(sessionID+"|"+text)
		if cached, err := s.Cache.Get(r.Context(), idemKey); err == nil && cached != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(200)
			_, _ = w.Write([]byte(cached))
			return
		}
	}

	run := &pipelineRun{
		trace:     models.TraceContext{TraceID: newTraceID(), CreatedAt: time.Now().UTC()},
		requester: requesterID(r),
	}

	if s.RateLimitEnabled && s.RateLimiter != nil && s.RateLimitPerMinute > 0 {
		segment := sessionID
		if segment == "" {
			segment = s.clientIP(r)
		}
		decision := s.RateLimiter.Allow("assistant:"+segment, s.RateLimitPerMinute)
		if !decision.Allowed {
			s.record(r.Context(), run, models.StageRequest, models.StageError, "rate_limited", nil, 0)
			s.writeEnvelopeError(w, http.StatusTooManyRequests, models.CodeRateLimited,
				"request rate limit exceeded", run.trace.TraceID)
			return
		}
	}

	s.record(r.Context(), run, models.StageRequest, models.StageSuccess, "", map[string]any{
		"platform":     req.Context.Platform,
		"device":       req.Context.Device,
		"session_hash": hashIdentity(sessionID),
		"voice_input":  req.Context.VoiceInput,
	}, 0)

	riskFlags := s.Flags.Flags(sessionID)

	// Safety is the first critical stage. A failure here is fatal for
	// the trace: the pipeline returns a blocked verdict, never an
	// unguarded response.
	safetyStart := time.Now()
	sctx, cancelSafety := context.WithTimeout(r.Context(), s.SafetyTimeout)
	safetyRes, err := s.Safety.Screen(sctx, text, run.trace.TraceID)
	cancelSafety()
	if err != nil {
		reason := reasonStageFailure
		code := models.CodeStageFailure
		if errors.Is(err, context.DeadlineExceeded) {
			reason = reasonStageTimeout
			code = models.CodeStageTimeout
		}
		log.Printf("trace=%s safety stage failed (%s): %v", run.trace.TraceID, code, err)
		s.record(r.Context(), run, models.StageSafety, models.StageError, reason, nil, time.Since(safetyStart))
		s.record(r.Context(), run, models.StageIntelligence, models.StageSkipped, reasonUpstreamFailure, nil, 0)
		v := models.Verdict{
			Decision:   models.DecisionBlock,
			Scope:      models.ScopeBoth,
			ReasonCode: models.ReasonSafetyUnavailable,
			TraceID:    run.trace.TraceID,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}
		v = s.recordVerdict(r.Context(), run, v, models.StageError)
		s.finishRestricted(w, r, run, v, nil, refusalText)
		return
	}
	s.record(r.Context(), run, models.StageSafety, models.StageSuccess, "", safetyRes, time.Since(safetyStart))

	// Hard deny short-circuits the rest of the pipeline; the skipped
	// stages still get audit markers.
	earlyExit := safetyRes.Decision == models.SafetyHardDeny
	var intel *models.IntelligenceResult
	if earlyExit {
		s.record(r.Context(), run, models.StageIntelligence, models.StageSkipped, reasonUpstreamBlock, nil, 0)
	} else {
		intelStart := time.Now()
		ictx, cancelIntel := context.WithTimeout(r.Context(), s.IntelligenceTimeout)
		intel, err = s.Intelligence.Analyze(ictx, text, run.trace.TraceID)
		cancelIntel()
		if err != nil {
			// Quality stage: degrade to a conservative default instead
			// of aborting the trace.
			reason := reasonStageFailure
			if errors.Is(err, context.DeadlineExceeded) {
				reason = reasonStageTimeout
			}
			log.Printf("trace=%s intelligence degraded: %v", run.trace.TraceID, err)
			intel = &models.IntelligenceResult{BehavioralState: "unknown", TraceID: run.trace.TraceID}
			s.record(r.Context(), run, models.StageIntelligence, models.StageDegraded, reason, intel, time.Since(intelStart))
		} else {
			s.record(r.Context(), run, models.StageIntelligence, models.StageSuccess, "", intel, time.Since(intelStart))
		}
	}

	v := verdict.Decide(verdict.Inputs{
		Safety:    safetyRes,
		RiskFlags: riskFlags,
		TraceID:   run.trace.TraceID,
	})
	v.Timestamp = time.Now().UTC().Format(time.RFC3339)
	verdictStatus := models.StageSuccess
	if earlyExit {
		// The engine was not consulted beyond the fixed block; the
		// marker still carries the verdict payload.
		verdictStatus = models.StageSkipped
	}
	v = s.recordVerdict(r.Context(), run, v, verdictStatus)

	if v.Decision != models.DecisionAllow {
		responseText := refusalText
		switch {
		case v.ReasonCode == models.ReasonSelfHarmBlock:
			responseText = crisisText
		case v.Decision == models.DecisionRewrite:
			responseText = rewriteFallbackText
			if out := strings.TrimSpace(safetyRes.SafeOutput); out != "" {
				responseText = out
			}
		}
		s.finishRestricted(w, r, run, v, safetyRes, responseText)
		return
	}

	// Orchestration quality stages: summary, intent, task. Pure and
	// fail-soft by construction.
	summary := flow.Summarize(text)
	intent, confidence := flow.DetectIntent(text)
	task := flow.BuildTask(text, intent)
	s.record(r.Context(), run, models.StageOrchestration, models.StageSuccess, "", map[string]any{
		"summary":    summary,
		"intent":     string(intent),
		"confidence": confidence,
		"action":     task.ActionType,
	}, 0)

	resultType := models.ResultPassive
	if intent == flow.IntentIntelligence {
		resultType = models.ResultIntelligence
	}

	responseText := summary
	var execRes *models.ExecutionResult
	if task.ActionType != "" {
		resultType = models.ResultWorkflow
		execStart := time.Now()
		ectx, cancelExec := context.WithTimeout(r.Context(), s.ExecutionTimeout)
		execRes, err = s.Executor.Execute(ectx, task.JSON(), v)
		cancelExec()
		switch {
		case err != nil:
			log.Printf("trace=%s execution failed: %v", run.trace.TraceID, err)
			execRes = &models.ExecutionResult{
				Status:     models.ExecutionError,
				ActionType: task.ActionType,
				Error:      "execution failed",
				TraceID:    run.trace.TraceID,
			}
			s.record(r.Context(), run, models.StageExecution, models.StageError, reasonStageFailure, execRes, time.Since(execStart))
			responseText = executionFailedText
		case execRes.Status == models.ExecutionBlocked:
			s.record(r.Context(), run, models.StageExecution, models.StageBlocked, execRes.Reason, execRes, time.Since(execStart))
			responseText = refusalText
		default:
			s.record(r.Context(), run, models.StageExecution, models.StageSuccess, "", execRes, time.Since(execStart))
			responseText = "Your " + task.ActionType + " task has been handed off."
		}
	} else {
		s.record(r.Context(), run, models.StageExecution, models.StageSkipped, reasonNoAction, nil, 0)
	}

	s.record(r.Context(), run, models.StageResponse, models.StageSuccess, "", map[string]any{
		"result_type": string(resultType),
	}, 0)

	result := &models.AssistantResult{
		Type:      resultType,
		Response:  responseText,
		Verdict:   &v,
		Safety:    safetyRes,
		Execution: execRes,
		AuditRefs: run.auditRefs,
	}
	if task.ActionType != "" {
		result.Task = task.JSON()
	}
	envelope := models.AssistantResponse{
		Version:     models.ContractVersion,
		Status:      "success",
		Result:      result,
		ProcessedAt: time.Now().UTC().Format(time.RFC3339),
		TraceID:     run.trace.TraceID,
	}
	if idemKey != "" {
		if raw, err := json.Marshal(envelope); err == nil {
			_ = s.Cache.Set(r.Context(), idemKey, string(raw), s.IdempotencyTTL)
		}
	}
	httpx.WriteJSON(w, 200, envelope)
}

// finishRestricted completes a trace whose verdict forbids execution:
// skipped-stage markers, response-stage entry, terminal envelope. The
// executor is unreachable from here by construction.
func (s *Server) finishRestricted(w http.ResponseWriter, r *http.Request, run *pipelineRun, v models.Verdict, safetyRes *models.SafetyResult, responseText string) {
	// Detached like the verdict write: the trace still owes three
	// entries, and a client disconnect must not cut it short.
	detached := context.WithoutCancel(r.Context())
	s.record(detached, run, models.StageOrchestration, models.StageSkipped, reasonUpstreamBlock, nil, 0)
	s.record(detached, run, models.StageExecution, models.StageSkipped, reasonUpstreamBlock, nil, 0)
	s.record(detached, run, models.StageResponse, models.StageSuccess, "", map[string]any{
		"result_type": string(models.ResultPassive),
	}, 0)
	result := &models.AssistantResult{
		Type:      models.ResultPassive,
		Response:  responseText,
		Verdict:   &v,
		Safety:    safetyRes,
		AuditRefs: run.auditRefs,
	}
	httpx.WriteJSON(w, 200, models.AssistantResponse{
		Version:     models.ContractVersion,
		Status:      "success",
		Result:      result,
		ProcessedAt: time.Now().UTC().Format(time.RFC3339),
		TraceID:     run.trace.TraceID,
	})
}

// recordVerdict writes the verdict-bearing audit entry. The write uses
// a context detached from the caller so a disconnect cannot cancel it,
// and a failed write tightens the verdict instead of passing through.
func (s *Server) recordVerdict(ctx context.Context, run *pipelineRun, v models.Verdict, status models.StageStatus) models.Verdict {
	reason := ""
	if status == models.StageSkipped {
		reason = reasonUpstreamBlock
	}
	detached := context.WithoutCancel(ctx)
	id, err := s.appendEntry(detached, run, models.StageVerdict, status, reason, v)
	if err != nil {
		log.Printf("trace=%s verdict audit write failed: %v", run.trace.TraceID, err)
		v = verdict.Restrict(v, models.Verdict{
			Decision:   models.DecisionBlock,
			Scope:      models.ScopeBoth,
			ReasonCode: models.ReasonAuditUnavailable,
			TraceID:    run.trace.TraceID,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	} else {
		run.auditRefs = append(run.auditRefs, id)
	}
	s.Metrics.IncVerdict(string(v.Decision))
	s.Metrics.IncReason(v.ReasonCode)
	s.Metrics.IncVerdictReason(string(v.Decision), v.ReasonCode)
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("verdict", run.trace.TraceID, map[string]any{
			"decision":    string(v.Decision),
			"reason_code": v.ReasonCode,
		}))
	}
	return v
}

// record writes one stage entry and folds the outcome into metrics and
// the live event stream. Append failures are logged, never fatal for
// non-verdict stages.
func (s *Server) record(ctx context.Context, run *pipelineRun, stage models.StageName, status models.StageStatus, reason string, payload any, elapsed time.Duration) {
	id, err := s.appendEntry(ctx, run, stage, status, reason, payload)
	if err != nil {
		log.Printf("trace=%s audit append failed for stage %s: %v", run.trace.TraceID, stage, err)
	} else {
		run.auditRefs = append(run.auditRefs, id)
	}
	s.Metrics.ObserveStage(string(stage), string(status), elapsed)
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("stage", run.trace.TraceID, map[string]any{
			"stage":  string(stage),
			"status": string(status),
			"reason": reason,
		}))
	}
}

func (s *Server) appendEntry(ctx context.Context, run *pipelineRun, stage models.StageName, status models.StageStatus, reason string, payload any) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			raw = b
		}
	}
	entry := audit.Entry{
		EntryID:     uuid.New().String(),
		TraceID:     run.trace.TraceID,
		Stage:       stage,
		Status:      status,
		Reason:      reason,
		RequesterID: run.requester,
		ArtifactID:  run.trace.TraceID,
		Class:       audit.ClassAuditEntry,
		Operation:   models.OpAppend,
		Payload:     raw,
	}
	stored, err := s.Trail.Append(ctx, entry)
	if err != nil {
		s.Metrics.IncAuditFailure()
		return "", err
	}
	s.Metrics.IncAuditAppend()
	return stored.EntryID, nil
}

func requesterID(r *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && strings.TrimSpace(principal.Subject) != "" {
		return principal.Subject
	}
	return "assistant_pipeline"
}

func (s *Server) readAssistantBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		s.writeEnvelopeError(w, http.StatusRequestEntityTooLarge, models.CodeInvalidInput, "request body too large", "")
		return nil, false
	}
	s.writeEnvelopeError(w, 400, models.CodeInvalidInput, "invalid request body", "")
	return nil, false
}

func (s *Server) writeEnvelopeError(w http.ResponseWriter, status int, code, msg, traceID string) {
	httpx.WriteJSON(w, status, models.AssistantResponse{
		Version:     models.ContractVersion,
		Status:      "error",
		Error:       &models.ErrorBody{Code: code, Message: msg},
		ProcessedAt: time.Now().UTC().Format(time.RFC3339),
		TraceID:     traceID,
	})
}
