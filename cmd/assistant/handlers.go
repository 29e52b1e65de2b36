package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/praj33/ai-assistant-backend/pkg/audit"
	"github.com/praj33/ai-assistant-backend/pkg/boundary"
	"github.com/praj33/ai-assistant-backend/pkg/httpx"
	"github.com/praj33/ai-assistant-backend/pkg/models"
	"github.com/praj33/ai-assistant-backend/pkg/threat"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (s *Server) handleTraceAudit(w http.ResponseWriter, r *http.Request) {
	traceID := strings.TrimSpace(chi.URLParam(r, "trace_id"))
	if traceID == "" {
		httpx.Error(w, 400, "trace_id required")
		return
	}
	entries, err := s.Trail.TraceHistory(r.Context(), traceID)
	if err != nil {
		httpx.Error(w, 500, "failed to load trace history")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"trace_id": traceID,
		"items":    entries,
		"count":    len(entries),
		"durable":  s.Trail.Durable(),
	})
}

func (s *Server) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{
		TraceID:    strings.TrimSpace(r.URL.Query().Get("trace_id")),
		ArtifactID: strings.TrimSpace(r.URL.Query().Get("artifact_id")),
		Stage:      models.StageName(strings.TrimSpace(r.URL.Query().Get("stage"))),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, 400, "since must be RFC3339")
			return
		}
		q.Since = since
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			q.Limit = n
		}
	}
	entries, err := s.Trail.Search(r.Context(), q)
	if err != nil {
		httpx.Error(w, 500, "failed to search audit trail")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"items": entries, "count": len(entries)})
}

func (s *Server) handleValidateArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := strings.TrimSpace(chi.URLParam(r, "artifact_id"))
	if artifactID == "" {
		httpx.Error(w, 400, "artifact_id required")
		return
	}
	err := audit.ValidateImmutability(r.Context(), s.Trail, artifactID)
	resp := map[string]any{
		"artifact_id": artifactID,
		"immutable":   err == nil,
	}
	if err != nil {
		resp["detail"] = err.Error()
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) handleThreatCatalog(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]any{"items": threat.Catalog()})
}

type artifactOpRequest struct {
	TraceID       string          `json:"trace_id,omitempty"`
	RequesterID   string          `json:"requester_id,omitempty"`
	Capability    string          `json:"capability"`
	Operation     string          `json:"operation"`
	ArtifactID    string          `json:"artifact_id"`
	Class         string          `json:"artifact_class"`
	ContextID     string          `json:"context_id,omitempty"`
	TargetScope   string          `json:"target_scope,omitempty"`
	Owner         string          `json:"owner,omitempty"`
	ClaimedOwner  string          `json:"claimed_owner,omitempty"`
	Product       string          `json:"product,omitempty"`
	ScopedProduct string          `json:"scoped_product,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	Flags         map[string]any  `json:"flags,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// handleArtifactOp gates an artifact operation: boundary validation,
// threat scan, write-once check, then audited persistence. Rejected
// attempts are themselves recorded as blocked entries.
func (s *Server) handleArtifactOp(w http.ResponseWriter, r *http.Request) {
	var req artifactOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.ArtifactID = strings.TrimSpace(req.ArtifactID)
	if req.ArtifactID == "" {
		httpx.Error(w, 400, "artifact_id required")
		return
	}
	op := models.OperationType(strings.ToUpper(strings.TrimSpace(req.Operation)))
	if op == "" {
		httpx.Error(w, 400, "operation required")
		return
	}
	class := audit.ArtifactClass(strings.TrimSpace(req.Class))
	traceID := strings.TrimSpace(req.TraceID)
	if traceID == "" {
		traceID = newTraceID()
	}
	requester := strings.TrimSpace(req.RequesterID)
	if !strings.EqualFold(s.AuthMode, "off") || requester == "" {
		requester = requesterID(r)
	}
	contextID := strings.TrimSpace(req.ContextID)
	if contextID == "" {
		contextID = s.ContextID
	}

	// Write-once enforcement comes first: mutation of an immutable
	// class is a WormViolation no matter who asks.
	if err := audit.CheckWORM(op, class, req.ArtifactID); err != nil {
		wv, _ := audit.AsWormViolation(err)
		s.recordArtifactAttempt(r.Context(), traceID, requester, req.ArtifactID, op, "worm_violation", map[string]any{
			"operation": string(op),
			"class":     string(class),
		})
		httpx.WriteJSON(w, 409, map[string]any{
			"allowed":  false,
			"code":     models.CodeWormViolation,
			"message":  wv.Error(),
			"trace_id": traceID,
		})
		return
	}

	decision := s.Boundary.Validate(boundary.Request{
		RequesterID: requester,
		Capability:  boundary.Capability(strings.ToUpper(strings.TrimSpace(req.Capability))),
		Operation:   op,
		ArtifactID:  req.ArtifactID,
		Class:       class,
		ContextID:   contextID,
		TargetScope: strings.TrimSpace(req.TargetScope),
		Flags:       req.Flags,
		Payload:     req.Payload,
	})
	if !decision.Allowed {
		log.Printf("trace=%s boundary violation %s (%s): %s", traceID, decision.Reason, decision.Check, decision.Detail)
		s.recordArtifactAttempt(r.Context(), traceID, requester, req.ArtifactID, op, decision.Reason, map[string]any{
			"check":      decision.Check,
			"detail":     decision.Detail,
			"operation":  string(op),
			"capability": req.Capability,
		})
		httpx.WriteJSON(w, 403, map[string]any{
			"allowed":  false,
			"code":     models.CodeBoundaryViolation,
			"reason":   decision.Reason,
			"check":    decision.Check,
			"detail":   decision.Detail,
			"trace_id": traceID,
		})
		return
	}

	findings := threat.Scan(s.ThreatCfg, threat.Submission{
		ArtifactID:    req.ArtifactID,
		Class:         class,
		Operation:     op,
		Owner:         req.Owner,
		ClaimedOwner:  req.ClaimedOwner,
		Product:       req.Product,
		ScopedProduct: req.ScopedProduct,
		Timestamp:     req.Timestamp,
		Payload:       req.Payload,
		Flags:         req.Flags,
		ContextID:     contextID,
		SourceContext: strings.TrimSpace(req.TargetScope),
	})
	for _, f := range findings {
		s.Metrics.IncThreat(f.Code)
	}
	if threat.HasCriticalThreats(findings) {
		log.Printf("trace=%s critical threats rejected operation: %v", traceID, threat.Flags(findings))
		s.recordArtifactAttempt(r.Context(), traceID, requester, req.ArtifactID, op, "critical_threats", map[string]any{
			"threats":   threat.Flags(findings),
			"operation": string(op),
		})
		httpx.WriteJSON(w, 403, map[string]any{
			"allowed":  false,
			"code":     models.CodeBoundaryViolation,
			"reason":   "critical_threats",
			"threats":  findings,
			"trace_id": traceID,
		})
		return
	}

	entry := audit.Entry{
		EntryID:     uuid.New().String(),
		TraceID:     traceID,
		Stage:       models.StageBoundary,
		Status:      models.StageSuccess,
		RequesterID: requester,
		ArtifactID:  req.ArtifactID,
		Class:       class,
		Operation:   op,
		Payload:     req.Payload,
	}
	stored, err := s.Trail.Append(r.Context(), entry)
	if err != nil {
		s.Metrics.IncAuditFailure()
		httpx.Error(w, 500, "failed to persist artifact operation")
		return
	}
	s.Metrics.IncAuditAppend()
	httpx.WriteJSON(w, 200, map[string]any{
		"allowed":  true,
		"entry_id": stored.EntryID,
		"seq":      stored.Seq,
		"trace_id": traceID,
		"threats":  threat.Flags(findings),
	})
}

// recordArtifactAttempt writes the blocked-attempt entry. The record
// itself is an append to the trail, so it always passes write-once
// checks regardless of the operation it describes.
func (s *Server) recordArtifactAttempt(ctx context.Context, traceID, requester, artifactID string, op models.OperationType, reason string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	entry := audit.Entry{
		EntryID:     uuid.New().String(),
		TraceID:     traceID,
		Stage:       models.StageBoundary,
		Status:      models.StageBlocked,
		Reason:      reason,
		RequesterID: requester,
		ArtifactID:  artifactID,
		Class:       audit.ClassAuditEntry,
		Operation:   models.OpAppend,
		Payload:     raw,
	}
	if _, err := s.Trail.Append(ctx, entry); err != nil {
		s.Metrics.IncAuditFailure()
		log.Printf("trace=%s failed to record blocked artifact attempt: %v", traceID, err)
		return
	}
	s.Metrics.IncAuditAppend()
	if op == models.OpDelete || op == models.OpUpdate {
		log.Printf("trace=%s escalation: %s attempt on artifact %s blocked (%s)", traceID, op, artifactID, reason)
	}
}
