// Package boundary gates every artifact operation before it reaches
// storage. Checks run in a fixed order and the first failure wins; a
// request that passes all of them is cleared for the audit trail.
package boundary

import (
	"encoding/json"
	"strings"

	"github.com/praj33/ai-assistant-backend/pkg/audit"
	"github.com/praj33/ai-assistant-backend/pkg/models"
)

// Violation reason codes, one per check.
const (
	ReasonIdentity         = "IDENTITY_REJECTED"
	ReasonCapability       = "CAPABILITY_DENIED"
	ReasonProhibitedAction = "PROHIBITED_ACTION"
	ReasonSchemaIntegrity  = "SCHEMA_INTEGRITY"
	ReasonAuditIntegrity   = "AUDIT_INTEGRITY"
	ReasonContextIsolation = "CONTEXT_ISOLATION"
	ReasonCleared          = "CLEARED"
)

// Capability is the closed set of operations a caller may request.
type Capability string

const (
	CapRead             Capability = "READ"
	CapWrite            Capability = "WRITE"
	CapQuery            Capability = "QUERY"
	CapAuditAppend      Capability = "AUDIT_APPEND"
	CapRetentionRequest Capability = "RETENTION_REQUEST"
	CapVerify           Capability = "VERIFY"
)

var knownCapabilities = map[Capability]struct{}{
	CapRead:             {},
	CapWrite:            {},
	CapQuery:            {},
	CapAuditAppend:      {},
	CapRetentionRequest: {},
	CapVerify:           {},
}

// Request is one artifact operation presented at the boundary.
type Request struct {
	RequesterID string
	Capability  Capability
	Operation   models.OperationType
	ArtifactID  string
	Class       audit.ArtifactClass
	ContextID   string
	TargetScope string
	Flags       map[string]any
	Payload     json.RawMessage
}

// Decision is the outcome of a boundary pass.
type Decision struct {
	Allowed bool
	Reason  string
	Check   string
	Detail  string
}

// Validator holds the caller identity policy. RequesterPrefixes lists
// the service prefixes allowed through; an empty list admits nobody.
type Validator struct {
	RequesterPrefixes []string
}

func NewValidator(prefixes []string) *Validator {
	return &Validator{RequesterPrefixes: prefixes}
}

// prohibited payload keys grouped by the rule that rejects them
var (
	schemaMutationKeys = []string{"_schema", "schema_change", "alter_table", "migration"}
	stealthKeys        = []string{"skip_audit", "hide_operation"}
	escalationKeys     = []string{"bypass_governance", "emergency_override"}
	rawAccessKeys      = []string{"direct_db_access", "raw_query"}
)

// Validate runs the ordered checks: identity, capability, prohibited
// actions, schema integrity, audit integrity, context isolation.
func (v *Validator) Validate(req Request) Decision {
	if d := v.checkIdentity(req); !d.Allowed {
		return d
	}
	if d := checkCapability(req); !d.Allowed {
		return d
	}
	if d := checkProhibited(req); !d.Allowed {
		return d
	}
	if d := checkSchemaIntegrity(req); !d.Allowed {
		return d
	}
	if d := checkAuditIntegrity(req); !d.Allowed {
		return d
	}
	if d := checkContextIsolation(req); !d.Allowed {
		return d
	}
	return Decision{Allowed: true, Reason: ReasonCleared, Check: "all"}
}

func (v *Validator) checkIdentity(req Request) Decision {
	id := strings.TrimSpace(req.RequesterID)
	if id == "" {
		return Decision{Reason: ReasonIdentity, Check: "identity", Detail: "requester id missing"}
	}
	for _, prefix := range v.RequesterPrefixes {
		if prefix != "" && strings.HasPrefix(id, prefix) {
			return Decision{Allowed: true}
		}
	}
	return Decision{Reason: ReasonIdentity, Check: "identity", Detail: "requester not recognized"}
}

func checkCapability(req Request) Decision {
	if _, ok := knownCapabilities[req.Capability]; !ok {
		return Decision{Reason: ReasonCapability, Check: "capability", Detail: "unknown capability " + string(req.Capability)}
	}
	return Decision{Allowed: true}
}

func checkProhibited(req Request) Decision {
	if req.Operation == models.OpDelete {
		return Decision{Reason: ReasonProhibitedAction, Check: "prohibited", Detail: "DELETE is never permitted"}
	}
	for _, k := range stealthKeys {
		if flagSet(req.Flags, k) {
			return Decision{Reason: ReasonProhibitedAction, Check: "prohibited", Detail: "stealth flag " + k}
		}
	}
	for _, k := range escalationKeys {
		if flagSet(req.Flags, k) {
			return Decision{Reason: ReasonProhibitedAction, Check: "prohibited", Detail: "escalation flag " + k}
		}
	}
	for _, k := range rawAccessKeys {
		if flagSet(req.Flags, k) {
			return Decision{Reason: ReasonProhibitedAction, Check: "prohibited", Detail: "raw access flag " + k}
		}
	}
	return Decision{Allowed: true}
}

func checkSchemaIntegrity(req Request) Decision {
	if len(req.Payload) == 0 {
		return Decision{Allowed: true}
	}
	var doc map[string]any
	if err := json.Unmarshal(req.Payload, &doc); err != nil {
		// Non-object payloads carry no schema keys.
		return Decision{Allowed: true}
	}
	for _, k := range schemaMutationKeys {
		if _, ok := doc[k]; ok {
			return Decision{Reason: ReasonSchemaIntegrity, Check: "schema", Detail: "payload carries " + k}
		}
	}
	return Decision{Allowed: true}
}

func checkAuditIntegrity(req Request) Decision {
	if !audit.IsImmutableClass(req.Class) {
		return Decision{Allowed: true}
	}
	switch req.Operation {
	case models.OpUpdate, models.OpDelete:
		return Decision{
			Reason: ReasonAuditIntegrity,
			Check:  "audit",
			Detail: string(req.Operation) + " targets immutable class " + string(req.Class),
		}
	}
	return Decision{Allowed: true}
}

func checkContextIsolation(req Request) Decision {
	if req.ContextID == "" || req.TargetScope == "" {
		return Decision{Allowed: true}
	}
	if !strings.EqualFold(req.ContextID, req.TargetScope) {
		return Decision{Reason: ReasonContextIsolation, Check: "context", Detail: "request crosses context boundary"}
	}
	return Decision{Allowed: true}
}

func flagSet(flags map[string]any, key string) bool {
	v, ok := flags[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || t == "1"
	default:
		return true
	}
}
