// Package threat scans artifact submissions for known abuse patterns.
// Scan is pure and advisory: it never blocks by itself, it hands its
// findings to the callers that decide.
package threat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/praj33/ai-assistant-backend/pkg/audit"
	"github.com/praj33/ai-assistant-backend/pkg/models"
)

// Threat codes. The catalog is closed; new detections get new codes.
const (
	CodeStorageExhaustion   = "T1"
	CodeMetadataPoisoning   = "T2"
	CodeSchemaDrift         = "T3"
	CodeWriteCollision      = "T4"
	CodeExecutorOverride    = "T5"
	CodeEscalation          = "T6"
	CodeCrossContext        = "T7"
	CodeAuditTampering      = "T8"
	CodeOwnershipConflict   = "T9"
	CodeProvenanceOverTrust = "T10"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Threat struct {
	Code     string   `json:"code"`
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Submission is the artifact view the scanner inspects. It carries
// metadata only; the scanner never calls out to storage.
type Submission struct {
	ArtifactID    string
	Class         audit.ArtifactClass
	Operation     models.OperationType
	Owner         string
	ClaimedOwner  string
	Product       string
	ScopedProduct string
	Timestamp     string
	Payload       json.RawMessage
	Flags         map[string]any
	ContextID     string
	SourceContext string
}

const (
	maxTimestampSkew = 5 * time.Minute
	maxNestedChars   = 10000
	maxArtifactBytes = 10 << 20
)

// Config bounds the heuristics. Zero values take the defaults above.
type Config struct {
	MaxSkew          time.Duration
	MaxNestedChars   int
	MaxArtifactBytes int
	Now              func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxSkew <= 0 {
		c.MaxSkew = maxTimestampSkew
	}
	if c.MaxNestedChars <= 0 {
		c.MaxNestedChars = maxNestedChars
	}
	if c.MaxArtifactBytes <= 0 {
		c.MaxArtifactBytes = maxArtifactBytes
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// bypassFlags are governance-evasion markers regardless of value shape.
var bypassFlags = []string{
	"bypass_governance",
	"emergency_override",
	"skip_audit",
	"hide_operation",
	"direct_db_access",
}

// Scan runs the full catalog against one submission.
func Scan(cfg Config, sub Submission) []Threat {
	cfg = cfg.withDefaults()
	var out []Threat

	if len(sub.Payload) > cfg.MaxArtifactBytes {
		out = append(out, Threat{
			Code:     CodeStorageExhaustion,
			Name:     "storage_exhaustion",
			Severity: SeverityHigh,
			Detail:   fmt.Sprintf("artifact payload %d bytes exceeds limit", len(sub.Payload)),
		})
	} else if n := deepestStringLen(sub.Payload); n > cfg.MaxNestedChars {
		out = append(out, Threat{
			Code:     CodeStorageExhaustion,
			Name:     "storage_exhaustion",
			Severity: SeverityMedium,
			Detail:   fmt.Sprintf("nested value %d chars exceeds limit", n),
		})
	}

	if t := checkTimestamp(cfg, sub.Timestamp); t != nil {
		out = append(out, *t)
	}

	if sub.ClaimedOwner != "" && sub.Owner != "" && sub.ClaimedOwner != sub.Owner {
		out = append(out, Threat{
			Code:     CodeOwnershipConflict,
			Name:     "ownership_conflict",
			Severity: SeverityHigh,
			Detail:   "claimed owner does not match recorded owner",
		})
	}

	for _, flag := range bypassFlags {
		if _, ok := sub.Flags[flag]; ok {
			out = append(out, Threat{
				Code:     CodeEscalation,
				Name:     "governance_bypass",
				Severity: SeverityCritical,
				Detail:   "flag " + flag + " present in submission",
			})
			break
		}
	}

	if audit.IsImmutableClass(sub.Class) {
		switch sub.Operation {
		case models.OpUpdate, models.OpDelete:
			out = append(out, Threat{
				Code:     CodeAuditTampering,
				Name:     "audit_tampering",
				Severity: SeverityCritical,
				Detail:   fmt.Sprintf("%s targets immutable class %s", sub.Operation, sub.Class),
			})
		}
	}

	if sub.Product != "" && sub.ScopedProduct != "" && !strings.EqualFold(sub.Product, sub.ScopedProduct) {
		out = append(out, Threat{
			Code:     CodeCrossContext,
			Name:     "cross_context_contamination",
			Severity: SeverityHigh,
			Detail:   "artifact product does not match request scope",
		})
	}

	if sub.SourceContext != "" && sub.ContextID != "" && sub.SourceContext != sub.ContextID {
		out = append(out, Threat{
			Code:     CodeCrossContext,
			Name:     "cross_context_contamination",
			Severity: SeverityHigh,
			Detail:   "payload references a foreign context",
		})
	}

	if _, ok := sub.Flags["force_overwrite"]; ok {
		out = append(out, Threat{
			Code:     CodeWriteCollision,
			Name:     "write_collision",
			Severity: SeverityHigh,
			Detail:   "submission requests overwrite of an existing artifact",
		})
	}

	if t := checkMetadata(sub.Payload); t != nil {
		out = append(out, *t)
	}
	out = append(out, checkPayloadAuthority(sub.Payload)...)

	return out
}

// checkPayloadAuthority flags payloads that try to carry authority the
// pipeline derives itself: pre-baked enforcement decisions and
// unverifiable provenance claims.
func checkPayloadAuthority(raw json.RawMessage) []Threat {
	if len(raw) == 0 {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	var out []Threat
	if _, ok := doc["enforcement_decision"]; ok {
		out = append(out, Threat{
			Code:     CodeExecutorOverride,
			Name:     "executor_override",
			Severity: SeverityCritical,
			Detail:   "payload carries a pre-set enforcement decision",
		})
	}
	if prov, ok := doc["provenance"].(map[string]any); ok {
		verified, _ := prov["verified"].(bool)
		_, hasSig := prov["signature"]
		if verified && !hasSig {
			out = append(out, Threat{
				Code:     CodeProvenanceOverTrust,
				Name:     "provenance_over_trust",
				Severity: SeverityMedium,
				Detail:   "provenance claims verification without a signature",
			})
		}
	}
	return out
}

func checkTimestamp(cfg Config, ts string) *Threat {
	if ts == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return &Threat{
			Code:     CodeMetadataPoisoning,
			Name:     "metadata_poisoning",
			Severity: SeverityMedium,
			Detail:   "timestamp not parseable",
		}
	}
	skew := cfg.Now().UTC().Sub(parsed.UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > cfg.MaxSkew {
		return &Threat{
			Code:     CodeMetadataPoisoning,
			Name:     "metadata_poisoning",
			Severity: SeverityMedium,
			Detail:   fmt.Sprintf("timestamp skew %s exceeds %s", skew.Round(time.Second), cfg.MaxSkew),
		}
	}
	return nil
}

// schema mutation markers a payload should never carry
var schemaKeys = []string{"_schema", "schema_change", "alter_table", "migration"}

func checkMetadata(raw json.RawMessage) *Threat {
	if len(raw) == 0 {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	for _, k := range schemaKeys {
		if _, ok := doc[k]; ok {
			return &Threat{
				Code:     CodeSchemaDrift,
				Name:     "schema_drift",
				Severity: SeverityHigh,
				Detail:   "payload carries schema mutation key " + k,
			}
		}
	}
	return nil
}

func deepestStringLen(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0
	}
	return walkStringLen(doc)
}

func walkStringLen(v any) int {
	max := 0
	switch t := v.(type) {
	case string:
		return len(t)
	case map[string]any:
		for _, val := range t {
			if n := walkStringLen(val); n > max {
				max = n
			}
		}
	case []any:
		for _, val := range t {
			if n := walkStringLen(val); n > max {
				max = n
			}
		}
	}
	return max
}

// HasCriticalThreats reports whether any finding is critical.
func HasCriticalThreats(threats []Threat) bool {
	for _, t := range threats {
		if t.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Flags extracts the threat codes for audit payloads and verdicts.
func Flags(threats []Threat) []string {
	if len(threats) == 0 {
		return nil
	}
	out := make([]string, 0, len(threats))
	for _, t := range threats {
		out = append(out, t.Code+":"+t.Name)
	}
	return out
}
