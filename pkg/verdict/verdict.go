// Package verdict is the deterministic policy engine behind the
// assistant pipeline. Decide is pure: same inputs, same verdict, no
// clock, no I/O. Every outcome carries a stable reason code.
package verdict

import (
	"strings"

	"github.com/praj33/ai-assistant-backend/pkg/models"
)

// Inputs collects everything the engine is allowed to look at.
type Inputs struct {
	Safety    *models.SafetyResult
	RiskFlags []string
	TraceID   string
}

// selfHarmTokens matched against risk metadata only, never raw text.
var selfHarmTokens = []string{
	"self_harm",
	"self-harm",
	"selfharm",
	"suicide",
	"suicidal",
	"kill myself",
	"end my life",
	"hurt myself",
}

func containsSelfHarm(s string) bool {
	s = strings.ToLower(s)
	for _, tok := range selfHarmTokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

// SelfHarmSignal reports whether the safety metadata carries a
// self-harm marker. A nil result counts as a signal: the engine never
// assumes absence of risk it could not observe.
func SelfHarmSignal(safety *models.SafetyResult) bool {
	if safety == nil {
		return true
	}
	if containsSelfHarm(safety.RiskCategory) || containsSelfHarm(safety.ReasonCode) {
		return true
	}
	for _, p := range safety.MatchedPatterns {
		if containsSelfHarm(p) {
			return true
		}
	}
	return false
}

// Decide maps safety metadata and risk flags to a verdict. Rules apply
// in strict priority order and the first match wins:
//
//  1. self-harm signal          BLOCK  SELF_HARM_BLOCK        scope both
//  2. hard_deny                 BLOCK  SAFETY_HARD_DENY       scope both
//  3. soft_rewrite              REWRITE SAFE_REWRITE_REQUIRED scope response
//  4. any risk flag             BLOCK  RISK_FLAGS_DETECTED    scope both
//  5. otherwise                 ALLOW  CONTENT_ALLOWED        scope both
func Decide(in Inputs) models.Verdict {
	v := models.Verdict{TraceID: in.TraceID, Scope: models.ScopeBoth}
	switch {
	case SelfHarmSignal(in.Safety):
		v.Decision = models.DecisionBlock
		v.ReasonCode = models.ReasonSelfHarmBlock
	case in.Safety.Decision == models.SafetyHardDeny:
		v.Decision = models.DecisionBlock
		v.ReasonCode = models.ReasonSafetyHardDeny
	case in.Safety.Decision == models.SafetySoftRewrite:
		v.Decision = models.DecisionRewrite
		v.ReasonCode = models.ReasonSafeRewrite
		v.Scope = models.ScopeResponse
		v.RewriteClass = models.RewriteDeterministic
	case len(nonEmpty(in.RiskFlags)) > 0:
		v.Decision = models.DecisionBlock
		v.ReasonCode = models.ReasonRiskFlags
	default:
		v.Decision = models.DecisionAllow
		v.ReasonCode = models.ReasonContentAllowed
	}
	return v
}

func nonEmpty(flags []string) []string {
	out := flags[:0:0]
	for _, f := range flags {
		if strings.TrimSpace(f) != "" {
			out = append(out, f)
		}
	}
	return out
}

// Unavailable is the fail-closed verdict used when the engine itself
// cannot run to completion.
func Unavailable(traceID string) models.Verdict {
	return models.Verdict{
		Decision:   models.DecisionBlock,
		Scope:      models.ScopeBoth,
		ReasonCode: models.ReasonVerdictUnavailable,
		TraceID:    traceID,
	}
}
