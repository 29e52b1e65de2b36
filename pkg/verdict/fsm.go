package verdict

import (
	"errors"

	"github.com/praj33/ai-assistant-backend/pkg/models"
)

// ErrEscalation rejects any transition that would loosen an already
// issued verdict. Restriction is monotonic for the life of a trace.
var ErrEscalation = errors.New("verdict escalation not permitted")

func rank(d models.Decision) int {
	switch d {
	case models.DecisionAllow:
		return 0
	case models.DecisionRewrite:
		return 1
	case models.DecisionBlock:
		return 2
	default:
		// Unknown decisions are treated as maximally restrictive.
		return 2
	}
}

// CanTransition reports whether a verdict may move from one decision
// to another. Tightening is always allowed, loosening never is.
func CanTransition(from, to models.Decision) bool {
	return rank(to) >= rank(from)
}

// Transition applies a candidate decision on top of the current one.
// A loosening candidate leaves the current decision in place.
func Transition(from, to models.Decision) (models.Decision, error) {
	if !CanTransition(from, to) {
		return from, ErrEscalation
	}
	return to, nil
}

// Restrict merges a later verdict into an earlier one for the same
// trace, keeping the stricter decision and its reason code.
func Restrict(current, candidate models.Verdict) models.Verdict {
	if rank(candidate.Decision) >= rank(current.Decision) {
		return candidate
	}
	return current
}
