// Package audit implements the write-once decision trail. Entries are
// created and appended, never updated or deleted; violations surface
// as typed errors before anything reaches storage.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/praj33/ai-assistant-backend/pkg/models"
)

// ArtifactClass names the record families covered by write-once rules.
type ArtifactClass string

const (
	ClassAuditEntry       ArtifactClass = "audit_entry"
	ClassDecisionSnapshot ArtifactClass = "decision_snapshot"
	ClassProvenance       ArtifactClass = "provenance_metadata"
	ClassModelCheckpoint  ArtifactClass = "model_checkpoint"
	ClassIterationHistory ArtifactClass = "iteration_history"
	ClassEventHistory     ArtifactClass = "event_history"
)

var immutableClasses = map[ArtifactClass]struct{}{
	ClassAuditEntry:       {},
	ClassDecisionSnapshot: {},
	ClassProvenance:       {},
	ClassModelCheckpoint:  {},
	ClassIterationHistory: {},
	ClassEventHistory:     {},
}

// IsImmutableClass reports whether write-once rules apply to class.
func IsImmutableClass(class ArtifactClass) bool {
	_, ok := immutableClasses[class]
	return ok
}

// WormViolation is returned when an operation would mutate or remove
// an immutable artifact. It is raised before any storage call.
type WormViolation struct {
	Operation  models.OperationType
	ArtifactID string
	Class      ArtifactClass
}

func (v *WormViolation) Error() string {
	return fmt.Sprintf("write-once violation: %s on %s artifact %s", v.Operation, v.Class, v.ArtifactID)
}

// AsWormViolation unwraps err to a WormViolation if one is in the chain.
func AsWormViolation(err error) (*WormViolation, bool) {
	var wv *WormViolation
	if errors.As(err, &wv) {
		return wv, true
	}
	return nil, false
}

// CheckWORM validates an operation against an artifact class. CREATE,
// APPEND and READ pass; everything else on an immutable class fails.
func CheckWORM(op models.OperationType, class ArtifactClass, artifactID string) error {
	if !IsImmutableClass(class) {
		return nil
	}
	switch op {
	case models.OpCreate, models.OpAppend, models.OpRead:
		return nil
	default:
		return &WormViolation{Operation: op, ArtifactID: artifactID, Class: class}
	}
}

// Entry is one record in the decision trail. Seq is assigned by the
// store at append time and is strictly increasing per trace.
type Entry struct {
	EntryID     string               `json:"entry_id"`
	TraceID     string               `json:"trace_id"`
	Seq         int64                `json:"seq"`
	Stage       models.StageName     `json:"stage"`
	Status      models.StageStatus   `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	RequesterID string               `json:"requester_id,omitempty"`
	ArtifactID  string               `json:"artifact_id"`
	Class       ArtifactClass        `json:"artifact_class"`
	Operation   models.OperationType `json:"operation"`
	Payload     json.RawMessage      `json:"payload,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Query filters history reads. Zero values mean "no filter".
type Query struct {
	TraceID    string
	ArtifactID string
	Stage      models.StageName
	Since      time.Time
	Limit      int
}

// Store is the persistence seam for the decision trail. Append is the
// only write; there is deliberately no update or delete.
type Store interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	TraceHistory(ctx context.Context, traceID string) ([]Entry, error)
	ArtifactHistory(ctx context.Context, artifactID string) ([]Entry, error)
	Search(ctx context.Context, q Query) ([]Entry, error)
	Durable() bool
}

var errEmptyEntry = errors.New("audit entry missing trace id or stage")

// normalizeEntry fills defaults and enforces write-once rules before
// any storage call.
func normalizeEntry(e Entry) (Entry, error) {
	if e.TraceID == "" || e.Stage == "" {
		return e, errEmptyEntry
	}
	if e.Operation == "" {
		e.Operation = models.OpAppend
	}
	if e.Class == "" {
		e.Class = ClassAuditEntry
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := CheckWORM(e.Operation, e.Class, e.ArtifactID); err != nil {
		return e, err
	}
	return e, nil
}

// ValidateImmutability replays an artifact's history and reports the
// first recorded operation that should never have been possible. A
// clean pass proves the trail only ever created, appended and read.
func ValidateImmutability(ctx context.Context, s Store, artifactID string) error {
	entries, err := s.ArtifactHistory(ctx, artifactID)
	if err != nil {
		return err
	}
	var lastSeq int64
	for i, e := range entries {
		if err := CheckWORM(e.Operation, e.Class, e.ArtifactID); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if e.Seq <= lastSeq && i > 0 && e.TraceID == entries[i-1].TraceID {
			return fmt.Errorf("entry %d: sequence regression %d after %d", i, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
	}
	return nil
}
