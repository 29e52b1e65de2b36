package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/praj33/ai-assistant-backend/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore is the durable trail. Per-trace sequence numbers are
// assigned inside a single insert so concurrent appends to one trace
// cannot interleave out of order.
type PostgresStore struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func NewPostgresStore(db auditDB, salt []byte, redact bool) *PostgresStore {
	return &PostgresStore{DB: db, HashSalt: salt, Redact: redact}
}

func (s *PostgresStore) Durable() bool { return true }

func (s *PostgresStore) Append(ctx context.Context, e Entry) (Entry, error) {
	e, err := normalizeEntry(e)
	if err != nil {
		return Entry{}, err
	}
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	if s.Redact {
		e.Payload = redactPayload(e.Payload, s.HashSalt)
	}
	// Two appends for one trace can compute the same next seq and
	// collide on the (trace_id, seq) unique index. The loser retakes
	// MAX(seq) once; a second collision surfaces as the insert error.
	for attempt := 0; ; attempt++ {
		err := s.insert(ctx, &e)
		if err == nil {
			return e, nil
		}
		if attempt == 0 && isUniqueViolation(err) {
			continue
		}
		return Entry{}, err
	}
}

func (s *PostgresStore) insert(ctx context.Context, e *Entry) error {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO audit_entries
		(entry_id, trace_id, seq, stage, status, reason, requester_id, artifact_id, artifact_class, operation, payload, created_at)
		SELECT $1, $2, COALESCE(MAX(seq),0)+1, $3, $4, $5, $6, $7, $8, $9, $10, $11
		FROM audit_entries WHERE trace_id=$2
		RETURNING seq
	`, e.EntryID, e.TraceID, string(e.Stage), string(e.Status), e.Reason, e.RequesterID, e.ArtifactID, string(e.Class), string(e.Operation), e.Payload, e.CreatedAt)
	return row.Scan(&e.Seq)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const entryColumns = `entry_id, trace_id, seq, stage, status, reason, requester_id, artifact_id, artifact_class, operation, payload, created_at`

func (s *PostgresStore) TraceHistory(ctx context.Context, traceID string) ([]Entry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries WHERE trace_id=$1 ORDER BY seq ASC
	`, traceID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *PostgresStore) ArtifactHistory(ctx context.Context, artifactID string) ([]Entry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries WHERE artifact_id=$1 ORDER BY created_at ASC, seq ASC
	`, artifactID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *PostgresStore) Search(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	since := q.Since
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		WHERE ($1='' OR trace_id=$1)
		  AND ($2='' OR artifact_id=$2)
		  AND ($3='' OR stage=$3)
		  AND created_at >= $4
		ORDER BY created_at DESC, seq DESC
		LIMIT $5
	`, q.TraceID, q.ArtifactID, string(q.Stage), since, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var stage, status, class, op string
		if err := rows.Scan(&e.EntryID, &e.TraceID, &e.Seq, &stage, &status, &e.Reason, &e.RequesterID, &e.ArtifactID, &class, &op, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Stage = models.StageName(stage)
		e.Status = models.StageStatus(status)
		e.Class = ArtifactClass(class)
		e.Operation = models.OperationType(op)
		out = append(out, e)
	}
	return out, rows.Err()
}
