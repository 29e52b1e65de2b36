package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Ring is the bounded in-memory fallback used when no database is
// configured. It keeps the last capacity entries and drops the oldest
// on overflow. It is explicitly non-durable; a pipeline wired to it
// still fails closed when the ring itself rejects an entry.
type Ring struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	seqs     map[string]int64
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Ring{capacity: capacity, seqs: make(map[string]int64)}
}

func (r *Ring) Durable() bool { return false }

func (r *Ring) Append(_ context.Context, e Entry) (Entry, error) {
	e, err := normalizeEntry(e)
	if err != nil {
		return Entry{}, err
	}
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs[e.TraceID]++
	e.Seq = r.seqs[e.TraceID]
	r.entries = append(r.entries, e)
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
	return e, nil
}

func (r *Ring) TraceHistory(_ context.Context, traceID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *Ring) ArtifactHistory(_ context.Context, artifactID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.ArtifactID == artifactID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *Ring) Search(_ context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.entries[i]
		if q.TraceID != "" && e.TraceID != q.TraceID {
			continue
		}
		if q.ArtifactID != "" && e.ArtifactID != q.ArtifactID {
			continue
		}
		if q.Stage != "" && e.Stage != q.Stage {
			continue
		}
		if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Len reports the number of retained entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
