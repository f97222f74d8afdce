package intent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryJournal keeps intents in a map. Used for testing and development.
type MemoryJournal struct {
	mu      sync.RWMutex
	intents map[uuid.UUID]*Intent
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{intents: make(map[uuid.UUID]*Intent)}
}

func (j *MemoryJournal) Record(_ context.Context, in *Intent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	copy := *in
	j.intents[in.ID] = &copy
	return nil
}

func (j *MemoryJournal) Get(_ context.Context, id uuid.UUID) (*Intent, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	in, ok := j.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *in
	return &copy, nil
}

func (j *MemoryJournal) Resolve(_ context.Context, id uuid.UUID, signature string) error {
	return j.update(id, func(in *Intent) {
		in.Status = StatusDone
		in.Signature = signature
		in.LastError = ""
	})
}

func (j *MemoryJournal) Landed(_ context.Context, id uuid.UUID, signature string) error {
	return j.update(id, func(in *Intent) {
		in.Signature = signature
	})
}

func (j *MemoryJournal) Fail(_ context.Context, id uuid.UUID, reason string) error {
	return j.update(id, func(in *Intent) {
		in.Status = StatusFailed
		in.LastError = reason
	})
}

func (j *MemoryJournal) Retry(_ context.Context, id uuid.UUID, reason string) error {
	return j.update(id, func(in *Intent) {
		in.Attempts++
		in.LastError = reason
	})
}

func (j *MemoryJournal) Pending(_ context.Context) ([]Intent, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Intent
	for _, in := range j.intents {
		if in.Status == StatusPending {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (j *MemoryJournal) Close() error { return nil }

var _ Journal = (*MemoryJournal)(nil)

func (j *MemoryJournal) update(id uuid.UUID, fn func(*Intent)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	in, ok := j.intents[id]
	if !ok {
		return ErrNotFound
	}
	fn(in)
	in.UpdatedAt = time.Now().UTC()
	return nil
}
