package intent

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrInFlight is returned by a replay that found its intent held by a live
// call in this process.
var ErrInFlight = errors.New("intent: in flight")

// InFlight tracks the intents a live request is driving. A replay must not
// touch an intent while its original call is still running.
type InFlight struct {
	mu  sync.Mutex
	ids map[uuid.UUID]struct{}
}

// NewInFlight creates an empty set.
func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[uuid.UUID]struct{})}
}

// Acquire claims id. It returns false if id is already held.
func (f *InFlight) Acquire(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.ids[id]; held {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

// Release frees id.
func (f *InFlight) Release(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}
