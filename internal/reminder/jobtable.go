package reminder

import (
	"sync"
	"time"
)

// jobTable tracks which reminder ids currently have a live timer in this
// process. It is owned by a single Scheduler instance, never shared.
//
// Stopping a timer prevents a not-yet-started callback from running; it
// does not abort a callback that is already mid-flight. The scheduler's
// freshness check covers that window.
type jobTable struct {
	mu     sync.Mutex
	timers map[int64]*time.Timer
}

func newJobTable() *jobTable {
	return &jobTable{timers: map[int64]*time.Timer{}}
}

// Set installs the timer for id, cancelling any prior one first.
// Guarantees at most one live timer per id.
func (t *jobTable) Set(id int64, tm *time.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[id]; ok {
		old.Stop()
	}
	t.timers[id] = tm
}

// Clear cancels and removes the timer for id. No-op if none exists.
func (t *jobTable) Clear(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
}

// ClearIf removes the entry for id only if it still holds tm. A timer
// cleaning up after its own callback must not cancel a replacement that
// was installed for the same id while the callback ran.
func (t *jobTable) ClearIf(id int64, tm *time.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.timers[id]; ok && cur == tm {
		delete(t.timers, id)
	}
}

func (t *jobTable) Has(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[id]
	return ok
}

func (t *jobTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// StopAll cancels every live timer and empties the table.
func (t *jobTable) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
}
