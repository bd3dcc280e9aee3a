package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"boardbot/internal/notifier"
	"boardbot/internal/storage"
	logx "boardbot/pkg/logx"
)

// fakeStore is an in-memory storage.Store for scheduler tests.
type fakeStore struct {
	mu       sync.Mutex
	seq      int64
	recs     map[int64]storage.Reminder
	listErr  error
	getErr   error
	finalErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: map[int64]storage.Reminder{}}
}

func (f *fakeStore) add(r storage.Reminder) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	r.ID = f.seq
	f.recs[r.ID] = r
	return r.ID
}

func (f *fakeStore) remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, id)
}

func (f *fakeStore) get(id int64) (storage.Reminder, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	return r, ok
}

func (f *fakeStore) Create(ctx context.Context, r *storage.Reminder) error {
	r.ID = f.add(*r)
	return nil
}

func (f *fakeStore) setGetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}

func (f *fakeStore) setFinalErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalErr = err
}

func (f *fakeStore) GetByID(ctx context.Context, id int64) (storage.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return storage.Reminder{}, f.getErr
	}
	r, ok := f.recs[id]
	if !ok {
		return storage.Reminder{}, storage.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) ListFuture(ctx context.Context, now time.Time) ([]storage.Reminder, error) {
	return f.listWhere(func(r storage.Reminder) bool { return r.FireAt.After(now) })
}

func (f *fakeStore) ListOverdue(ctx context.Context, now time.Time) ([]storage.Reminder, error) {
	return f.listWhere(func(r storage.Reminder) bool { return !r.FireAt.After(now) })
}

func (f *fakeStore) ListBySubject(ctx context.Context, subjectID string) ([]storage.Reminder, error) {
	return f.listWhere(func(r storage.Reminder) bool { return r.SubjectID == subjectID })
}

func (f *fakeStore) listWhere(keep func(storage.Reminder) bool) ([]storage.Reminder, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Reminder
	for _, r := range f.recs {
		if r.SentAt == nil && keep(r) {
			out = append(out, r)
		}
	}
	// ascending fire_at, matching the real store's ORDER BY
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].FireAt.Before(out[j-1].FireAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (f *fakeStore) FinalizeSent(ctx context.Context, id int64, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalErr != nil {
		return f.finalErr
	}
	r, ok := f.recs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if r.SentAt != nil {
		return storage.ErrAlreadyHandled
	}
	delete(f.recs, id)
	return nil
}

func (f *fakeStore) IncrementTries(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	if !ok || r.SentAt != nil {
		return storage.ErrNotFound
	}
	r.Tries++
	f.recs[id] = r
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id int64) error {
	f.remove(id)
	return nil
}

func (f *fakeStore) Close() error { return nil }

// fakeNotifier records every send and answers with a fixed result. Tests
// that need a delivery held open mid-flight set started and gate before
// any scheduling happens.
type fakeNotifier struct {
	mu      sync.Mutex
	sends   []notifier.Message
	res     notifier.Result
	started chan struct{}
	gate    chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{res: notifier.Result{OK: true}}
}

func (f *fakeNotifier) Send(ctx context.Context, msg notifier.Message) notifier.Result {
	f.mu.Lock()
	f.sends = append(f.sends, msg)
	res := f.res
	started, gate := f.started, f.gate
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return res
}

func (f *fakeNotifier) sent() []notifier.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notifier.Message, len(f.sends))
	copy(out, f.sends)
	return out
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeStore, *fakeNotifier) {
	t.Helper()
	st := newFakeStore()
	nt := newFakeNotifier()
	s := New(st, nt, nil, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, st, nt
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPlanOneDeliversAndFinalizes(t *testing.T) {
	t.Parallel()
	s, st, nt := newTestScheduler(t)

	id := st.add(storage.Reminder{
		SubjectID: "task-1",
		ChatID:    42,
		Body:      "Standup in 5 minutes",
		FireAt:    time.Now().Add(60 * time.Millisecond),
	})
	r, _ := st.get(id)
	s.PlanOne(r)

	if got := s.Planned(); got != 1 {
		t.Fatalf("Planned = %d, want 1", got)
	}
	if len(nt.sent()) != 0 {
		t.Fatal("sent before fire time")
	}

	waitUntil(t, time.Second, func() bool { return len(nt.sent()) == 1 })
	msg := nt.sent()[0]
	if msg.ChatID != 42 {
		t.Fatalf("ChatID = %d, want 42", msg.ChatID)
	}
	if msg.Text != "🔔 Standup in 5 minutes" {
		t.Fatalf("Text = %q", msg.Text)
	}

	waitUntil(t, time.Second, func() bool {
		_, ok := st.get(id)
		return !ok && s.Planned() == 0
	})
}

func TestPlanOneReplacesTimer(t *testing.T) {
	t.Parallel()
	s, st, nt := newTestScheduler(t)

	id := st.add(storage.Reminder{
		SubjectID: "task-2",
		ChatID:    7,
		Body:      "first",
		FireAt:    time.Now().Add(50 * time.Millisecond),
	})
	r, _ := st.get(id)
	s.PlanOne(r)

	// Reschedule to a later time before the first timer fires.
	later := r
	later.FireAt = time.Now().Add(150 * time.Millisecond)
	st.mu.Lock()
	st.recs[id] = later
	st.mu.Unlock()
	s.PlanOne(later)

	if got := s.Planned(); got != 1 {
		t.Fatalf("Planned = %d, want 1", got)
	}

	time.Sleep(90 * time.Millisecond)
	if n := len(nt.sent()); n != 0 {
		t.Fatalf("old timer delivered %d messages before the updated time", n)
	}

	waitUntil(t, time.Second, func() bool { return len(nt.sent()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(nt.sent()); n != 1 {
		t.Fatalf("delivered %d times, want exactly 1", n)
	}
}

func TestFireFreshnessGuard(t *testing.T) {
	t.Parallel()
	s, st, nt := newTestScheduler(t)

	id := st.add(storage.Reminder{
		SubjectID: "task-3",
		ChatID:    9,
		Body:      "soon gone",
		FireAt:    time.Now().Add(50 * time.Millisecond),
	})
	r, _ := st.get(id)
	s.PlanOne(r)

	// Deleted externally before the timer elapses.
	st.remove(id)

	time.Sleep(120 * time.Millisecond)
	if n := len(nt.sent()); n != 0 {
		t.Fatalf("notifier called %d times for a deleted record", n)
	}
	if s.Planned() != 0 {
		t.Fatal("stale job table entry left behind")
	}
}

func TestInitializeFiresOverdueInOrder(t *testing.T) {
	t.Parallel()
	s, st, nt := newTestScheduler(t)

	now := time.Now()
	st.add(storage.Reminder{SubjectID: "c", ChatID: 3, Body: "third", FireAt: now.Add(-1 * time.Second)})
	st.add(storage.Reminder{SubjectID: "a", ChatID: 1, Body: "first", FireAt: now.Add(-10 * time.Second)})
	st.add(storage.Reminder{SubjectID: "b", ChatID: 2, Body: "second", FireAt: now.Add(-5 * time.Second)})

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Overdue fires happen inside Initialize itself, before any timers exist.
	sends := nt.sent()
	if len(sends) != 3 {
		t.Fatalf("sent %d messages during Initialize, want 3", len(sends))
	}
	wantChats := []int64{1, 2, 3}
	for i, want := range wantChats {
		if sends[i].ChatID != want {
			t.Fatalf("send %d went to chat %d, want %d (ascending fire_at)", i, sends[i].ChatID, want)
		}
	}

	st.mu.Lock()
	left := len(st.recs)
	st.mu.Unlock()
	if left != 0 {
		t.Fatalf("%d records left after successful overdue delivery", left)
	}
}

func TestInitializePlansFuture(t *testing.T) {
	t.Parallel()
	s, st, nt := newTestScheduler(t)

	st.add(storage.Reminder{
		SubjectID: "task-4",
		ChatID:    5,
		Body:      "later",
		FireAt:    time.Now().Add(80 * time.Millisecond),
	})

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(nt.sent()) != 0 {
		t.Fatal("future record delivered during Initialize")
	}
	if s.Planned() != 1 {
		t.Fatalf("Planned = %d, want 1", s.Planned())
	}

	waitUntil(t, time.Second, func() bool { return len(nt.sent()) == 1 })
}

func TestInitializeStoreFailureIsFatal(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.listErr = errors.New("db gone")
	s := New(st, newFakeNotifier(), nil, logx.Nop())

	if err := s.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize must fail when the store is unavailable")
	}
}

func TestRetryCounting(t *testing.T) {
	t.Parallel()
	s, st, nt := newTestScheduler(t)
	nt.res = notifier.Result{OK: false, Code: notifier.CodeNetwork}

	id := st.add(storage.Reminder{
		SubjectID: "task-5",
		ChatID:    11,
		Body:      "unlucky",
		FireAt:    time.Now().Add(-time.Second),
	})

	// Overdue path: PlanOne fires synchronously.
	r, _ := st.get(id)
	s.PlanOne(r)

	got, ok := st.get(id)
	if !ok {
		t.Fatal("failed record must stay in the store")
	}
	if got.Tries != 1 {
		t.Fatalf("Tries = %d, want 1", got.Tries)
	}
	if got.SentAt != nil {
		t.Fatal("SentAt set despite delivery failure")
	}
	if s.Planned() != 0 {
		t.Fatal("no retry timer may be armed after a failure")
	}

	// Explicit re-plan is the only way to retry.
	s.PlanOne(got)
	got, _ = st.get(id)
	if got.Tries != 2 {
		t.Fatalf("Tries = %d, want 2", got.Tries)
	}
	if n := len(nt.sent()); n != 2 {
		t.Fatalf("notifier called %d times, want 2", n)
	}
}

func TestRescheduleSubject(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestScheduler(t)

	future := time.Now().Add(time.Minute)
	st.add(storage.Reminder{SubjectID: "evt-1", Target: storage.TargetOwner, ChatID: 1, Body: "x", FireAt: future})
	st.add(storage.Reminder{SubjectID: "evt-1", Target: storage.TargetAssignee, ChatID: 2, Body: "x", FireAt: future})
	st.add(storage.Reminder{SubjectID: "evt-2", ChatID: 3, Body: "y", FireAt: future})

	if err := s.RescheduleSubject(context.Background(), "evt-1"); err != nil {
		t.Fatalf("RescheduleSubject: %v", err)
	}
	if got := s.Planned(); got != 2 {
		t.Fatalf("Planned = %d, want 2 (only evt-1 records)", got)
	}

	// Re-planning the same subject must not stack timers.
	if err := s.RescheduleSubject(context.Background(), "evt-1"); err != nil {
		t.Fatalf("RescheduleSubject: %v", err)
	}
	if got := s.Planned(); got != 2 {
		t.Fatalf("Planned = %d after re-plan, want 2", got)
	}
}

func TestSweepPlansNewRecords(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestScheduler(t)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Another process inserts a record after startup.
	st.add(storage.Reminder{SubjectID: "task-6", ChatID: 4, Body: "new", FireAt: time.Now().Add(time.Minute)})

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := s.Planned(); got != 1 {
		t.Fatalf("Planned = %d, want 1", got)
	}

	// A second sweep must not touch already-planned records.
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := s.Planned(); got != 1 {
		t.Fatalf("Planned = %d after second sweep, want 1", got)
	}
}

func TestFireStoreReadFailure(t *testing.T) {
	t.Parallel()
	s, st, nt := newTestScheduler(t)

	id := st.add(storage.Reminder{
		SubjectID: "task-8", ChatID: 13, Body: "db down",
		FireAt: time.Now().Add(40 * time.Millisecond),
	})
	r, _ := st.get(id)
	s.PlanOne(r)
	st.setGetErr(errors.New("database is locked"))

	// The freshness read fails; nothing may be delivered and the timer
	// entry must still be released.
	waitUntil(t, time.Second, func() bool { return s.Planned() == 0 })
	time.Sleep(50 * time.Millisecond)
	if n := len(nt.sent()); n != 0 {
		t.Fatalf("notifier called %d times despite unreadable record", n)
	}

	// The record stays exactly as it was for a later sweep or restart.
	st.setGetErr(nil)
	got, ok := st.get(id)
	if !ok {
		t.Fatal("record removed after a failed freshness read")
	}
	if got.Tries != 0 || got.SentAt != nil {
		t.Fatalf("record mutated: Tries = %d, SentAt = %v", got.Tries, got.SentAt)
	}
}

func TestFireFinalizeFailureKeepsRecord(t *testing.T) {
	t.Parallel()
	s, st, nt := newTestScheduler(t)

	id := st.add(storage.Reminder{
		SubjectID: "task-9", ChatID: 14, Body: "sent but unrecorded",
		FireAt: time.Now().Add(-time.Second),
	})
	st.setFinalErr(errors.New("database is locked"))

	// Overdue path: PlanOne fires synchronously.
	r, _ := st.get(id)
	s.PlanOne(r)

	if n := len(nt.sent()); n != 1 {
		t.Fatalf("notifier called %d times, want 1", n)
	}
	got, ok := st.get(id)
	if !ok {
		t.Fatal("record removed although finalization failed")
	}
	if got.SentAt != nil {
		t.Fatal("SentAt set although finalization failed")
	}
	if got.Tries != 0 {
		t.Fatalf("Tries = %d, want 0 (delivery itself succeeded)", got.Tries)
	}
}

func TestReplanSurvivesInFlightFire(t *testing.T) {
	t.Parallel()
	s, st, nt := newTestScheduler(t)
	nt.res = notifier.Result{OK: false, Code: notifier.CodeNetwork}
	nt.started = make(chan struct{})
	nt.gate = make(chan struct{})

	id := st.add(storage.Reminder{
		SubjectID: "task-10", ChatID: 15, Body: "slow pipe",
		FireAt: time.Now().Add(20 * time.Millisecond),
	})
	r, _ := st.get(id)
	s.PlanOne(r)

	// Delivery is now in flight and held open.
	<-nt.started

	// Meanwhile the record gets rescheduled to a future time.
	later := r
	later.FireAt = time.Now().Add(time.Minute)
	st.mu.Lock()
	st.recs[id] = later
	st.mu.Unlock()
	s.PlanOne(later)

	// The old fire finishes on its failure path; its cleanup must not
	// cancel the replacement timer.
	close(nt.gate)
	waitUntil(t, time.Second, func() bool {
		got, ok := st.get(id)
		return ok && got.Tries == 1
	})
	time.Sleep(50 * time.Millisecond)
	if got := s.Planned(); got != 1 {
		t.Fatalf("Planned = %d, want 1 (re-plan cancelled by the finished fire)", got)
	}
}

func TestUnplanCancelsTimer(t *testing.T) {
	t.Parallel()
	s, st, nt := newTestScheduler(t)

	id := st.add(storage.Reminder{
		SubjectID: "task-7", ChatID: 6, Body: "cancel me",
		FireAt: time.Now().Add(50 * time.Millisecond),
	})
	r, _ := st.get(id)
	s.PlanOne(r)
	s.Unplan(id)

	time.Sleep(120 * time.Millisecond)
	if len(nt.sent()) != 0 {
		t.Fatal("unplanned reminder still delivered")
	}
}
