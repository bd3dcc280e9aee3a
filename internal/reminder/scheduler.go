package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"boardbot/internal/eventbus"
	"boardbot/internal/notifier"
	"boardbot/internal/storage"
	logx "boardbot/pkg/logx"
)

// Scheduler orchestrates the job table against storage and the notifier.
//
// One instance is the single active scheduler for its store; it assumes no
// other process installs timers for the same records. Other processes may
// still create and delete records freely.
type Scheduler struct {
	store storage.Store
	notif notifier.Notifier
	bus   eventbus.Bus
	log   logx.Logger

	jobs *jobTable

	// now is swappable so tests can pin the clock.
	now func() time.Time

	fireWG  sync.WaitGroup
	stopped atomic.Bool
}

func New(store storage.Store, notif notifier.Notifier, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		store: store,
		notif: notif,
		bus:   bus,
		log:   log,
		jobs:  newJobTable(),
		now:   time.Now,
	}
}

// Initialize loads the pending inventory after a restart: overdue records
// get an immediate delivery attempt (ascending fire_at), future ones get a
// timer. A store failure here is returned to the caller — running with an
// empty job table would silently drop every pending reminder.
func (s *Scheduler) Initialize(ctx context.Context) error {
	now := s.now()

	overdue, err := s.store.ListOverdue(ctx, now)
	if err != nil {
		return fmt.Errorf("list overdue reminders: %w", err)
	}
	for _, r := range overdue {
		s.fire(ctx, r.ID, nil)
	}

	future, err := s.store.ListFuture(ctx, now)
	if err != nil {
		return fmt.Errorf("list future reminders: %w", err)
	}
	for _, r := range future {
		s.PlanOne(r)
	}

	s.log.Info("reminder inventory loaded",
		logx.Int("overdue", len(overdue)), logx.Int("scheduled", len(future)))
	return nil
}

// PlanOne (re)schedules a single record. Any prior timer for the id is
// cancelled first, so calling it again with an updated fire time leaves
// exactly one live timer.
//
// The snapshot may be stale: it is only used to compute the delay. fire()
// always re-reads fresh state before acting.
func (s *Scheduler) PlanOne(r storage.Reminder) {
	if s.stopped.Load() {
		return
	}
	s.jobs.Clear(r.ID)

	delay := r.FireAt.Sub(s.now())
	if delay <= 0 {
		// Overdue: attempt delivery now, no timer.
		s.fire(context.Background(), r.ID, nil)
		return
	}

	// The callback identifies itself by its own timer handle so cleanup
	// after firing only removes this entry, never a replacement. The ready
	// gate keeps a near-zero delay from reading tm before it is assigned.
	id := r.ID
	ready := make(chan struct{})
	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		<-ready
		s.fireFromTimer(id, tm)
	})
	s.jobs.Set(id, tm)
	close(ready)
	s.log.Debug("reminder planned",
		logx.Int64("id", id), logx.Time("fire_at", r.FireAt), logx.Duration("delay", delay))
}

// RescheduleSubject re-plans every unsent record of one subject, typically
// after the webapp edited an event's reminder offsets. Records removed from
// the persisted set are not re-planned; a stale timer for a deleted record
// resolves itself through fire's freshness check.
func (s *Scheduler) RescheduleSubject(ctx context.Context, subjectID string) error {
	rs, err := s.store.ListBySubject(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("list reminders for subject %q: %w", subjectID, err)
	}
	for _, r := range rs {
		s.PlanOne(r)
	}
	return nil
}

// Unplan cancels the live timer for id, if any. Used by owning features
// when they delete a record and want the timer gone right away instead of
// waiting for the freshness check.
func (s *Scheduler) Unplan(id int64) {
	s.jobs.Clear(id)
}

// Planned reports how many timers are currently live.
func (s *Scheduler) Planned() int {
	return s.jobs.Len()
}

// Sweep plans future unsent records that have no live timer yet — records
// another process inserted since the last sweep or Initialize. It never
// re-fires a record whose timer already elapsed and failed: those have
// fire_at in the past and are not in the future listing.
func (s *Scheduler) Sweep(ctx context.Context) error {
	future, err := s.store.ListFuture(ctx, s.now())
	if err != nil {
		return fmt.Errorf("sweep: list future reminders: %w", err)
	}
	planned := 0
	for _, r := range future {
		if s.jobs.Has(r.ID) {
			continue
		}
		s.PlanOne(r)
		planned++
	}
	if planned > 0 {
		s.log.Debug("sweep planned new reminders", logx.Int("count", planned))
	}
	return nil
}

// Stop cancels all timers and waits for in-flight fires until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopped.Store(true)
	s.jobs.StopAll()

	done := make(chan struct{})
	go func() {
		s.fireWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for in-flight deliveries")
	}
}

// fireFromTimer runs in the timer's own goroutine; nothing may escape it.
// It joins the wait group before checking stopped so Stop cannot return
// while a callback that already started is still running.
func (s *Scheduler) fireFromTimer(id int64, tm *time.Timer) {
	s.fireWG.Add(1)
	defer s.fireWG.Done()
	if s.stopped.Load() {
		s.jobs.ClearIf(id, tm)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in reminder fire",
				logx.Int64("id", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	s.fire(context.Background(), id, tm)
}

// fire re-validates and attempts delivery of one record. owned is the
// timer handle that triggered this fire, nil for synchronous attempts
// (which never own a job table entry).
//
// Failures are contained here: a store or delivery error leaves the record
// in its prior state for a later sweep, restart or operator to pick up.
func (s *Scheduler) fire(ctx context.Context, id int64, owned *time.Timer) {
	// Drop this fire's own entry, and only that one: a PlanOne racing with
	// us may already have installed a fresh timer under the same id.
	if owned != nil {
		defer s.jobs.ClearIf(id, owned)
	}

	// Freshness check: the record may have been deleted or handled between
	// scheduling and now. That is an expected race outcome, not an error.
	fresh, err := s.store.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("reminder gone before fire", logx.Int64("id", id))
		s.publish(EventSkipped, Outcome{ID: id})
		return
	}
	if err != nil {
		s.log.Error("reminder freshness check failed", logx.Int64("id", id), logx.Err(err))
		return
	}
	if fresh.SentAt != nil {
		s.log.Debug("reminder already handled", logx.Int64("id", id))
		s.publish(EventSkipped, Outcome{ID: id, SubjectID: fresh.SubjectID})
		return
	}

	// Build the message from the fresh record, never from the snapshot the
	// timer was planned with.
	res := s.notif.Send(ctx, notifier.Message{
		ChatID:  fresh.ChatID,
		Text:    messageText(fresh),
		ReplyTo: fresh.ReplyTo,
	})

	if res.OK {
		err := s.store.FinalizeSent(ctx, id, s.now())
		switch {
		case err == nil:
			s.log.Info("reminder delivered",
				logx.Int64("id", id), logx.String("subject", fresh.SubjectID), logx.Int64("chat_id", fresh.ChatID))
			s.publish(EventSent, Outcome{ID: id, SubjectID: fresh.SubjectID, ChatID: fresh.ChatID})
		case errors.Is(err, storage.ErrAlreadyHandled), errors.Is(err, storage.ErrNotFound):
			// A racing fire finalized first; the message was sent at least once
			// either way, so there is nothing to roll back.
			s.log.Debug("reminder finalization lost race", logx.Int64("id", id))
			s.publish(EventSkipped, Outcome{ID: id, SubjectID: fresh.SubjectID})
		default:
			s.log.Error("reminder finalization failed", logx.Int64("id", id), logx.Err(err))
		}
		return
	}

	// Delivery failed: count it and leave the record pending. No retry timer
	// is armed here; re-delivery needs an explicit PlanOne or a restart.
	if err := s.store.IncrementTries(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("reminder tries increment failed", logx.Int64("id", id), logx.Err(err))
	}
	s.log.Warn("reminder delivery failed",
		logx.Int64("id", id), logx.String("subject", fresh.SubjectID),
		logx.Int64("chat_id", fresh.ChatID), logx.String("code", res.Code),
		logx.Int("tries", fresh.Tries+1))
	s.publish(EventFailed, Outcome{
		ID: id, SubjectID: fresh.SubjectID, ChatID: fresh.ChatID,
		Tries: fresh.Tries + 1, Code: res.Code,
	})
}

func (s *Scheduler) publish(typ string, o Outcome) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: o})
}
