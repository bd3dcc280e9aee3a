package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no reminder exists for the given id.
	ErrNotFound = errors.New("reminder not found")
	// ErrAlreadyHandled is returned by FinalizeSent when the reminder was
	// already marked sent by a concurrent finalization.
	ErrAlreadyHandled = errors.New("reminder already handled")
)

// Target distinguishes delivery fan-out when one subject produces several
// reminders. The delivery engine treats every record independently; the
// discriminator exists for the owning feature and for operators reading logs.
type Target string

const (
	TargetOwner        Target = "owner"
	TargetAssignee     Target = "assignee"
	TargetParticipants Target = "participants"
)

// Reminder is a persisted instruction to notify a chat at a specific time.
//
// SentAt is the terminal marker: a non-nil SentAt means delivery was
// acknowledged and the record must never be delivered again. Tries counts
// failed delivery attempts and is never reset.
type Reminder struct {
	ID        int64
	SubjectID string // owning task or calendar event, opaque here
	Target    Target
	ChatID    int64
	Body      string
	FireAt    time.Time
	SentAt    *time.Time
	Tries     int
	ReplyTo   int // message id to thread under; 0 = none
	CreatedAt time.Time
}

// Store is the persistence API the delivery engine runs against.
//
// List* methods return unsent records only. FinalizeSent and IncrementTries
// are atomic with respect to a single id so racing fires cannot produce
// lost updates or double sends.
type Store interface {
	Create(ctx context.Context, r *Reminder) error
	GetByID(ctx context.Context, id int64) (Reminder, error)

	// ListFuture returns unsent records with fire_at strictly after now.
	ListFuture(ctx context.Context, now time.Time) ([]Reminder, error)
	// ListOverdue returns unsent records with fire_at at or before now,
	// in ascending fire_at order.
	ListOverdue(ctx context.Context, now time.Time) ([]Reminder, error)
	ListBySubject(ctx context.Context, subjectID string) ([]Reminder, error)

	// FinalizeSent marks the record sent and deletes it in one transaction,
	// conditioned on it still being unsent. Returns ErrAlreadyHandled if a
	// concurrent finalization won, ErrNotFound if the record is gone.
	FinalizeSent(ctx context.Context, id int64, sentAt time.Time) error
	// IncrementTries bumps the failure counter of an unsent record.
	IncrementTries(ctx context.Context, id int64) error

	Delete(ctx context.Context, id int64) error
	Close() error
}

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}
