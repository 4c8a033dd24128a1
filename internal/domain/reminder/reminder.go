// Package reminder implements the lifecycle of a scheduled dose reminder.
// A reminder is the live, date-scoped object tracking one dosage time's
// status for the current occurrence; the next calendar day gets a fresh
// instance.
package reminder

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medbuddy/medtrack/pkg/timeofday"
)

// Status represents reminder lifecycle state.
type Status string

const (
	// StatusPending is the initial state, created when a dosage time's
	// instant arrives for the current date.
	StatusPending Status = "pending"
	// StatusSnoozed defers the reminder until SnoozeUntil.
	StatusSnoozed Status = "snoozed"
	// StatusTaken is terminal for the day: the dose was recorded.
	StatusTaken Status = "taken"
	// StatusMissed is terminal for the day and increments MissedCount.
	StatusMissed Status = "missed"
)

// DefaultSnoozeDuration is how long a snooze defers the reminder.
const DefaultSnoozeDuration = 10 * time.Minute

var (
	// ErrNotFound indicates no reminder exists for the occurrence.
	ErrNotFound = errors.New("reminder: not found")
	// ErrTerminalState rejects transitions out of taken or missed.
	ErrTerminalState = errors.New("reminder: already taken or missed")
	// ErrNotPending rejects snooze/miss transitions from non-pending states.
	ErrNotPending = errors.New("reminder: not pending")
	// ErrNotSnoozed rejects wake on a reminder that is not snoozed.
	ErrNotSnoozed = errors.New("reminder: not snoozed")
	// ErrSnoozeNotElapsed rejects wake before snooze_until.
	ErrSnoozeNotElapsed = errors.New("reminder: snooze has not elapsed")
	// ErrNotOverdue rejects a missed transition inside the tolerance window.
	ErrNotOverdue = errors.New("reminder: dosage time not yet overdue")
)

// Reminder tracks one (user, medicine, date, dosage-time) occurrence.
type Reminder struct {
	ID          string
	UserID      int64
	MedicineID  int64
	Date        time.Time
	TimeOfDay   timeofday.TimeOfDay
	Status      Status
	SnoozeUntil *time.Time
	NotifiedAt  *time.Time
	MissedCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// New creates a pending reminder for the given occurrence.
func New(userID, medicineID int64, date time.Time, tod timeofday.TimeOfDay, now time.Time) *Reminder {
	return &Reminder{
		ID:         uuid.NewString(),
		UserID:     userID,
		MedicineID: medicineID,
		Date:       date,
		TimeOfDay:  tod,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ScheduledAt returns the instant this occurrence is due.
func (r *Reminder) ScheduledAt() time.Time {
	return r.TimeOfDay.At(r.Date)
}

// Terminal reports whether the reminder reached taken or missed.
func (r *Reminder) Terminal() bool {
	return r.Status == StatusTaken || r.Status == StatusMissed
}

// MarkTaken transitions to taken after a successful dose intake. A snoozed
// reminder may also be taken directly; a deferred reminder must not block
// an on-time intake.
func (r *Reminder) MarkTaken(now time.Time) error {
	if r.Terminal() {
		return ErrTerminalState
	}
	r.Status = StatusTaken
	r.SnoozeUntil = nil
	r.UpdatedAt = now
	return nil
}

// Snooze defers a pending reminder by d (DefaultSnoozeDuration if d <= 0).
func (r *Reminder) Snooze(now time.Time, d time.Duration) error {
	if r.Terminal() {
		return ErrTerminalState
	}
	if r.Status != StatusPending {
		return ErrNotPending
	}
	if d <= 0 {
		d = DefaultSnoozeDuration
	}
	until := now.Add(d)
	r.Status = StatusSnoozed
	r.SnoozeUntil = &until
	r.UpdatedAt = now
	return nil
}

// Wake returns a snoozed reminder to pending once snooze_until has
// elapsed. The notified marker is cleared: a snooze is a request to be
// reminded again, so the woken occurrence gets one fresh notification.
func (r *Reminder) Wake(now time.Time) error {
	if r.Status != StatusSnoozed {
		return ErrNotSnoozed
	}
	if r.SnoozeUntil != nil && now.Before(*r.SnoozeUntil) {
		return ErrSnoozeNotElapsed
	}
	r.Status = StatusPending
	r.SnoozeUntil = nil
	r.NotifiedAt = nil
	r.UpdatedAt = now
	return nil
}

// MarkMissed transitions a pending reminder to missed once the dosage time
// is more than tolerance past due, incrementing MissedCount exactly once.
func (r *Reminder) MarkMissed(now time.Time, tolerance time.Duration) error {
	if r.Terminal() {
		return ErrTerminalState
	}
	if r.Status != StatusPending {
		return ErrNotPending
	}
	if !now.After(r.ScheduledAt().Add(tolerance)) {
		return ErrNotOverdue
	}
	r.Status = StatusMissed
	r.MissedCount++
	r.UpdatedAt = now
	return nil
}

// MarkNotified records that a due notification was emitted for this
// occurrence. Idempotent: later calls keep the first timestamp.
func (r *Reminder) MarkNotified(now time.Time) {
	if r.NotifiedAt != nil {
		return
	}
	r.NotifiedAt = &now
	r.UpdatedAt = now
}

// Notified reports whether a notification was already sent for this
// occurrence.
func (r *Reminder) Notified() bool {
	return r.NotifiedAt != nil
}
