// Package schedule holds the durable prescription schedule model: users,
// medicines, prescriptions and their per-day dosage times.
package schedule

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/medbuddy/medtrack/pkg/timeofday"
)

// ErrNotFound indicates an unknown user, medicine or prescription.
var ErrNotFound = errors.New("schedule: not found")

// ErrInvalidPrescription indicates a prescription that violates the
// doses-per-day / dosage-times invariants.
var ErrInvalidPrescription = errors.New("schedule: invalid prescription")

// User identifies a patient. Name is a display attribute; ID is canonical.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Medicine is the canonical drug identity referenced by prescriptions.
type Medicine struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Dosage    string    `json:"dosage,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Prescription binds a user to a medicine with a daily dose count and the
// ordered times of day doses are due. Immutable once doses have been
// tracked against it; edits require a new prescription.
type Prescription struct {
	ID          int64                 `json:"id"`
	UserID      int64                 `json:"user_id"`
	MedicineID  int64                 `json:"medicine_id"`
	DosesPerDay int                   `json:"doses_per_day"`
	DosageTimes []timeofday.TimeOfDay `json:"dosage_times"`
	StartDate   *time.Time            `json:"start_date,omitempty"`
	EndDate     *time.Time            `json:"end_date,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// NewPrescription validates and builds a prescription. The count of dosage
// times must equal doses-per-day, with no duplicate times.
func NewPrescription(userID, medicineID int64, dosesPerDay int, times []timeofday.TimeOfDay) (*Prescription, error) {
	if userID <= 0 || medicineID <= 0 {
		return nil, ErrInvalidPrescription
	}
	if dosesPerDay <= 0 {
		return nil, ErrInvalidPrescription
	}
	if len(times) != dosesPerDay {
		return nil, ErrInvalidPrescription
	}

	seen := make(map[timeofday.TimeOfDay]struct{}, len(times))
	for _, t := range times {
		if _, dup := seen[t]; dup {
			return nil, ErrInvalidPrescription
		}
		seen[t] = struct{}{}
	}

	ordered := make([]timeofday.TimeOfDay, len(times))
	copy(ordered, times)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	return &Prescription{
		UserID:      userID,
		MedicineID:  medicineID,
		DosesPerDay: dosesPerDay,
		DosageTimes: ordered,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// ActiveOn reports whether the prescription's validity window covers date.
// A nil bound is open-ended.
func (p *Prescription) ActiveOn(date time.Time) bool {
	d := DateOf(date)
	if p.StartDate != nil && d.Before(DateOf(*p.StartDate)) {
		return false
	}
	if p.EndDate != nil && d.After(DateOf(*p.EndDate)) {
		return false
	}
	return true
}

// DateOf truncates t to its calendar date (midnight, same location).
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateKey formats a date as its canonical YYYY-MM-DD form.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Repository is the persistence contract for the schedule store.
type Repository interface {
	CreateUser(ctx context.Context, u *User) error
	UserByName(ctx context.Context, name string) (*User, error)
	UserByID(ctx context.Context, id int64) (*User, error)

	CreateMedicine(ctx context.Context, m *Medicine) error
	MedicineByName(ctx context.Context, name string) (*Medicine, error)
	MedicineByID(ctx context.Context, id int64) (*Medicine, error)

	CreatePrescription(ctx context.Context, p *Prescription) error
	// ActivePrescription returns the prescription binding user and medicine
	// whose validity window covers date, or ErrNotFound.
	ActivePrescription(ctx context.Context, userID, medicineID int64, date time.Time) (*Prescription, error)
	// ActivePrescriptionsOn lists every prescription active on date.
	ActivePrescriptionsOn(ctx context.Context, date time.Time) ([]*Prescription, error)
}
