// Package adherence derives daily adherence percentages from recorded
// intakes against the prescribed schedule. Entries are computed on read,
// never hand-edited.
package adherence

import (
	"context"
	"errors"
	"time"

	"github.com/medbuddy/medtrack/internal/domain/schedule"
	"github.com/medbuddy/medtrack/internal/domain/tracking"
)

// Entry is one day's adherence summary for a user/medicine pair.
type Entry struct {
	UserID         int64     `json:"user_id"`
	MedicineID     int64     `json:"medicine_id"`
	Date           time.Time `json:"date"`
	DosesTaken     int       `json:"doses_taken"`
	DosesScheduled int       `json:"doses_scheduled"`
	// Percentage is 100 * taken / scheduled, clamped to [0, 100].
	Percentage int `json:"percentage"`
}

// Store is the read surface the calculator needs.
type Store interface {
	UserByName(ctx context.Context, name string) (*schedule.User, error)
	MedicineByName(ctx context.Context, name string) (*schedule.Medicine, error)
	ActivePrescription(ctx context.Context, userID, medicineID int64, date time.Time) (*schedule.Prescription, error)
	IntakesBetween(ctx context.Context, userID, medicineID int64, from, to time.Time) ([]*tracking.IntakeRecord, error)
}

// Calculator computes adherence summaries.
type Calculator struct {
	store Store
	now   func() time.Time
}

// NewCalculator creates an adherence calculator backed by store.
func NewCalculator(store Store) *Calculator {
	return &Calculator{
		store: store,
		now:   time.Now,
	}
}

// Daily returns the adherence entry for one date. A date with no active
// prescription yields 0%, not an error; a prescription with zero scheduled
// doses is vacuously adherent at 100%.
func (c *Calculator) Daily(ctx context.Context, userID, medicineID int64, date time.Time) (*Entry, error) {
	day := schedule.DateOf(date)
	entry := &Entry{
		UserID:     userID,
		MedicineID: medicineID,
		Date:       day,
	}

	presc, err := c.store.ActivePrescription(ctx, userID, medicineID, day)
	if err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			return entry, nil
		}
		return nil, err
	}

	intakes, err := c.store.IntakesBetween(ctx, userID, medicineID, day, day)
	if err != nil {
		return nil, err
	}

	entry.DosesScheduled = presc.DosesPerDay
	entry.DosesTaken = len(intakes)
	entry.Percentage = percentage(entry.DosesTaken, entry.DosesScheduled)
	return entry, nil
}

// History returns exactly windowDays entries covering the trailing
// calendar dates, most recent first. Dates without data are zero-filled.
func (c *Calculator) History(ctx context.Context, userID, medicineID int64, windowDays int) ([]*Entry, error) {
	if windowDays <= 0 {
		windowDays = 7
	}

	today := schedule.DateOf(c.now())
	out := make([]*Entry, 0, windowDays)
	for i := 0; i < windowDays; i++ {
		entry, err := c.Daily(ctx, userID, medicineID, today.AddDate(0, 0, -i))
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// HistoryByName resolves display names before computing History.
func (c *Calculator) HistoryByName(ctx context.Context, userName, medicineName string, windowDays int) ([]*Entry, error) {
	user, err := c.store.UserByName(ctx, userName)
	if err != nil {
		return nil, err
	}
	med, err := c.store.MedicineByName(ctx, medicineName)
	if err != nil {
		return nil, err
	}
	return c.History(ctx, user.ID, med.ID, windowDays)
}

// percentage clamps 100*taken/scheduled to [0, 100]. Zero scheduled doses
// is treated as fully adherent.
func percentage(taken, scheduled int) int {
	if scheduled <= 0 {
		return 100
	}
	pct := 100 * taken / scheduled
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}
