// Package tracking implements the dosage tracker: validating a dose-intake
// attempt against the prescribed schedule, enforcing the per-day dose limit
// and the tolerance window, and recording accepted intakes.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/medbuddy/medtrack/internal/domain/reminder"
	"github.com/medbuddy/medtrack/internal/domain/schedule"
	"github.com/medbuddy/medtrack/pkg/timeofday"
)

// ToleranceWindow is the margin around a dosage time within which an
// intake is accepted as on time. Inclusive at the boundary.
const ToleranceWindow = 30 * time.Minute

// Status is the outcome of a tracking attempt.
type Status string

const (
	StatusTracked        Status = "dosage_tracked"
	StatusMaxDoseReached Status = "max_dose_reached"
	StatusWrongTime      Status = "wrong_time"
)

// IntakeRecord is durable evidence that one dose was taken: one row per
// successful tracked dose.
type IntakeRecord struct {
	ID         int64
	UserID     int64
	MedicineID int64
	Date       time.Time
	// Sequence is the dose's ordinal for the day, in [1, doses-per-day].
	Sequence   int
	TotalDoses int
	TakenAt    time.Time
}

// Result describes the outcome of TrackDose. Failures that are part of
// normal operation (max dose, wrong time) are statuses, not errors, and
// always carry a displayable message.
type Result struct {
	Status     Status
	Message    string
	DosesTaken int
	TotalDoses int
	// NextDosageTimes lists the remaining same-day times after a
	// successful intake.
	NextDosageTimes []timeofday.TimeOfDay
	// PrescribedTimes is populated on wrong_time so the caller can retry
	// at a correct time.
	PrescribedTimes []timeofday.TimeOfDay
}

// Details is the medication summary for one user/medicine pair.
type Details struct {
	MedicineID      int64
	TotalDoses      int
	DosageTimes     []timeofday.TimeOfDay
	DosesTaken      int
	FirstIntakeTime *time.Time
}

// HistoryDay is one day of dose-tracking history.
type HistoryDay struct {
	Date           time.Time
	DosesTaken     int
	TotalDoses     int
	LastIntakeTime *time.Time
}

// Store is the persistence surface the tracker needs. InTx runs fn inside
// an atomic scope serialized by lockKey; every store call made with the
// context fn receives participates in the same transaction, and an error
// from fn rolls the whole unit back.
type Store interface {
	UserByName(ctx context.Context, name string) (*schedule.User, error)
	MedicineByName(ctx context.Context, name string) (*schedule.Medicine, error)
	ActivePrescription(ctx context.Context, userID, medicineID int64, date time.Time) (*schedule.Prescription, error)

	CountIntakes(ctx context.Context, userID, medicineID int64, date time.Time) (int, error)
	InsertIntake(ctx context.Context, rec *IntakeRecord) error
	IntakesBetween(ctx context.Context, userID, medicineID int64, from, to time.Time) ([]*IntakeRecord, error)

	ReminderFor(ctx context.Context, userID, medicineID int64, date time.Time, tod timeofday.TimeOfDay) (*reminder.Reminder, error)
	SaveReminder(ctx context.Context, r *reminder.Reminder) error

	InTx(ctx context.Context, lockKey string, fn func(ctx context.Context) error) error
}

// LockKey identifies the mutual-exclusion scope for one user/medicine/day
// tuple. TrackDose and the dispatcher's missed-evaluation serialize on it.
func LockKey(userID, medicineID int64, date time.Time) string {
	return fmt.Sprintf("dose:%d:%d:%s", userID, medicineID, schedule.DateKey(date))
}

// Service validates and records dose intakes.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a dosage tracker backed by store.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   time.Now,
	}
}

// TrackDose validates an intake attempt at atTime against the active
// prescription and, if accepted, atomically inserts the intake record and
// marks the matching reminder taken.
func (s *Service) TrackDose(ctx context.Context, userName, medicineName string, atTime time.Time) (*Result, error) {
	user, err := s.store.UserByName(ctx, userName)
	if err != nil {
		return nil, err
	}
	med, err := s.store.MedicineByName(ctx, medicineName)
	if err != nil {
		return nil, err
	}

	date := schedule.DateOf(atTime)
	var res *Result

	err = s.store.InTx(ctx, LockKey(user.ID, med.ID, date), func(ctx context.Context) error {
		presc, err := s.store.ActivePrescription(ctx, user.ID, med.ID, date)
		if err != nil {
			return err
		}

		taken, err := s.store.CountIntakes(ctx, user.ID, med.ID, date)
		if err != nil {
			return err
		}

		if taken >= presc.DosesPerDay {
			res = &Result{
				Status:     StatusMaxDoseReached,
				Message:    "Maximum daily dosage reached. Do not take more medication.",
				DosesTaken: taken,
				TotalDoses: presc.DosesPerDay,
			}
			return nil
		}

		matched, dist := nearestDosageTime(presc.DosageTimes, atTime)
		if dist > ToleranceWindow {
			res = &Result{
				Status: StatusWrongTime,
				Message: fmt.Sprintf("Not the right time to take medication. Prescribed times: %s",
					joinTimes(presc.DosageTimes)),
				DosesTaken:      taken,
				TotalDoses:      presc.DosesPerDay,
				PrescribedTimes: presc.DosageTimes,
			}
			return nil
		}

		rec := &IntakeRecord{
			UserID:     user.ID,
			MedicineID: med.ID,
			Date:       date,
			Sequence:   taken + 1,
			TotalDoses: presc.DosesPerDay,
			TakenAt:    atTime,
		}
		if err := s.store.InsertIntake(ctx, rec); err != nil {
			return err
		}

		if err := s.markReminderTaken(ctx, user.ID, med.ID, date, matched, atTime); err != nil {
			return err
		}

		res = &Result{
			Status: StatusTracked,
			Message: fmt.Sprintf("Dosage taken. %d of %d doses taken today.",
				taken+1, presc.DosesPerDay),
			DosesTaken:      taken + 1,
			TotalDoses:      presc.DosesPerDay,
			NextDosageTimes: remainingTimes(presc.DosageTimes, atTime),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// markReminderTaken transitions the occurrence's reminder to taken. If the
// intake lands inside the tolerance window before the dispatcher has
// materialized the reminder, one is created already taken so the scan
// cannot later re-create it pending.
func (s *Service) markReminderTaken(ctx context.Context, userID, medicineID int64, date time.Time, tod timeofday.TimeOfDay, now time.Time) error {
	rem, err := s.store.ReminderFor(ctx, userID, medicineID, date, tod)
	switch {
	case err == nil:
		if rem.Terminal() {
			// Taken again within tolerance of an already-resolved slot:
			// the intake record stands, the reminder stays as-is.
			return nil
		}
		if err := rem.MarkTaken(now); err != nil {
			return err
		}
	case errors.Is(err, reminder.ErrNotFound):
		rem = reminder.New(userID, medicineID, date, tod, now)
		if err := rem.MarkTaken(now); err != nil {
			return err
		}
	default:
		return err
	}
	return s.store.SaveReminder(ctx, rem)
}

// Snooze defers the pending reminder for the given dosage time by d
// (reminder.DefaultSnoozeDuration when d <= 0).
func (s *Service) Snooze(ctx context.Context, userName, medicineName string, tod timeofday.TimeOfDay, d time.Duration) (*reminder.Reminder, error) {
	user, err := s.store.UserByName(ctx, userName)
	if err != nil {
		return nil, err
	}
	med, err := s.store.MedicineByName(ctx, medicineName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	date := schedule.DateOf(now)
	var rem *reminder.Reminder

	err = s.store.InTx(ctx, LockKey(user.ID, med.ID, date), func(ctx context.Context) error {
		rem, err = s.store.ReminderFor(ctx, user.ID, med.ID, date, tod)
		if err != nil {
			return err
		}
		if err := rem.Snooze(now, d); err != nil {
			return err
		}
		return s.store.SaveReminder(ctx, rem)
	})
	if err != nil {
		return nil, err
	}
	return rem, nil
}

// MedicationDetails returns the schedule and today's intake state for one
// user/medicine pair.
func (s *Service) MedicationDetails(ctx context.Context, userName, medicineName string) (*Details, error) {
	user, err := s.store.UserByName(ctx, userName)
	if err != nil {
		return nil, err
	}
	med, err := s.store.MedicineByName(ctx, medicineName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	date := schedule.DateOf(now)

	presc, err := s.store.ActivePrescription(ctx, user.ID, med.ID, date)
	if err != nil {
		return nil, err
	}

	intakes, err := s.store.IntakesBetween(ctx, user.ID, med.ID, date, date)
	if err != nil {
		return nil, err
	}

	details := &Details{
		MedicineID:  med.ID,
		TotalDoses:  presc.DosesPerDay,
		DosageTimes: presc.DosageTimes,
		DosesTaken:  len(intakes),
	}
	for _, rec := range intakes {
		if details.FirstIntakeTime == nil || rec.TakenAt.Before(*details.FirstIntakeTime) {
			t := rec.TakenAt
			details.FirstIntakeTime = &t
		}
	}
	return details, nil
}

// DoseHistory returns per-day intake summaries for the trailing days
// window, most recent first. Days without intakes are omitted.
func (s *Service) DoseHistory(ctx context.Context, userName, medicineName string, days int) ([]*HistoryDay, error) {
	if days <= 0 {
		days = 7
	}

	user, err := s.store.UserByName(ctx, userName)
	if err != nil {
		return nil, err
	}
	med, err := s.store.MedicineByName(ctx, medicineName)
	if err != nil {
		return nil, err
	}

	today := schedule.DateOf(s.now())
	from := today.AddDate(0, 0, -(days - 1))

	intakes, err := s.store.IntakesBetween(ctx, user.ID, med.ID, from, today)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]*HistoryDay)
	order := make([]string, 0)
	for _, rec := range intakes {
		key := schedule.DateKey(rec.Date)
		day, ok := byDay[key]
		if !ok {
			day = &HistoryDay{Date: rec.Date, TotalDoses: rec.TotalDoses}
			byDay[key] = day
			order = append(order, key)
		}
		day.DosesTaken++
		if day.LastIntakeTime == nil || rec.TakenAt.After(*day.LastIntakeTime) {
			t := rec.TakenAt
			day.LastIntakeTime = &t
		}
	}

	out := make([]*HistoryDay, 0, len(byDay))
	for _, key := range order {
		out = append(out, byDay[key])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

// nearestDosageTime returns the prescribed time with the minimum wrapped
// distance from at, and that distance. Ties may resolve to either time;
// callers only need distance <= tolerance.
func nearestDosageTime(times []timeofday.TimeOfDay, at time.Time) (timeofday.TimeOfDay, time.Duration) {
	current := timeofday.FromTime(at)
	var (
		best     timeofday.TimeOfDay
		bestDist = time.Duration(-1)
	)
	for _, t := range times {
		d := t.DistanceFrom(current)
		if bestDist < 0 || d < bestDist {
			best = t
			bestDist = d
		}
	}
	return best, bestDist
}

// remainingTimes lists prescribed times strictly after at, same day.
func remainingTimes(times []timeofday.TimeOfDay, at time.Time) []timeofday.TimeOfDay {
	current := timeofday.FromTime(at)
	out := make([]timeofday.TimeOfDay, 0, len(times))
	for _, t := range times {
		if t.After(current) {
			out = append(out, t)
		}
	}
	return out
}

func joinTimes(times []timeofday.TimeOfDay) string {
	s := ""
	for i, t := range times {
		if i > 0 {
			s += ", "
		}
		s += t.String()
	}
	return s
}
