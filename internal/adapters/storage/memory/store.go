// Package memory provides an in-memory store implementation. It backs the
// unit tests and the local development mode; the postgres adapter is the
// production implementation of the same contracts.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medbuddy/medtrack/internal/domain/reminder"
	"github.com/medbuddy/medtrack/internal/domain/schedule"
	"github.com/medbuddy/medtrack/internal/domain/tracking"
	"github.com/medbuddy/medtrack/pkg/timeofday"
)

// Store is a mutex-guarded in-memory implementation of the schedule,
// tracking, adherence and dispatch store contracts. InTx serializes on a
// per-key mutex, which gives the same linearization guarantee the
// postgres adapter gets from advisory locks.
type Store struct {
	mu sync.RWMutex

	users           map[int64]*schedule.User
	usersByName     map[string]int64
	medicines       map[int64]*schedule.Medicine
	medicinesByName map[string]int64
	prescriptions   map[int64]*schedule.Prescription
	intakes         []*tracking.IntakeRecord
	reminders       map[string]*reminder.Reminder

	nextUserID         int64
	nextMedicineID     int64
	nextPrescriptionID int64
	nextIntakeID       int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		users:           make(map[int64]*schedule.User),
		usersByName:     make(map[string]int64),
		medicines:       make(map[int64]*schedule.Medicine),
		medicinesByName: make(map[string]int64),
		prescriptions:   make(map[int64]*schedule.Prescription),
		reminders:       make(map[string]*reminder.Reminder),
		locks:           make(map[string]*sync.Mutex),
	}
}

// InTx serializes fn on the per-key mutex. The memory store applies
// mutations directly, so fn must validate before writing; the postgres
// adapter adds full rollback on error.
func (s *Store) InTx(ctx context.Context, lockKey string, fn func(ctx context.Context) error) error {
	mu := s.lockFor(lockKey)
	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

// CreateUser assigns an ID and stores the user. Names must be unique in
// the memory store; the caller resolves get-or-create.
func (s *Store) CreateUser(ctx context.Context, u *schedule.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByName[u.Name]; exists {
		return errors.New("memory: user already exists")
	}
	s.nextUserID++
	u.ID = s.nextUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	s.users[u.ID] = &cp
	s.usersByName[u.Name] = u.ID
	return nil
}

// UserByName resolves a user by display name.
func (s *Store) UserByName(ctx context.Context, name string) (*schedule.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByName[name]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

// UserByID returns a user by ID.
func (s *Store) UserByID(ctx context.Context, id int64) (*schedule.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// CreateMedicine assigns an ID and stores the medicine.
func (s *Store) CreateMedicine(ctx context.Context, m *schedule.Medicine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.medicinesByName[m.Name]; exists {
		return errors.New("memory: medicine already exists")
	}
	s.nextMedicineID++
	m.ID = s.nextMedicineID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	s.medicines[m.ID] = &cp
	s.medicinesByName[m.Name] = m.ID
	return nil
}

// MedicineByName resolves a medicine by display name.
func (s *Store) MedicineByName(ctx context.Context, name string) (*schedule.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.medicinesByName[name]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	cp := *s.medicines[id]
	return &cp, nil
}

// MedicineByID returns a medicine by ID.
func (s *Store) MedicineByID(ctx context.Context, id int64) (*schedule.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.medicines[id]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// CreatePrescription assigns an ID and stores the prescription.
func (s *Store) CreatePrescription(ctx context.Context, p *schedule.Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[p.UserID]; !ok {
		return schedule.ErrNotFound
	}
	if _, ok := s.medicines[p.MedicineID]; !ok {
		return schedule.ErrNotFound
	}
	s.nextPrescriptionID++
	p.ID = s.nextPrescriptionID
	s.prescriptions[p.ID] = copyPrescription(p)
	return nil
}

// ActivePrescription returns the most recently created prescription for
// the pair whose validity window covers date.
func (s *Store) ActivePrescription(ctx context.Context, userID, medicineID int64, date time.Time) (*schedule.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var winner *schedule.Prescription
	for _, p := range s.prescriptions {
		if p.UserID != userID || p.MedicineID != medicineID {
			continue
		}
		if !p.ActiveOn(date) {
			continue
		}
		if winner == nil || p.CreatedAt.After(winner.CreatedAt) {
			winner = p
		}
	}
	if winner == nil {
		return nil, schedule.ErrNotFound
	}
	return copyPrescription(winner), nil
}

// ActivePrescriptionsOn lists every prescription active on date.
func (s *Store) ActivePrescriptionsOn(ctx context.Context, date time.Time) ([]*schedule.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*schedule.Prescription, 0)
	for _, p := range s.prescriptions {
		if p.ActiveOn(date) {
			out = append(out, copyPrescription(p))
		}
	}
	return out, nil
}

// CountIntakes counts recorded doses for the pair on one date.
func (s *Store) CountIntakes(ctx context.Context, userID, medicineID int64, date time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := schedule.DateKey(date)
	n := 0
	for _, rec := range s.intakes {
		if rec.UserID == userID && rec.MedicineID == medicineID && schedule.DateKey(rec.Date) == key {
			n++
		}
	}
	return n, nil
}

// InsertIntake appends an intake record, enforcing the store-level
// invariant that at most doses-per-day rows exist per pair and date.
func (s *Store) InsertIntake(ctx context.Context, rec *tracking.IntakeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := schedule.DateKey(rec.Date)
	n := 0
	for _, existing := range s.intakes {
		if existing.UserID == rec.UserID && existing.MedicineID == rec.MedicineID && schedule.DateKey(existing.Date) == key {
			n++
		}
	}
	if rec.TotalDoses > 0 && n >= rec.TotalDoses {
		return fmt.Errorf("memory: daily dose limit reached for medicine %d", rec.MedicineID)
	}

	s.nextIntakeID++
	rec.ID = s.nextIntakeID
	cp := *rec
	s.intakes = append(s.intakes, &cp)
	return nil
}

// IntakesBetween lists intake records with from <= date <= to.
func (s *Store) IntakesBetween(ctx context.Context, userID, medicineID int64, from, to time.Time) ([]*tracking.IntakeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo := schedule.DateOf(from)
	hi := schedule.DateOf(to)

	out := make([]*tracking.IntakeRecord, 0)
	for _, rec := range s.intakes {
		if rec.UserID != userID || rec.MedicineID != medicineID {
			continue
		}
		d := schedule.DateOf(rec.Date)
		if d.Before(lo) || d.After(hi) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// ReminderFor returns the reminder for one occurrence.
func (s *Store) ReminderFor(ctx context.Context, userID, medicineID int64, date time.Time, tod timeofday.TimeOfDay) (*reminder.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reminders[occurrenceKey(userID, medicineID, date, tod)]
	if !ok {
		return nil, reminder.ErrNotFound
	}
	return copyReminder(r), nil
}

// SaveReminder upserts the reminder for its occurrence.
func (s *Store) SaveReminder(ctx context.Context, r *reminder.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reminders[occurrenceKey(r.UserID, r.MedicineID, r.Date, r.TimeOfDay)] = copyReminder(r)
	return nil
}

// PendingRemindersBefore lists unresolved reminders from earlier dates.
func (s *Store) PendingRemindersBefore(ctx context.Context, date time.Time) ([]*reminder.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := schedule.DateOf(date)
	out := make([]*reminder.Reminder, 0)
	for _, r := range s.reminders {
		if r.Terminal() {
			continue
		}
		if schedule.DateOf(r.Date).Before(cutoff) {
			out = append(out, copyReminder(r))
		}
	}
	return out, nil
}

func occurrenceKey(userID, medicineID int64, date time.Time, tod timeofday.TimeOfDay) string {
	return fmt.Sprintf("%d|%d|%s|%s", userID, medicineID, schedule.DateKey(date), tod)
}

func copyPrescription(p *schedule.Prescription) *schedule.Prescription {
	cp := *p
	cp.DosageTimes = append([]timeofday.TimeOfDay(nil), p.DosageTimes...)
	if p.StartDate != nil {
		t := *p.StartDate
		cp.StartDate = &t
	}
	if p.EndDate != nil {
		t := *p.EndDate
		cp.EndDate = &t
	}
	return &cp
}

func copyReminder(r *reminder.Reminder) *reminder.Reminder {
	cp := *r
	if r.SnoozeUntil != nil {
		t := *r.SnoozeUntil
		cp.SnoozeUntil = &t
	}
	if r.NotifiedAt != nil {
		t := *r.NotifiedAt
		cp.NotifiedAt = &t
	}
	return &cp
}
