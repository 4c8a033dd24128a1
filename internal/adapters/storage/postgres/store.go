// Package postgres implements the schedule, tracking, adherence and
// dispatch store contracts on PostgreSQL via pgx. Transactions are
// carried in the context so domain services stay persistence-agnostic;
// InTx takes an advisory transaction lock keyed on the caller's lock key,
// which serializes intake recording against missed-dose evaluation for
// the same occurrence.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medbuddy/medtrack/internal/domain/reminder"
	"github.com/medbuddy/medtrack/internal/domain/schedule"
	"github.com/medbuddy/medtrack/internal/domain/tracking"
	"github.com/medbuddy/medtrack/pkg/timeofday"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every query
// method works inside and outside a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type txKey struct{}

// Store is the PostgreSQL store.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a store over an existing connection pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Connect builds a pgx pool with the settings the service uses in
// production.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// q returns the transaction from ctx if one is open, the pool otherwise.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// InTx runs fn in a transaction holding pg_advisory_xact_lock(hashtext(
// lockKey)). The lock releases with the transaction; fn's error rolls
// everything back.
func (s *Store) InTx(ctx context.Context, lockKey string, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		// Already inside a transaction; the advisory lock is held.
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", lockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CreateUser inserts a user, reusing the existing row when the name is
// already registered.
func (s *Store) CreateUser(ctx context.Context, u *schedule.User) error {
	query := `
		INSERT INTO users (name, email, phone)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, created_at
	`
	if err := s.q(ctx).QueryRow(ctx, query, u.Name, u.Email, u.Phone).Scan(&u.ID, &u.CreatedAt); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UserByName resolves a user by display name.
func (s *Store) UserByName(ctx context.Context, name string) (*schedule.User, error) {
	query := `SELECT id, name, COALESCE(email, ''), COALESCE(phone, ''), created_at FROM users WHERE name = $1`
	return s.scanUser(s.q(ctx).QueryRow(ctx, query, name))
}

// UserByID returns a user by ID.
func (s *Store) UserByID(ctx context.Context, id int64) (*schedule.User, error) {
	query := `SELECT id, name, COALESCE(email, ''), COALESCE(phone, ''), created_at FROM users WHERE id = $1`
	return s.scanUser(s.q(ctx).QueryRow(ctx, query, id))
}

func (s *Store) scanUser(row pgx.Row) (*schedule.User, error) {
	u := &schedule.User{}
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schedule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// CreateMedicine inserts a medicine, reusing the existing row when the
// name is already registered.
func (s *Store) CreateMedicine(ctx context.Context, m *schedule.Medicine) error {
	query := `
		INSERT INTO medicines (name, dosage)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, created_at
	`
	if err := s.q(ctx).QueryRow(ctx, query, m.Name, m.Dosage).Scan(&m.ID, &m.CreatedAt); err != nil {
		return fmt.Errorf("insert medicine: %w", err)
	}
	return nil
}

// MedicineByName resolves a medicine by display name.
func (s *Store) MedicineByName(ctx context.Context, name string) (*schedule.Medicine, error) {
	query := `SELECT id, name, COALESCE(dosage, ''), created_at FROM medicines WHERE name = $1`
	return s.scanMedicine(s.q(ctx).QueryRow(ctx, query, name))
}

// MedicineByID returns a medicine by ID.
func (s *Store) MedicineByID(ctx context.Context, id int64) (*schedule.Medicine, error) {
	query := `SELECT id, name, COALESCE(dosage, ''), created_at FROM medicines WHERE id = $1`
	return s.scanMedicine(s.q(ctx).QueryRow(ctx, query, id))
}

func (s *Store) scanMedicine(row pgx.Row) (*schedule.Medicine, error) {
	m := &schedule.Medicine{}
	err := row.Scan(&m.ID, &m.Name, &m.Dosage, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schedule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan medicine: %w", err)
	}
	return m, nil
}

// CreatePrescription inserts a prescription and its dosage time rows in
// one transaction.
func (s *Store) CreatePrescription(ctx context.Context, p *schedule.Prescription) error {
	return s.InTx(ctx, fmt.Sprintf("prescription:%d:%d", p.UserID, p.MedicineID), func(ctx context.Context) error {
		q := s.q(ctx)

		query := `
			INSERT INTO prescriptions (user_id, medicine_id, doses_per_day, start_date, end_date)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at
		`
		err := q.QueryRow(ctx, query, p.UserID, p.MedicineID, p.DosesPerDay, p.StartDate, p.EndDate).
			Scan(&p.ID, &p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert prescription: %w", err)
		}

		for _, tod := range p.DosageTimes {
			_, err := q.Exec(ctx,
				`INSERT INTO dosage_times (prescription_id, time_minutes) VALUES ($1, $2)`,
				p.ID, tod.Minutes())
			if err != nil {
				return fmt.Errorf("insert dosage time: %w", err)
			}
		}
		return nil
	})
}

const prescriptionColumns = `
	p.id, p.user_id, p.medicine_id, p.doses_per_day, p.start_date, p.end_date, p.created_at,
	(SELECT array_agg(dt.time_minutes ORDER BY dt.time_minutes)
	   FROM dosage_times dt WHERE dt.prescription_id = p.id)
`

// ActivePrescription returns the newest prescription for the pair whose
// validity window covers date.
func (s *Store) ActivePrescription(ctx context.Context, userID, medicineID int64, date time.Time) (*schedule.Prescription, error) {
	query := `
		SELECT ` + prescriptionColumns + `
		FROM prescriptions p
		WHERE p.user_id = $1
		  AND p.medicine_id = $2
		  AND (p.start_date IS NULL OR p.start_date <= $3)
		  AND (p.end_date IS NULL OR p.end_date >= $3)
		ORDER BY p.created_at DESC
		LIMIT 1
	`
	p, err := scanPrescription(s.q(ctx).QueryRow(ctx, query, userID, medicineID, schedule.DateOf(date)))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ActivePrescriptionsOn lists every prescription active on date.
func (s *Store) ActivePrescriptionsOn(ctx context.Context, date time.Time) ([]*schedule.Prescription, error) {
	query := `
		SELECT ` + prescriptionColumns + `
		FROM prescriptions p
		WHERE (p.start_date IS NULL OR p.start_date <= $1)
		  AND (p.end_date IS NULL OR p.end_date >= $1)
		ORDER BY p.id ASC
	`
	rows, err := s.q(ctx).Query(ctx, query, schedule.DateOf(date))
	if err != nil {
		return nil, fmt.Errorf("query active prescriptions: %w", err)
	}
	defer rows.Close()

	var out []*schedule.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPrescription(row pgx.Row) (*schedule.Prescription, error) {
	p := &schedule.Prescription{}
	var minutes []int32
	err := row.Scan(&p.ID, &p.UserID, &p.MedicineID, &p.DosesPerDay,
		&p.StartDate, &p.EndDate, &p.CreatedAt, &minutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schedule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan prescription: %w", err)
	}
	p.DosageTimes = make([]timeofday.TimeOfDay, 0, len(minutes))
	for _, m := range minutes {
		p.DosageTimes = append(p.DosageTimes, timeofday.TimeOfDay(m))
	}
	return p, nil
}

// CountIntakes counts recorded doses for the pair on one date.
func (s *Store) CountIntakes(ctx context.Context, userID, medicineID int64, date time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM intake_records WHERE user_id = $1 AND medicine_id = $2 AND date = $3`
	var n int
	if err := s.q(ctx).QueryRow(ctx, query, userID, medicineID, schedule.DateOf(date)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count intakes: %w", err)
	}
	return n, nil
}

// InsertIntake appends an intake record. The unique constraint on
// (user_id, medicine_id, date, sequence) makes the daily dose limit hold
// even against writers that bypass the advisory lock.
func (s *Store) InsertIntake(ctx context.Context, rec *tracking.IntakeRecord) error {
	query := `
		INSERT INTO intake_records (user_id, medicine_id, date, sequence, total_doses, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := s.q(ctx).QueryRow(ctx, query,
		rec.UserID, rec.MedicineID, schedule.DateOf(rec.Date),
		rec.Sequence, rec.TotalDoses, rec.TakenAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert intake record: %w", err)
	}
	return nil
}

// IntakesBetween lists intake records with from <= date <= to.
func (s *Store) IntakesBetween(ctx context.Context, userID, medicineID int64, from, to time.Time) ([]*tracking.IntakeRecord, error) {
	query := `
		SELECT id, user_id, medicine_id, date, sequence, total_doses, taken_at
		FROM intake_records
		WHERE user_id = $1 AND medicine_id = $2 AND date BETWEEN $3 AND $4
		ORDER BY date ASC, sequence ASC
	`
	rows, err := s.q(ctx).Query(ctx, query, userID, medicineID, schedule.DateOf(from), schedule.DateOf(to))
	if err != nil {
		return nil, fmt.Errorf("query intake records: %w", err)
	}
	defer rows.Close()

	var out []*tracking.IntakeRecord
	for rows.Next() {
		rec := &tracking.IntakeRecord{}
		err := rows.Scan(&rec.ID, &rec.UserID, &rec.MedicineID, &rec.Date,
			&rec.Sequence, &rec.TotalDoses, &rec.TakenAt)
		if err != nil {
			return nil, fmt.Errorf("scan intake record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const reminderColumns = `
	id, user_id, medicine_id, date, time_minutes, status,
	snooze_until, notified_at, missed_count, created_at, updated_at
`

// ReminderFor returns the reminder for one occurrence.
func (s *Store) ReminderFor(ctx context.Context, userID, medicineID int64, date time.Time, tod timeofday.TimeOfDay) (*reminder.Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders
		WHERE user_id = $1 AND medicine_id = $2 AND date = $3 AND time_minutes = $4
	`
	return scanReminder(s.q(ctx).QueryRow(ctx, query, userID, medicineID, schedule.DateOf(date), tod.Minutes()))
}

// SaveReminder upserts the reminder for its occurrence.
func (s *Store) SaveReminder(ctx context.Context, r *reminder.Reminder) error {
	query := `
		INSERT INTO reminders (id, user_id, medicine_id, date, time_minutes, status,
		                       snooze_until, notified_at, missed_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, medicine_id, date, time_minutes) DO UPDATE SET
			status = EXCLUDED.status,
			snooze_until = EXCLUDED.snooze_until,
			notified_at = EXCLUDED.notified_at,
			missed_count = EXCLUDED.missed_count,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.q(ctx).Exec(ctx, query,
		r.ID, r.UserID, r.MedicineID, schedule.DateOf(r.Date), r.TimeOfDay.Minutes(),
		string(r.Status), r.SnoozeUntil, r.NotifiedAt, r.MissedCount, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save reminder: %w", err)
	}
	return nil
}

// PendingRemindersBefore lists unresolved reminders from dates earlier
// than date.
func (s *Store) PendingRemindersBefore(ctx context.Context, date time.Time) ([]*reminder.Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders
		WHERE status IN ('pending', 'snoozed') AND date < $1
		ORDER BY date ASC, time_minutes ASC
	`
	rows, err := s.q(ctx).Query(ctx, query, schedule.DateOf(date))
	if err != nil {
		return nil, fmt.Errorf("query stale reminders: %w", err)
	}
	defer rows.Close()

	var out []*reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReminder(row pgx.Row) (*reminder.Reminder, error) {
	r := &reminder.Reminder{}
	var minutes int32
	var status string
	err := row.Scan(&r.ID, &r.UserID, &r.MedicineID, &r.Date, &minutes, &status,
		&r.SnoozeUntil, &r.NotifiedAt, &r.MissedCount, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reminder: %w", err)
	}
	r.TimeOfDay = timeofday.TimeOfDay(minutes)
	r.Status = reminder.Status(status)
	return r, nil
}
