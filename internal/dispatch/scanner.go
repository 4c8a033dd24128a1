package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medbuddy/medtrack/internal/domain/reminder"
	"github.com/medbuddy/medtrack/internal/domain/schedule"
	"github.com/medbuddy/medtrack/internal/domain/tracking"
	"github.com/medbuddy/medtrack/internal/observability/metrics"
	"github.com/medbuddy/medtrack/pkg/timeofday"
	"github.com/medbuddy/medtrack/pkg/workerpool"
)

// Store is the persistence surface the scanner needs. InTx has the same
// contract as tracking.Store.InTx: fn runs in an atomic scope serialized
// by lockKey, so a scan's missed-evaluation and a concurrent TrackDose for
// the same occurrence linearize.
type Store interface {
	ActivePrescriptionsOn(ctx context.Context, date time.Time) ([]*schedule.Prescription, error)
	UserByID(ctx context.Context, id int64) (*schedule.User, error)
	MedicineByID(ctx context.Context, id int64) (*schedule.Medicine, error)

	ReminderFor(ctx context.Context, userID, medicineID int64, date time.Time, tod timeofday.TimeOfDay) (*reminder.Reminder, error)
	SaveReminder(ctx context.Context, r *reminder.Reminder) error
	// PendingRemindersBefore lists reminders from earlier dates still
	// pending or snoozed, so occurrences left behind at midnight resolve
	// to missed.
	PendingRemindersBefore(ctx context.Context, date time.Time) ([]*reminder.Reminder, error)

	InTx(ctx context.Context, lockKey string, fn func(ctx context.Context) error) error
}

// Config holds scanner configuration.
type Config struct {
	// Interval is the polling interval between scans.
	Interval time.Duration
	// Tolerance is the overdue margin after which a pending reminder is
	// marked missed.
	Tolerance time.Duration
	// DeliveryTimeout bounds a single channel delivery attempt.
	DeliveryTimeout time.Duration
	// Pool configures the delivery fanout worker pool.
	Pool workerpool.Config
}

// DefaultConfig returns scanner defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        60 * time.Second,
		Tolerance:       tracking.ToleranceWindow,
		DeliveryTimeout: 5 * time.Second,
		Pool:            workerpool.DefaultConfig(),
	}
}

// delivery is one (channel, notification) unit handed to the worker pool.
type delivery struct {
	channel      Channel
	notification Notification
}

// Scanner runs the recurring reminder scan. Each pass materializes
// reminders whose dosage time has arrived, wakes elapsed snoozes, emits
// due notifications exactly once per occurrence, and transitions overdue
// reminders to missed.
type Scanner struct {
	store    Store
	channels []Channel
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	pool     *workerpool.Pool
	now      func() time.Time

	// stop ends the scan loop; ctx is cancelled only after the loop has
	// drained, so an in-flight scan keeps a live context.
	stop     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScanner creates a scanner. metrics may be nil.
func NewScanner(store Store, channels []Channel, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Scanner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultConfig().Tolerance
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scanner{
		store:    store,
		channels: channels,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("reminder-scanner"),
		metrics:  m,
		now:      time.Now,
		stop:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	pool, err := workerpool.New(cfg.Pool, s.deliverTask, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// Start launches the delivery pool and the scan loop.
func (s *Scanner) Start() {
	s.pool.Start()
	go s.scanLoop()
	s.logger.Info("reminder scanner started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("channels", len(s.channels)))
}

// Stop finishes the in-progress scan, drains pending deliveries and shuts
// down. A new scan is never started after Stop is called. The scan context
// stays live until the loop exits so the current pass completes instead of
// failing its remaining queries. Safe to call more than once.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.pool.Stop()
		s.cancel()
		s.logger.Info("reminder scanner stopped")
	})
}

func (s *Scanner) scanLoop() {
	defer close(s.done)

	// First pass immediately so a restart does not sit out a full
	// interval with due reminders waiting.
	s.ScanOnce(s.ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.ScanOnce(s.ctx)
		}
	}
}

// ScanOnce runs a single scan pass at the current clock. Per-reminder
// failures are logged and skipped; they never abort the batch.
func (s *Scanner) ScanOnce(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "reminder_scan")
	defer span.End()

	start := s.now()
	date := schedule.DateOf(start)

	prescriptions, err := s.store.ActivePrescriptionsOn(ctx, date)
	if err != nil {
		s.logger.Error("scan: listing prescriptions failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.Int("prescriptions", len(prescriptions)))

	names := newNameCache(s.store)
	due := 0

	for _, presc := range prescriptions {
		for _, tod := range presc.DosageTimes {
			scheduledAt := tod.At(date)
			if start.Before(scheduledAt) {
				continue
			}

			notifs, err := s.evaluateSlot(ctx, presc, date, tod, start, names)
			if err != nil {
				s.logger.Error("scan: reminder evaluation failed",
					zap.Int64("user_id", presc.UserID),
					zap.Int64("medicine_id", presc.MedicineID),
					zap.String("time", tod.String()),
					zap.Error(err))
				continue
			}
			for _, notif := range notifs {
				if notif.Kind == KindDue {
					due++
				}
				s.fanout(notif)
			}
		}
	}

	s.resolveStale(ctx, date, names)

	if s.metrics != nil {
		s.metrics.ScanDuration.Observe(s.now().Sub(start).Seconds())
	}
	if due > 0 {
		s.logger.Info("scan complete",
			zap.Int("due", due),
			zap.Duration("took", s.now().Sub(start)))
	}
}

// evaluateSlot drives one occurrence's state under the same lock scope as
// TrackDose, and returns the notifications the transition produced: a due
// event for a first notification, a missed event when the tolerance
// window elapsed.
func (s *Scanner) evaluateSlot(ctx context.Context, presc *schedule.Prescription, date time.Time, tod timeofday.TimeOfDay, now time.Time, names *nameCache) ([]Notification, error) {
	var notifs []Notification

	err := s.store.InTx(ctx, tracking.LockKey(presc.UserID, presc.MedicineID, date), func(ctx context.Context) error {
		notifs = notifs[:0]

		rem, err := s.store.ReminderFor(ctx, presc.UserID, presc.MedicineID, date, tod)
		if errors.Is(err, reminder.ErrNotFound) {
			rem = reminder.New(presc.UserID, presc.MedicineID, date, tod, now)
			if err := s.store.SaveReminder(ctx, rem); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if rem.Status == reminder.StatusSnoozed {
			if err := rem.Wake(now); err == nil {
				if err := s.store.SaveReminder(ctx, rem); err != nil {
					return err
				}
			}
		}

		if rem.Status != reminder.StatusPending {
			return nil
		}

		userName, medName, err := names.resolve(ctx, presc.UserID, presc.MedicineID)
		if err != nil {
			return err
		}

		if !rem.Notified() {
			// The notified marker commits before delivery is attempted:
			// re-running the scan within the interval must not re-send.
			rem.MarkNotified(now)
			if err := s.store.SaveReminder(ctx, rem); err != nil {
				return err
			}
			notifs = append(notifs, s.notification(KindDue, rem, userName, medName))
		}

		if err := rem.MarkMissed(now, s.config.Tolerance); err == nil {
			if err := s.store.SaveReminder(ctx, rem); err != nil {
				return err
			}
			if s.metrics != nil {
				s.metrics.RemindersMissed.Inc()
			}
			s.logger.Info("reminder missed",
				zap.String("reminder_id", rem.ID),
				zap.Int64("user_id", rem.UserID),
				zap.Int64("medicine_id", rem.MedicineID),
				zap.String("time", tod.String()),
				zap.Int("missed_count", rem.MissedCount))
			notifs = append(notifs, s.notification(KindMissed, rem, userName, medName))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return notifs, nil
}

func (s *Scanner) notification(kind Kind, rem *reminder.Reminder, userName, medName string) Notification {
	return Notification{
		Kind:        kind,
		ReminderID:  rem.ID,
		User:        userName,
		Medicine:    medName,
		Time:        rem.TimeOfDay,
		Date:        schedule.DateKey(rem.Date),
		ScheduledAt: rem.ScheduledAt(),
	}
}

// resolveStale marks reminders left pending from earlier dates as missed
// and emits a missed event for each.
func (s *Scanner) resolveStale(ctx context.Context, today time.Time, names *nameCache) {
	stale, err := s.store.PendingRemindersBefore(ctx, today)
	if err != nil {
		s.logger.Error("scan: listing stale reminders failed", zap.Error(err))
		return
	}

	now := s.now()
	for _, prev := range stale {
		rem := prev
		var notif *Notification
		err := s.store.InTx(ctx, tracking.LockKey(rem.UserID, rem.MedicineID, rem.Date), func(ctx context.Context) error {
			notif = nil

			current, err := s.store.ReminderFor(ctx, rem.UserID, rem.MedicineID, rem.Date, rem.TimeOfDay)
			if err != nil {
				return err
			}
			if current.Status == reminder.StatusSnoozed {
				if err := current.Wake(now); err != nil {
					return nil
				}
			}
			if err := current.MarkMissed(now, s.config.Tolerance); err != nil {
				return nil
			}
			if err := s.store.SaveReminder(ctx, current); err != nil {
				return err
			}
			if s.metrics != nil {
				s.metrics.RemindersMissed.Inc()
			}

			userName, medName, err := names.resolve(ctx, current.UserID, current.MedicineID)
			if err != nil {
				return err
			}
			n := s.notification(KindMissed, current, userName, medName)
			notif = &n
			return nil
		})
		if err != nil {
			s.logger.Error("scan: stale reminder resolution failed",
				zap.String("reminder_id", rem.ID),
				zap.Error(err))
			continue
		}
		if notif != nil {
			s.fanout(*notif)
		}
	}
}

// fanout submits one delivery task per channel. A full queue or failed
// channel affects only that delivery.
func (s *Scanner) fanout(n Notification) {
	for _, ch := range s.channels {
		task := &workerpool.Task{
			ID:      fmt.Sprintf("%s:%s:%s", n.ReminderID, n.Kind, ch.Name()),
			Payload: delivery{channel: ch, notification: n},
		}
		if err := s.pool.Submit(task); err != nil {
			s.logger.Error("delivery submit failed",
				zap.String("channel", ch.Name()),
				zap.String("reminder_id", n.ReminderID),
				zap.Error(err))
			if s.metrics != nil {
				s.metrics.NotificationsFailed.WithLabelValues(ch.Name()).Inc()
			}
		}
	}
}

// deliverTask is the worker pool function for one delivery attempt.
func (s *Scanner) deliverTask(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	d, ok := task.Payload.(delivery)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: errors.New("dispatch: bad task payload")}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	if err := d.channel.Deliver(ctx, d.notification); err != nil {
		if s.metrics != nil {
			s.metrics.NotificationsFailed.WithLabelValues(d.channel.Name()).Inc()
		}
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
	}

	if s.metrics != nil {
		s.metrics.NotificationsSent.WithLabelValues(d.channel.Name()).Inc()
	}
	return &workerpool.Result{TaskID: task.ID, Success: true}
}

// nameCache avoids re-resolving user and medicine names for every slot in
// a scan.
type nameCache struct {
	store     Store
	users     map[int64]string
	medicines map[int64]string
}

func newNameCache(store Store) *nameCache {
	return &nameCache{
		store:     store,
		users:     make(map[int64]string),
		medicines: make(map[int64]string),
	}
}

func (c *nameCache) resolve(ctx context.Context, userID, medicineID int64) (string, string, error) {
	userName, ok := c.users[userID]
	if !ok {
		u, err := c.store.UserByID(ctx, userID)
		if err != nil {
			return "", "", err
		}
		userName = u.Name
		c.users[userID] = userName
	}

	medName, ok := c.medicines[medicineID]
	if !ok {
		m, err := c.store.MedicineByID(ctx, medicineID)
		if err != nil {
			return "", "", err
		}
		medName = m.Name
		c.medicines[medicineID] = medName
	}
	return userName, medName, nil
}
