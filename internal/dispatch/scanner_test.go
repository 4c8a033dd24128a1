package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/medbuddy/medtrack/internal/adapters/storage/memory"
	"github.com/medbuddy/medtrack/internal/domain/reminder"
	"github.com/medbuddy/medtrack/internal/domain/schedule"
	"github.com/medbuddy/medtrack/pkg/timeofday"
)

var testDay = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

func at(hhmm string) time.Time {
	return timeofday.MustParse(hhmm).At(testDay)
}

// captureChannel records delivered notifications; optionally fails.
type captureChannel struct {
	name string
	fail bool

	mu    sync.Mutex
	notes []Notification
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Deliver(_ context.Context, n Notification) error {
	if c.fail {
		return errors.New("delivery refused")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notes)
}

func (c *captureChannel) countKind(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, note := range c.notes {
		if note.Kind == kind {
			n++
		}
	}
	return n
}

func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	ctx := context.Background()

	user := &schedule.User{Name: "alice"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	med := &schedule.Medicine{Name: "aspirin"}
	if err := store.CreateMedicine(ctx, med); err != nil {
		t.Fatalf("create medicine: %v", err)
	}
	presc, err := schedule.NewPrescription(user.ID, med.ID, 1,
		[]timeofday.TimeOfDay{timeofday.MustParse("08:00")})
	if err != nil {
		t.Fatalf("new prescription: %v", err)
	}
	if err := store.CreatePrescription(ctx, presc); err != nil {
		t.Fatalf("create prescription: %v", err)
	}
	return store
}

func newTestScanner(t *testing.T, store Store, channels ...Channel) *Scanner {
	t.Helper()
	s, err := NewScanner(store, channels, DefaultConfig(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	s.pool.Start()
	t.Cleanup(func() { s.pool.Stop() })
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestScanNotifiesOncePerOccurrence(t *testing.T) {
	store := seedStore(t)
	ch := &captureChannel{name: "capture"}
	s := newTestScanner(t, store, ch)
	s.now = func() time.Time { return at("08:05") }

	s.ScanOnce(context.Background())
	waitFor(t, func() bool { return ch.count() == 1 })

	// A second pass within the interval must not re-send.
	s.ScanOnce(context.Background())
	time.Sleep(50 * time.Millisecond)
	if got := ch.count(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}

	n := ch.notes[0]
	if n.Kind != KindDue || n.User != "alice" || n.Medicine != "aspirin" || n.Time != timeofday.MustParse("08:00") {
		t.Fatalf("notification = %+v", n)
	}

	rem, err := store.ReminderFor(context.Background(), 1, 1, testDay, timeofday.MustParse("08:00"))
	if err != nil {
		t.Fatalf("reminder lookup: %v", err)
	}
	if rem.Status != reminder.StatusPending || !rem.Notified() {
		t.Fatalf("reminder = %s notified=%v, want pending+notified", rem.Status, rem.Notified())
	}
}

func TestScanBeforeDosageTime(t *testing.T) {
	store := seedStore(t)
	ch := &captureChannel{name: "capture"}
	s := newTestScanner(t, store, ch)
	s.now = func() time.Time { return at("07:30") }

	s.ScanOnce(context.Background())
	time.Sleep(50 * time.Millisecond)

	if ch.count() != 0 {
		t.Fatalf("notifications = %d, want 0 before the dosage time", ch.count())
	}
	if _, err := store.ReminderFor(context.Background(), 1, 1, testDay, timeofday.MustParse("08:00")); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("reminder lookup = %v, want ErrNotFound", err)
	}
}

func TestScanMarksMissedExactlyOnce(t *testing.T) {
	store := seedStore(t)
	ch := &captureChannel{name: "capture"}
	s := newTestScanner(t, store, ch)
	s.now = func() time.Time { return at("08:31") }

	s.ScanOnce(context.Background())

	rem, err := store.ReminderFor(context.Background(), 1, 1, testDay, timeofday.MustParse("08:00"))
	if err != nil {
		t.Fatalf("reminder lookup: %v", err)
	}
	if rem.Status != reminder.StatusMissed {
		t.Fatalf("status = %s, want missed", rem.Status)
	}
	if rem.MissedCount != 1 {
		t.Fatalf("MissedCount = %d, want 1", rem.MissedCount)
	}
	waitFor(t, func() bool { return ch.countKind(KindMissed) == 1 })

	// Another pass cannot double-count or re-announce.
	s.now = func() time.Time { return at("09:00") }
	s.ScanOnce(context.Background())

	rem, _ = store.ReminderFor(context.Background(), 1, 1, testDay, timeofday.MustParse("08:00"))
	if rem.MissedCount != 1 {
		t.Fatalf("MissedCount after second scan = %d, want 1", rem.MissedCount)
	}
	time.Sleep(50 * time.Millisecond)
	if got := ch.countKind(KindMissed); got != 1 {
		t.Fatalf("missed notifications = %d, want 1", got)
	}
}

func TestScanWithinToleranceNotMissed(t *testing.T) {
	store := seedStore(t)
	ch := &captureChannel{name: "capture"}
	s := newTestScanner(t, store, ch)
	s.now = func() time.Time { return at("08:30") }

	s.ScanOnce(context.Background())

	rem, err := store.ReminderFor(context.Background(), 1, 1, testDay, timeofday.MustParse("08:00"))
	if err != nil {
		t.Fatalf("reminder lookup: %v", err)
	}
	if rem.Status != reminder.StatusPending {
		t.Fatalf("status at tolerance boundary = %s, want pending", rem.Status)
	}
}

func TestSnoozedReminderWakesAndRenotifies(t *testing.T) {
	store := seedStore(t)
	ch := &captureChannel{name: "capture"}
	s := newTestScanner(t, store, ch)
	ctx := context.Background()

	s.now = func() time.Time { return at("08:05") }
	s.ScanOnce(ctx)
	waitFor(t, func() bool { return ch.count() == 1 })

	// User snoozes for 10 minutes.
	rem, err := store.ReminderFor(ctx, 1, 1, testDay, timeofday.MustParse("08:00"))
	if err != nil {
		t.Fatalf("reminder lookup: %v", err)
	}
	if err := rem.Snooze(at("08:06"), 10*time.Minute); err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if err := store.SaveReminder(ctx, rem); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Still snoozed at 08:10: silence.
	s.now = func() time.Time { return at("08:10") }
	s.ScanOnce(ctx)
	time.Sleep(50 * time.Millisecond)
	if ch.count() != 1 {
		t.Fatalf("notifications during snooze = %d, want 1", ch.count())
	}

	// Snooze elapsed: one fresh notification.
	s.now = func() time.Time { return at("08:20") }
	s.ScanOnce(ctx)
	waitFor(t, func() bool { return ch.count() == 2 })

	rem, _ = store.ReminderFor(ctx, 1, 1, testDay, timeofday.MustParse("08:00"))
	if rem.Status != reminder.StatusPending {
		t.Fatalf("status after wake = %s, want pending", rem.Status)
	}
}

func TestTakenReminderStaysSilent(t *testing.T) {
	store := seedStore(t)
	ctx := context.Background()

	rem := reminder.New(1, 1, testDay, timeofday.MustParse("08:00"), at("07:50"))
	if err := rem.MarkTaken(at("07:50")); err != nil {
		t.Fatalf("mark taken: %v", err)
	}
	if err := store.SaveReminder(ctx, rem); err != nil {
		t.Fatalf("save: %v", err)
	}

	ch := &captureChannel{name: "capture"}
	s := newTestScanner(t, store, ch)
	s.now = func() time.Time { return at("08:05") }

	s.ScanOnce(ctx)
	time.Sleep(50 * time.Millisecond)
	if ch.count() != 0 {
		t.Fatalf("notifications for taken reminder = %d, want 0", ch.count())
	}
}

func TestFailingChannelDoesNotBlockOthers(t *testing.T) {
	store := seedStore(t)
	bad := &captureChannel{name: "bad", fail: true}
	good := &captureChannel{name: "good"}
	s := newTestScanner(t, store, bad, good)
	s.now = func() time.Time { return at("08:05") }

	s.ScanOnce(context.Background())
	waitFor(t, func() bool { return good.count() == 1 })

	// The notified marker committed despite the failing channel: no
	// redelivery on the next pass.
	s.ScanOnce(context.Background())
	time.Sleep(50 * time.Millisecond)
	if good.count() != 1 {
		t.Fatalf("good channel notifications = %d, want 1", good.count())
	}
}

func TestResolveStalePreviousDay(t *testing.T) {
	store := seedStore(t)
	ctx := context.Background()

	yesterday := testDay.AddDate(0, 0, -1)
	rem := reminder.New(1, 1, yesterday, timeofday.MustParse("08:00"), yesterday)
	if err := store.SaveReminder(ctx, rem); err != nil {
		t.Fatalf("save: %v", err)
	}

	ch := &captureChannel{name: "capture"}
	s := newTestScanner(t, store, ch)
	s.now = func() time.Time { return at("00:30") }

	s.ScanOnce(ctx)

	got, err := store.ReminderFor(ctx, 1, 1, yesterday, timeofday.MustParse("08:00"))
	if err != nil {
		t.Fatalf("reminder lookup: %v", err)
	}
	if got.Status != reminder.StatusMissed {
		t.Fatalf("stale reminder status = %s, want missed", got.Status)
	}
	if got.MissedCount != 1 {
		t.Fatalf("MissedCount = %d, want 1", got.MissedCount)
	}

	waitFor(t, func() bool { return ch.countKind(KindMissed) == 1 })
	ch.mu.Lock()
	n := ch.notes[0]
	ch.mu.Unlock()
	if n.User != "alice" || n.Medicine != "aspirin" || n.Date != schedule.DateKey(yesterday) {
		t.Fatalf("missed notification = %+v", n)
	}
}

// slowStore stalls the prescription listing until released, simulating a
// long store round trip mid-scan. The listing honors context
// cancellation the way the postgres adapter does.
type slowStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowStore) ActivePrescriptionsOn(ctx context.Context, date time.Time) ([]*schedule.Prescription, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Store.ActivePrescriptionsOn(ctx, date)
}

func TestStopFinishesInFlightScan(t *testing.T) {
	slow := &slowStore{
		Store:   seedStore(t),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	ch := &captureChannel{name: "capture"}

	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	s, err := NewScanner(slow, []Channel{ch}, cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	s.now = func() time.Time { return at("08:05") }

	s.Start()
	<-slow.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	// Stop must wait for the scan in flight, not abort it.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("Stop returned with a scan in flight")
	default:
	}

	close(slow.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the scan finished")
	}

	// The scan ran to completion against a live context and its due
	// notification drained through the pool before Stop returned.
	if got := ch.count(); got != 1 {
		t.Fatalf("notifications = %d, want the in-flight scan to finish", got)
	}
}

func TestScannerStartStop(t *testing.T) {
	store := seedStore(t)
	ch := &captureChannel{name: "capture"}

	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	s, err := NewScanner(store, []Channel{ch}, cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	s.now = func() time.Time { return at("08:05") }

	s.Start()
	waitFor(t, func() bool { return ch.count() == 1 })

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
