package tracking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medbuddy/medtrack/internal/adapters/storage/memory"
	"github.com/medbuddy/medtrack/internal/domain/reminder"
	"github.com/medbuddy/medtrack/internal/domain/schedule"
	"github.com/medbuddy/medtrack/internal/domain/tracking"
	"github.com/medbuddy/medtrack/pkg/timeofday"
)

var testDay = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

func at(hhmm string) time.Time {
	return timeofday.MustParse(hhmm).At(testDay)
}

// seedPrescription creates a user, medicine and prescription with the
// given dosage times.
func seedPrescription(t *testing.T, store *memory.Store, times ...string) {
	t.Helper()
	ctx := context.Background()

	user := &schedule.User{Name: "alice"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	med := &schedule.Medicine{Name: "aspirin", Dosage: "100mg"}
	if err := store.CreateMedicine(ctx, med); err != nil {
		t.Fatalf("create medicine: %v", err)
	}

	tods, err := timeofday.ParseList(times)
	if err != nil {
		t.Fatalf("parse times: %v", err)
	}
	presc, err := schedule.NewPrescription(user.ID, med.ID, len(tods), tods)
	if err != nil {
		t.Fatalf("new prescription: %v", err)
	}
	if err := store.CreatePrescription(ctx, presc); err != nil {
		t.Fatalf("create prescription: %v", err)
	}
}

func TestTrackDoseToleranceBoundary(t *testing.T) {
	tests := []struct {
		name string
		at   string
		want tracking.Status
	}{
		{"on the dot", "08:00", tracking.StatusTracked},
		{"29 minutes late", "08:29", tracking.StatusTracked},
		{"exactly 30 minutes late", "08:30", tracking.StatusTracked},
		{"31 minutes late", "08:31", tracking.StatusWrongTime},
		{"29 minutes early", "07:31", tracking.StatusTracked},
		{"31 minutes early", "07:29", tracking.StatusWrongTime},
		{"midday", "12:00", tracking.StatusWrongTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			seedPrescription(t, store, "08:00", "20:00")
			svc := tracking.NewService(store)

			res, err := svc.TrackDose(context.Background(), "alice", "aspirin", at(tt.at))
			if err != nil {
				t.Fatalf("TrackDose: %v", err)
			}
			if res.Status != tt.want {
				t.Fatalf("status = %s, want %s", res.Status, tt.want)
			}
			if res.Message == "" {
				t.Fatal("result has no message")
			}
		})
	}
}

func TestTrackDoseWrongTimeReturnsPrescribedTimes(t *testing.T) {
	store := memory.NewStore()
	seedPrescription(t, store, "08:00", "20:00")
	svc := tracking.NewService(store)

	res, err := svc.TrackDose(context.Background(), "alice", "aspirin", at("12:00"))
	if err != nil {
		t.Fatalf("TrackDose: %v", err)
	}
	if res.Status != tracking.StatusWrongTime {
		t.Fatalf("status = %s, want wrong_time", res.Status)
	}
	if got := timeofday.Strings(res.PrescribedTimes); len(got) != 2 || got[0] != "08:00" || got[1] != "20:00" {
		t.Fatalf("PrescribedTimes = %v", got)
	}
	if res.DosesTaken != 0 {
		t.Fatalf("rejected attempt must not count, got %d", res.DosesTaken)
	}
}

func TestTrackDoseMaxDoseReached(t *testing.T) {
	store := memory.NewStore()
	seedPrescription(t, store, "08:00", "20:00")
	svc := tracking.NewService(store)
	ctx := context.Background()

	if res, _ := svc.TrackDose(ctx, "alice", "aspirin", at("08:05")); res.Status != tracking.StatusTracked {
		t.Fatalf("first dose: %s", res.Status)
	}
	if res, _ := svc.TrackDose(ctx, "alice", "aspirin", at("20:10")); res.Status != tracking.StatusTracked {
		t.Fatalf("second dose: %s", res.Status)
	}

	// Third attempt at a valid time still hits the daily limit; the limit
	// check runs before the time check.
	res, err := svc.TrackDose(ctx, "alice", "aspirin", at("20:20"))
	if err != nil {
		t.Fatalf("TrackDose: %v", err)
	}
	if res.Status != tracking.StatusMaxDoseReached {
		t.Fatalf("status = %s, want max_dose_reached", res.Status)
	}
	if res.DosesTaken != 2 || res.TotalDoses != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", res.DosesTaken, res.TotalDoses)
	}
}

func TestTrackDoseUnknownNames(t *testing.T) {
	store := memory.NewStore()
	seedPrescription(t, store, "08:00")
	svc := tracking.NewService(store)
	ctx := context.Background()

	if _, err := svc.TrackDose(ctx, "nobody", "aspirin", at("08:00")); !errors.Is(err, schedule.ErrNotFound) {
		t.Errorf("unknown user = %v, want ErrNotFound", err)
	}
	if _, err := svc.TrackDose(ctx, "alice", "unobtainium", at("08:00")); !errors.Is(err, schedule.ErrNotFound) {
		t.Errorf("unknown medicine = %v, want ErrNotFound", err)
	}
}

func TestTrackDoseDay(t *testing.T) {
	store := memory.NewStore()
	seedPrescription(t, store, "08:00", "14:00", "20:00")
	svc := tracking.NewService(store)
	ctx := context.Background()

	res, err := svc.TrackDose(ctx, "alice", "aspirin", at("08:10"))
	if err != nil {
		t.Fatalf("TrackDose: %v", err)
	}
	if res.Status != tracking.StatusTracked || res.DosesTaken != 1 || res.TotalDoses != 3 {
		t.Fatalf("first dose: %+v", res)
	}
	if got := timeofday.Strings(res.NextDosageTimes); len(got) != 2 || got[0] != "14:00" || got[1] != "20:00" {
		t.Fatalf("NextDosageTimes = %v", got)
	}

	if res, _ = svc.TrackDose(ctx, "alice", "aspirin", at("11:00")); res.Status != tracking.StatusWrongTime {
		t.Fatalf("off-schedule attempt: %s", res.Status)
	}

	res, _ = svc.TrackDose(ctx, "alice", "aspirin", at("14:05"))
	if res.Status != tracking.StatusTracked || res.DosesTaken != 2 {
		t.Fatalf("second dose: %+v", res)
	}

	res, _ = svc.TrackDose(ctx, "alice", "aspirin", at("19:45"))
	if res.Status != tracking.StatusTracked || res.DosesTaken != 3 {
		t.Fatalf("third dose: %+v", res)
	}
	if len(res.NextDosageTimes) != 1 || res.NextDosageTimes[0] != timeofday.MustParse("20:00") {
		t.Fatalf("NextDosageTimes after 19:45 dose = %v", res.NextDosageTimes)
	}

	if res, _ = svc.TrackDose(ctx, "alice", "aspirin", at("20:05")); res.Status != tracking.StatusMaxDoseReached {
		t.Fatalf("fourth attempt: %s", res.Status)
	}

	// The next calendar day starts fresh.
	nextDay := at("08:10").AddDate(0, 0, 1)
	res, err = svc.TrackDose(ctx, "alice", "aspirin", nextDay)
	if err != nil {
		t.Fatalf("TrackDose next day: %v", err)
	}
	if res.Status != tracking.StatusTracked || res.DosesTaken != 1 {
		t.Fatalf("next-day dose: %+v", res)
	}
}

func TestTrackDoseMarksReminderTaken(t *testing.T) {
	store := memory.NewStore()
	seedPrescription(t, store, "08:00")
	svc := tracking.NewService(store)
	ctx := context.Background()

	// Dispatcher materialized the reminder before the intake.
	rem := reminder.New(1, 1, testDay, timeofday.MustParse("08:00"), at("08:00"))
	if err := store.SaveReminder(ctx, rem); err != nil {
		t.Fatalf("save reminder: %v", err)
	}

	if res, _ := svc.TrackDose(ctx, "alice", "aspirin", at("08:05")); res.Status != tracking.StatusTracked {
		t.Fatalf("TrackDose: %s", res.Status)
	}

	got, err := store.ReminderFor(ctx, 1, 1, testDay, timeofday.MustParse("08:00"))
	if err != nil {
		t.Fatalf("reminder lookup: %v", err)
	}
	if got.Status != reminder.StatusTaken {
		t.Fatalf("reminder status = %s, want taken", got.Status)
	}
}

func TestTrackDoseCreatesTakenReminderWhenNoneExists(t *testing.T) {
	store := memory.NewStore()
	seedPrescription(t, store, "08:00")
	svc := tracking.NewService(store)
	ctx := context.Background()

	// Early intake inside tolerance, before any scan ran.
	if res, _ := svc.TrackDose(ctx, "alice", "aspirin", at("07:45")); res.Status != tracking.StatusTracked {
		t.Fatalf("TrackDose: %s", res.Status)
	}

	got, err := store.ReminderFor(ctx, 1, 1, testDay, timeofday.MustParse("08:00"))
	if err != nil {
		t.Fatalf("reminder lookup: %v", err)
	}
	if got.Status != reminder.StatusTaken {
		t.Fatalf("reminder status = %s, want taken", got.Status)
	}
}

func TestTrackDoseConcurrentSingleWinner(t *testing.T) {
	store := memory.NewStore()
	seedPrescription(t, store, "08:00")
	svc := tracking.NewService(store)

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]tracking.Status, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.TrackDose(context.Background(), "alice", "aspirin", at("08:10"))
			if err != nil {
				t.Errorf("TrackDose: %v", err)
				return
			}
			results[i] = res.Status
		}(i)
	}
	wg.Wait()

	tracked := 0
	for _, s := range results {
		switch s {
		case tracking.StatusTracked:
			tracked++
		case tracking.StatusMaxDoseReached:
		default:
			t.Fatalf("unexpected status %s", s)
		}
	}
	if tracked != 1 {
		t.Fatalf("tracked = %d, want exactly 1", tracked)
	}
}

func TestSnooze(t *testing.T) {
	store := memory.NewStore()
	seedPrescription(t, store, "08:00")
	svc := tracking.NewService(store)
	ctx := context.Background()

	// Snooze resolves "today" from the wall clock, so the fixture
	// reminder has to live on today's date.
	today := schedule.DateOf(time.Now())
	tod := timeofday.MustParse("08:00")
	rem := reminder.New(1, 1, today, tod, time.Now())
	if err := store.SaveReminder(ctx, rem); err != nil {
		t.Fatalf("save reminder: %v", err)
	}

	got, err := svc.Snooze(ctx, "alice", "aspirin", tod, 0)
	if err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if got.Status != reminder.StatusSnoozed {
		t.Fatalf("status = %s, want snoozed", got.Status)
	}
	if got.SnoozeUntil == nil {
		t.Fatal("SnoozeUntil not set")
	}

	// Snoozing a missing occurrence fails.
	if _, err := svc.Snooze(ctx, "alice", "aspirin", timeofday.MustParse("20:00"), 0); !errors.Is(err, reminder.ErrNotFound) {
		t.Errorf("snooze unknown occurrence = %v, want ErrNotFound", err)
	}
}

func TestMedicationDetails(t *testing.T) {
	store := memory.NewStore()
	seedPrescription(t, store, "08:00", "20:00")
	svc := tracking.NewService(store)
	ctx := context.Background()

	// Details reads "today"; insert intakes on the wall-clock date.
	now := time.Now()
	if res, _ := svc.TrackDose(ctx, "alice", "aspirin", timeofday.MustParse("08:10").At(now)); res.Status != tracking.StatusTracked {
		t.Fatalf("seed dose: %s", res.Status)
	}

	details, err := svc.MedicationDetails(ctx, "alice", "aspirin")
	if err != nil {
		t.Fatalf("MedicationDetails: %v", err)
	}
	if details.TotalDoses != 2 || details.DosesTaken != 1 {
		t.Fatalf("details = %+v", details)
	}
	if details.FirstIntakeTime == nil {
		t.Fatal("FirstIntakeTime not set")
	}
}

func TestDoseHistoryOrdering(t *testing.T) {
	store := memory.NewStore()
	seedPrescription(t, store, "08:00")
	svc := tracking.NewService(store)
	ctx := context.Background()

	now := time.Now()
	for _, daysAgo := range []int{3, 1, 0} {
		day := now.AddDate(0, 0, -daysAgo)
		res, err := svc.TrackDose(ctx, "alice", "aspirin", timeofday.MustParse("08:10").At(day))
		if err != nil || res.Status != tracking.StatusTracked {
			t.Fatalf("seed dose %d days ago: %v %v", daysAgo, res, err)
		}
	}

	history, err := svc.DoseHistory(ctx, "alice", "aspirin", 7)
	if err != nil {
		t.Fatalf("DoseHistory: %v", err)
	}
	// Days without intakes are omitted; remaining days are newest first.
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i := 1; i < len(history); i++ {
		if !history[i-1].Date.After(history[i].Date) {
			t.Fatalf("history not in descending date order: %v then %v",
				history[i-1].Date, history[i].Date)
		}
	}
}
