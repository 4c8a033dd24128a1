// Package handlers provides HTTP handlers for the medication API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medbuddy/medtrack/internal/adapters/druginfo"
	"github.com/medbuddy/medtrack/internal/api/middleware"
	"github.com/medbuddy/medtrack/internal/domain/adherence"
	"github.com/medbuddy/medtrack/internal/domain/reminder"
	"github.com/medbuddy/medtrack/internal/domain/schedule"
	"github.com/medbuddy/medtrack/internal/domain/tracking"
	"github.com/medbuddy/medtrack/internal/observability/metrics"
	"github.com/medbuddy/medtrack/pkg/timeofday"
)

// MedicationHandler serves the dosage tracking endpoints.
type MedicationHandler struct {
	tracker   *tracking.Service
	adherence *adherence.Calculator
	schedules schedule.Repository
	drugs     *druginfo.Client
	events    EventSink
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewMedicationHandler creates the handler. drugs, events and m may be
// nil.
func NewMedicationHandler(
	tracker *tracking.Service,
	calc *adherence.Calculator,
	schedules schedule.Repository,
	drugs *druginfo.Client,
	events EventSink,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MedicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationHandler{
		tracker:   tracker,
		adherence: calc,
		schedules: schedules,
		drugs:     drugs,
		events:    events,
		metrics:   m,
		logger:    logger,
	}
}

// Routes returns the handler routes.
func (h *MedicationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/track-dosage", h.TrackDosage)
	r.Post("/medication-details", h.MedicationDetails)
	r.Post("/dose-history", h.DoseHistory)
	r.Post("/adherence-history", h.AdherenceHistory)
	r.Post("/reminders/snooze", h.Snooze)
	r.Post("/prescriptions", h.CreatePrescription)
	return r
}

// pairRequest identifies a user/medicine pair by display names.
type pairRequest struct {
	UserName     string `json:"user_name"`
	MedicineName string `json:"medicine_name"`
	Days         int    `json:"days,omitempty"`
}

func (r *pairRequest) validate() string {
	if r.UserName == "" {
		return "user_name is required"
	}
	if r.MedicineName == "" {
		return "medicine_name is required"
	}
	return ""
}

// TrackDosage handles POST /track-dosage.
func (h *MedicationHandler) TrackDosage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("medication-handler")
	ctx, span := tracer.Start(ctx, "track_dosage")
	defer span.End()

	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		h.jsonError(w, msg, http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.String("user", req.UserName),
		attribute.String("medicine", req.MedicineName),
	)

	start := time.Now()
	takenAt := time.Now()
	result, err := h.tracker.TrackDose(ctx, req.UserName, req.MedicineName, takenAt)
	if err != nil {
		span.RecordError(err)
		h.domainError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.TrackDuration.Observe(time.Since(start).Seconds())
		switch result.Status {
		case tracking.StatusTracked:
			h.metrics.DosesTracked.Inc()
		case tracking.StatusMaxDoseReached:
			h.metrics.DosesRejected.WithLabelValues("max_dose").Inc()
		case tracking.StatusWrongTime:
			h.metrics.DosesRejected.WithLabelValues("wrong_time").Inc()
		}
	}

	if h.events != nil && result.Status == tracking.StatusTracked {
		ev := DoseEvent{
			User:       req.UserName,
			Medicine:   req.MedicineName,
			Date:       schedule.DateKey(takenAt),
			Sequence:   result.DosesTaken,
			TotalDoses: result.TotalDoses,
			TakenAt:    takenAt,
		}
		if err := h.events.DoseTracked(ctx, ev); err != nil {
			// Best effort; the intake is already committed.
			h.logger.Warn("dose event publish failed",
				zap.String("user", req.UserName),
				zap.String("medicine", req.MedicineName),
				zap.Error(err))
		}
	}

	h.logger.Info("dose tracking attempt",
		zap.String("user", req.UserName),
		zap.String("medicine", req.MedicineName),
		zap.String("status", string(result.Status)),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	h.json(w, http.StatusOK, trackResponse{
		Status:          string(result.Status),
		Message:         result.Message,
		DosesTaken:      result.DosesTaken,
		TotalDoses:      result.TotalDoses,
		NextDosageTimes: timeofday.Strings(result.NextDosageTimes),
		PrescribedTimes: timeofday.Strings(result.PrescribedTimes),
	})
}

type trackResponse struct {
	Status          string   `json:"status"`
	Message         string   `json:"message"`
	DosesTaken      int      `json:"doses_taken"`
	TotalDoses      int      `json:"total_doses"`
	NextDosageTimes []string `json:"next_dosage_times,omitempty"`
	PrescribedTimes []string `json:"prescribed_times,omitempty"`
}

// MedicationDetails handles POST /medication-details. Unknown medicines
// fall back to the FDA label lookup so the client still gets something
// useful to display.
func (h *MedicationHandler) MedicationDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		h.jsonError(w, msg, http.StatusBadRequest)
		return
	}

	details, err := h.tracker.MedicationDetails(ctx, req.UserName, req.MedicineName)
	if err == nil {
		h.json(w, http.StatusOK, detailsResponse{
			Source:          "local",
			MedicineName:    req.MedicineName,
			TotalDoses:      details.TotalDoses,
			DosageTimes:     timeofday.Strings(details.DosageTimes),
			DosesTaken:      details.DosesTaken,
			FirstIntakeTime: details.FirstIntakeTime,
		})
		return
	}
	if !errors.Is(err, schedule.ErrNotFound) {
		h.domainError(w, r, err)
		return
	}

	if h.drugs == nil {
		h.jsonError(w, "medication not found", http.StatusNotFound)
		return
	}

	info, err := h.drugs.Lookup(ctx, req.MedicineName)
	if err != nil {
		if h.metrics != nil {
			h.metrics.DrugInfoLookups.WithLabelValues("miss").Inc()
		}
		if errors.Is(err, druginfo.ErrNotFound) {
			h.jsonError(w, "medication not found", http.StatusNotFound)
			return
		}
		h.logger.Warn("drug info lookup failed",
			zap.String("medicine", req.MedicineName),
			zap.Error(err))
		h.jsonError(w, "medication not found and drug information unavailable", http.StatusNotFound)
		return
	}
	if h.metrics != nil {
		h.metrics.DrugInfoLookups.WithLabelValues("hit").Inc()
	}
	h.json(w, http.StatusOK, info)
}

type detailsResponse struct {
	Source          string     `json:"source"`
	MedicineName    string     `json:"medicine_name"`
	TotalDoses      int        `json:"total_doses"`
	DosageTimes     []string   `json:"dosage_times"`
	DosesTaken      int        `json:"doses_taken"`
	FirstIntakeTime *time.Time `json:"first_intake_time,omitempty"`
}

// DoseHistory handles POST /dose-history.
func (h *MedicationHandler) DoseHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		h.jsonError(w, msg, http.StatusBadRequest)
		return
	}

	days, err := h.tracker.DoseHistory(ctx, req.UserName, req.MedicineName, req.Days)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	out := make([]historyDay, 0, len(days))
	for _, d := range days {
		out = append(out, historyDay{
			Date:           schedule.DateKey(d.Date),
			DosesTaken:     d.DosesTaken,
			TotalDoses:     d.TotalDoses,
			LastIntakeTime: d.LastIntakeTime,
		})
	}
	h.json(w, http.StatusOK, map[string]interface{}{"history": out})
}

type historyDay struct {
	Date           string     `json:"date"`
	DosesTaken     int        `json:"doses_taken"`
	TotalDoses     int        `json:"total_doses"`
	LastIntakeTime *time.Time `json:"last_intake_time,omitempty"`
}

// AdherenceHistory handles POST /adherence-history.
func (h *MedicationHandler) AdherenceHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		h.jsonError(w, msg, http.StatusBadRequest)
		return
	}

	entries, err := h.adherence.HistoryByName(ctx, req.UserName, req.MedicineName, req.Days)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	out := make([]adherenceDay, 0, len(entries))
	for _, e := range entries {
		out = append(out, adherenceDay{
			Date:           schedule.DateKey(e.Date),
			DosesTaken:     e.DosesTaken,
			DosesScheduled: e.DosesScheduled,
			Percentage:     e.Percentage,
		})
	}
	h.json(w, http.StatusOK, map[string]interface{}{"adherence": out})
}

type adherenceDay struct {
	Date           string `json:"date"`
	DosesTaken     int    `json:"doses_taken"`
	DosesScheduled int    `json:"doses_scheduled"`
	Percentage     int    `json:"percentage"`
}

// snoozeRequest defers one dosage time's reminder.
type snoozeRequest struct {
	UserName        string `json:"user_name"`
	MedicineName    string `json:"medicine_name"`
	Time            string `json:"time"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

// Snooze handles POST /reminders/snooze.
func (h *MedicationHandler) Snooze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req snoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserName == "" || req.MedicineName == "" {
		h.jsonError(w, "user_name and medicine_name are required", http.StatusBadRequest)
		return
	}

	tod, err := timeofday.Parse(req.Time)
	if err != nil {
		h.jsonError(w, "time must be HH:MM", http.StatusBadRequest)
		return
	}

	rem, err := h.tracker.Snooze(ctx, req.UserName, req.MedicineName,
		tod, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RemindersSnoozed.Inc()
	}

	h.json(w, http.StatusOK, map[string]interface{}{
		"reminder_id":  rem.ID,
		"status":       string(rem.Status),
		"snooze_until": rem.SnoozeUntil,
	})
}

// prescriptionRequest covers the submit-form flow: user, medicine and
// schedule in one call. User and medicine are created on first use.
type prescriptionRequest struct {
	UserName     string   `json:"user_name"`
	Email        string   `json:"email,omitempty"`
	Phone        string   `json:"phone,omitempty"`
	MedicineName string   `json:"medicine_name"`
	Dosage       string   `json:"dosage,omitempty"`
	DosesPerDay  int      `json:"doses_per_day"`
	DosageTimes  []string `json:"dosage_times"`
	StartDate    string   `json:"start_date,omitempty"`
	EndDate      string   `json:"end_date,omitempty"`
}

// CreatePrescription handles POST /prescriptions.
func (h *MedicationHandler) CreatePrescription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("medication-handler")
	ctx, span := tracer.Start(ctx, "create_prescription")
	defer span.End()

	var req prescriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserName == "" || req.MedicineName == "" {
		h.jsonError(w, "user_name and medicine_name are required", http.StatusBadRequest)
		return
	}

	times, err := timeofday.ParseList(req.DosageTimes)
	if err != nil {
		h.jsonError(w, "dosage_times must be distinct HH:MM values", http.StatusBadRequest)
		return
	}

	user, err := h.schedules.UserByName(ctx, req.UserName)
	if errors.Is(err, schedule.ErrNotFound) {
		user = &schedule.User{Name: req.UserName, Email: req.Email, Phone: req.Phone}
		err = h.schedules.CreateUser(ctx, user)
	}
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	med, err := h.schedules.MedicineByName(ctx, req.MedicineName)
	if errors.Is(err, schedule.ErrNotFound) {
		med = &schedule.Medicine{Name: req.MedicineName, Dosage: req.Dosage}
		err = h.schedules.CreateMedicine(ctx, med)
	}
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	presc, err := schedule.NewPrescription(user.ID, med.ID, req.DosesPerDay, times)
	if err != nil {
		h.jsonError(w, "doses_per_day must be positive and match the count of dosage_times", http.StatusBadRequest)
		return
	}

	if req.StartDate != "" {
		d, err := time.Parse("2006-01-02", req.StartDate)
		if err != nil {
			h.jsonError(w, "start_date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		presc.StartDate = &d
	}
	if req.EndDate != "" {
		d, err := time.Parse("2006-01-02", req.EndDate)
		if err != nil {
			h.jsonError(w, "end_date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		presc.EndDate = &d
	}

	if err := h.schedules.CreatePrescription(ctx, presc); err != nil {
		span.RecordError(err)
		h.domainError(w, r, err)
		return
	}

	span.SetAttributes(attribute.Int64("prescription_id", presc.ID))
	h.logger.Info("prescription created",
		zap.Int64("prescription_id", presc.ID),
		zap.String("user", req.UserName),
		zap.String("medicine", req.MedicineName),
		zap.Int("doses_per_day", req.DosesPerDay),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	h.json(w, http.StatusCreated, map[string]interface{}{
		"prescription_id": presc.ID,
		"user_id":         user.ID,
		"medicine_id":     med.ID,
		"doses_per_day":   presc.DosesPerDay,
		"dosage_times":    timeofday.Strings(presc.DosageTimes),
	})
}

func (h *MedicationHandler) json(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (h *MedicationHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.json(w, code, map[string]string{"error": message})
}

// domainError maps domain errors onto HTTP status codes. Unknown errors
// are treated as retryable store failures.
func (h *MedicationHandler) domainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, schedule.ErrNotFound), errors.Is(err, reminder.ErrNotFound):
		h.jsonError(w, "not found", http.StatusNotFound)
	case errors.Is(err, schedule.ErrInvalidPrescription):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, reminder.ErrTerminalState),
		errors.Is(err, reminder.ErrNotPending),
		errors.Is(err, reminder.ErrNotSnoozed),
		errors.Is(err, reminder.ErrSnoozeNotElapsed):
		h.jsonError(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "temporarily unavailable, retry later", http.StatusServiceUnavailable)
	}
}
