// Package metrics provides Prometheus metrics for the dosage tracking
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	DosesTracked         prometheus.Counter
	DosesRejected        *prometheus.CounterVec
	RemindersMissed      prometheus.Counter
	RemindersSnoozed     prometheus.Counter
	NotificationsSent    *prometheus.CounterVec
	NotificationsFailed  *prometheus.CounterVec
	ScanDuration         prometheus.Histogram
	TrackDuration        prometheus.Histogram
	ConnectedSubscribers prometheus.Gauge
	DrugInfoLookups      *prometheus.CounterVec
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		DosesTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_tracked_total",
			Help: "Total doses successfully recorded",
		}),
		DosesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doses_rejected_total",
			Help: "Total tracking attempts rejected",
		}, []string{"reason"}),
		RemindersMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_missed_total",
			Help: "Total reminders transitioned to missed",
		}),
		RemindersSnoozed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_snoozed_total",
			Help: "Total reminders snoozed",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total due-dose notifications delivered",
		}, []string{"channel"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total notification delivery failures",
		}, []string{"channel"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatcher_scan_duration_seconds",
			Help:    "Reminder scan duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		TrackDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "track_dose_duration_seconds",
			Help:    "TrackDose request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ConnectedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notification_subscribers",
			Help: "Currently connected notification subscribers",
		}),
		DrugInfoLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "druginfo_lookups_total",
			Help: "External drug information lookups",
		}, []string{"outcome"}),
	}

	prometheus.MustRegister(
		m.DosesTracked,
		m.DosesRejected,
		m.RemindersMissed,
		m.RemindersSnoozed,
		m.NotificationsSent,
		m.NotificationsFailed,
		m.ScanDuration,
		m.TrackDuration,
		m.ConnectedSubscribers,
		m.DrugInfoLookups,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
