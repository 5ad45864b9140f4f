package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sbcntr_reminder"

// Metrics はリマインドバッチのPrometheusメトリクスです
type Metrics struct {
	RemindersSent   *prometheus.CounterVec
	RemindersFailed *prometheus.CounterVec
	DuplicateMarks  *prometheus.CounterVec
	DueAppointments *prometheus.GaugeVec
	Ticks           *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	DigestsSent     prometheus.Counter
}

// New はメトリクスを作成して reg に登録します
// reg が nil の場合は登録せずに作成します(テスト用)
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		RemindersSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_sent_total",
			Help:      "Count of reminders sent and marked, by offset.",
		}, []string{"offset"}),

		RemindersFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_failed_total",
			Help:      "Count of reminders not completed, by offset and stage (send, mark).",
		}, []string{"offset", "stage"}),

		DuplicateMarks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_already_marked_total",
			Help:      "Count of sends whose flag had already been set by another scanner.",
		}, []string{"offset"}),

		DueAppointments: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "due_appointments",
			Help:      "Appointments selected in the last tick, by offset.",
		}, []string{"offset"}),

		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Count of scanner ticks by result (ok, error, skipped).",
		}, []string{"result"}),

		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of scanner ticks.",
			Buckets:   prometheus.DefBuckets,
		}),

		DigestsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digests_sent_total",
			Help:      "Count of daily admin digests sent.",
		}),
	}
}
