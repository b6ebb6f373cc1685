package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed emails",
		},
	)

	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_scheduled_total",
			Help: "Total jobs accepted for delayed delivery",
		},
	)

	JobsCanceled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_canceled_total",
			Help: "Total jobs canceled before dispatch",
		},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Dispatches deferred by the rate limiter",
		},
	)

	SendAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "send_attempts_total",
			Help: "Transport invocations, including retries",
		},
	)

	QueueRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_recovered_total",
			Help: "Pending jobs re-inserted into the delay queue from the store",
		},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Time from claim to terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_lag_seconds",
			Help:    "Delay between a job's scheduled time and its claim",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300, 3600},
		},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(JobsScheduled)
	prometheus.MustRegister(JobsCanceled)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(SendAttempts)
	prometheus.MustRegister(QueueRecovered)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(DispatchLag)
}
