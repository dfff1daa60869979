package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransactionsTotal counts super-transactions by state.
	TransactionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qserv_ingest_transactions_total",
			Help: "Total number of super-transactions by state",
		},
		[]string{"state"},
	)

	// ContributionsTotal counts contributions by status.
	ContributionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qserv_ingest_contributions_total",
			Help: "Total number of transaction contributions by status",
		},
		[]string{"status"},
	)

	// ReqmgrQueueDepth tracks how many contributions are waiting, in
	// flight, and completed per database in the request manager.
	ReqmgrQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qserv_ingest_reqmgr_queue_depth",
			Help: "Number of contributions in each request-manager queue, by database",
		},
		[]string{"database", "queue"},
	)

	// ReqmgrAdmissionsTotal counts contributions admitted from the input
	// queue into processing.
	ReqmgrAdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qserv_ingest_reqmgr_admissions_total",
			Help: "Total number of contributions admitted for processing, by database",
		},
		[]string{"database"},
	)

	// FanoutSubRequestsTotal counts abort-transaction/director-index
	// sub-requests by job kind, worker, and outcome.
	FanoutSubRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qserv_ingest_fanout_sub_requests_total",
			Help: "Total number of fan-out job sub-requests by job, worker, and status",
		},
		[]string{"job", "worker", "status"},
	)

	// FanoutJobDuration times a full fan-out job run (scanner through
	// loader phases) by job kind.
	FanoutJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qserv_ingest_fanout_job_duration_seconds",
			Help:    "Fan-out job wall-clock duration in seconds, by job",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// FileSvcLoadDuration times the LOAD DATA INFILE step of the
	// per-worker file service.
	FileSvcLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qserv_ingest_filesvc_load_duration_seconds",
			Help:    "Time taken by LOAD DATA INFILE during contribution loading",
			Buckets: prometheus.DefBuckets,
		},
	)

	// FileSvcRowsLoaded counts rows affected by successful loads.
	FileSvcRowsLoaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qserv_ingest_filesvc_rows_loaded_total",
			Help: "Total number of rows loaded via LOAD DATA INFILE",
		},
	)

	// TransactionEndDuration times the begin->end protocol span for a
	// transaction, labeled by outcome (finished/aborted/*_failed).
	TransactionEndDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qserv_ingest_transaction_duration_seconds",
			Help:    "Wall-clock time from BEGIN to END for a super-transaction, by outcome",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		TransactionsTotal,
		ContributionsTotal,
		ReqmgrQueueDepth,
		ReqmgrAdmissionsTotal,
		FanoutSubRequestsTotal,
		FanoutJobDuration,
		FileSvcLoadDuration,
		FileSvcRowsLoaded,
		TransactionEndDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
