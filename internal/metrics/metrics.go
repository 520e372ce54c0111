// Package metrics holds the Prometheus collectors of the ledger service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/fraudledger/internal/ledger"
)

var (
	blocksAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_blocks_appended_total",
		Help: "Total blocks sealed and persisted.",
	})

	entriesAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_entries_appended_total",
		Help: "Total fraud-decision entries chained.",
	})

	appendConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_append_conflicts_total",
		Help: "Appends that lost a race for the chain tail and were retried.",
	})

	appendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_append_failures_total",
		Help: "Appends that returned an error, by reason.",
	}, []string{"reason"})

	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_append_duration_seconds",
		Help:    "Time from AppendEntries call to commit, retries included.",
		Buckets: prometheus.DefBuckets,
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_verifications_total",
		Help: "Completed verification runs by result.",
	}, []string{"result"})

	lastVerifiedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_last_verified_block",
		Help: "Highest block index confirmed by the most recent verification run.",
	})

	alertDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_alert_deliveries_total",
		Help: "Integrity alert webhook delivery attempts by result.",
	}, []string{"result"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Recorder implements ledger.Recorder on the package collectors.
type Recorder struct{}

var _ ledger.Recorder = Recorder{}

// BlockAppended implements ledger.Recorder.
func (Recorder) BlockAppended(entries int, took time.Duration) {
	blocksAppendedTotal.Inc()
	entriesAppendedTotal.Add(float64(entries))
	appendDuration.Observe(took.Seconds())
}

// AppendConflict implements ledger.Recorder.
func (Recorder) AppendConflict() {
	appendConflictsTotal.Inc()
}

// AppendFailed implements ledger.Recorder.
func (Recorder) AppendFailed(reason string) {
	appendFailuresTotal.WithLabelValues(reason).Inc()
}

// Verified implements ledger.Recorder.
func (Recorder) Verified(res *ledger.VerificationResult) {
	switch {
	case res.Valid:
		verificationsTotal.WithLabelValues("valid").Inc()
	case res.Discrepancy != nil:
		verificationsTotal.WithLabelValues("discrepancy").Inc()
	default:
		verificationsTotal.WithLabelValues("incomplete").Inc()
	}
	lastVerifiedBlock.Set(float64(res.LastVerifiedBlock))
}

// AlertDelivered records one alert webhook delivery attempt.
func AlertDelivered(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	alertDeliveriesTotal.WithLabelValues(result).Inc()
}

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
