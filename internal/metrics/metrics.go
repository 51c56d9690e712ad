// Package metrics exposes Prometheus collectors for the scrape service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danavision/crawl-service/internal/scrape"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	scrapeFetchesTotal          *prometheus.CounterVec
	scrapeFetchDurationSeconds  *prometheus.HistogramVec
	scrapeFetchesInFlight       *prometheus.GaugeVec
	scrapeSessionsTotal         *prometheus.CounterVec
	scrapeBatchSize             *prometheus.HistogramVec
	scrapeBatchDurationSeconds  *prometheus.HistogramVec
	scrapeRateLimitDelaySeconds *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_fetches_total",
				Help: "Total number of page fetches, labeled by mode and result.",
			},
			[]string{"mode", "result"},
		)

		scrapeFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by mode.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"mode"},
		)

		scrapeFetchesInFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrape_fetches_in_flight",
				Help: "Number of page fetches currently holding an admission slot.",
			},
			[]string{"mode"},
		)

		scrapeSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_session_acquisitions_total",
				Help: "Total number of browser session acquisitions, labeled by mode and result.",
			},
			[]string{"mode", "result"},
		)

		scrapeBatchSize = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_batch_size",
				Help:    "Histogram of URLs per request, labeled by mode.",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"mode"},
		)

		scrapeBatchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_batch_duration_seconds",
				Help:    "Histogram of request latencies from session acquisition to last outcome, labeled by mode.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		)

		scrapeRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_rate_limit_delay_seconds",
				Help:    "Histogram of per-host politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	scrapeRateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// Recorder feeds scheduler lifecycle events into the collectors.
// It implements scrape.Observer.
type Recorder struct{}

var _ scrape.Observer = Recorder{}

// NewRecorder initializes the collectors and returns a Recorder.
func NewRecorder() Recorder {
	Init()
	return Recorder{}
}

// SessionAcquired counts an acquisition attempt.
func (Recorder) SessionAcquired(mode scrape.Mode, err error) {
	scrapeSessionsTotal.WithLabelValues(string(mode), resultLabel(err == nil)).Inc()
}

// FetchStarted marks a fetch as in flight.
func (Recorder) FetchStarted(mode scrape.Mode) {
	scrapeFetchesInFlight.WithLabelValues(string(mode)).Inc()
}

// FetchFinished records a fetch result and releases its in-flight mark.
func (Recorder) FetchFinished(mode scrape.Mode, outcome scrape.FetchOutcome, duration time.Duration) {
	scrapeFetchesInFlight.WithLabelValues(string(mode)).Dec()
	scrapeFetchesTotal.WithLabelValues(string(mode), resultLabel(outcome.Success)).Inc()
	scrapeFetchDurationSeconds.WithLabelValues(string(mode)).Observe(duration.Seconds())
}

// BatchFinished records request size and latency.
func (Recorder) BatchFinished(mode scrape.Mode, size int, duration time.Duration) {
	scrapeBatchSize.WithLabelValues(string(mode)).Observe(float64(size))
	scrapeBatchDurationSeconds.WithLabelValues(string(mode)).Observe(duration.Seconds())
}

func resultLabel(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}
