package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memorygraph"

type moduleMetrics struct {
	factsAddedTotal       prometheus.Counter
	retrievalDuration     *prometheus.HistogramVec
	retrievalCandidates   prometheus.Histogram
	retrievalReturned     prometheus.Histogram
	feedbackTotal         *prometheus.CounterVec
	attachTotal           *prometheus.CounterVec
	attachDuration        prometheus.Histogram
	bestEffortAttachFails prometheus.Counter

	embeddingDuration      prometheus.Histogram
	embeddingFailuresTotal prometheus.Counter
	embeddingCacheTotal    *prometheus.CounterVec

	replyTotal    *prometheus.CounterVec
	replyDuration *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	rateLimitedTotal    prometheus.Counter
	eventClients        prometheus.Gauge

	importedTotal  *prometheus.CounterVec
	snapshotsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			factsAddedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "facts_added_total",
					Help:      "Total facts added.",
				},
			),
			retrievalDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "retrieval_duration_seconds",
					Help:      "Retrieval duration in seconds by mode (heuristic or semantic).",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"mode"},
			),
			retrievalCandidates: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "retrieval_candidates",
					Help:      "Candidates scored per retrieval.",
					Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
				},
			),
			retrievalReturned: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "retrieval_returned",
					Help:      "Facts returned per retrieval.",
					Buckets:   []float64{0, 1, 3, 6, 10, 25, 50},
				},
			),
			feedbackTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "feedback_total",
					Help:      "Total feedback applications by sign of reward.",
				},
				[]string{"sign"},
			),
			attachTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "attach_total",
					Help:      "Total attach operations by status.",
				},
				[]string{"status"},
			),
			attachDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "attach_duration_seconds",
					Help:      "Attach transaction duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			bestEffortAttachFails: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "best_effort_attach_failures_total",
					Help:      "Reply-path attach failures that were logged and swallowed.",
				},
			),
			embeddingDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "embedding_duration_seconds",
					Help:      "Embedding call duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			embeddingFailuresTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "embedding_failures_total",
					Help:      "Total failed embedding calls.",
				},
			),
			embeddingCacheTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "embedding_cache_total",
					Help:      "Embedding cache lookups by result (hit or miss).",
				},
				[]string{"result"},
			),
			replyTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "reply_total",
					Help:      "Total replies by generator and status.",
				},
				[]string{"generator", "status"},
			),
			replyDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "reply_duration_seconds",
					Help:      "Reply generation duration in seconds by generator.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"generator"},
			),
			httpRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "http_requests_total",
					Help:      "Total HTTP requests by route and status code.",
				},
				[]string{"route", "code"},
			),
			httpRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "http_request_duration_seconds",
					Help:      "HTTP request duration in seconds by route.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"route"},
			),
			rateLimitedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "rate_limited_total",
					Help:      "Total requests rejected by the rate limiter.",
				},
			),
			eventClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "event_clients",
					Help:      "Connected event stream clients.",
				},
			),
			importedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "imported_total",
					Help:      "Rows processed by snapshot imports by outcome.",
				},
				[]string{"outcome"},
			),
			snapshotsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "snapshots_total",
					Help:      "Scheduled snapshots by status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.factsAddedTotal,
			m.retrievalDuration,
			m.retrievalCandidates,
			m.retrievalReturned,
			m.feedbackTotal,
			m.attachTotal,
			m.attachDuration,
			m.bestEffortAttachFails,
			m.embeddingDuration,
			m.embeddingFailuresTotal,
			m.embeddingCacheTotal,
			m.replyTotal,
			m.replyDuration,
			m.httpRequestsTotal,
			m.httpRequestDuration,
			m.rateLimitedTotal,
			m.eventClients,
			m.importedTotal,
			m.snapshotsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordFactAdded() {
	getMetrics().factsAddedTotal.Inc()
}

func RecordRetrieval(duration time.Duration, candidates, returned int, semantic bool) {
	m := getMetrics()
	mode := "heuristic"
	if semantic {
		mode = "semantic"
	}
	m.retrievalDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.retrievalCandidates.Observe(float64(candidates))
	m.retrievalReturned.Observe(float64(returned))
}

func RecordFeedback(reward float64) {
	sign := "zero"
	switch {
	case reward > 0:
		sign = "positive"
	case reward < 0:
		sign = "negative"
	}
	getMetrics().feedbackTotal.WithLabelValues(sign).Inc()
}

func RecordAttach(duration time.Duration, success bool) {
	m := getMetrics()
	m.attachTotal.WithLabelValues(status(success)).Inc()
	m.attachDuration.Observe(duration.Seconds())
}

func RecordBestEffortAttachFailure() {
	getMetrics().bestEffortAttachFails.Inc()
}

func RecordEmbedding(duration time.Duration, success bool) {
	m := getMetrics()
	m.embeddingDuration.Observe(duration.Seconds())
	if !success {
		m.embeddingFailuresTotal.Inc()
	}
}

func RecordEmbeddingCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().embeddingCacheTotal.WithLabelValues(result).Inc()
}

func RecordReply(generator string, duration time.Duration, success bool) {
	m := getMetrics()
	m.replyTotal.WithLabelValues(generator, status(success)).Inc()
	m.replyDuration.WithLabelValues(generator).Observe(duration.Seconds())
}

func RecordHTTPRequest(route string, code int, duration time.Duration) {
	m := getMetrics()
	m.httpRequestsTotal.WithLabelValues(route, http.StatusText(code)).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func RecordRateLimited() {
	getMetrics().rateLimitedTotal.Inc()
}

func SetEventClients(count int) {
	getMetrics().eventClients.Set(float64(count))
}

func RecordImport(entities, facts, skipped int) {
	m := getMetrics()
	m.importedTotal.WithLabelValues("entity").Add(float64(entities))
	m.importedTotal.WithLabelValues("fact").Add(float64(facts))
	m.importedTotal.WithLabelValues("skipped").Add(float64(skipped))
}

func RecordSnapshot(success bool) {
	getMetrics().snapshotsTotal.WithLabelValues(status(success)).Inc()
}
