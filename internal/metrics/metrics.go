package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric the service exports. A nil *Collector is valid
// and records nothing, which keeps library callers free of metric wiring.
type Collector struct {
	// Proxy validation metrics
	validationsTotal   *prometheus.CounterVec
	validationDuration prometheus.Histogram

	// Pool metrics
	refillsTotal    prometheus.Counter
	poolAvailable   prometheus.Gauge
	poolSeen        prometheus.Gauge
	proxiesReported *prometheus.CounterVec
	getsTotal       *prometheus.CounterVec

	// Source metrics
	proxiesScraped *prometheus.CounterVec

	// Fetcher metrics
	fetchAttempts *prometheus.CounterVec
	fetchResults  *prometheus.CounterVec
	fetchDuration prometheus.Histogram

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers the metrics on reg. A nil reg means the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		validationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validations_total",
				Help:      "Total number of proxy validations by result",
			},
			[]string{"result"},
		),
		validationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "validation_duration_seconds",
				Help:      "Proxy validation duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
			},
		),
		refillsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_refills_total",
				Help:      "Total number of pool refill cycles started",
			},
		),
		poolAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_available_proxies",
				Help:      "Current number of proxies waiting in the pool queue",
			},
		),
		poolSeen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_seen_proxies",
				Help:      "Current size of the pool dedupe set",
			},
		),
		proxiesReported: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_reports_total",
				Help:      "Proxies reported back to the pool by callers",
			},
			[]string{"verdict"},
		),
		getsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_gets_total",
				Help:      "Pool get calls by outcome",
			},
			[]string{"result"},
		),
		proxiesScraped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxies_scraped_total",
				Help:      "Total number of proxies scraped from sources",
			},
			[]string{"source"},
		),
		fetchAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_attempts_total",
				Help:      "Proxied page fetch attempts by result",
			},
			[]string{"result"},
		),
		fetchResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_results_total",
				Help:      "Fetch-and-cache calls by outcome",
			},
			[]string{"outcome"},
		),
		fetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Duration of successful proxied fetches in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordValidation(passed bool, seconds float64) {
	if c == nil {
		return
	}
	if passed {
		c.validationsTotal.WithLabelValues("pass").Inc()
	} else {
		c.validationsTotal.WithLabelValues("fail").Inc()
	}
	c.validationDuration.Observe(seconds)
}

func (c *Collector) RecordRefill() {
	if c == nil {
		return
	}
	c.refillsTotal.Inc()
}

func (c *Collector) SetPoolSizes(available, seen int) {
	if c == nil {
		return
	}
	c.poolAvailable.Set(float64(available))
	c.poolSeen.Set(float64(seen))
}

func (c *Collector) RecordReport(verdict string) {
	if c == nil {
		return
	}
	c.proxiesReported.WithLabelValues(verdict).Inc()
}

func (c *Collector) RecordGet(result string) {
	if c == nil {
		return
	}
	c.getsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordProxiesScraped(source string, count int) {
	if c == nil {
		return
	}
	c.proxiesScraped.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordFetchAttempt(result string) {
	if c == nil {
		return
	}
	c.fetchAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) RecordFetchResult(outcome string) {
	if c == nil {
		return
	}
	c.fetchResults.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordFetchDuration(seconds float64) {
	if c == nil {
		return
	}
	c.fetchDuration.Observe(seconds)
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	if c == nil {
		return
	}
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
