package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics captures low-cardinality HTTP server metrics. Endpoint labels
// use the route template, never the raw path.
type HTTPMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	inFlight        prometheus.Gauge
}

var (
	httpMetricsOnce sync.Once
	httpMetrics     *HTTPMetrics
)

func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpMetrics = newHTTPMetrics(prometheus.DefaultRegisterer)
	})
	return httpMetrics
}

func ResetHTTPMetricsForTest() {
	httpMetricsOnce = sync.Once{}
	httpMetrics = nil
}

func newHTTPMetrics(registerer prometheus.Registerer) *HTTPMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recoup_http_request_duration_seconds",
			Help:    "HTTP request latency by endpoint.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"endpoint", "method"},
	)
	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recoup_http_requests_total",
			Help: "Total HTTP requests by endpoint and status.",
		},
		[]string{"endpoint", "method", "status"},
	)
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "recoup_http_requests_in_flight",
		Help: "Requests currently being served.",
	})

	registerer.MustRegister(requestDuration, requestsTotal, inFlight)

	return &HTTPMetrics{
		requestDuration: requestDuration,
		requestsTotal:   requestsTotal,
		inFlight:        inFlight,
	}
}

// GinMiddleware records duration, count and in-flight gauge per request.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := c.Request.Method

		m.inFlight.Inc()
		start := time.Now()
		c.Next()
		m.inFlight.Dec()

		status := strconv.Itoa(c.Writer.Status())
		m.requestDuration.WithLabelValues(endpoint, method).Observe(time.Since(start).Seconds())
		m.requestsTotal.WithLabelValues(endpoint, method, status).Inc()
	}
}
