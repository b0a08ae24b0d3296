package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config labels all dunning metrics with service identity.
type Config struct {
	ServiceName string
	Environment string
}

type DunningMetrics struct {
	batchDuration  prometheus.Histogram
	batchSize      prometheus.Gauge
	retryProcessed *prometheus.CounterVec
	emailsSent     *prometheus.CounterVec
}

var (
	dunningMetricsOnce sync.Once
	dunningMetrics     *DunningMetrics
)

func Dunning() *DunningMetrics {
	return DunningWithConfig(Config{})
}

func DunningWithConfig(cfg Config) *DunningMetrics {
	dunningMetricsOnce.Do(func() {
		dunningMetrics = newDunningMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return dunningMetrics
}

func ResetDunningMetricsForTest() {
	dunningMetricsOnce = sync.Once{}
	dunningMetrics = nil
}

func newDunningMetrics(registerer prometheus.Registerer, cfg Config) *DunningMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "recoup"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "recoup_dunning_batch_duration_seconds",
		Help:        "Wall time of one retry batch run.",
		Buckets:     []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		ConstLabels: constLabels,
	})

	batchSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "recoup_dunning_batch_size",
		Help:        "Number of due invoices picked up by the last batch run.",
		ConstLabels: constLabels,
	})

	retryProcessed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "recoup_dunning_retries_processed_total",
			Help:        "Total retries processed by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"result"}, // recovered | rescheduled | cancelled | error
	)

	emailsSent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "recoup_dunning_emails_total",
			Help:        "Total dunning emails dispatched by type.",
			ConstLabels: constLabels,
		},
		[]string{"email_type"},
	)

	registerer.MustRegister(batchDuration, batchSize, retryProcessed, emailsSent)

	return &DunningMetrics{
		batchDuration:  batchDuration,
		batchSize:      batchSize,
		retryProcessed: retryProcessed,
		emailsSent:     emailsSent,
	}
}

func (m *DunningMetrics) ObserveBatch(duration time.Duration, size int) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(duration.Seconds())
	m.batchSize.Set(float64(size))
}

func (m *DunningMetrics) IncProcessed(result string) {
	if m == nil {
		return
	}
	m.retryProcessed.WithLabelValues(result).Inc()
}

func (m *DunningMetrics) IncEmailSent(emailType string) {
	if m == nil {
		return
	}
	m.emailsSent.WithLabelValues(emailType).Inc()
}
