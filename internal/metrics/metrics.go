package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"keygate/internal/logger"
	"keygate/internal/models"
)

var (
	keysDesc = prometheus.NewDesc(
		"keygate_keys",
		"Number of access keys by derived state",
		[]string{"state"},
		nil,
	)

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keygate_pipeline_runs_total",
		Help: "Upload processing runs by outcome",
	}, []string{"outcome"})

	recordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygate_records_cleaned_total",
		Help: "Unique records produced by successful runs",
	})

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keygate_deliveries_total",
		Help: "Webhook delivery attempts by result",
	}, []string{"result"})

	deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keygate_delivery_duration_seconds",
		Help:    "Webhook delivery latency",
		Buckets: prometheus.DefBuckets,
	})

	redemptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keygate_redemptions_total",
		Help: "Key redemption attempts by result",
	}, []string{"result"})
)

// SummarySource reports key counts per state.
type SummarySource interface {
	Summary(ctx context.Context) (models.KeySummary, error)
}

// KeyCollector reads key counts from the store on each scrape.
type KeyCollector struct {
	source SummarySource
	log    logger.Logger
}

// NewKeyCollector creates a collector backed by source.
func NewKeyCollector(source SummarySource, log logger.Logger) *KeyCollector {
	return &KeyCollector{source: source, log: log}
}

// Describe sends the metric descriptor to the channel.
func (c *KeyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- keysDesc
}

// Collect emits one gauge per key state.
func (c *KeyCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := c.source.Summary(ctx)
	if err != nil {
		c.log.Error("Failed to collect key metrics", logger.Error(err))
		return
	}
	for state, n := range map[string]int{
		models.KeyIssued:   s.Issued,
		models.KeyRedeemed: s.Redeemed,
		models.KeyExpired:  s.Expired,
	} {
		ch <- prometheus.MustNewConstMetric(keysDesc, prometheus.GaugeValue, float64(n), state)
	}
}

var initOnce sync.Once

// Init registers all collectors with the default registry.
// Must be called once at startup.
func Init(source SummarySource, log logger.Logger) {
	initOnce.Do(func() {
		prometheus.MustRegister(
			NewKeyCollector(source, log),
			runsTotal,
			recordsTotal,
			deliveriesTotal,
			deliveryDuration,
			redemptionsTotal,
		)
	})
}

// RecordRun counts a pipeline run and the records it produced.
func RecordRun(outcome string, records int) {
	runsTotal.WithLabelValues(outcome).Inc()
	if records > 0 {
		recordsTotal.Add(float64(records))
	}
}

// RecordDelivery counts a webhook attempt.
func RecordDelivery(ok bool, d time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	deliveriesTotal.WithLabelValues(result).Inc()
	deliveryDuration.Observe(d.Seconds())
}

// RecordRedemption counts a redemption attempt by result.
func RecordRedemption(result string) {
	redemptionsTotal.WithLabelValues(result).Inc()
}
