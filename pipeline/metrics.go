package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eterniahub/go-price-oracle/models"
)

// Metrics bundles Prometheus collectors for the intake pipeline.
type Metrics struct {
	Registry           *prometheus.Registry
	ListingsTotal      *prometheus.CounterVec
	BatchesTotal       prometheus.Counter
	BatchDuration      prometheus.Histogram
	MatchConfidence    prometheus.Histogram
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	listings := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_listings_total",
			Help: "Listings routed by the intake pipeline, by outcome.",
		},
		[]string{"outcome"},
	)
	batches := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oracle_batches_total",
			Help: "Ingest batches completed.",
		},
	)
	batchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oracle_batch_duration_seconds",
			Help:    "Wall time per ingest batch.",
			Buckets: prometheus.DefBuckets,
		},
	)
	confidence := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oracle_match_confidence",
			Help:    "Match confidence of listings linked to the catalog.",
			Buckets: []float64{0.75, 0.80, 0.85, 0.90, 0.95, 0.99, 1.0},
		},
	)
	notifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_notifications_total",
			Help: "Notification requests drained after commit, by result.",
		},
		[]string{"result"},
	)

	registry.MustRegister(listings, batches, batchDuration, confidence, notifications)

	return &Metrics{
		Registry:           registry,
		ListingsTotal:      listings,
		BatchesTotal:       batches,
		BatchDuration:      batchDuration,
		MatchConfidence:    confidence,
		NotificationsTotal: notifications,
	}
}

// IncListing increments the per-outcome listing counter.
func (m *Metrics) IncListing(outcome string) {
	if m == nil {
		return
	}
	m.ListingsTotal.WithLabelValues(outcome).Inc()
}

// ObserveConfidence records the confidence of a linked match.
func (m *Metrics) ObserveConfidence(score float64) {
	if m == nil {
		return
	}
	m.MatchConfidence.Observe(score)
}

// IncNotification increments the notification counter for a result label.
func (m *Metrics) IncNotification(result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}

// ObserveBatch records batch-level counters from a finished report.
func (m *Metrics) ObserveBatch(report *models.IngestReport) {
	if m == nil || report == nil {
		return
	}
	m.BatchesTotal.Inc()
	m.BatchDuration.Observe(report.Duration.Seconds())
	if report.Malformed > 0 {
		m.ListingsTotal.WithLabelValues("malformed").Add(float64(report.Malformed))
	}
	if report.Blocklisted > 0 {
		m.ListingsTotal.WithLabelValues("blocklisted").Add(float64(report.Blocklisted))
	}
	if report.DuplicatesInBatch > 0 {
		m.ListingsTotal.WithLabelValues("duplicate_url").Add(float64(report.DuplicatesInBatch))
	}
	if report.CandidatesRefreshed > 0 {
		m.ListingsTotal.WithLabelValues("candidate_refreshed").Add(float64(report.CandidatesRefreshed))
	}
}
