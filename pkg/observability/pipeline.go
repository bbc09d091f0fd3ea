package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsLoaded counts records by load outcome (inserted, updated,
	// skipped_user_owned, failed).
	RecordsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendsense_ingest_records_total",
			Help: "Records processed by the ingestion pipeline, by outcome",
		},
		[]string{"outcome"},
	)

	// UnmatchedRecords counts records that fell back to the default category.
	UnmatchedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spendsense_ingest_unmatched_total",
		Help: "Records no rule matched",
	})

	// AmbiguousMerchants counts records with no derivable merchant token.
	AmbiguousMerchants = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spendsense_ingest_ambiguous_merchant_total",
		Help: "Records normalized without a merchant token",
	})

	// StoreRetries counts retried canonical store writes.
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spendsense_ingest_store_retries_total",
		Help: "Canonical store writes retried after a transient failure",
	})

	// BatchDuration tracks end-to-end batch processing time.
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spendsense_ingest_batch_duration_seconds",
			Help:    "Batch processing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	// RuleSnapshotRules reports the size of the last pinned snapshot per version.
	RuleSnapshotRules = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spendsense_rule_snapshot_rules",
			Help: "Number of rules in the most recently pinned snapshot",
		},
		[]string{"version"},
	)
)
