// Package metrics holds the Prometheus collectors for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Ingest metrics
	EventsIngestedTotal *prometheus.CounterVec
	IngestRejectedTotal *prometheus.CounterVec
	IngestDuration      prometheus.Histogram
	IngestBytes         prometheus.Histogram

	// WAL metrics
	WALAppendsTotal prometheus.Counter
	WALSyncDuration prometheus.Histogram
	WALSequence     prometheus.Gauge
	WALSegments     prometheus.Gauge

	// Query metrics
	QueriesTotal        *prometheus.CounterVec
	QueryDuration       prometheus.Histogram
	QueryEventsReturned prometheus.Histogram

	// Segment metrics
	SegmentsTotal        prometheus.Gauge
	SegmentFlushesTotal  prometheus.Counter
	SegmentFlushDuration prometheus.Histogram
	StorageBytes         prometheus.Gauge

	// Snapshot metrics
	SnapshotsCreatedTotal prometheus.Counter
	SnapshotFailuresTotal prometheus.Counter
	SnapshotFoldDuration  prometheus.Histogram

	// Compaction metrics
	CompactionsTotal      *prometheus.CounterVec
	CompactionDuration    prometheus.Histogram
	CompactionBytesMerged prometheus.Counter

	// Tenant metrics
	RateLimitedTotal  *prometheus.CounterVec
	QuotaRejectsTotal *prometheus.CounterVec
	TenantUsageEvents *prometheus.GaugeVec
	TenantUsageBytes  *prometheus.GaugeVec
}

// New creates and registers all engine metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh registry
// so parallel packages don't collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsIngestedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronik_events_ingested_total",
			Help: "Total events durably ingested, by tenant",
		}, []string{"tenant"}),
		IngestRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronik_ingest_rejected_total",
			Help: "Ingest requests rejected before any side effect, by reason",
		}, []string{"reason"}),
		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronik_ingest_duration_seconds",
			Help:    "Ingest latency including WAL fsync",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		IngestBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronik_ingest_bytes",
			Help:    "Serialized size of ingested events",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),

		WALAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronik_wal_appends_total",
			Help: "Total WAL append operations",
		}),
		WALSyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronik_wal_sync_duration_seconds",
			Help:    "WAL append and fsync latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		WALSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chronik_wal_sequence",
			Help: "Highest sequence number assigned by the WAL",
		}),
		WALSegments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chronik_wal_segments",
			Help: "Number of live WAL segment files",
		}),

		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronik_queries_total",
			Help: "Total queries served, by kind (query, reconstruct, snapshot)",
		}, []string{"kind"}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronik_query_duration_seconds",
			Help:    "Query latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		QueryEventsReturned: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronik_query_events_returned",
			Help:    "Events returned per query",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),

		SegmentsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chronik_segments_total",
			Help: "Number of live storage segments",
		}),
		SegmentFlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronik_segment_flushes_total",
			Help: "Total WAL-to-segment flush operations",
		}),
		SegmentFlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronik_segment_flush_duration_seconds",
			Help:    "Segment build and upload latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		StorageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chronik_storage_bytes",
			Help: "Total bytes in live storage segments",
		}),

		SnapshotsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronik_snapshots_created_total",
			Help: "Total snapshots created",
		}),
		SnapshotFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronik_snapshot_failures_total",
			Help: "Snapshot jobs that failed and will be retried",
		}),
		SnapshotFoldDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronik_snapshot_fold_duration_seconds",
			Help:    "Time to fold events into a snapshot state",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),

		CompactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronik_compactions_total",
			Help: "Compaction cycles, by outcome",
		}, []string{"outcome"}),
		CompactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronik_compaction_duration_seconds",
			Help:    "Compaction merge latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		CompactionBytesMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronik_compaction_bytes_merged",
			Help: "Source bytes consumed by compaction",
		}),

		RateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronik_rate_limited_total",
			Help: "Operations rejected by the rate limiter, by tenant",
		}, []string{"tenant"}),
		QuotaRejectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronik_quota_rejects_total",
			Help: "Operations rejected by quota enforcement, by tenant",
		}, []string{"tenant"}),
		TenantUsageEvents: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chronik_tenant_usage_events",
			Help: "Live event count per tenant",
		}, []string{"tenant"}),
		TenantUsageBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chronik_tenant_usage_bytes",
			Help: "Live storage bytes per tenant",
		}, []string{"tenant"}),
	}
}

// NewNop returns metrics registered on a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
