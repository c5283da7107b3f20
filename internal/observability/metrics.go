package observability

import (
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics for PoolLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreMutations      *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Pool State ---
	PoolBalance         *prometheus.GaugeVec
	PoolReserved        *prometheus.GaugeVec
	PoolAccumulatedFees *prometheus.GaugeVec
	PoolShareSupply     prometheus.Gauge
	PoolSharePrice      prometheus.Gauge
	PendingRequests     *prometheus.GaugeVec
	FeesCollected       *prometheus.CounterVec

	// --- Ingestion ---
	IngestToApply    *prometheus.HistogramVec
	IngestErrors     *prometheus.CounterVec
	OracleUpdates    prometheus.Counter
	PnlUpdates       prometheus.Counter
	ApplyToPersist   prometheus.Histogram
	PersistBatchDur  prometheus.Histogram
	ProjectionUpdate *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten    prometheus.Counter
	PersistMutationsWritten prometheus.Counter
	PersistBatchSize        prometheus.Histogram
	PersistErrors           *prometheus.CounterVec
	PersistLastSequence     prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	SnapshotArchived  *prometheus.CounterVec
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests    *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	QueryErrors      *prometheus.CounterVec
	WebSocketClients prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_core_events_rejected_total",
			Help: "Operations rejected (dedup, validation, pricing)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_core_event_apply_duration_seconds",
			Help:    "Time to apply a single operation in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreMutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_core_mutations_total",
			Help: "Ledger mutations committed",
		}, []string{"mutation_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_core_sequence",
			Help: "Current global sequence number",
		}),

		// Pool State
		PoolBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_balance",
			Help: "Pool token balance in whole tokens",
		}, []string{"asset"}),

		PoolReserved: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_reserved",
			Help: "Liquidity reserved for open positions in whole tokens",
		}, []string{"asset"}),

		PoolAccumulatedFees: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_accumulated_fees",
			Help: "Fees awaiting withdrawal in whole tokens",
		}, []string{"asset"}),

		PoolShareSupply: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_share_supply",
			Help: "Outstanding pool shares",
		}),

		PoolSharePrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_share_price_usd",
			Help: "Share price at the last execution",
		}),

		PendingRequests: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_pending_requests",
			Help: "Requests awaiting execution",
		}, []string{"kind"}),

		FeesCollected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_fees_collected_total",
			Help: "Deposit and withdrawal fees collected in whole tokens",
		}, []string{"asset", "kind"}),

		// Ingestion
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		IngestErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_ingest_errors_total",
			Help: "Messages that failed to parse or apply",
		}, []string{"subject", "reason"}),

		OracleUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_oracle_updates_total",
			Help: "Per-block oracle price sets recorded",
		}),

		PnlUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_pnl_updates_total",
			Help: "Per-block net PnL values recorded",
		}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdate: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Errors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistMutationsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_mutation_entries_written_total",
			Help: "Mutation entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		SnapshotArchived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_snapshot_archived_total",
			Help: "Snapshots uploaded to object storage",
		}, []string{"status"}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		WebSocketClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pool_websocket_clients",
			Help: "Connected WebSocket event subscribers",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// SetAssetGauges publishes the ledger fields of one asset in whole tokens.
func (m *Metrics) SetAssetGauges(asset string, decimals int32, balance, reserved, fees *uint256.Int) {
	m.PoolBalance.WithLabelValues(asset).Set(Tokens(balance, decimals))
	m.PoolReserved.WithLabelValues(asset).Set(Tokens(reserved, decimals))
	m.PoolAccumulatedFees.WithLabelValues(asset).Set(Tokens(fees, decimals))
}

// Tokens converts a raw fixed-point amount to a float for gauges only.
func Tokens(v *uint256.Int, decimals int32) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v.ToBig(), -decimals).InexactFloat64()
}
