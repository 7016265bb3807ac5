package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for StableLedger.
type Metrics struct {
	// --- Engine ---
	OpsApplied       *prometheus.CounterVec
	OpsRejected      *prometheus.CounterVec
	OpDuration       *prometheus.HistogramVec
	Journals         *prometheus.CounterVec
	StateHashDur     prometheus.Histogram
	Sequence         prometheus.Gauge
	LockWait         prometheus.Histogram
	Compensations    *prometheus.CounterVec
	CompensationFail *prometheus.CounterVec

	// --- Oracle ---
	OracleLatency *prometheus.HistogramVec
	OracleErrors  *prometheus.CounterVec

	// --- Liquidation ---
	Liquidations        prometheus.Counter
	CollateralSeized    *prometheus.CounterVec
	DebtBurned          prometheus.Counter
	UnhealthyAccounts   prometheus.Gauge
	SolvencyViolations  *prometheus.CounterVec
	TotalDebt           prometheus.Gauge
	TotalCollateralUsd  prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	IdempotencyTier2Err   prometheus.Counter
	DedupLRUSize          prometheus.Gauge

	// --- Ingestion ---
	CommandsReceived *prometheus.CounterVec
	CommandsInvalid  *prometheus.CounterVec

	// --- Persistence ---
	PersistBatchDur        prometheus.Histogram
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	ProjectionUpdateDur    *prometheus.HistogramVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayBatchesTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.00025, 0.0005,
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_engine_ops_applied_total",
			Help: "Position operations committed",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_engine_ops_rejected_total",
			Help: "Position operations rejected, by error class",
		}, []string{"op", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stable_engine_op_duration_seconds",
			Help:    "End-to-end duration of a position operation including transfers",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Journals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_engine_journals_total",
			Help: "Journal entries committed",
		}, []string{"journal_type"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stable_engine_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "stable_engine_sequence",
			Help: "Current global sequence number",
		}),

		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stable_engine_account_lock_wait_seconds",
			Help:    "Time spent acquiring per-account locks",
			Buckets: latencyBuckets,
		}),

		Compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_engine_compensations_total",
			Help: "Transfer compensations executed after an aborted operation",
		}, []string{"op"}),

		CompensationFail: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_engine_compensation_failures_total",
			Help: "Transfer compensations that failed",
		}, []string{"op"}),

		OracleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stable_oracle_latency_seconds",
			Help:    "Price feed read latency",
			Buckets: latencyBuckets,
		}, []string{"feed"}),

		OracleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_oracle_errors_total",
			Help: "Price feed read failures",
		}, []string{"feed"}),

		Liquidations: f.NewCounter(prometheus.CounterOpts{
			Name: "stable_liquidations_total",
			Help: "Liquidations committed",
		}),

		CollateralSeized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_collateral_seized_tokens_total",
			Help: "Collateral seized by liquidators, in whole tokens",
		}, []string{"asset"}),

		DebtBurned: f.NewCounter(prometheus.CounterOpts{
			Name: "stable_debt_burned_total",
			Help: "Debt burned, in whole tokens",
		}),

		UnhealthyAccounts: f.NewGauge(prometheus.GaugeOpts{
			Name: "stable_unhealthy_accounts",
			Help: "Accounts below the minimum health factor at the last audit",
		}),

		SolvencyViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_solvency_violations_total",
			Help: "Invariant violations found by the periodic audit",
		}, []string{"kind"}),

		TotalDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "stable_total_debt_tokens",
			Help: "Outstanding debt at the last audit, in whole tokens",
		}),

		TotalCollateralUsd: f.NewGauge(prometheus.GaugeOpts{
			Name: "stable_total_collateral_usd",
			Help: "Collateral value at the last audit, in USD",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stable_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stable_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stable_channel_utilization_ratio",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_projection_drops_total",
			Help: "Outputs dropped from the projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "stable_publish_drops_total",
			Help: "Outbound events dropped",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "stable_persist_backpressure_total",
			Help: "Times the engine blocked on a full persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"op", "tier"}),

		IdempotencyTier2Err: f.NewCounter(prometheus.CounterOpts{
			Name: "stable_idempotency_tier2_errors_total",
			Help: "Postgres dedup lookup failures",
		}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "stable_dedup_lru_size",
			Help: "Entries in the dedup LRU",
		}),

		CommandsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_commands_received_total",
			Help: "Commands received from NATS",
		}, []string{"op"}),

		CommandsInvalid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_commands_invalid_total",
			Help: "Commands that failed to parse",
		}, []string{"subject"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stable_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "stable_persist_events_written_total",
			Help: "Events written to event_log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "stable_persist_journals_written_total",
			Help: "Journal entries written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stable_persist_batch_size",
			Help:    "Events per persist batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_persist_errors_total",
			Help: "Persistence errors by stage",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "stable_persist_retries_total",
			Help: "Persist batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "stable_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stable_projection_update_duration_seconds",
			Help:    "Projection update duration",
			Buckets: latencyBuckets,
		}, []string{"projection"}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "stable_snapshots_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stable_snapshot_duration_seconds",
			Help:    "Snapshot creation duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "stable_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "stable_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayBatchesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "stable_replay_batches_total",
			Help: "Journal batches replayed during recovery",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "stable_replay_duration_seconds",
			Help: "Duration of the last recovery replay",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_query_requests_total",
			Help: "API requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stable_query_duration_seconds",
			Help:    "API request duration",
			Buckets: latencyBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stable_query_errors_total",
			Help: "API errors by gRPC code",
		}, []string{"method", "code"}),
	}
}

// SetChannelMetrics updates channel gauges.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
