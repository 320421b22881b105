package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the lot ledger.
type Metrics struct {
	// --- Ingestion ---
	EventsIngested *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	ParseErrors    *prometheus.CounterVec

	// --- Aggregator ---
	TrackedTransactions *prometheus.GaugeVec
	EvictedTransactions *prometheus.CounterVec
	EventCapDrops       *prometheus.CounterVec
	SnapshotLoads       prometheus.Counter
	SnapshotLoadsShared prometheus.Counter
	SnapshotLoadDur     prometheus.Histogram

	// --- Dedup & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	OutOfOrderEvents      *prometheus.CounterVec

	// --- Fills ---
	FillsCommitted *prometheus.CounterVec
	FillsFailed    *prometheus.CounterVec
	FillDuration   *prometheus.HistogramVec
	Migrations     *prometheus.CounterVec
	LotsOpen       *prometheus.GaugeVec

	// --- Persistence ---
	PersistErrors *prometheus.CounterVec
	PersistDur    *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics on the default
// registry. Construct at most once per process.
func NewMetrics() *Metrics {
	fillBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		EventsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_events_ingested_total",
			Help: "Domain events accepted from the chain event stream",
		}, []string{"chain", "event_type"}),

		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_events_dropped_total",
			Help: "Events discarded before aggregation",
		}, []string{"chain", "reason"}),

		ParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_parse_errors_total",
			Help: "Raw chain logs that failed domain-event classification",
		}, []string{"chain"}),

		TrackedTransactions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lotledger_tracked_transactions",
			Help: "Transaction keys currently accumulating events",
		}, []string{"chain"}),

		EvictedTransactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_evicted_transactions_total",
			Help: "Transaction keys evicted on block advance",
		}, []string{"chain"}),

		EventCapDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_event_cap_drops_total",
			Help: "Events dropped by the per-transaction capacity guard",
		}, []string{"chain"}),

		SnapshotLoads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lotledger_snapshot_loads_total",
			Help: "Position+lot snapshot loads issued to the store",
		}),

		SnapshotLoadsShared: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lotledger_snapshot_loads_shared_total",
			Help: "Snapshot loads answered by an in-flight load",
		}),

		SnapshotLoadDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lotledger_snapshot_load_duration_seconds",
			Help:    "Time to load a position+lot snapshot",
			Buckets: fillBuckets,
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_idempotency_duplicates_total",
			Help: "Events skipped as already processed",
		}, []string{"event_type", "tier"}),

		OutOfOrderEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_out_of_order_events_total",
			Help: "Events rejected for violating block/log ordering",
		}, []string{"chain"}),

		FillsCommitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_fills_committed_total",
			Help: "Fill items written",
		}, []string{"chain", "fill_type"}),

		FillsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_fills_failed_total",
			Help: "Fill computations aborted by a fatal error",
		}, []string{"chain", "reason"}),

		FillDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lotledger_fill_duration_seconds",
			Help:    "Valuation plus commit time per transaction",
			Buckets: fillBuckets,
		}, []string{"chain"}),

		Migrations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_migrations_total",
			Help: "Position migrations processed",
		}, []string{"chain", "mode"}),

		LotsOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lotledger_lots_open",
			Help: "Open lots after the most recent commit per chain",
		}, []string{"chain"}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_persist_errors_total",
			Help: "Store write failures",
		}, []string{"entity"}),

		PersistDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lotledger_persist_duration_seconds",
			Help:    "Store write latency",
			Buckets: fillBuckets,
		}, []string{"entity"}),
	}
}
