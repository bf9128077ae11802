// Package metrics declares the Prometheus collectors for local store and
// sync activity.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for sync phase labels.
const (
	Push  = "push"
	Pull  = "pull"
	Apply = "apply"
)

// Collectors for store.DB, engine.Engine and audit.Auditor.
var (
	SchemaVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tillsync_schema_version",
		Help: "Schema version of the local store after migrations.",
	})
	RowsPushedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillsync_rows_pushed_total",
		Help: "Cumulative number of local rows upserted to the remote store.",
	}, []string{"table"})
	RowsPulledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillsync_rows_pulled_total",
		Help: "Cumulative number of remote rows applied to the local store.",
	}, []string{"table"})
	SyncFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tillsync_sync_failures_total",
		Help: "Cumulative number of table sync failures, by phase.",
	}, []string{"table", "phase"})
	TableSyncSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tillsync_table_sync_seconds",
		Help:    "Duration of one table's push and pull.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"table"})
	AuditDiscrepancies = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tillsync_audit_discrepancies",
		Help: "Discrepancies found by the last integrity audit, by check.",
	}, []string{"check"})
)

func init() {
	prometheus.MustRegister(
		SchemaVersion,
		RowsPushedTotal,
		RowsPulledTotal,
		SyncFailuresTotal,
		TableSyncSeconds,
		AuditDiscrepancies,
	)
}
