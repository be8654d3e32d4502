// Package metrics exposes Prometheus collectors for the poll loop and alert
// delivery. Collectors register on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paywatch_cycles_total",
		Help: "Scan cycles run, labelled by outcome (ok, systemic_failure).",
	}, []string{"outcome"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paywatch_cycle_duration_seconds",
		Help:    "Wall time of one scan cycle across all tenants.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	TenantScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paywatch_tenant_scans_total",
		Help: "Per-tenant scans, labelled by tenant and status (ok, partial, transport_error).",
	}, []string{"tenant", "status"})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paywatch_messages_total",
		Help: "Fetched messages, labelled by tenant and result (skipped, rejected, no_match, matched, error).",
	}, []string{"tenant", "result"})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paywatch_alerts_total",
		Help: "Alert deliveries, labelled by tenant and status (sent, failed).",
	}, []string{"tenant", "status"})

	RateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paywatch_telegram_rate_limit_waits_total",
		Help: "Number of 429 answers from the Bot API that caused a wait.",
	})

	LedgerEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paywatch_ledger_entries",
		Help: "Processed-message entries currently held by the ledger.",
	})

	ConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paywatch_consecutive_systemic_failures",
		Help: "Consecutive cycles that ended in a systemic failure.",
	})
)
