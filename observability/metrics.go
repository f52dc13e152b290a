package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	disburseMetricsOnce sync.Once
	disburseRegistry    *DisbursementMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics
)

// DisbursementMetrics wraps collectors tracking disbursement health per chain.
type DisbursementMetrics struct {
	latency        *prometheus.HistogramVec
	outcomes       *prometheus.CounterVec
	errors         *prometheus.CounterVec
	inFlight       *prometheus.GaugeVec
	quotaRemaining *prometheus.GaugeVec
	quotaUsage     *prometheus.GaugeVec
	balance        *prometheus.GaugeVec
	pauseEngaged   prometheus.Gauge
}

// Disbursements exposes the lazily registered disbursement collectors.
func Disbursements() *DisbursementMetrics {
	disburseMetricsOnce.Do(func() {
		disburseRegistry = &DisbursementMetrics{
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "fundmgr",
				Subsystem: "disburse",
				Name:      "submit_latency_seconds",
				Help:      "Latency from request to backend submission.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"chain", "kind"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundmgr",
				Subsystem: "disburse",
				Name:      "outcomes_total",
				Help:      "Disbursement lifecycle transitions segmented by chain and state.",
			}, []string{"chain", "state"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundmgr",
				Subsystem: "disburse",
				Name:      "errors_total",
				Help:      "Count of disbursement failures segmented by chain and reason.",
			}, []string{"chain", "reason"}),
			inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "fundmgr",
				Subsystem: "disburse",
				Name:      "in_flight",
				Help:      "Disbursements currently between validation and submission.",
			}, []string{"chain"}),
			quotaRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "fundmgr",
				Subsystem: "disburse",
				Name:      "quota_remaining",
				Help:      "Remaining quota in the current period in backend base units.",
			}, []string{"chain"}),
			quotaUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "fundmgr",
				Subsystem: "disburse",
				Name:      "quota_utilization",
				Help:      "Ratio of consumed quota for the current period (0-1).",
			}, []string{"chain"}),
			balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "fundmgr",
				Subsystem: "disburse",
				Name:      "custody_balance",
				Help:      "Last observed custody balance in backend base units.",
			}, []string{"chain"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fundmgr",
				Subsystem: "disburse",
				Name:      "pause_engaged",
				Help:      "Indicates whether the disbursement pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			disburseRegistry.latency,
			disburseRegistry.outcomes,
			disburseRegistry.errors,
			disburseRegistry.inFlight,
			disburseRegistry.quotaRemaining,
			disburseRegistry.quotaUsage,
			disburseRegistry.balance,
			disburseRegistry.pauseEngaged,
		)
	})
	return disburseRegistry
}

// ObserveLatency records the time spent reaching submission.
func (m *DisbursementMetrics) ObserveLatency(chain, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(labelChain(chain), labelChain(kind)).Observe(d.Seconds())
}

// RecordOutcome counts a lifecycle transition.
func (m *DisbursementMetrics) RecordOutcome(chain, state string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(labelChain(chain), strings.ToLower(strings.TrimSpace(state))).Inc()
}

// RecordError increments the error counter for the supplied reason.
func (m *DisbursementMetrics) RecordError(chain, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(labelChain(chain), reason).Inc()
}

// ErrorCounter returns the error series for chain and reason.
func (m *DisbursementMetrics) ErrorCounter(chain, reason string) prometheus.Counter {
	return m.errors.WithLabelValues(labelChain(chain), reason)
}

// SetInFlight publishes the number of in-flight disbursements for a chain.
func (m *DisbursementMetrics) SetInFlight(chain string, n int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(labelChain(chain)).Set(float64(n))
}

// RecordQuota updates the remaining quota and utilisation gauges.
func (m *DisbursementMetrics) RecordQuota(chain string, remaining, total *big.Int) {
	if m == nil {
		return
	}
	label := labelChain(chain)
	remainingVal := bigToFloat(remaining)
	m.quotaRemaining.WithLabelValues(label).Set(remainingVal)
	totalVal := bigToFloat(total)
	utilisation := 0.0
	if totalVal > 0 {
		used := totalVal - remainingVal
		if used < 0 {
			used = 0
		}
		utilisation = used / totalVal
		if utilisation > 1 {
			utilisation = 1
		}
	}
	m.quotaUsage.WithLabelValues(label).Set(utilisation)
}

// RecordBalance publishes the latest custody balance.
func (m *DisbursementMetrics) RecordBalance(chain string, balance *big.Int) {
	if m == nil {
		return
	}
	m.balance.WithLabelValues(labelChain(chain)).Set(bigToFloat(balance))
}

// SetPause toggles the pause_engaged gauge.
func (m *DisbursementMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// ReconMetrics tracks the reconciliation sweeps.
type ReconMetrics struct {
	unresolved prometheus.Gauge
	resolved   *prometheus.CounterVec
	runs       *prometheus.CounterVec
}

// Recon exposes the lazily registered reconciliation collectors.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			unresolved: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fundmgr",
				Subsystem: "recon",
				Name:      "unresolved",
				Help:      "Disbursements still awaiting a terminal state after the last sweep.",
			}),
			resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundmgr",
				Subsystem: "recon",
				Name:      "resolved_total",
				Help:      "Disbursements resolved by reconciliation segmented by final state.",
			}, []string{"state"}),
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundmgr",
				Subsystem: "recon",
				Name:      "runs_total",
				Help:      "Reconciliation sweeps segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(reconRegistry.unresolved, reconRegistry.resolved, reconRegistry.runs)
	})
	return reconRegistry
}

// SetUnresolved publishes the unresolved count.
func (m *ReconMetrics) SetUnresolved(n int) {
	if m == nil {
		return
	}
	m.unresolved.Set(float64(n))
}

// RecordResolved counts a reconciliation outcome.
func (m *ReconMetrics) RecordResolved(state string) {
	if m == nil {
		return
	}
	m.resolved.WithLabelValues(strings.ToLower(strings.TrimSpace(state))).Inc()
}

// RecordRun counts a sweep.
func (m *ReconMetrics) RecordRun(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(result).Inc()
}

func labelChain(chain string) string {
	trimmed := strings.TrimSpace(chain)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
