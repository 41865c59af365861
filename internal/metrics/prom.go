package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "acpx_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpx_rpc_requests_total",
			Help: "JSON-RPC calls forwarded to the agent subprocess",
		},
		[]string{"method", "outcome"},
	)

	rpcInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acpx_rpc_inflight",
			Help: "JSON-RPC calls currently awaiting an agent response",
		},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acpx_rpc_duration_seconds",
			Help:    "Round-trip duration of forwarded JSON-RPC calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	policyDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpx_policy_denials_total",
			Help: "tools/call requests denied by the allow-list",
		},
		[]string{"tool"},
	)

	eventsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acpx_events_total",
			Help: "Transcript events appended to the ring buffer",
		},
	)

	sinkFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "acpx_sink_failures_total",
			Help: "Event sink deliveries that were dropped",
		},
	)

	terminalsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acpx_terminals_active",
			Help: "Virtual terminals currently tracked",
		},
	)

	bridgesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acpx_bridges_active",
			Help: "Bridge instances currently tracked by the registry",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, rpcRequests, rpcInflight, rpcDuration, policyDenials, eventsRecorded, sinkFailures, terminalsActive, bridgesActive)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RPCStart marks a forwarded call as in flight.
func RPCStart() { rpcInflight.Inc() }

// RPCEnd records the outcome and duration of a forwarded call.
func RPCEnd(method, outcome string, d time.Duration) {
	rpcInflight.Dec()
	rpcRequests.WithLabelValues(method, outcome).Inc()
	rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordDenial counts a tools/call stopped by the policy gate.
func RecordDenial(tool string) { policyDenials.WithLabelValues(tool).Inc() }

// RecordEvent counts a transcript event.
func RecordEvent() { eventsRecorded.Inc() }

// RecordSinkFailure counts a dropped sink delivery.
func RecordSinkFailure() { sinkFailures.Inc() }

// TerminalOpened increments the active terminal gauge.
func TerminalOpened() { terminalsActive.Inc() }

// TerminalClosed decrements the active terminal gauge.
func TerminalClosed() { terminalsActive.Dec() }

// BridgeAdded increments the active bridge gauge.
func BridgeAdded() { bridgesActive.Inc() }

// BridgeRemoved decrements the active bridge gauge.
func BridgeRemoved() { bridgesActive.Dec() }
