// Package metrics wires the bridge's Call Manager into Prometheus, the
// ambient observability stack cv65kr-grpc already depends on
// (github.com/prometheus/client_golang). It is a collaborator the Call
// Manager reports into without changing dispatch semantics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder exposes the counters/gauges the Call Manager reports into. A nil
// *Recorder is safe to call methods on (they no-op), so wiring metrics is
// optional for callers that don't need them (e.g. unit tests).
type Recorder struct {
	callsStarted   *prometheus.CounterVec
	callsCompleted *prometheus.CounterVec
	liveCalls      *prometheus.GaugeVec
}

// New builds a Recorder and registers its collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default registry.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		callsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsgrpc_bridge",
			Name:      "calls_started_total",
			Help:      "Calls accepted by the bridge, by RPC shape.",
		}, []string{"shape"}),
		callsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsgrpc_bridge",
			Name:      "calls_completed_total",
			Help:      "Calls that reached a terminal frame, by RPC shape and status code.",
		}, []string{"shape", "code"}),
		liveCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wsgrpc_bridge",
			Name:      "live_calls",
			Help:      "In-flight calls across all connections, by RPC shape.",
		}, []string{"shape"}),
	}
	reg.MustRegister(r.callsStarted, r.callsCompleted, r.liveCalls)
	return r
}

// CallStarted records a call accepted for the given shape.
func (r *Recorder) CallStarted(shape string) {
	if r == nil {
		return
	}
	r.callsStarted.WithLabelValues(shape).Inc()
	r.liveCalls.WithLabelValues(shape).Inc()
}

// CallCompleted records a call's terminal status code for the given shape.
func (r *Recorder) CallCompleted(shape string, code int) {
	if r == nil {
		return
	}
	r.callsCompleted.WithLabelValues(shape, codeLabel(code)).Inc()
	r.liveCalls.WithLabelValues(shape).Dec()
}

func codeLabel(code int) string {
	return strconv.Itoa(code)
}
