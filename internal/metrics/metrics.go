// Package metrics holds the Prometheus collectors shared by the gateway, the
// channel adapter and the registry client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts store operations by entry point (http|channel),
	// operation name and result (ok|fail).
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certgate",
		Name:      "operations_total",
		Help:      "Certificate store operations by source, operation and result.",
	}, []string{"source", "operation", "result"})

	RegistryVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certgate",
		Name:      "registry_verifications_total",
		Help:      "Registry lookups by outcome (valid|invalid|not_found|error|breaker_open).",
	}, []string{"outcome"})

	RegistryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "certgate",
		Name:      "registry_lookup_seconds",
		Help:      "Latency of the two-step registry lookup.",
		Buckets:   prometheus.DefBuckets,
	})

	// ChannelMessages counts consumed messages by their final state.
	ChannelMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certgate",
		Name:      "channel_messages_total",
		Help:      "Consumed channel messages by final state.",
	}, []string{"state"})
)

func Result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
