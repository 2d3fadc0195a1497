// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Streams = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polychat",
		Name:      "chat_streams_total",
		Help:      "Model streams by provider, model and outcome (ok, error, aborted, rejected).",
	}, []string{"provider", "model", "outcome"})

	StreamTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polychat",
		Name:      "chat_stream_tokens_total",
		Help:      "Tokens relayed to clients by provider.",
	}, []string{"provider"})

	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polychat",
		Name:      "store_writes_total",
		Help:      "Persistence gateway writes by operation and result.",
	}, []string{"op", "result"})

	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "polychat",
		Name:      "live_query_subscribers",
		Help:      "Open live-query subscriptions.",
	})
)

// Write records the result of a store write.
func Write(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreWrites.WithLabelValues(op, result).Inc()
}
