// Package metrics defines the Prometheus metrics exported by the router,
// the buckets, and the abuse cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks the number of active sessions in the session cache.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockgate_sessions_active",
		Help: "Number of active sessions in the session cache",
	})

	// AuthAttemptsTotal counts AUTH requests by outcome.
	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockgate_auth_attempts_total",
		Help: "Total AUTH requests by outcome",
	}, []string{"outcome"})

	// RegisterAttemptsTotal counts REG requests by outcome.
	RegisterAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockgate_register_attempts_total",
		Help: "Total REG requests by outcome",
	}, []string{"outcome"})

	// AbuseEntriesActive tracks the number of tracked (username, IP) abuse entries.
	AbuseEntriesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockgate_abuse_entries_active",
		Help: "Number of tracked (username, IP) abuse entries",
	})

	// BucketConnectionsActive tracks admitted clients per bucket.
	BucketConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sockgate_bucket_connections_active",
		Help: "Number of admitted client connections per bucket",
	}, []string{"bucket_id"})

	// BucketCapacity tracks each bucket's total slot capacity.
	BucketCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sockgate_bucket_capacity",
		Help: "Total slot capacity per bucket",
	}, []string{"bucket_id"})

	// BucketFull tracks whether a bucket's fullness bit is currently set.
	BucketFull = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sockgate_bucket_full",
		Help: "1 if the bucket's fullness bit is set, 0 otherwise",
	}, []string{"bucket_id"})

	// HandshakeResultsTotal counts worker-socket handshake outcomes.
	HandshakeResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockgate_handshake_results_total",
		Help: "Total worker-socket handshake attempts by result",
	}, []string{"result"})

	// InstanceHeartbeat tracks instance liveness (1 = alive, 0 = shutting down).
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sockgate_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})
)
