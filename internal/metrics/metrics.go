// Package metrics exposes counters for the resilience layer so exhausted
// retries and dropped chunks are visible without log archaeology.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the module's collectors on a private registry, so embedding
// applications keep their own default registry clean.
type Set struct {
	registry *prometheus.Registry

	ReconnectAttempts *prometheus.CounterVec
	ConnState         *prometheus.GaugeVec
	HeartbeatTimeouts *prometheus.CounterVec

	ChunksSent    prometheus.Counter
	ChunksDropped prometheus.Counter
	ChunkBytes    prometheus.Counter

	RecoveryAttempts prometheus.Counter
	AutoResumes      prometheus.Counter
}

func New() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aircast_reconnect_attempts_total",
			Help: "Reconnection attempts per logical channel.",
		}, []string{"channel"}),
		ConnState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aircast_connection_state",
			Help: "Connection state per channel (0 disconnected, 1 connecting, 2 connected, 3 closing).",
		}, []string{"channel"}),
		HeartbeatTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aircast_heartbeat_timeouts_total",
			Help: "Force-closes of silently dead sockets per channel.",
		}, []string{"channel"}),
		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aircast_uplink_chunks_sent_total",
			Help: "Audio chunks handed to the uplink channel.",
		}),
		ChunksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aircast_uplink_chunks_dropped_total",
			Help: "Audio chunks dropped for exceeding the size ceiling.",
		}),
		ChunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aircast_uplink_bytes_total",
			Help: "Audio bytes sent on the uplink channel.",
		}),
		RecoveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aircast_playback_recovery_attempts_total",
			Help: "Playback recovery (reload and replay) attempts.",
		}),
		AutoResumes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aircast_playback_auto_resumes_total",
			Help: "Automatic resumes triggered by the recovering-to-healthy edge.",
		}),
	}
	s.registry.MustRegister(
		s.ReconnectAttempts, s.ConnState, s.HeartbeatTimeouts,
		s.ChunksSent, s.ChunksDropped, s.ChunkBytes,
		s.RecoveryAttempts, s.AutoResumes,
	)
	return s
}

// Handler serves the registry in Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
