package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ops_agents_connected",
		Help: "Number of agents currently registered.",
	})
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ops_agent_heartbeats_total",
		Help: "Total host info heartbeats received.",
	})
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_frames_total",
		Help: "Total protocol frames by direction.",
	}, []string{"direction"})
	FrameBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ops_frame_bytes",
		Help:    "Protocol frame payload sizes in bytes.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	}, []string{"direction"})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_commands_total",
		Help: "Commands by terminal outcome.",
	}, []string{"outcome"})
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ops_command_duration_seconds",
		Help:    "Wall-clock duration of completed commands.",
		Buckets: prometheus.DefBuckets,
	})
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_broadcasts_total",
		Help: "Per-agent broadcast enqueue attempts by result.",
	}, []string{"result"})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_auth_failures_total",
		Help: "Agent handshake failures by reason.",
	}, []string{"reason"})
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_http_requests_total",
		Help: "HTTP requests by path and status code.",
	}, []string{"path", "code"})
)
