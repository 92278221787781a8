package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "relay"
)

var (
	// ActiveRooms tracks rooms held by the registry
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms currently open",
		},
	)

	// ActiveConnections tracks open websocket connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open client connections",
		},
	)

	// UpdatesTotal counts update blobs by outcome
	UpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Total number of update blobs received",
		},
		[]string{"result"}, // applied/duplicate/malformed/read_only
	)

	// BroadcastFrames counts frames enqueued for other members
	BroadcastFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_frames_total",
			Help:      "Total number of frames fanned out to room members",
		},
	)

	// SlowConsumers counts members disconnected for a full send queue
	SlowConsumers = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumer_disconnects_total",
			Help:      "Total number of members dropped because their send queue was full",
		},
	)

	// HandshakesTotal counts handshakes by outcome
	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total number of sync handshakes",
		},
		[]string{"result"}, // synced/timeout
	)

	// RateLimited counts frames dropped by the per-connection limiter
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_frames_total",
			Help:      "Total number of frames dropped by rate limiting",
		},
	)

	// SnapshotOps counts snapshot store calls
	SnapshotOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_ops_total",
			Help:      "Total number of snapshot store operations",
		},
		[]string{"op", "result"}, // op: load/save, result: ok/not_found/error
	)

	// SnapshotDuration measures snapshot store latency
	SnapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Snapshot store latency in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"op"},
	)

	// SnapshotBytes tracks the size of the last saved snapshot
	SnapshotBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes",
			Help:      "Size of saved snapshots in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		},
	)
)
