package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_http_requests_total",
			Help: "Total admin HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgw_http_request_duration_seconds",
			Help:    "Admin HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgw_connections_active",
			Help: "Open TCP connections",
		},
	)

	SessionsBound = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgw_sessions_bound",
			Help: "Authenticated sessions in the local registry",
		},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_frames_received_total",
			Help: "Frames read from clients",
		},
		[]string{"order"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_frames_sent_total",
			Help: "Frames written to clients",
		},
		[]string{"order"},
	)

	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_connections_closed_total",
			Help: "Connections closed by the gateway",
		},
		[]string{"reason"},
	)

	AuthResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_auth_results_total",
			Help: "Handshake outcomes",
		},
		[]string{"result"}, // "ok" or "rejected"
	)

	Acks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_acks_total",
			Help: "Acknowledgments sent to message senders",
		},
		[]string{"result"}, // "success" or "failure"
	)

	// Sequence allocation
	SequenceAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_sequence_allocations_total",
			Help: "Message ID allocations by path",
		},
		[]string{"path"}, // "fast", "seeded", "error"
	)

	// Distributed lock
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_lock_acquisitions_total",
			Help: "Distributed lock acquisition attempts",
		},
		[]string{"result"}, // "acquired", "contended", "timeout", "lost"
	)

	// Save pipeline
	PipelineQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgw_pipeline_queue_depth",
			Help: "Records waiting for the pipeline consumer",
		},
	)

	PipelineRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_pipeline_records_total",
			Help: "Records handled by the save pipeline",
		},
		[]string{"result"}, // "accepted", "rejected", "logged", "failed"
	)

	PipelineFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_pipeline_flushes_total",
			Help: "Batch flushes to storage",
		},
		[]string{"result"},
	)

	PipelineFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatgw_pipeline_flush_duration_seconds",
			Help:    "Batch flush latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	DeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgw_dead_letters_total",
			Help: "Records appended to the dead-letter log",
		},
	)

	// Retry engine
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_retry_attempts_total",
			Help: "Redelivery attempts",
		},
		[]string{"result"}, // "delivered", "rescheduled", "exhausted", "discarded"
	)

	RetryPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgw_retry_pending",
			Help: "Envelopes waiting in the retry queue",
		},
	)

	// Routing
	RouterForwards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_router_forwards_total",
			Help: "Remote forward calls",
		},
		[]string{"result"},
	)

	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgw_stream_messages_total",
			Help: "Messages consumed from the event stream",
		},
		[]string{"result"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatgw_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgw_store_latency_seconds",
			Help:    "Relational store query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .5},
		},
		[]string{"op"},
	)
)
