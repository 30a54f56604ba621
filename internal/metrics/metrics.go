// Package metrics exposes Prometheus instrumentation for the agent's
// message/command plane: queue depths, communicator traffic, and command
// outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_queue_depth",
		Help: "Number of messages currently queued, by channel.",
	}, []string{"channel"})

	queueBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_queue_bytes",
		Help: "Total persisted size of queued messages in bytes, by channel.",
	}, []string{"channel"})

	MessagesUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_messages_uploaded_total",
		Help: "Total number of messages successfully uploaded to the manager, by channel.",
	}, []string{"channel"})

	UploadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_upload_failures_total",
		Help: "Total number of failed upload attempts, by channel and reason.",
	}, []string{"channel", "reason"})

	PoisonMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_poison_messages_total",
		Help: "Total number of batches dropped after repeated non-retryable upload failures, by channel.",
	}, []string{"channel"})

	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_commands_dispatched_total",
		Help: "Total number of commands dispatched to a module, by outcome.",
	}, []string{"outcome"})

	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_command_duration_seconds",
		Help:    "Duration of command execution from dispatch to terminal status.",
		Buckets: prometheus.DefBuckets,
	})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_token_refreshes_total",
		Help: "Total number of bearer token refresh attempts, by outcome.",
	}, []string{"outcome"})

	AuthLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_auth_lost_total",
		Help: "Total number of times token refresh itself was rejected (401), suspending traffic.",
	})

	CommandsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_commands_in_flight",
		Help: "Number of commands currently dispatched to a module and awaiting a terminal result.",
	})
)

// SetQueueDepth records the current message count for channel.
func SetQueueDepth(channel string, count int) {
	queueDepth.WithLabelValues(channel).Set(float64(count))
}

// SetQueueBytes records the current persisted byte size for channel.
func SetQueueBytes(channel string, bytes int64) {
	queueBytes.WithLabelValues(channel).Set(float64(bytes))
}
