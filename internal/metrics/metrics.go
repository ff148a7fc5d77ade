package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChannelConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_channel_connected",
		Help: "1 if the event channel is in the Connected state, 0 otherwise.",
	})
	ChannelReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_channel_reconnects_total",
		Help: "Total number of event channel reconnect attempts.",
	})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_commands_total",
		Help: "Total number of commands dispatched by type and outcome.",
	}, []string{"type", "outcome"})
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_command_duration_seconds",
		Help:    "Duration of command execution by type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_command_queue_depth",
		Help: "Number of commands currently queued for execution.",
	})
	OfflineQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_offline_queue_depth",
		Help: "Number of items waiting in an offline queue partition.",
	}, []string{"partition"})
	TelemetrySamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_telemetry_samples_total",
		Help: "Total number of resource telemetry samples produced.",
	})
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_updates_total",
		Help: "Total number of self-update attempts by status.",
	}, []string{"status"})
	UpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_update_duration_seconds",
		Help:    "Duration of a self-update session from download through companion launch.",
		Buckets: prometheus.DefBuckets,
	})
	Suspended = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_suspended",
		Help: "1 if the agent has entered Suspended operating mode after an authentication rejection, 0 otherwise.",
	})
)
