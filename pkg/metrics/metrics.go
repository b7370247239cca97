package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	InstancesLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "silo_instances_live",
			Help: "Number of live entity instances by type and status",
		},
		[]string{"type", "status"},
	)

	ActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_activations_total",
			Help: "Total number of entity activations by type",
		},
		[]string{"type"},
	)

	DeactivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_deactivations_total",
			Help: "Total number of entity deactivations by type and reason",
		},
		[]string{"type", "reason"},
	)

	// Invocation metrics
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_invocations_total",
			Help: "Total number of handler invocations by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "silo_handler_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Store metrics
	StoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_store_ops_total",
			Help: "Total number of store operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "silo_store_op_duration_seconds",
			Help:    "Store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Alarm metrics
	AlarmsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silo_alarms_scheduled_total",
			Help: "Total number of alarms scheduled",
		},
	)

	AlarmsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_alarms_fired_total",
			Help: "Total number of alarm deliveries by outcome",
		},
		[]string{"outcome"},
	)

	ClaimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silo_alarm_claim_conflicts_total",
			Help: "Total number of alarm claims lost to another poller",
		},
	)

	PollCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "silo_poll_cycle_duration_seconds",
			Help:    "Alarm poll cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cluster metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "silo_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "silo_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	PlacementsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "silo_placements_total",
			Help: "Total number of placements in the directory",
		},
	)

	ForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_forwards_total",
			Help: "Total number of invocations forwarded to other nodes by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(InstancesLive)
	prometheus.MustRegister(ActivationsTotal)
	prometheus.MustRegister(DeactivationsTotal)
	prometheus.MustRegister(InvocationsTotal)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(StoreOpsTotal)
	prometheus.MustRegister(StoreOpDuration)
	prometheus.MustRegister(AlarmsScheduled)
	prometheus.MustRegister(AlarmsFired)
	prometheus.MustRegister(ClaimConflicts)
	prometheus.MustRegister(PollCycleDuration)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(PlacementsTotal)
	prometheus.MustRegister(ForwardsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
