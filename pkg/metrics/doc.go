/*
Package metrics provides Prometheus metrics and health checking for Silo.

The package exposes runtime-wide collectors (instances, invocations, store
operations, alarms, cluster state), a periodic gauge collector fed by the
runtime, a Timer helper for histogram observations, and a component health
registry backing /health, /ready and /live endpoints.

# Metrics

Instances and invocations:

	silo_instances_live{type,status}
	silo_activations_total{type}
	silo_deactivations_total{type,reason}
	silo_invocations_total{type,outcome}
	silo_handler_duration_seconds{type}

Store:

	silo_store_ops_total{op,outcome}
	silo_store_op_duration_seconds{op}

Alarms:

	silo_alarms_scheduled_total
	silo_alarms_fired_total{outcome}
	silo_alarm_claim_conflicts_total
	silo_poll_cycle_duration_seconds

Cluster:

	silo_raft_is_leader
	silo_raft_peers_total
	silo_placements_total
	silo_forwards_total{outcome}

# Usage

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HandlerDuration, "counter")

Readiness gates on the critical component set, which the runtime configures
for the node's mode via SetCritical (a local node has no cluster component,
an external-job node has no poller).
*/
package metrics
