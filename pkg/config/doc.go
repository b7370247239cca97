// Package config defines the runtime's configuration surface: node
// identity, logging, the persistence backend, registry mode, scheduler
// backend and timing, per-entity defaults, telemetry, and invocation
// deadlines. Load reads a YAML file over the built-in defaults;
// Validate rejects combinations the runtime cannot honor, such as the
// poll scheduler without a store.
package config
