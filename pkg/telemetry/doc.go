// Package telemetry wires OpenTelemetry into the runtime.
//
// Init installs global tracer and meter providers. Telemetry is off by
// default; when disabled the providers are no-ops, so instrumented code
// paths cost nothing. When enabled, spans pretty-print to stdout and
// metrics can additionally export over OTLP/HTTP.
//
// WrapStore decorates a store.Store so every database operation gets a
// client span, Prometheus counters, and (for load/save/delete) start,
// stop, and exception events on the broker:
//
//	st := telemetry.WrapStore(sqlStore, broker, sqlStore.Driver())
//
// The wrapper is cheap enough to apply unconditionally; only span export
// depends on Init's configuration.
package telemetry
