/*
Package log provides structured logging for Silo using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ────────────────────┐
	│                                                         │
	│  ┌───────────────────────────────────────────┐          │
	│  │            Global Logger                  │          │
	│  │  - Zerolog instance                       │          │
	│  │  - Initialized via log.Init()             │          │
	│  │  - Thread-safe for concurrent use         │          │
	│  └──────────────────┬────────────────────────┘          │
	│                     │                                   │
	│  ┌──────────────────▼────────────────────────┐          │
	│  │         Component Loggers                 │          │
	│  │  - WithComponent("poller")                │          │
	│  │  - WithNode("node-abc123")                │          │
	│  │  - WithEntity("counter", "user-42")       │          │
	│  └──────────────────┬────────────────────────┘          │
	│                     │                                   │
	│  ┌──────────────────▼────────────────────────┐          │
	│  │            Log Output                     │          │
	│  │  JSON (production) or console (dev)       │          │
	│  └───────────────────────────────────────────┘          │
	└─────────────────────────────────────────────────────────┘

# Usage

Initializing the logger:

	import "github.com/silobase/silo/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Structured logging:

	log.Logger.Info().
		Str("entity_type", "counter").
		Str("handler", "increment").
		Msg("invocation complete")

Component loggers:

	pollerLog := log.WithComponent("poller")
	pollerLog.Debug().Int("due", 3).Msg("claiming due alarms")

	instLog := log.WithEntity("counter", "user-42")
	instLog.Info().Msg("activated")

# Integration Points

This package integrates with:

  - pkg/runtime: node lifecycle and invocation routing
  - pkg/instance: entity activation, handling, hibernation
  - pkg/alarm: poll cycles and delivery outcomes
  - pkg/cluster: raft events and placement changes
  - pkg/store: persistence failures

Subsystems that log through their own interfaces (hashicorp/raft via hclog,
grpc) are pointed at Writer() so their output lands in the same stream.

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() so causes stay attached

Don't:
  - Log entity state documents (application data)
  - Use Debug level in production
  - Log in the per-message hot path above Debug
*/
package log
