/*
Package events provides an in-memory event broker for Silo's observability
signals.

The events package implements a lightweight event bus broadcasting runtime
measurements to interested subscribers. Subscriptions are keyed on event path
prefixes with asynchronous, non-blocking delivery, so a slow consumer can
never stall a handler or a store operation.

# Architecture

	┌──────────────────── EVENT BROKER ──────────────────────┐
	│                                                         │
	│  Publisher → Event Channel (buffer: 100)                │
	│       ↓                                                 │
	│  Broadcast Loop (path prefix match)                     │
	│       ↓                                                 │
	│  Subscriber Channels (buffer: 50 each)                  │
	│                                                         │
	│  Event paths:                                           │
	│    runtime.store.{load|save|delete}.{start|stop|        │
	│                                      exception}         │
	│    runtime.instance.{activated|hibernated|woken|        │
	│                      terminated|handler_failure}        │
	│    runtime.alarm.{scheduled|claimed|fired|retired|      │
	│                   orphaned}                             │
	│    runtime.node.{joined|down}                           │
	└─────────────────────────────────────────────────────────┘

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// All store events.
	sub := broker.Subscribe("runtime.store")
	go func() {
		for ev := range sub {
			fmt.Println(ev.Path, ev.Duration, ev.Fields["entity_type"])
		}
	}()

	broker.Emit(events.PathAlarmFired, map[string]any{
		"entity_type": "counter",
		"entity_id":   "user-42",
		"name":        "tick",
	})

Events are dropped, not queued, when a subscriber's buffer is full. Paths
ending in .stop or .exception carry the operation duration.

# Integration Points

  - pkg/telemetry: the instrumented store publishes start/stop/exception
  - pkg/instance: lifecycle transitions and handler failures
  - pkg/alarm: delivery pipeline steps
  - pkg/cluster: membership changes
*/
package events
