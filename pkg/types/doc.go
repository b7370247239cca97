/*
Package types defines the core data structures used throughout Silo.

This package contains the fundamental types shared by every other package:
entity keys, instance status, invocation results, alarm entries, cluster
node descriptors, and the full error taxonomy of the runtime.

# Core Types

  - Key: the (type, id) pair that addresses a virtual entity
  - Status: instance lifecycle state (initializing through terminating)
  - Result: the reply of a successful invocation
  - AlarmEntry: one pending durable alarm
  - Location: where an entity is currently active
  - NodeInfo: one cluster member

# Errors

Failures are classified so callers can react without string matching:

  - UnknownTypeError / UnknownHandlerError: routing failures
  - HandlerError: the application handler failed; nothing was committed
  - PersistenceError: the store rejected a write; state was rolled back
  - LoadError: activation aborted because the initial load failed
  - ScheduleError: a direct scheduler call failed
  - ActivationError: the instance could not be created or reached
  - ValidationError: the state document cannot be serialized
  - TimeoutError: the call deadline elapsed before the reply

All wrap their cause and participate in errors.Is / errors.As.
*/
package types
