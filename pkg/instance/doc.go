// Package instance implements the single-threaded execution context that
// owns one entity's state.
//
// # Architecture
//
// Every live entity is one Instance: a goroutine, a mailbox, and an
// in-memory state document. Callers never touch state directly; they
// queue an envelope and wait for the reply, which serializes all access:
//
//	          Invoke / Fire
//	               │
//	               ▼
//	        ┌──────────────┐       ┌───────────────────────────┐
//	        │   mailbox    │──────▶│     instance goroutine    │
//	        └──────────────┘       │                           │
//	                               │  load → loop:             │
//	                               │    handle / hibernate /   │
//	                               │    shutdown / stop        │
//	                               └────────────┬──────────────┘
//	                                            │
//	                               Store.Save   │   Scheduler.Schedule
//	                                            ▼
//
// # Lifecycle
//
//	Initializing → Loading → Ready → [Handling | Hibernated] → Terminating
//
// Loading reads the stored row, converts nested keys per the resolved
// key policy, overlays it on the declared defaults (dropping unknown
// keys), and injects the read-only id field. A missing row persists the
// defaults immediately. The optional after-load hook runs here; its
// state change is committed before the instance accepts work.
//
// Handling applies the handler's Return transactionally: the declared
// projection of the new state is persisted first, then swapped in, then
// the alarm directive is committed. A rejected save keeps the old state
// and suppresses the directive; a directive failure after a successful
// save is logged, never rolled back. When the new projection equals the
// old one the write is skipped entirely.
//
// Idle instances hibernate after hibernate_after (state packed to JSON,
// map released) and terminate after shutdown_after. Both timers reset on
// every handled message; any message transparently wakes a hibernated
// instance.
//
// A handler panic terminates the instance; queued callers receive a
// retryable stopped error and the runtime re-activates on the next call.
package instance
