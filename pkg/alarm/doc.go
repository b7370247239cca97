// Package alarm delivers durable, named alarms to entities.
//
// An alarm is a named timer owned by one entity: scheduling the same
// name again replaces the pending one, and firing routes through the
// normal activation path so the entity's alarm handler runs with full
// state. Delivery is at-least-once; handlers must tolerate duplicates.
//
// Two interchangeable backends implement Scheduler:
//
// StoreScheduler + Poller keep alarms as rows in the relational store.
// The poller is a singleton per deployment (Leadership gates it) and
// walks due rows with a claim/fire/retire cycle:
//
//	          ┌────────────────────────────────────────────┐
//	          │                  Poller                    │
//	          │                                            │
//	 tick ──► │  due rows ─► claim ─► fire ─► retire       │
//	          │              (CAS)     │       (only if    │
//	          │                │       │        claim is   │
//	          │                ▼       ▼        still ours)│
//	          │             loser    failure               │
//	          │             skips    leaves claim;         │
//	          │                      row resurfaces        │
//	          │                      after ClaimTTL        │
//	          └────────────────────────────────────────────┘
//
// The claim is a conditional UPDATE whose affected-row count decides
// ownership, so overlapping pollers (leader handover) cannot double-
// fire within one TTL window. A handler that reschedules its own alarm
// wins over the retire: the conditional DELETE sees a cleared claim and
// removes nothing.
//
// JobScheduler delegates the same contract to an embedded gocron
// scheduler: each alarm becomes a tagged one-shot job, rescheduling
// removes the old job first, and persistence failures re-enqueue with a
// doubling delay.
package alarm
