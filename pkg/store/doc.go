// Package store persists entity state and alarms in a relational
// database through GORM, with SQLite (pure Go driver) for single-node
// deployments and PostgreSQL for shared ones.
//
// # Architecture
//
// The package exposes a narrow Store interface backed by two tables:
//
//	┌─────────────────────────────────────────────────────┐
//	│                     Store (SQL)                     │
//	│                                                     │
//	│  <prefix>objects                <prefix>alarms      │
//	│  ┌──────────────────┐          ┌─────────────────┐  │
//	│  │ type, id (PK)    │          │ type, id, name  │  │
//	│  │ state (json doc) │          │ (PK)            │  │
//	│  │ version          │          │ scheduled_at    │  │
//	│  │ created/updated  │          │ claimed_at      │  │
//	│  └──────────────────┘          └─────────────────┘  │
//	│                                                     │
//	│        gorm.io/gorm + driver (sqlite | postgres)    │
//	└─────────────────────────────────────────────────────┘
//
// Entity state is stored as a single JSON document per (type, id); the
// Document type handles marshalling via the driver Valuer/Scanner
// interfaces and maps to jsonb on PostgreSQL and text on SQLite. Saves
// are upserts: the composite key conflict target keeps one row per
// entity and bumps the version column on every write.
//
// Alarms implement at-least-once delivery. Scheduling an alarm upserts
// its row and clears any claim; the poller claims due rows by stamping
// claimed_at with a conditional UPDATE, and retires a fired alarm with a
// conditional DELETE that matches the exact claim timestamp. A claim
// older than the staleness horizon is treated as abandoned and can be
// re-claimed, which is what makes delivery survive a crashed poller.
//
// All persisted timestamps are UTC truncated to microsecond precision so
// a claim token survives the round trip through either driver
// unchanged.
//
// # Usage
//
//	st, err := store.Open(store.Config{
//		Driver: store.DriverSQLite,
//		DSN:    "file:silo.db",
//		Logger: log.WithComponent("store"),
//	})
//	if err != nil {
//		return err
//	}
//	defer st.Close()
//
//	if err := store.Migrate(st.DB(), cfg.Prefix); err != nil {
//		return err
//	}
//
//	rec, err := st.Save(ctx, "counter", "c1", state, cfg.Prefix)
//
// Schema changes live in migrate.go as gormigrate migrations with
// per-version model snapshots; Migrate is idempotent and incremental.
//
// # Integration Points
//
//   - pkg/runtime opens the store and threads it through activation,
//     mutation, and deactivation.
//   - pkg/alarm polls DueAlarms and drives the claim/retire cycle.
//   - pkg/telemetry wraps the interface with tracing, metrics, and
//     event emission.
//   - cmd/silo runs migrations and reports applied versions.
package store
