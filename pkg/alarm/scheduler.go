package alarm

import (
	"context"
	"time"

	"github.com/silobase/silo/pkg/events"
	"github.com/silobase/silo/pkg/metrics"
	"github.com/silobase/silo/pkg/store"
	"github.com/silobase/silo/pkg/types"
)

// Scheduler is the four-operation alarm contract shared by both
// backends. Alarm creation is ordered per entity because handlers run
// serially; delivery is at-least-once, so alarm handlers must be
// idempotent.
type Scheduler interface {
	// Schedule upserts the alarm to fire at now + delay, replacing any
	// pending alarm with the same (type, id, name).
	Schedule(ctx context.Context, key types.Key, name string, delay time.Duration) error

	// Cancel removes one alarm. Absent alarms are not an error.
	Cancel(ctx context.Context, key types.Key, name string) error

	// CancelAll removes every pending alarm for the entity.
	CancelAll(ctx context.Context, key types.Key) error

	// List returns pending alarms in ascending due-time order.
	List(ctx context.Context, key types.Key) ([]types.AlarmEntry, error)
}

// Invoker routes one firing to its entity through the normal activation
// path. The runtime implements it.
type Invoker interface {
	Fire(ctx context.Context, key types.Key, name string) (types.Result, error)
}

// Leadership gates delivery so exactly one poller is active per
// singleton scope. Local mode is always the leader; distributed mode
// defers to raft.
type Leadership interface {
	IsLeader() bool
}

// AlwaysLeader is the local-mode Leadership.
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader() bool { return true }

// StoreScheduler is the poll backend's write side: the four operations
// act directly on the alarm table, and the Poller delivers what lands
// there.
type StoreScheduler struct {
	store  store.Store
	broker *events.Broker
	prefix string
	clock  func() time.Time
}

// NewStoreScheduler builds the table-backed scheduler. The broker may be
// nil.
func NewStoreScheduler(st store.Store, broker *events.Broker, prefix string) *StoreScheduler {
	return &StoreScheduler{store: st, broker: broker, prefix: prefix, clock: store.UTCNow}
}

func (s *StoreScheduler) Schedule(ctx context.Context, key types.Key, name string, delay time.Duration) error {
	at := s.clock().Add(delay)
	if err := s.store.UpsertAlarm(ctx, key.Type, key.ID, name, at, s.prefix); err != nil {
		return err
	}
	metrics.AlarmsScheduled.Inc()
	if s.broker != nil {
		s.broker.Emit(events.PathAlarmScheduled, map[string]any{
			"entity_type": key.Type,
			"entity_id":   key.ID,
			"alarm":       name,
			"at":          at,
		})
	}
	return nil
}

func (s *StoreScheduler) Cancel(ctx context.Context, key types.Key, name string) error {
	return s.store.DeleteAlarm(ctx, key.Type, key.ID, name, s.prefix)
}

func (s *StoreScheduler) CancelAll(ctx context.Context, key types.Key) error {
	return s.store.DeleteAlarms(ctx, key.Type, key.ID, s.prefix)
}

func (s *StoreScheduler) List(ctx context.Context, key types.Key) ([]types.AlarmEntry, error) {
	return s.store.ListAlarms(ctx, key.Type, key.ID, s.prefix)
}
