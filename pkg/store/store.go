package store

import (
	"context"
	"time"

	"github.com/silobase/silo/pkg/types"
)

// Record is one persisted entity state row.
type Record struct {
	Type      string
	ID        string
	State     Document
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AlarmRecord is one persisted alarm row. ClaimedAt doubles as the claim
// token: a poller that claimed the row retires it only while its own
// timestamp is still in place.
type AlarmRecord struct {
	Type        string
	ID          string
	Name        string
	ScheduledAt time.Time
	ClaimedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the owning entity's key.
func (a AlarmRecord) Key() types.Key {
	return types.Key{Type: a.Type, ID: a.ID}
}

// Store persists entity state documents and alarm records. The prefix
// argument is an opaque tenant/table prefix passed through unchanged on
// every call; implementations prepend it verbatim to their table names.
type Store interface {
	// Load fetches an entity record. Returns types.ErrNotFound when the
	// entity has never been saved.
	Load(ctx context.Context, typ, id, prefix string) (*Record, error)

	// Save upserts an entity record keyed on (type, id), bumping its
	// version. A document that cannot be serialized fails with a
	// types.ValidationError before anything is written.
	Save(ctx context.Context, typ, id string, state Document, prefix string) (*Record, error)

	// Delete removes an entity record. Deleting a missing record is not
	// an error.
	Delete(ctx context.Context, typ, id, prefix string) error

	// UpsertAlarm schedules or reschedules the alarm keyed on
	// (type, id, name), clearing any claim so a new due time always wins
	// over an in-flight delivery.
	UpsertAlarm(ctx context.Context, typ, id, name string, at time.Time, prefix string) error

	// DueAlarms lists alarms whose due time has passed and that are
	// either unclaimed or whose claim is older than staleBefore, ordered
	// by due time.
	DueAlarms(ctx context.Context, now, staleBefore time.Time, limit int, prefix string) ([]AlarmRecord, error)

	// ClaimAlarm atomically stamps the alarm with claimAt if it is
	// unclaimed or stale. Exactly one of several racing pollers wins.
	ClaimAlarm(ctx context.Context, typ, id, name string, claimAt, staleBefore time.Time, prefix string) (bool, error)

	// RetireAlarm deletes the alarm only while claimedAt is still its
	// claim stamp. A false return means the alarm was rescheduled (or
	// reclaimed) since the claim and must survive.
	RetireAlarm(ctx context.Context, typ, id, name string, claimedAt time.Time, prefix string) (bool, error)

	// DeleteAlarm removes the alarm unconditionally.
	DeleteAlarm(ctx context.Context, typ, id, name, prefix string) error

	// DeleteAlarms removes every alarm for an entity.
	DeleteAlarms(ctx context.Context, typ, id, prefix string) error

	// ListAlarms lists an entity's pending alarms ordered by due time.
	ListAlarms(ctx context.Context, typ, id, prefix string) ([]types.AlarmEntry, error)

	// Ping verifies the backing connection is alive.
	Ping(ctx context.Context) error

	Close() error
}

// UTCNow returns the current time normalized the way this package persists
// timestamps: UTC, microsecond precision. Claim tokens must use it so
// equality survives a database round trip on both drivers.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Truncate normalizes an arbitrary timestamp to the persisted precision.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
