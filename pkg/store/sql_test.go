package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silobase/silo/pkg/types"
)

func testStore(t *testing.T, prefixes ...string) *SQL {
	t.Helper()

	st, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:", Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	for _, p := range prefixes {
		require.NoError(t, Migrate(st.DB(), p))
	}
	return st
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	saved, err := st.Save(ctx, "counter", "c1", Document{"count": 1, "name": "first"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version)
	assert.False(t, saved.CreatedAt.IsZero())

	got, err := st.Load(ctx, "counter", "c1", "")
	require.NoError(t, err)
	// JSON round trip turns numbers into float64.
	assert.Equal(t, Document{"count": float64(1), "name": "first"}, got.State)
	assert.Equal(t, "counter", got.Type)
	assert.Equal(t, "c1", got.ID)

	assert.NoError(t, st.Ping(ctx))
}

func TestSaveBumpsVersion(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	first, err := st.Save(ctx, "counter", "c1", Document{"count": 1}, "")
	require.NoError(t, err)
	second, err := st.Save(ctx, "counter", "c1", Document{"count": 2}, "")
	require.NoError(t, err)

	if second.Version != first.Version+1 {
		t.Errorf("expected version %d after upsert, got %d", first.Version+1, second.Version)
	}
	assert.Equal(t, Document{"count": float64(2)}, second.State)
}

func TestLoadMissing(t *testing.T) {
	st := testStore(t)

	_, err := st.Load(context.Background(), "counter", "nope", "")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeleteIdempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, err := st.Save(ctx, "counter", "c1", Document{"count": 5}, "")
	require.NoError(t, err)

	require.NoError(t, st.Delete(ctx, "counter", "c1", ""))
	_, err = st.Load(ctx, "counter", "c1", "")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Deleting an absent row is not an error.
	assert.NoError(t, st.Delete(ctx, "counter", "c1", ""))
}

func TestSaveRejectsUnmarshalable(t *testing.T) {
	st := testStore(t)

	_, err := st.Save(context.Background(), "counter", "c1", Document{"ch": make(chan int)}, "")
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)

	// Nothing was written.
	_, err = st.Load(context.Background(), "counter", "c1", "")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestAlarmScheduleAndList(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := UTCNow()

	require.NoError(t, st.UpsertAlarm(ctx, "counter", "c1", "later", now.Add(2*time.Hour), ""))
	require.NoError(t, st.UpsertAlarm(ctx, "counter", "c1", "soon", now.Add(time.Minute), ""))

	entries, err := st.ListAlarms(ctx, "counter", "c1", "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "soon", entries[0].Name)
	assert.Equal(t, "later", entries[1].Name)
	assert.True(t, entries[0].At.Equal(Truncate(now.Add(time.Minute))))
}

func TestUpsertAlarmReschedulesAndClearsClaim(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := UTCNow()

	require.NoError(t, st.UpsertAlarm(ctx, "counter", "c1", "tick", now.Add(-time.Minute), ""))

	token := UTCNow()
	ok, err := st.ClaimAlarm(ctx, "counter", "c1", "tick", token, now.Add(-time.Hour), "")
	require.NoError(t, err)
	require.True(t, ok)

	// Reschedule while claimed: the claim is cleared and the new time wins.
	next := now.Add(time.Hour)
	require.NoError(t, st.UpsertAlarm(ctx, "counter", "c1", "tick", next, ""))

	entries, err := st.ListAlarms(ctx, "counter", "c1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].At.Equal(Truncate(next)))

	ok, err = st.ClaimAlarm(ctx, "counter", "c1", "tick", UTCNow(), now.Add(-time.Hour), "")
	require.NoError(t, err)
	assert.True(t, ok, "cleared claim should be claimable again")
}

func TestClaimAlarmSingleWinner(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := UTCNow()

	require.NoError(t, st.UpsertAlarm(ctx, "counter", "c1", "tick", now.Add(-time.Second), ""))

	staleBefore := now.Add(-time.Minute)
	ok, err := st.ClaimAlarm(ctx, "counter", "c1", "tick", now, staleBefore, "")
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claimant sees a fresh claim and loses.
	ok, err = st.ClaimAlarm(ctx, "counter", "c1", "tick", now.Add(time.Second), staleBefore, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimAlarmStaleRecovery(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := UTCNow()

	require.NoError(t, st.UpsertAlarm(ctx, "counter", "c1", "tick", now.Add(-5*time.Minute), ""))

	// First poller claims and then dies.
	dead := Truncate(now.Add(-2 * time.Minute))
	ok, err := st.ClaimAlarm(ctx, "counter", "c1", "tick", dead, now.Add(-time.Hour), "")
	require.NoError(t, err)
	require.True(t, ok)

	// Past the staleness horizon another poller takes over.
	fresh := Truncate(now)
	ok, err = st.ClaimAlarm(ctx, "counter", "c1", "tick", fresh, now.Add(-time.Minute), "")
	require.NoError(t, err)
	require.True(t, ok)

	// The dead poller's token no longer matches.
	ok, err = st.RetireAlarm(ctx, "counter", "c1", "tick", dead, "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.RetireAlarm(ctx, "counter", "c1", "tick", fresh, "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRetireAlarmMatchesClaim(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := UTCNow()

	require.NoError(t, st.UpsertAlarm(ctx, "counter", "c1", "tick", now.Add(-time.Second), ""))

	token := Truncate(now)
	ok, err := st.ClaimAlarm(ctx, "counter", "c1", "tick", token, now.Add(-time.Minute), "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.RetireAlarm(ctx, "counter", "c1", "tick", token.Add(time.Second), "")
	require.NoError(t, err)
	assert.False(t, ok, "wrong token must not retire")

	ok, err = st.RetireAlarm(ctx, "counter", "c1", "tick", token, "")
	require.NoError(t, err)
	assert.True(t, ok)

	// Row is gone now.
	ok, err = st.RetireAlarm(ctx, "counter", "c1", "tick", token, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDueAlarmsFiltering(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := UTCNow()
	staleBefore := now.Add(-time.Minute)

	// Stale-claimed, due the longest ago.
	require.NoError(t, st.UpsertAlarm(ctx, "counter", "stale", "tick", now.Add(-2*time.Minute), ""))
	ok, err := st.ClaimAlarm(ctx, "counter", "stale", "tick", now.Add(-2*time.Minute), now.Add(-time.Hour), "")
	require.NoError(t, err)
	require.True(t, ok)

	// Due and unclaimed.
	require.NoError(t, st.UpsertAlarm(ctx, "counter", "open", "tick", now.Add(-time.Minute), ""))

	// Not due yet.
	require.NoError(t, st.UpsertAlarm(ctx, "counter", "future", "tick", now.Add(time.Hour), ""))

	// Due but freshly claimed by a live poller.
	require.NoError(t, st.UpsertAlarm(ctx, "counter", "held", "tick", now.Add(-time.Minute), ""))
	ok, err = st.ClaimAlarm(ctx, "counter", "held", "tick", now, staleBefore, "")
	require.NoError(t, err)
	require.True(t, ok)

	due, err := st.DueAlarms(ctx, now, staleBefore, 0, "")
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "stale", due[0].ID)
	assert.Equal(t, "open", due[1].ID)

	limited, err := st.DueAlarms(ctx, now, staleBefore, 1, "")
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "stale", limited[0].ID)
}

func TestDeleteAlarmsForEntity(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := UTCNow()

	require.NoError(t, st.UpsertAlarm(ctx, "counter", "c1", "a", now, ""))
	require.NoError(t, st.UpsertAlarm(ctx, "counter", "c1", "b", now, ""))
	require.NoError(t, st.UpsertAlarm(ctx, "counter", "c2", "a", now, ""))

	require.NoError(t, st.DeleteAlarm(ctx, "counter", "c1", "a", ""))
	entries, err := st.ListAlarms(ctx, "counter", "c1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Name)

	require.NoError(t, st.DeleteAlarms(ctx, "counter", "c1", ""))
	entries, err = st.ListAlarms(ctx, "counter", "c1", "")
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = st.ListAlarms(ctx, "counter", "c2", "")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPrefixIsolation(t *testing.T) {
	st := testStore(t, "a_", "b_")
	ctx := context.Background()

	_, err := st.Save(ctx, "counter", "c1", Document{"count": 1}, "a_")
	require.NoError(t, err)
	_, err = st.Save(ctx, "counter", "c1", Document{"count": 9}, "b_")
	require.NoError(t, err)

	require.NoError(t, st.Delete(ctx, "counter", "c1", "a_"))

	_, err = st.Load(ctx, "counter", "c1", "a_")
	assert.ErrorIs(t, err, types.ErrNotFound)

	got, err := st.Load(ctx, "counter", "c1", "b_")
	require.NoError(t, err)
	assert.Equal(t, Document{"count": float64(9)}, got.State)

	require.NoError(t, st.UpsertAlarm(ctx, "counter", "c1", "tick", UTCNow(), "a_"))
	entries, err := st.ListAlarms(ctx, "counter", "c1", "b_")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMigrationsRecorded(t *testing.T) {
	st := testStore(t)

	ids, err := AppliedMigrations(st.DB(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	m := st.DB().Table(objectsTable("")).Migrator()
	if m.HasColumn(&objectV1{}, "locked_by") {
		t.Error("locked_by should have been dropped by migration 2")
	}
	assert.True(t, st.DB().Table(alarmsTable("")).Migrator().HasColumn(&alarmV3{}, "claimed_at"))

	require.NoError(t, RollbackLast(st.DB(), ""))
	ids, err = AppliedMigrations(st.DB(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids)

	require.NoError(t, Migrate(st.DB(), ""))
	ids, err = AppliedMigrations(st.DB(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
	assert.False(t, errors.Is(err, types.ErrNotFound))
}
