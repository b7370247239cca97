package alarm

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silobase/silo/pkg/store"
	"github.com/silobase/silo/pkg/types"
)

func newTestJobScheduler(t *testing.T, inv Invoker) *JobScheduler {
	t.Helper()
	js, err := NewJobScheduler(JobConfig{Invoker: inv, Log: zerolog.Nop()})
	require.NoError(t, err)
	js.Start()
	t.Cleanup(func() { _ = js.Stop() })
	return js
}

func TestJobSchedulerFiresOneShot(t *testing.T) {
	inv := &fakeInvoker{}
	js := newTestJobScheduler(t, inv)
	ctx := context.Background()
	key := types.NewKey("counter", "c1")

	require.NoError(t, js.Schedule(ctx, key, "tick", 0))

	require.Eventually(t, func() bool { return inv.count() >= 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, key, inv.last().key)
	assert.Equal(t, "tick", inv.last().name)

	entries, err := js.List(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJobSchedulerReplaces(t *testing.T) {
	inv := &fakeInvoker{}
	js := newTestJobScheduler(t, inv)
	ctx := context.Background()
	key := types.NewKey("counter", "c1")

	require.NoError(t, js.Schedule(ctx, key, "tick", time.Hour))
	require.NoError(t, js.Schedule(ctx, key, "tick", 2*time.Hour))

	entries, err := js.List(ctx, key)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tick", entries[0].Name)
	assert.WithinDuration(t, store.UTCNow().Add(2*time.Hour), entries[0].At, 10*time.Second)
}

func TestJobSchedulerCancel(t *testing.T) {
	inv := &fakeInvoker{}
	js := newTestJobScheduler(t, inv)
	ctx := context.Background()
	key := types.NewKey("counter", "c1")

	require.NoError(t, js.Schedule(ctx, key, "tick", time.Hour))
	require.NoError(t, js.Schedule(ctx, key, "expire", time.Hour))
	require.NoError(t, js.Cancel(ctx, key, "tick"))

	entries, err := js.List(ctx, key)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "expire", entries[0].Name)

	// Cancelling what is already gone is a no-op.
	require.NoError(t, js.Cancel(ctx, key, "tick"))
}

func TestJobSchedulerCancelAllScopedToEntity(t *testing.T) {
	inv := &fakeInvoker{}
	js := newTestJobScheduler(t, inv)
	ctx := context.Background()
	one := types.NewKey("counter", "c1")
	two := types.NewKey("counter", "c2")

	require.NoError(t, js.Schedule(ctx, one, "tick", time.Hour))
	require.NoError(t, js.Schedule(ctx, one, "expire", time.Hour))
	require.NoError(t, js.Schedule(ctx, two, "tick", time.Hour))

	require.NoError(t, js.CancelAll(ctx, one))

	entries, err := js.List(ctx, one)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = js.List(ctx, two)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJobSchedulerDropsUnknownType(t *testing.T) {
	inv := &fakeInvoker{err: &types.UnknownTypeError{Type: "retired_type"}}
	js := newTestJobScheduler(t, inv)
	ctx := context.Background()
	key := types.NewKey("retired_type", "c1")

	require.NoError(t, js.Schedule(ctx, key, "tick", 0))

	require.Eventually(t, func() bool { return inv.count() >= 1 }, 5*time.Second, 20*time.Millisecond)

	// Dropped outright: nothing pending, no retry enqueued.
	entries, err := js.List(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
