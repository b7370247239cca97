package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silobase/silo/pkg/catalog"
	"github.com/silobase/silo/pkg/config"
	"github.com/silobase/silo/pkg/metrics"
	"github.com/silobase/silo/pkg/store"
	"github.com/silobase/silo/pkg/types"
)

// flakyStore delegates to a real SQL store and can reject the next
// save, for transactionality tests.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	saves    int
	failNext error
}

func (f *flakyStore) Save(ctx context.Context, typ, id string, state store.Document, prefix string) (*store.Record, error) {
	f.mu.Lock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		f.mu.Unlock()
		return nil, err
	}
	f.saves++
	f.mu.Unlock()
	return f.Store.Save(ctx, typ, id, state, prefix)
}

func (f *flakyStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *flakyStore) failNextSave(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func openStore(t *testing.T, dsn string) *store.SQL {
	t.Helper()
	st, err := store.Open(store.Config{Driver: store.DriverSQLite, DSN: dsn, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(st.DB(), ""))
	return st
}

func counterDef(opts catalog.Options) catalog.Definition {
	return catalog.Definition{
		Type: "counter",
		Fields: []catalog.Field{
			{Name: "count", Default: int64(0)},
			{Name: "ticks", Default: int64(0)},
		},
		Handlers: map[string]catalog.Handler{
			"increment": {NArgs: 1, Fn: func(_ context.Context, state catalog.State, args []any) catalog.Return {
				var n int64
				switch v := args[0].(type) {
				case int:
					n = int64(v)
				case int64:
					n = v
				case float64:
					n = int64(v)
				}
				next := state.Set("count", state.Int("count")+n)
				return catalog.Update(next.Int("count"), next)
			}},
			"get": {NArgs: 0, Fn: func(_ context.Context, state catalog.State, _ []any) catalog.Return {
				return catalog.Reply(state.Int("count"))
			}},
			"ticks": {NArgs: 0, Fn: func(_ context.Context, state catalog.State, _ []any) catalog.Return {
				return catalog.Reply(state.Int("ticks"))
			}},
		},
		OnAlarm: func(_ context.Context, state catalog.State, name string) catalog.Return {
			next := state.Set("ticks", state.Int("ticks")+1)
			return catalog.NoReply(next).Schedule(name, 30*time.Millisecond)
		},
		Options: opts,
	}
}

func counterCatalog(t *testing.T, opts catalog.Options) *catalog.Catalog {
	t.Helper()
	cat := catalog.New()
	require.NoError(t, cat.Register(counterDef(opts)))
	return cat
}

// newRuntime starts a local-mode node over st and tears it down with
// the test.
func newRuntime(t *testing.T, cat *catalog.Catalog, st store.Store, mutate func(*Config)) *Runtime {
	t.Helper()

	cfg := Config{
		NodeID:  "test-node",
		Catalog: cat,
		Store:   st,
		Scheduler: SchedulerConfig{
			PollInterval: 20 * time.Millisecond,
			ClaimTTL:     2 * time.Second,
		},
		Deadline: 2 * time.Second,
		Log:      zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	r, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func TestCounterSurvivesRestart(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "silo.db")
	ctx := context.Background()

	st := openStore(t, dsn)
	rt := newRuntime(t, counterCatalog(t, catalog.Options{}), st, nil)

	res, err := rt.Invoke(ctx, "counter", "c1", "increment", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Value)

	require.NoError(t, rt.Stop(ctx))
	require.NoError(t, st.Close())

	// A fresh node over the same database resumes from the persisted 5.
	st2 := openStore(t, dsn)
	t.Cleanup(func() { _ = st2.Close() })
	rt2 := newRuntime(t, counterCatalog(t, catalog.Options{}), st2, nil)

	res, err = rt2.Invoke(ctx, "counter", "c1", "get")
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Value)
}

func TestFailedSaveRollsBack(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })
	flaky := &flakyStore{Store: st}
	rt := newRuntime(t, counterCatalog(t, catalog.Options{}), flaky, nil)

	// Activate and persist count 0.
	_, err := rt.Invoke(ctx, "counter", "c1", "get")
	require.NoError(t, err)

	flaky.failNextSave(errors.New("disk full"))
	_, err = rt.Invoke(ctx, "counter", "c1", "increment", 1)
	var perr *types.PersistenceError
	require.ErrorAs(t, err, &perr)

	// In-memory state rolled back.
	res, err := rt.Invoke(ctx, "counter", "c1", "get")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Value)

	// Stored row still carries the pre-handler value.
	rec, err := st.Load(ctx, "counter", "c1", "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, store.Document(rec.State)["count"])
}

func TestNoOpReturnSkipsSave(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })
	flaky := &flakyStore{Store: st}
	rt := newRuntime(t, counterCatalog(t, catalog.Options{}), flaky, nil)

	_, err := rt.Invoke(ctx, "counter", "c1", "get")
	require.NoError(t, err)
	bootstrap := flaky.saveCount()

	for range 3 {
		_, err := rt.Invoke(ctx, "counter", "c1", "get")
		require.NoError(t, err)
	}
	assert.Equal(t, bootstrap, flaky.saveCount(), "read-only handlers must not write")
}

func TestRecurringAlarm(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })
	rt := newRuntime(t, counterCatalog(t, catalog.Options{}), st, nil)

	require.NoError(t, rt.Schedule(ctx, "counter", "c1", "tick", 0))

	// Each firing bumps ticks and reschedules itself 30ms out; the
	// 20ms poll interval keeps up.
	require.Eventually(t, func() bool {
		res, err := rt.Invoke(ctx, "counter", "c1", "ticks")
		if err != nil {
			return false
		}
		n, _ := res.Value.(int64)
		return n >= 4
	}, 3*time.Second, 25*time.Millisecond)

	// Rescheduling replaced the row each firing: exactly one remains.
	alarms, err := rt.Alarms(ctx, "counter", "c1")
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.Equal(t, "tick", alarms[0].Name)
}

func TestScheduleUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })
	rt := newRuntime(t, counterCatalog(t, catalog.Options{}), st, func(c *Config) {
		// Long interval so the poller does not consume the alarm.
		c.Scheduler.PollInterval = time.Hour
	})

	require.NoError(t, rt.Schedule(ctx, "counter", "c1", "tick", time.Hour))
	require.NoError(t, rt.Schedule(ctx, "counter", "c1", "tick", 2*time.Hour))

	alarms, err := rt.Alarms(ctx, "counter", "c1")
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.WithinDuration(t, time.Now().UTC().Add(2*time.Hour), alarms[0].At, 10*time.Second)

	require.NoError(t, rt.CancelAlarms(ctx, "counter", "c1"))
	alarms, err = rt.Alarms(ctx, "counter", "c1")
	require.NoError(t, err)
	assert.Empty(t, alarms)
}

func TestConcurrentInvokesSingleInstance(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })
	flaky := &flakyStore{Store: st}

	var inFlight, maxInFlight atomic.Int64
	cat := catalog.New()
	def := counterDef(catalog.Options{})
	def.Handlers["bump"] = catalog.Handler{NArgs: 0, Fn: func(_ context.Context, state catalog.State, _ []any) catalog.Return {
		cur := inFlight.Add(1)
		for {
			max := maxInFlight.Load()
			if cur <= max || maxInFlight.CompareAndSwap(max, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		next := state.Set("count", state.Int("count")+1)
		return catalog.Update(next.Int("count"), next)
	}}
	require.NoError(t, cat.Register(def))

	rt := newRuntime(t, cat, flaky, func(c *Config) { c.Deadline = 10 * time.Second })

	const callers = 40
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rt.Invoke(ctx, "counter", "c1", "bump")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxInFlight.Load(), "handlers for one entity must not overlap")
	assert.Equal(t, 1, rt.reg.Len(), "exactly one live instance per key")

	res, err := rt.Invoke(ctx, "counter", "c1", "get")
	require.NoError(t, err)
	assert.Equal(t, int64(callers), res.Value)
}

func TestSequentialOrderObserved(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })
	rt := newRuntime(t, counterCatalog(t, catalog.Options{}), st, nil)

	for i := 1; i <= 5; i++ {
		res, err := rt.Invoke(ctx, "counter", "c1", "increment", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.Value, "each call observes the previous call's effect")
	}
}

func TestForwardCompatibleLoad(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })

	// A row written before the current schema, with a key no longer
	// declared.
	_, err := st.Save(ctx, "counter", "c1", store.Document{"count": 7, "legacy_field": 9}, "")
	require.NoError(t, err)

	rt := newRuntime(t, counterCatalog(t, catalog.Options{}), st, nil)

	res, err := rt.Invoke(ctx, "counter", "c1", "get")
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Value)

	// Writing back drops the unknown key.
	_, err = rt.Invoke(ctx, "counter", "c1", "increment", 1)
	require.NoError(t, err)

	rec, err := st.Load(ctx, "counter", "c1", "")
	require.NoError(t, err)
	assert.NotContains(t, store.Document(rec.State), "legacy_field")
	assert.EqualValues(t, 8, store.Document(rec.State)["count"])
}

func TestUnknownTypeAndHandler(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })
	rt := newRuntime(t, counterCatalog(t, catalog.Options{}), st, nil)

	_, err := rt.Invoke(ctx, "ghost", "g1", "get")
	var ute *types.UnknownTypeError
	assert.ErrorAs(t, err, &ute)

	_, err = rt.Invoke(ctx, "counter", "c1", "missing")
	var uhe *types.UnknownHandlerError
	assert.ErrorAs(t, err, &uhe)

	err = rt.Schedule(ctx, "ghost", "g1", "tick", time.Second)
	assert.ErrorAs(t, err, &ute)
}

func TestEnsureDeactivateLocate(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })
	rt := newRuntime(t, counterCatalog(t, catalog.Options{}), st, nil)

	loc, err := rt.EnsureActivated(ctx, "counter", "c1")
	require.NoError(t, err)
	assert.True(t, loc.Self)

	loc, found, err := rt.Locate(ctx, "counter", "c1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, loc.Self)

	require.NoError(t, rt.Deactivate(ctx, "counter", "c1", types.ReasonRequested))
	_, found, err = rt.Locate(ctx, "counter", "c1")
	require.NoError(t, err)
	assert.False(t, found, "deactivated entity has no live instance")

	// Deactivating again is a no-op, and the entity reactivates on call.
	require.NoError(t, rt.Deactivate(ctx, "counter", "c1", types.ReasonRequested))
	_, err = rt.Invoke(ctx, "counter", "c1", "get")
	require.NoError(t, err)
}

func TestInactivityShutdownThenReactivation(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })
	rt := newRuntime(t, counterCatalog(t, catalog.Options{ShutdownAfter: 30 * time.Millisecond}), st, nil)

	res, err := rt.Invoke(ctx, "counter", "c1", "increment", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Value)

	require.Eventually(t, func() bool {
		return rt.reg.Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "idle instance should shut down")

	// The next call reactivates from the store.
	res, err = rt.Invoke(ctx, "counter", "c1", "get")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Value)
}

func TestDefaultDeadlineApplies(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })

	cat := catalog.New()
	def := counterDef(catalog.Options{})
	def.Handlers["slow"] = catalog.Handler{NArgs: 0, Fn: func(_ context.Context, state catalog.State, _ []any) catalog.Return {
		time.Sleep(300 * time.Millisecond)
		return catalog.Reply("done")
	}}
	require.NoError(t, cat.Register(def))

	rt := newRuntime(t, cat, st, func(c *Config) { c.Deadline = 50 * time.Millisecond })

	_, err := rt.Invoke(ctx, "counter", "c1", "slow")
	var terr *types.TimeoutError
	assert.ErrorAs(t, err, &terr)
}

func TestInMemoryNodeWithJobBackend(t *testing.T) {
	ctx := context.Background()

	// No store at all: entities are memory-only and alarms run on the
	// in-process job queue.
	rt := newRuntime(t, counterCatalog(t, catalog.Options{}), nil, func(c *Config) {
		c.Scheduler = SchedulerConfig{Backend: BackendExternalJob}
	})

	res, err := rt.Invoke(ctx, "counter", "c1", "increment", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Value)

	require.NoError(t, rt.Schedule(ctx, "counter", "c1", "tick", 0))
	alarms, err := rt.Alarms(ctx, "counter", "c1")
	require.NoError(t, err)
	assert.Len(t, alarms, 1)
}

func TestStorelessNodeReportsReady(t *testing.T) {
	// Without a store the readiness gate must not wait on one: an
	// in-memory node is ready as soon as it joins.
	newRuntime(t, counterCatalog(t, catalog.Options{}), nil, func(c *Config) {
		c.Scheduler = SchedulerConfig{Backend: BackendExternalJob}
	})

	ready := metrics.GetReadiness()
	assert.Equal(t, "ready", ready.Status)
	assert.NotContains(t, ready.Components, "store")
}

func TestPollBackendRequiresStore(t *testing.T) {
	_, err := New(Config{
		Catalog:   counterCatalog(t, catalog.Options{}),
		Scheduler: SchedulerConfig{Backend: BackendPoll},
		Log:       zerolog.Nop(),
	})
	require.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Node.ID = "from-config"
	cfg.Node.DataDir = dir
	cfg.Store = config.StoreConfig{
		Driver:      store.DriverSQLite,
		DSN:         filepath.Join(dir, "silo.db"),
		AutoMigrate: true,
	}
	cfg.Scheduler.PollingInterval = config.Duration(50 * time.Millisecond)
	require.NoError(t, cfg.Validate())

	rt, err := FromConfig(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop(ctx)

	cat := rt.cat
	require.NoError(t, cat.Register(counterDef(catalog.Options{})))
	t.Cleanup(cat.Reset)

	res, err := rt.Invoke(ctx, "counter", "c1", "increment", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Value)
	assert.Equal(t, "from-config", rt.Self().ID)
}

func TestRuntimeDoubleStartAndStop(t *testing.T) {
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })
	rt := newRuntime(t, counterCatalog(t, catalog.Options{}), st, nil)

	assert.Error(t, rt.Start(context.Background()))
	require.NoError(t, rt.Stop(context.Background()))
	require.NoError(t, rt.Stop(context.Background()), "stop is idempotent")
}

func TestPrefixFlowsToStoreAndScheduler(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, ":memory:")
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, store.Migrate(st.DB(), "tenant_"))

	rt := newRuntime(t, counterCatalog(t, catalog.Options{}), st, func(c *Config) {
		c.Prefix = "tenant_"
		c.Scheduler.PollInterval = time.Hour
	})

	_, err := rt.Invoke(ctx, "counter", "c1", "increment", 9)
	require.NoError(t, err)
	require.NoError(t, rt.Schedule(ctx, "counter", "c1", "tick", time.Hour))

	// Rows land in the prefixed tables, not the default ones.
	rec, err := st.Load(ctx, "counter", "c1", "tenant_")
	require.NoError(t, err)
	assert.EqualValues(t, 9, store.Document(rec.State)["count"])

	_, err = st.Load(ctx, "counter", "c1", "")
	assert.ErrorIs(t, err, types.ErrNotFound)

	entries, err := st.ListAlarms(ctx, "counter", "c1", "tenant_")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func ExampleRuntime_Invoke() {
	cat := catalog.New()
	_ = cat.Register(catalog.Definition{
		Type:   "greeter",
		Fields: []catalog.Field{{Name: "greeted", Default: int64(0)}},
		Handlers: map[string]catalog.Handler{
			"hello": {NArgs: 1, Fn: func(_ context.Context, state catalog.State, args []any) catalog.Return {
				next := state.Set("greeted", state.Int("greeted")+1)
				return catalog.Update(fmt.Sprintf("hello, %v", args[0]), next)
			}},
		},
	})

	rt, _ := New(Config{
		Catalog:   cat,
		Scheduler: SchedulerConfig{Backend: BackendExternalJob},
		Log:       zerolog.Nop(),
	})
	ctx := context.Background()
	_ = rt.Start(ctx)
	defer rt.Stop(ctx)

	res, _ := rt.Invoke(ctx, "greeter", "g1", "hello", "world")
	fmt.Println(res.Value)
	// Output: hello, world
}
