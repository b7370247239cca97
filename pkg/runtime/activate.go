package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/silobase/silo/pkg/cluster"
	"github.com/silobase/silo/pkg/instance"
	"github.com/silobase/silo/pkg/types"
)

// routeAttempts bounds retries when a placement or instance goes away
// between lookup and delivery.
const routeAttempts = 2

// Invoke executes one handler against the entity, activating it if
// necessary and forwarding to the owner node when placement lands
// elsewhere. The caller's context bounds the wait; without a deadline
// the runtime's default applies.
func (r *Runtime) Invoke(ctx context.Context, typ, id, handler string, args ...any) (types.Result, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	if _, err := r.cat.Lookup(typ); err != nil {
		return types.Result{}, err
	}
	return r.route(ctx, types.NewKey(typ, id), handler, args)
}

// Fire delivers one alarm through the normal activation path. The alarm
// backends call it; unknown entity types surface as UnknownTypeError so
// the poll backend can retire orphaned rows.
func (r *Runtime) Fire(ctx context.Context, key types.Key, name string) (types.Result, error) {
	if _, err := r.cat.Lookup(key.Type); err != nil {
		return types.Result{}, err
	}
	return r.route(ctx, key, types.FireHandler, []any{name})
}

// EnsureActivated places and activates the entity without invoking a
// handler, returning where it now lives.
func (r *Runtime) EnsureActivated(ctx context.Context, typ, id string) (types.Location, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	if _, err := r.cat.Lookup(typ); err != nil {
		return types.Location{}, err
	}
	key := types.NewKey(typ, id)

	loc, err := r.topo.Acquire(ctx, key)
	if err != nil {
		return types.Location{}, &types.ActivationError{Key: key, Cause: err}
	}
	if !loc.Self {
		client, err := r.topo.Remote(loc.Node)
		if err != nil {
			return types.Location{}, &types.ActivationError{Key: key, Cause: err}
		}
		owner, err := client.Ensure(ctx, key)
		if err != nil {
			return types.Location{}, err
		}
		return types.Location{Node: owner}, nil
	}

	if _, err := r.ensureInstance(ctx, key); err != nil {
		return types.Location{}, err
	}
	return loc, nil
}

// Deactivate stops the live instance for the entity, wherever it is.
// State survives in the store; the next call re-activates. Inactive
// entities are a no-op.
func (r *Runtime) Deactivate(ctx context.Context, typ, id string, reason types.DeactivateReason) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	key := types.NewKey(typ, id)

	if inst, ok := r.localInstance(key); ok {
		return inst.Stop(ctx, reason)
	}

	loc, found, err := r.topo.Lookup(ctx, key)
	if err != nil || !found || loc.Self {
		return err
	}
	client, err := r.topo.Remote(loc.Node)
	if err != nil {
		if errors.Is(err, cluster.ErrNoRemote) {
			return nil
		}
		return err
	}
	return client.Deactivate(ctx, key, reason)
}

// Locate reports where the entity is currently active, if anywhere.
func (r *Runtime) Locate(ctx context.Context, typ, id string) (types.Location, bool, error) {
	return r.topo.Lookup(ctx, types.NewKey(typ, id))
}

// Schedule upserts an alarm due at now + delay, replacing any pending
// alarm with the same name.
func (r *Runtime) Schedule(ctx context.Context, typ, id, name string, delay time.Duration) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	if _, err := r.cat.Lookup(typ); err != nil {
		return err
	}
	return r.sched.Schedule(ctx, types.NewKey(typ, id), name, delay)
}

// CancelAlarm removes one pending alarm; absent alarms are not an error.
func (r *Runtime) CancelAlarm(ctx context.Context, typ, id, name string) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.sched.Cancel(ctx, types.NewKey(typ, id), name)
}

// CancelAlarms removes every pending alarm for the entity.
func (r *Runtime) CancelAlarms(ctx context.Context, typ, id string) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.sched.CancelAll(ctx, types.NewKey(typ, id))
}

// Alarms lists the entity's pending alarms in ascending due order.
func (r *Runtime) Alarms(ctx context.Context, typ, id string) ([]types.AlarmEntry, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.sched.List(ctx, types.NewKey(typ, id))
}

// route resolves the owner for key and delivers one call, retrying once
// when the target instance stopped between placement and delivery.
func (r *Runtime) route(ctx context.Context, key types.Key, handler string, args []any) (types.Result, error) {
	var lastErr error
	for attempt := 0; attempt < routeAttempts; attempt++ {
		loc, err := r.topo.Acquire(ctx, key)
		if err != nil {
			return types.Result{}, &types.ActivationError{Key: key, Cause: err}
		}

		if !loc.Self {
			client, err := r.topo.Remote(loc.Node)
			if err != nil {
				lastErr = &types.ActivationError{Key: key, Cause: err}
				continue
			}
			return client.Invoke(ctx, key, handler, args)
		}

		inst, err := r.ensureInstance(ctx, key)
		if err != nil {
			return types.Result{}, err
		}
		res, err := inst.Invoke(ctx, handler, args)
		if errors.Is(err, instance.ErrStopped) {
			// The instance terminated under us (inactivity shutdown or
			// crash). The registry entry is gone; activate fresh.
			lastErr = err
			continue
		}
		return res, err
	}
	return types.Result{}, lastErr
}

// invokeLocal handles a call this node already owns, without another
// placement round trip. The node service uses it for forwarded work.
func (r *Runtime) invokeLocal(ctx context.Context, key types.Key, handler string, args []any) (types.Result, error) {
	if _, err := r.cat.Lookup(key.Type); err != nil {
		return types.Result{}, err
	}

	var lastErr error
	for attempt := 0; attempt < routeAttempts; attempt++ {
		inst, err := r.ensureInstance(ctx, key)
		if err != nil {
			return types.Result{}, err
		}
		res, err := inst.Invoke(ctx, handler, args)
		if errors.Is(err, instance.ErrStopped) {
			lastErr = err
			continue
		}
		return res, err
	}
	return types.Result{}, lastErr
}

// ensureInstance returns the live instance for key, creating and
// loading one if none exists. Concurrent activations for the same key
// collapse onto a single flight; losers adopt the winner.
func (r *Runtime) ensureInstance(ctx context.Context, key types.Key) (*instance.Instance, error) {
	if inst, ok := r.localInstance(key); ok {
		if err := inst.Ready(ctx); err == nil {
			return inst, nil
		}
	}

	v, err, _ := r.flight.Do(key.String(), func() (interface{}, error) {
		if entry, ok := r.reg.Locate(key); ok {
			inst := entry.(*instance.Instance)
			select {
			case <-inst.Done():
				// Terminated but not yet released; its OnRelease will
				// clear the entry. Fall through and race Acquire.
			default:
				return inst, nil
			}
		}

		def, err := r.cat.Lookup(key.Type)
		if err != nil {
			return nil, err
		}

		inst := instance.New(instance.Config{
			Def:       def,
			Key:       key,
			Store:     r.store,
			Scheduler: r.sched,
			Broker:    r.broker,
			Symbols:   r.cat.Symbols(),
			Prefix:    r.cfg.Prefix,
			Settings:  r.cfg.Instances.Resolve(def.Options),
			Log:       r.log,
			OnRelease: func(inst *instance.Instance, reason types.DeactivateReason) {
				if !r.reg.Release(key, inst) {
					return
				}
				rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
				defer cancel()
				if err := r.topo.Release(rctx, key); err != nil {
					r.log.Warn().Err(err).Str("entity", key.String()).
						Msg("Placement release failed")
				}
			},
		})

		winner, acquired := r.reg.Acquire(key, inst)
		if !acquired {
			return winner.(*instance.Instance), nil
		}

		// The instance outlives this call; its loop stops on inactivity
		// or an explicit Stop, not on the activating caller's context.
		inst.Start(context.Background())
		return inst, nil
	})
	if err != nil {
		return nil, err
	}

	inst := v.(*instance.Instance)
	if err := inst.Ready(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

func (r *Runtime) localInstance(key types.Key) (*instance.Instance, bool) {
	entry, ok := r.reg.Locate(key)
	if !ok {
		return nil, false
	}
	inst, ok := entry.(*instance.Instance)
	return inst, ok
}
