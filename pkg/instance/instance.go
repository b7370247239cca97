package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/silobase/silo/pkg/catalog"
	"github.com/silobase/silo/pkg/events"
	"github.com/silobase/silo/pkg/metrics"
	"github.com/silobase/silo/pkg/store"
	"github.com/silobase/silo/pkg/types"
)

// ErrStopped reports an invocation that raced a terminating instance.
// The caller can safely re-activate and retry.
var ErrStopped = errors.New("instance stopped")

// Scheduler commits the alarm directives handlers return.
type Scheduler interface {
	Schedule(ctx context.Context, key types.Key, name string, delay time.Duration) error
}

// Config assembles everything one instance needs. Store may be nil for
// an in-memory entity; Scheduler may be nil when alarms are unused.
type Config struct {
	Def       *catalog.Definition
	Key       types.Key
	Store     store.Store
	Scheduler Scheduler
	Broker    *events.Broker
	Symbols   *catalog.SymbolTable
	Prefix    string
	Settings  Settings
	Log       zerolog.Logger

	// OnRelease runs during teardown, before queued callers are drained.
	// The runtime uses it to drop registry and placement entries.
	OnRelease func(inst *Instance, reason types.DeactivateReason)
}

type envelope struct {
	ctx     context.Context
	handler string
	args    []any
	reply   chan response
}

type response struct {
	result types.Result
	err    error
}

// Instance is the live, single-threaded incarnation of one entity. All
// handler execution happens on its goroutine; callers queue envelopes at
// the mailbox and wait, which is what serializes access to state.
type Instance struct {
	cfg Config
	def *catalog.Definition
	key types.Key
	log zerolog.Logger

	mailbox chan envelope
	stopCh  chan struct{}
	readyCh chan struct{}
	doneCh  chan struct{}

	stopOnce sync.Once

	mu         sync.RWMutex
	status     types.Status
	state      catalog.State
	packed     []byte
	version    int
	loadErr    error
	stopReason types.DeactivateReason
}

// New builds an instance in the Initializing state. Call Start to begin
// loading.
func New(cfg Config) *Instance {
	return &Instance{
		cfg: cfg,
		def: cfg.Def,
		key: cfg.Key,
		log: cfg.Log.With().
			Str("entity_type", cfg.Key.Type).
			Str("entity_id", cfg.Key.ID).
			Logger(),
		mailbox:    make(chan envelope, cfg.Settings.Mailbox),
		stopCh:     make(chan struct{}),
		readyCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
		status:     types.StatusInitializing,
		stopReason: types.ReasonNormal,
	}
}

// Key returns the entity identity.
func (i *Instance) Key() types.Key { return i.key }

// Status returns the current lifecycle state.
func (i *Instance) Status() types.Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// Version returns the storage row version seen at the last load or save.
func (i *Instance) Version() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.version
}

// Done is closed once the instance has fully terminated.
func (i *Instance) Done() <-chan struct{} { return i.doneCh }

// Start launches the instance goroutine. ctx bounds only the load phase;
// once Ready the instance runs until stopped.
func (i *Instance) Start(ctx context.Context) {
	go i.run(ctx)
}

// Ready blocks until the load phase finished and reports its outcome.
func (i *Instance) Ready(ctx context.Context) error {
	select {
	case <-i.readyCh:
		i.mu.RLock()
		defer i.mu.RUnlock()
		return i.loadErr
	case <-i.doneCh:
		i.mu.RLock()
		defer i.mu.RUnlock()
		if i.loadErr != nil {
			return i.loadErr
		}
		return &types.ActivationError{Key: i.key, Cause: ErrStopped}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke queues one handler call and waits for the reply. Calls against
// the same instance execute strictly in arrival order.
func (i *Instance) Invoke(ctx context.Context, handler string, args []any) (types.Result, error) {
	if err := i.Ready(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return types.Result{}, &types.TimeoutError{Key: i.key, Handler: handler}
		}
		return types.Result{}, err
	}

	env := envelope{ctx: ctx, handler: handler, args: args, reply: make(chan response, 1)}
	select {
	case i.mailbox <- env:
	case <-i.doneCh:
		return types.Result{}, &types.ActivationError{Key: i.key, Cause: ErrStopped}
	case <-ctx.Done():
		return types.Result{}, i.waitErr(ctx, handler)
	}

	select {
	case resp := <-env.reply:
		return resp.result, resp.err
	case <-ctx.Done():
		// The instance may still complete and persist; only the wait is
		// abandoned.
		return types.Result{}, i.waitErr(ctx, handler)
	case <-i.doneCh:
		select {
		case resp := <-env.reply:
			return resp.result, resp.err
		default:
			return types.Result{}, &types.ActivationError{Key: i.key, Cause: ErrStopped}
		}
	}
}

// Fire delivers alarm name through the normal mailbox path, so a firing
// queues behind any in-flight handler.
func (i *Instance) Fire(ctx context.Context, name string) (types.Result, error) {
	return i.Invoke(ctx, types.FireHandler, []any{name})
}

// Stop requests termination and waits until the loop exits or ctx ends.
func (i *Instance) Stop(ctx context.Context, reason types.DeactivateReason) error {
	i.stopOnce.Do(func() {
		i.mu.Lock()
		i.stopReason = reason
		i.mu.Unlock()
		close(i.stopCh)
	})
	select {
	case <-i.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Instance) waitErr(ctx context.Context, handler string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &types.TimeoutError{Key: i.key, Handler: handler}
	}
	return ctx.Err()
}

func (i *Instance) run(ctx context.Context) {
	if err := i.load(ctx); err != nil {
		i.mu.Lock()
		i.loadErr = err
		i.mu.Unlock()
		close(i.readyCh)
		i.log.Warn().Err(err).Msg("Instance load failed")
		i.teardown(types.ReasonCrashed, err)
		return
	}

	i.setStatus(types.StatusReady)
	close(i.readyCh)

	metrics.ActivationsTotal.WithLabelValues(i.key.Type).Inc()
	i.emit(events.PathInstanceActivated, nil)
	i.log.Debug().Msg("Instance activated")

	i.loop()
}

func (i *Instance) loop() {
	var (
		hibernateT, shutdownT *time.Timer
		hibernateC, shutdownC <-chan time.Time
	)
	if d := i.cfg.Settings.HibernateAfter; d > 0 {
		hibernateT = time.NewTimer(d)
		hibernateC = hibernateT.C
		defer hibernateT.Stop()
	}
	if d := i.cfg.Settings.ShutdownAfter; d > 0 {
		shutdownT = time.NewTimer(d)
		shutdownC = shutdownT.C
		defer shutdownT.Stop()
	}

	for {
		select {
		case env := <-i.mailbox:
			if crashed := i.handle(env); crashed {
				i.teardown(types.ReasonCrashed, nil)
				return
			}
			resetTimer(hibernateT, i.cfg.Settings.HibernateAfter)
			resetTimer(shutdownT, i.cfg.Settings.ShutdownAfter)

		case <-hibernateC:
			i.hibernate()

		case <-shutdownC:
			// Idle past shutdown_after. Supervised stop; the entity is
			// reactivated on the next call.
			i.teardown(types.ReasonNormal, nil)
			return

		case <-i.stopCh:
			i.mu.RLock()
			reason := i.stopReason
			i.mu.RUnlock()
			i.teardown(reason, nil)
			return
		}
	}
}

func (i *Instance) load(ctx context.Context) error {
	i.setStatus(types.StatusLoading)

	doc := i.def.Defaults()

	if st := i.cfg.Store; st != nil {
		rec, err := st.Load(ctx, i.key.Type, i.key.ID, i.cfg.Prefix)
		switch {
		case err == nil:
			stored := catalog.State(rec.State)
			if cerr := catalog.ConvertKeys(stored, i.cfg.Settings.Keys, i.cfg.Symbols); cerr != nil {
				return &types.LoadError{Key: i.key, Cause: cerr}
			}
			doc = i.def.Merge(stored)
			i.setVersion(rec.Version)

		case errors.Is(err, types.ErrNotFound):
			// First activation persists the default document right away,
			// so a crash before the first handler still leaves a row.
			saved, serr := st.Save(ctx, i.key.Type, i.key.ID, store.Document(i.def.Project(doc)), i.cfg.Prefix)
			if serr != nil {
				return &types.LoadError{Key: i.key, Cause: serr}
			}
			i.setVersion(saved.Version)

		default:
			return &types.LoadError{Key: i.key, Cause: err}
		}
	}

	doc[catalog.IdentityField] = i.key.ID
	i.mu.Lock()
	i.state = doc
	i.mu.Unlock()

	if i.def.AfterLoad != nil {
		return i.afterLoad(ctx)
	}
	return nil
}

func (i *Instance) afterLoad(ctx context.Context) error {
	work := catalog.Clone(i.currentState())
	ret := i.def.AfterLoad(ctx, work)
	if err := ret.Err(); err != nil {
		return &types.LoadError{Key: i.key, Cause: err}
	}

	if next := ret.State(); next != nil {
		if err := i.commit(ctx, next); err != nil {
			return &types.LoadError{Key: i.key, Cause: err}
		}
	}

	if req := ret.Alarm(); req != nil {
		if err := i.schedule(ctx, req); err != nil {
			i.log.Warn().Err(err).Str("alarm", req.Name).Msg("Alarm directive failed during load")
		}
	}
	return nil
}

// handle executes one envelope. It reports whether the handler panicked,
// in which case the loop must tear the instance down.
func (i *Instance) handle(env envelope) (crashed bool) {
	if i.Status() == types.StatusHibernated {
		if err := i.wake(); err != nil {
			env.reply <- response{err: err}
			return false
		}
	}
	i.setStatus(types.StatusHandling)

	defer func() {
		if r := recover(); r != nil {
			crashed = true
			err := fmt.Errorf("handler panic: %v", r)
			i.log.Error().Err(err).Str("handler", env.handler).Msg("Handler panicked, terminating instance")
			metrics.InvocationsTotal.WithLabelValues(i.key.Type, "panic").Inc()
			i.emit(events.PathInstanceHandlerFail, map[string]any{"handler": env.handler, "error": err.Error()})
			env.reply <- response{err: &types.HandlerError{Key: i.key, Handler: env.handler, Cause: err}}
		}
	}()

	start := time.Now()
	result, err := i.dispatch(env)
	metrics.HandlerDuration.WithLabelValues(i.key.Type).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.InvocationsTotal.WithLabelValues(i.key.Type, "error").Inc()
		i.emit(events.PathInstanceHandlerFail, map[string]any{"handler": env.handler, "error": err.Error()})
	} else {
		metrics.InvocationsTotal.WithLabelValues(i.key.Type, "success").Inc()
	}

	env.reply <- response{result: result, err: err}
	i.setStatus(types.StatusReady)
	return false
}

func (i *Instance) dispatch(env envelope) (types.Result, error) {
	if env.handler == types.FireHandler {
		return i.dispatchAlarm(env)
	}

	h, ok := i.def.Handler(env.handler, len(env.args))
	if !ok {
		return types.Result{}, &types.UnknownHandlerError{Type: i.key.Type, Handler: env.handler}
	}

	work := catalog.Clone(i.currentState())
	ret := h.Fn(env.ctx, work, env.args)
	return i.settle(env.ctx, env.handler, ret, false)
}

func (i *Instance) dispatchAlarm(env envelope) (types.Result, error) {
	if len(env.args) != 1 {
		return types.Result{}, &types.UnknownHandlerError{Type: i.key.Type, Handler: env.handler}
	}
	name, ok := env.args[0].(string)
	if !ok {
		return types.Result{}, &types.ValidationError{Detail: "alarm name must be a string"}
	}

	if i.def.OnAlarm == nil {
		return types.Result{Value: types.NoHandler}, nil
	}

	work := catalog.Clone(i.currentState())
	ret := i.def.OnAlarm(env.ctx, work, name)
	return i.settle(env.ctx, types.FireHandler, ret, true)
}

// settle applies a handler's Return: persist-then-swap for a state
// change, then the alarm directive, then the reply. A failed persist
// leaves state untouched and suppresses the directive.
func (i *Instance) settle(ctx context.Context, handler string, ret catalog.Return, alarmEntry bool) (types.Result, error) {
	if err := ret.Err(); err != nil {
		return types.Result{}, &types.HandlerError{Key: i.key, Handler: handler, Cause: err}
	}

	if next := ret.State(); next != nil {
		if err := i.commit(ctx, next); err != nil {
			return types.Result{}, err
		}
	}

	if req := ret.Alarm(); req != nil {
		if err := i.schedule(ctx, req); err != nil {
			// The state change is already durable; only the directive
			// failed. Report it out of band.
			i.log.Warn().Err(err).Str("alarm", req.Name).Msg("Alarm directive failed after commit")
		}
	}

	if v, hasValue := ret.Value(); hasValue && !alarmEntry {
		return types.Result{Value: v}, nil
	}
	return types.Result{NoReply: true}, nil
}

// commit persists the declared projection of next and swaps it in. When
// the projection equals the current one the write is skipped and only
// the in-memory copy is refreshed.
func (i *Instance) commit(ctx context.Context, next catalog.State) error {
	current := i.currentState()
	nextProj := i.def.Project(next)

	if catalog.Equal(i.def.Project(current), nextProj) {
		i.swap(next)
		return nil
	}

	if st := i.cfg.Store; st != nil {
		rec, err := st.Save(ctx, i.key.Type, i.key.ID, store.Document(nextProj), i.cfg.Prefix)
		if err != nil {
			return &types.PersistenceError{Op: "save", Key: i.key, Cause: err}
		}
		i.setVersion(rec.Version)
	}

	i.swap(next)
	return nil
}

// swap rebuilds the live document from next: declared fields only, with
// defaults for anything missing and the identity re-injected.
func (i *Instance) swap(next catalog.State) {
	doc := i.def.Merge(next)
	doc[catalog.IdentityField] = i.key.ID

	i.mu.Lock()
	i.state = doc
	i.packed = nil
	i.mu.Unlock()
}

func (i *Instance) schedule(ctx context.Context, req *catalog.AlarmRequest) error {
	if i.cfg.Scheduler == nil {
		return &types.ScheduleError{Key: i.key, Name: req.Name, Cause: errors.New("no scheduler configured")}
	}
	if err := i.cfg.Scheduler.Schedule(ctx, i.key, req.Name, req.Delay); err != nil {
		return &types.ScheduleError{Key: i.key, Name: req.Name, Cause: err}
	}
	return nil
}

// hibernate packs the declared projection to JSON and drops the live map.
func (i *Instance) hibernate() {
	packed, err := json.Marshal(i.def.Project(i.currentState()))
	if err != nil {
		i.log.Warn().Err(err).Msg("Hibernation skipped, state not packable")
		return
	}

	i.mu.Lock()
	i.state = nil
	i.packed = packed
	i.status = types.StatusHibernated
	i.mu.Unlock()

	i.emit(events.PathInstanceHibernated, map[string]any{"packed_bytes": len(packed)})
	i.log.Debug().Int("packed_bytes", len(packed)).Msg("Instance hibernated")
}

func (i *Instance) wake() error {
	i.mu.RLock()
	packed := i.packed
	i.mu.RUnlock()

	doc := catalog.State{}
	if len(packed) > 0 {
		if err := json.Unmarshal(packed, &doc); err != nil {
			return &types.LoadError{Key: i.key, Cause: err}
		}
	}

	merged := i.def.Merge(doc)
	merged[catalog.IdentityField] = i.key.ID

	i.mu.Lock()
	i.state = merged
	i.packed = nil
	i.status = types.StatusReady
	i.mu.Unlock()

	i.emit(events.PathInstanceWoken, nil)
	i.log.Debug().Msg("Instance woken")
	return nil
}

func (i *Instance) teardown(reason types.DeactivateReason, cause error) {
	i.setStatus(types.StatusTerminating)

	metrics.DeactivationsTotal.WithLabelValues(i.key.Type, string(reason)).Inc()
	fields := map[string]any{"reason": string(reason)}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	i.emit(events.PathInstanceTerminated, fields)

	if i.cfg.OnRelease != nil {
		i.cfg.OnRelease(i, reason)
	}

	close(i.doneCh)
	i.drain()
	i.log.Debug().Str("reason", string(reason)).Msg("Instance terminated")
}

// drain fails queued envelopes so no caller is left waiting.
func (i *Instance) drain() {
	for {
		select {
		case env := <-i.mailbox:
			env.reply <- response{err: &types.ActivationError{Key: i.key, Cause: ErrStopped}}
		default:
			return
		}
	}
}

func (i *Instance) currentState() catalog.State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *Instance) setStatus(s types.Status) {
	i.mu.Lock()
	i.status = s
	i.mu.Unlock()
}

func (i *Instance) setVersion(v int) {
	i.mu.Lock()
	i.version = v
	i.mu.Unlock()
}

func (i *Instance) emit(path string, fields map[string]any) {
	if i.cfg.Broker == nil {
		return
	}
	f := map[string]any{"entity_type": i.key.Type, "entity_id": i.key.ID}
	for k, v := range fields {
		f[k] = v
	}
	i.cfg.Broker.Emit(path, f)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if t == nil || d <= 0 {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
