package alarm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/silobase/silo/pkg/events"
	"github.com/silobase/silo/pkg/metrics"
	"github.com/silobase/silo/pkg/store"
	"github.com/silobase/silo/pkg/types"
)

const (
	// DefaultPollInterval is how often the poller scans for due alarms.
	DefaultPollInterval = 30 * time.Second

	// DefaultClaimTTL is how long a claim shields an alarm from other
	// pollers. It must exceed the worst-case firing duration.
	DefaultClaimTTL = 60 * time.Second

	// DefaultFireTimeout bounds one delivery, activation included.
	DefaultFireTimeout = 5 * time.Second

	// DefaultPollBatch caps rows fetched per cycle.
	DefaultPollBatch = 256

	queryMaxElapsed = 10 * time.Second
)

// PollerConfig configures the poll-based delivery loop.
type PollerConfig struct {
	Store       store.Store
	Invoker     Invoker
	Leadership  Leadership
	Broker      *events.Broker
	Prefix      string
	Interval    time.Duration
	ClaimTTL    time.Duration
	FireTimeout time.Duration
	Batch       int
	Clock       func() time.Time
	Log         zerolog.Logger
}

// Poller scans the alarm table for due rows and delivers them with
// claim-based at-least-once semantics: claim the row, fire the handler,
// retire the row only if the claim is still ours. Rows whose claim went
// stale (poller died mid-flight) become eligible again after ClaimTTL.
//
// Only the leader polls. During a leadership handover two pollers may
// briefly overlap; the conditional claim keeps delivery single-winner
// per TTL window, and the at-least-once contract absorbs the rest.
type Poller struct {
	cfg      PollerConfig
	log      zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewPoller builds a poller; call Start to begin scanning.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = DefaultFireTimeout
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultPollBatch
	}
	if cfg.Clock == nil {
		cfg.Clock = store.UTCNow
	}
	if cfg.Leadership == nil {
		cfg.Leadership = AlwaysLeader{}
	}
	return &Poller{
		cfg:    cfg,
		log:    cfg.Log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the poll loop. The first scan runs immediately.
func (p *Poller) Start() {
	go p.run()
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *Poller) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll()
	for {
		select {
		case <-ticker.C:
			p.poll()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Poller) poll() {
	if !p.cfg.Leadership.IsLeader() {
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PollCycleDuration)

	// A cycle may not outlive its interval, but always gets room for at
	// least one full delivery.
	bound := p.cfg.Interval
	if bound < p.cfg.FireTimeout {
		bound = p.cfg.FireTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), bound)
	defer cancel()
	p.cycle(ctx)
}

func (p *Poller) cycle(ctx context.Context) {
	now := p.cfg.Clock()
	stale := now.Add(-p.cfg.ClaimTTL)

	due, err := p.dueAlarms(ctx, now, stale)
	if err != nil {
		p.log.Warn().Err(err).Msg("Due-alarm query failed")
		return
	}

	for _, rec := range due {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.deliver(ctx, rec, stale)
	}
}

// dueAlarms retries the scan on transient store errors; a cycle that
// cannot read the table just waits for the next tick.
func (p *Poller) dueAlarms(ctx context.Context, now, stale time.Time) ([]store.AlarmRecord, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = queryMaxElapsed

	var due []store.AlarmRecord
	err := backoff.Retry(func() error {
		var qerr error
		due, qerr = p.cfg.Store.DueAlarms(ctx, now, stale, p.cfg.Batch, p.cfg.Prefix)
		return qerr
	}, backoff.WithContext(bo, ctx))
	return due, err
}

func (p *Poller) deliver(ctx context.Context, rec store.AlarmRecord, stale time.Time) {
	key := types.NewKey(rec.Type, rec.ID)
	claimAt := p.cfg.Clock()

	claimed, err := p.cfg.Store.ClaimAlarm(ctx, rec.Type, rec.ID, rec.Name, claimAt, stale, p.cfg.Prefix)
	if err != nil {
		p.log.Warn().Err(err).Str("entity", key.String()).Str("alarm", rec.Name).Msg("Claim failed")
		return
	}
	if !claimed {
		// Another poller took it inside this TTL window.
		metrics.ClaimConflicts.Inc()
		return
	}
	p.emit(events.PathAlarmClaimed, key, rec.Name, nil)

	fireCtx, cancel := context.WithTimeout(ctx, p.cfg.FireTimeout)
	res, err := p.cfg.Invoker.Fire(fireCtx, key, rec.Name)
	cancel()

	switch {
	case err == nil:
		metrics.AlarmsFired.WithLabelValues("success").Inc()
		p.emit(events.PathAlarmFired, key, rec.Name, nil)
		if res.Value == types.NoHandler {
			p.log.Debug().Str("entity", key.String()).Str("alarm", rec.Name).
				Msg("Entity defines no alarm handler")
		}
		retired, rerr := p.cfg.Store.RetireAlarm(ctx, rec.Type, rec.ID, rec.Name, claimAt, p.cfg.Prefix)
		if rerr != nil {
			// The claim still shields the row; a duplicate firing after
			// TTL is within the at-least-once contract.
			p.log.Warn().Err(rerr).Str("entity", key.String()).Str("alarm", rec.Name).Msg("Retire failed")
			return
		}
		if retired {
			p.emit(events.PathAlarmRetired, key, rec.Name, nil)
		}
		// Zero rows retired means the handler rescheduled the same name;
		// the fresh row stays.

	case isUnknownType(err):
		// No registered definition can ever serve this row. Keeping it
		// would wedge the table, so drop it and say so loudly.
		metrics.AlarmsFired.WithLabelValues("orphaned").Inc()
		p.emit(events.PathAlarmOrphaned, key, rec.Name, err)
		p.log.Warn().Str("entity", key.String()).Str("alarm", rec.Name).
			Msg("Dropping alarm for unregistered entity type")
		if derr := p.cfg.Store.DeleteAlarm(ctx, rec.Type, rec.ID, rec.Name, p.cfg.Prefix); derr != nil {
			p.log.Warn().Err(derr).Str("entity", key.String()).Msg("Orphan delete failed")
		}

	case isPersistence(err):
		// Leave the row claimed; it resurfaces after ClaimTTL and the
		// store has had time to recover.
		metrics.AlarmsFired.WithLabelValues("persistence_failed").Inc()
		p.log.Warn().Err(err).Str("entity", key.String()).Str("alarm", rec.Name).
			Msg("Firing hit a persistence failure, retrying after claim TTL")

	default:
		metrics.AlarmsFired.WithLabelValues("error").Inc()
		p.log.Warn().Err(err).Str("entity", key.String()).Str("alarm", rec.Name).
			Msg("Firing failed, retrying after claim TTL")
	}
}

func (p *Poller) emit(path string, key types.Key, name string, err error) {
	if p.cfg.Broker == nil {
		return
	}
	fields := map[string]any{
		"entity_type": key.Type,
		"entity_id":   key.ID,
		"alarm":       name,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	p.cfg.Broker.Emit(path, fields)
}

func isUnknownType(err error) bool {
	var u *types.UnknownTypeError
	return errors.As(err, &u)
}

func isPersistence(err error) bool {
	var pe *types.PersistenceError
	return errors.As(err, &pe)
}
