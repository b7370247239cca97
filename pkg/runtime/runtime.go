package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/silobase/silo/pkg/alarm"
	"github.com/silobase/silo/pkg/catalog"
	"github.com/silobase/silo/pkg/cluster"
	"github.com/silobase/silo/pkg/config"
	"github.com/silobase/silo/pkg/events"
	"github.com/silobase/silo/pkg/instance"
	"github.com/silobase/silo/pkg/log"
	"github.com/silobase/silo/pkg/metrics"
	"github.com/silobase/silo/pkg/registry"
	"github.com/silobase/silo/pkg/store"
	"github.com/silobase/silo/pkg/telemetry"
	"github.com/silobase/silo/pkg/types"
)

// Scheduler backends.
const (
	BackendPoll        = "poll"
	BackendExternalJob = "external_job"
)

const (
	// DefaultInvokeDeadline bounds a caller's wait when its context
	// carries no deadline of its own.
	DefaultInvokeDeadline = 5 * time.Second

	// releaseTimeout bounds the placement release an instance performs
	// during teardown.
	releaseTimeout = 5 * time.Second

	// drainConcurrency caps parallel instance stops during shutdown and
	// parallel re-activations after a node loss.
	drainConcurrency = 16
)

// SchedulerConfig selects and tunes the alarm delivery backend.
type SchedulerConfig struct {
	// Backend is "poll" or "external_job". Empty picks poll when a
	// store is configured and external_job otherwise.
	Backend      string
	PollInterval time.Duration
	ClaimTTL     time.Duration
	Batch        int
	Queue        string
}

// Config assembles a runtime node. Catalog defaults to the process
// catalog; Store may be nil for an in-memory node.
type Config struct {
	NodeID    string
	Catalog   *catalog.Catalog
	Store     store.Store
	Prefix    string
	Cluster   cluster.Config
	Scheduler SchedulerConfig
	Instances instance.Defaults
	Deadline  time.Duration

	// Broker receives runtime observability events. The runtime owns
	// its lifecycle either way: do not Start or Stop a provided broker.
	Broker *events.Broker

	// MetricsAddr serves prometheus metrics and health endpoints when
	// set.
	MetricsAddr string

	Log zerolog.Logger
}

// Runtime is a node of the virtual-actor runtime: it owns the live
// instances on this process, routes invocations to entity owners,
// schedules alarms, and runs the delivery backend when it holds
// singleton duties.
type Runtime struct {
	cfg     Config
	cat     *catalog.Catalog
	store   store.Store
	reg     *registry.Local
	topo    cluster.Topology
	dist    *cluster.Distributed // nil in local mode
	sched   alarm.Scheduler
	poller  *alarm.Poller
	jobs    *alarm.JobScheduler
	broker  *events.Broker
	server  *cluster.Server
	httpSrv *http.Server
	sampler *metrics.Collector
	log     zerolog.Logger

	flight singleflight.Group

	ownStore bool
	ownOTel  bool
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// New assembles a runtime from cfg. Call Start to bring it up.
func New(cfg Config) (*Runtime, error) {
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default
	}
	if cfg.NodeID == "" {
		cfg.NodeID = generateNodeID()
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultInvokeDeadline
	}
	cfg.Cluster.NodeID = cfg.NodeID

	r := &Runtime{
		cfg:    cfg,
		cat:    cfg.Catalog,
		store:  cfg.Store,
		reg:    registry.NewLocal(),
		broker: cfg.Broker,
		log:    cfg.Log.With().Str("node", cfg.NodeID).Logger(),
	}
	if r.broker == nil {
		r.broker = events.NewBroker()
	}

	topo, err := cluster.New(cfg.Cluster, r.reg, r.broker, r.log)
	if err != nil {
		return nil, err
	}
	r.topo = topo
	if d, ok := topo.(*cluster.Distributed); ok {
		r.dist = d
	}

	if err := r.buildScheduler(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromConfig opens the store described by cfg, runs migrations when
// asked to, and assembles a runtime around it. The returned runtime
// owns the store and closes it on Stop.
func FromConfig(cfg config.Config) (*Runtime, error) {
	logger := log.WithComponent("runtime")

	if err := telemetry.Init(context.Background(), telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Stdout:   cfg.Telemetry.Stdout,
		Endpoint: cfg.Telemetry.Endpoint,
	}); err != nil {
		return nil, err
	}

	rc := Config{
		NodeID: cfg.Node.ID,
		Prefix: cfg.Store.Prefix,
		Cluster: cluster.Config{
			Mode:          cfg.Registry.Mode,
			BindAddr:      cfg.Registry.BindAddr,
			AdvertiseAddr: cfg.Registry.AdvertiseAddr,
			GRPCAddr:      cfg.Registry.GRPCAddr,
			DataDir:       cfg.Node.DataDir,
			Members:       members(cfg.Registry.Members),
		},
		Scheduler: SchedulerConfig{
			Backend:      cfg.Scheduler.Backend,
			PollInterval: cfg.Scheduler.PollingInterval.Std(),
			ClaimTTL:     cfg.Scheduler.ClaimTTL.Std(),
			Queue:        cfg.Scheduler.Queue,
		},
		Instances: instance.Defaults{
			HibernateAfter: cfg.Entity.HibernateAfter.Std(),
			ShutdownAfter:  cfg.Entity.ShutdownAfter.Std(),
			Mailbox:        cfg.Invoke.Mailbox,
			Keys:           catalog.KeyPolicy(cfg.Entity.ObjectKeys),
		},
		Deadline:    cfg.Invoke.Deadline.Std(),
		MetricsAddr: cfg.Metrics.Addr,
		Log:         logger,
	}

	if cfg.Store.Enabled() {
		sq, err := store.Open(store.Config{
			Driver: cfg.Store.Driver,
			DSN:    cfg.Store.DSN,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Store.AutoMigrate {
			if err := store.Migrate(sq.DB(), cfg.Store.Prefix); err != nil {
				sq.Close()
				return nil, err
			}
		}
		broker := events.NewBroker()
		rc.Broker = broker
		rc.Store = telemetry.WrapStore(sq, broker, sq.Driver())
	}

	r, err := New(rc)
	if err != nil {
		if rc.Store != nil {
			rc.Store.Close()
		}
		return nil, err
	}
	r.ownStore = rc.Store != nil
	r.ownOTel = true
	return r, nil
}

func (r *Runtime) buildScheduler() error {
	backend := r.cfg.Scheduler.Backend
	if backend == "" {
		if r.store != nil {
			backend = BackendPoll
		} else {
			backend = BackendExternalJob
		}
	}

	switch backend {
	case BackendPoll:
		if r.store == nil {
			return errors.New("runtime: the poll scheduler requires a store")
		}
		r.sched = alarm.NewStoreScheduler(r.store, r.broker, r.cfg.Prefix)
		r.poller = alarm.NewPoller(alarm.PollerConfig{
			Store:      r.store,
			Invoker:    r,
			Leadership: r.topo,
			Broker:     r.broker,
			Prefix:     r.cfg.Prefix,
			Interval:   r.cfg.Scheduler.PollInterval,
			ClaimTTL:   r.cfg.Scheduler.ClaimTTL,
			Batch:      r.cfg.Scheduler.Batch,
			Log:        r.log.With().Str("component", "poller").Logger(),
		})

	case BackendExternalJob:
		jobs, err := alarm.NewJobScheduler(alarm.JobConfig{
			Invoker: r,
			Broker:  r.broker,
			Queue:   r.cfg.Scheduler.Queue,
			Log:     r.log.With().Str("component", "jobqueue").Logger(),
		})
		if err != nil {
			return err
		}
		r.jobs = jobs
		r.sched = jobs

	default:
		return fmt.Errorf("runtime: unknown scheduler backend %q", backend)
	}
	return nil
}

// Start brings the node up: cluster membership, the node service in
// distributed mode, the alarm backend, and the metrics listener.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime: already started")
	}
	r.started = true
	r.mu.Unlock()

	r.broker.Start()

	if r.dist != nil {
		r.dist.SetNodeDownHandler(r.reactivateReleased)
		r.dist.SetIsolationHandler(r.evacuateLocal)

		r.server = cluster.NewServer(&nodeService{r: r}, r.log.With().Str("component", "transport").Logger())
		go func() {
			if err := r.server.Start(r.cfg.Cluster.GRPCAddr); err != nil {
				r.log.Error().Err(err).Msg("Node service stopped")
			}
		}()
	}

	if err := r.topo.Start(ctx); err != nil {
		return err
	}

	if r.poller != nil {
		r.poller.Start()
	}
	if r.jobs != nil {
		r.jobs.Start()
	}

	r.registerHealth()
	r.sampler = metrics.NewCollector(r)
	r.sampler.Start()
	if r.cfg.MetricsAddr != "" {
		r.serveMetrics(r.cfg.MetricsAddr)
	}

	mode := r.cfg.Cluster.Mode
	if mode == "" {
		mode = cluster.ModeLocal
	}
	r.log.Info().
		Str("mode", mode).
		Int("types", len(r.cat.Types())).
		Msg("Runtime started")
	return nil
}

// Stop drains the node: the alarm backend first so no new firings
// arrive, then every live instance, then cluster membership.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	if r.poller != nil {
		r.poller.Stop()
	}
	if r.jobs != nil {
		if err := r.jobs.Stop(); err != nil {
			r.log.Warn().Err(err).Msg("Job scheduler stop failed")
		}
	}

	r.drainInstances(ctx, types.ReasonShutdown)

	if r.sampler != nil {
		r.sampler.Stop()
	}
	if r.server != nil {
		r.server.Stop()
	}
	if err := r.topo.Close(); err != nil {
		r.log.Warn().Err(err).Msg("Topology close failed")
	}

	if r.httpSrv != nil {
		if err := r.httpSrv.Shutdown(ctx); err != nil {
			r.log.Warn().Err(err).Msg("Metrics listener shutdown failed")
		}
	}
	r.broker.Stop()
	if r.ownStore && r.store != nil {
		if err := r.store.Close(); err != nil {
			r.log.Warn().Err(err).Msg("Store close failed")
		}
	}
	if r.ownOTel {
		telemetry.Shutdown(ctx)
	}

	r.log.Info().Msg("Runtime stopped")
	return nil
}

// Broker exposes the observability event broker for subscriptions.
func (r *Runtime) Broker() *events.Broker { return r.broker }

// Self describes this node.
func (r *Runtime) Self() types.NodeInfo { return r.topo.Self() }

// drainInstances stops every live instance, a bounded number at a time.
func (r *Runtime) drainInstances(ctx context.Context, reason types.DeactivateReason) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(drainConcurrency)

	for _, entry := range r.reg.Snapshot() {
		inst, ok := entry.(*instance.Instance)
		if !ok {
			continue
		}
		g.Go(func() error {
			return inst.Stop(ctx, reason)
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Warn().Err(err).Msg("Instance drain incomplete")
	}
}

// reactivateReleased runs on the leader after a dead member's
// placements were released: the freed entities are activated again on
// surviving nodes so pending alarms keep a live target.
func (r *Runtime) reactivateReleased(node string, released []types.Key) {
	r.log.Info().Str("node", node).Int("entities", len(released)).
		Msg("Re-activating entities from lost node")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(drainConcurrency)
	for _, key := range released {
		g.Go(func() error {
			if _, err := r.EnsureActivated(ctx, key.Type, key.ID); err != nil {
				r.log.Warn().Err(err).Str("entity", key.String()).
					Msg("Re-activation after node loss failed")
			}
			return nil
		})
	}
	g.Wait()
}

// evacuateLocal runs when this node has lost contact with any leader
// long enough that the majority side will have reassigned its
// placements. Local instances stop so the singleton invariant holds
// across the partition.
func (r *Runtime) evacuateLocal() {
	r.log.Warn().Msg("Node isolated, deactivating local instances")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.drainInstances(ctx, types.ReasonMigrated)
}

func (r *Runtime) registerHealth() {
	// An in-memory node has no store to gate readiness on.
	critical := []string{"cluster"}
	if r.store != nil {
		critical = append(critical, "store")
		metrics.RegisterComponent("store", true, "connected")
	}
	metrics.SetCritical(critical...)
	metrics.RegisterComponent("cluster", true, "member")
	metrics.RegisterComponent("scheduler", true, "running")
}

func (r *Runtime) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())

	r.httpSrv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := r.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error().Err(err).Msg("Metrics listener stopped")
		}
	}()
}

// withDeadline applies the runtime's default invocation deadline when
// the caller's context carries none.
func (r *Runtime) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.Deadline)
}

func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "silo"
	}
	return host + "-" + uuid.NewString()[:8]
}

func members(list []string) []string {
	if len(list) == 1 && strings.EqualFold(list[0], "auto") {
		return nil
	}
	return list
}
