package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/silobase/silo/pkg/events"
	"github.com/silobase/silo/pkg/metrics"
	"github.com/silobase/silo/pkg/types"
)

// Raft tuning. Defaults are WAN-conservative; these target LAN
// failover of a few seconds.
const (
	heartbeatTimeout   = 500 * time.Millisecond
	electionTimeout    = 500 * time.Millisecond
	commitTimeout      = 50 * time.Millisecond
	leaderLeaseTimeout = 250 * time.Millisecond

	applyTimeout    = 5 * time.Second
	leadershipWait  = 10 * time.Second
	memberOpTimeout = 10 * time.Second
	snapshotsRetain = 2

	// downAfter is how long a member may miss heartbeats before the
	// leader declares it dead and releases its placements.
	downAfter = 10 * time.Second

	gaugeInterval = 5 * time.Second
)

// Distributed is the raft-backed topology. Every member replicates the
// placement directory (FSM); placement commands are applied through the
// leader, with followers forwarding over the node service. The leader
// additionally watches member heartbeats and releases the placements of
// nodes that stay silent past downAfter, so their entities can
// re-activate on survivors.
type Distributed struct {
	cfg    Config
	self   types.NodeInfo
	fsm    *FSM
	pool   *Pool
	broker *events.Broker
	log    zerolog.Logger

	mu          sync.RWMutex
	raft        *raft.Raft
	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore

	onNodeDown func(node string, released []types.Key)
	onIsolated func()

	// Touched only from the watch goroutine.
	leaderSeen time.Time
	isolated   bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDistributed validates cfg and builds the topology; Start brings
// raft up.
func NewDistributed(cfg Config, broker *events.Broker, logger zerolog.Logger) (*Distributed, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("cluster: distributed mode requires a node id")
	}
	if cfg.BindAddr == "" {
		return nil, errors.New("cluster: distributed mode requires a raft bind address")
	}
	if cfg.GRPCAddr == "" {
		return nil, errors.New("cluster: distributed mode requires a grpc address")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("cluster: distributed mode requires a data directory")
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.BindAddr
	}
	return &Distributed{
		cfg: cfg,
		self: types.NodeInfo{
			ID:       cfg.NodeID,
			GRPCAddr: cfg.GRPCAddr,
			RaftAddr: cfg.AdvertiseAddr,
		},
		fsm:    NewFSM(),
		pool:   NewPool(logger),
		broker: broker,
		log:    logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// SetNodeDownHandler registers the callback the leader invokes after
// releasing a dead member's placements, with the freed keys. The
// runtime re-activates them on survivors. Set before Start.
func (d *Distributed) SetNodeDownHandler(fn func(node string, released []types.Key)) {
	d.onNodeDown = fn
}

// SetIsolationHandler registers the callback invoked once per episode
// when this node has gone downAfter without seeing any leader. The
// runtime deactivates local instances then, since the majority side
// will have reassigned them. Set before Start.
func (d *Distributed) SetIsolationHandler(fn func()) {
	d.onIsolated = fn
}

// Start builds the raft node and either bootstraps a fresh cluster,
// rejoins from existing local state, or joins via the configured
// members.
func (d *Distributed) Start(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("cluster: failed to create data directory: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(d.cfg.NodeID)
	config.HeartbeatTimeout = heartbeatTimeout
	config.ElectionTimeout = electionTimeout
	config.CommitTimeout = commitTimeout
	config.LeaderLeaseTimeout = leaderLeaseTimeout
	config.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Output: d.log,
		Level:  hclog.Warn,
	})

	addr, err := net.ResolveTCPAddr("tcp", d.cfg.AdvertiseAddr)
	if err != nil {
		return fmt.Errorf("cluster: failed to resolve advertise address: %w", err)
	}
	transport, err := raft.NewTCPTransport(d.cfg.BindAddr, addr, 3, 10*time.Second, d.log)
	if err != nil {
		return fmt.Errorf("cluster: failed to create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(d.cfg.DataDir, snapshotsRetain, d.log)
	if err != nil {
		return fmt.Errorf("cluster: failed to create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(d.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("cluster: failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(d.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("cluster: failed to create stable store: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return fmt.Errorf("cluster: failed to check raft state: %w", err)
	}

	r, err := raft.NewRaft(config, d.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("cluster: failed to create raft: %w", err)
	}

	d.mu.Lock()
	d.raft = r
	d.logStore = logStore
	d.stableStore = stableStore
	d.mu.Unlock()

	go d.watch()

	bootstrap := len(d.cfg.Members) == 0 ||
		(len(d.cfg.Members) == 1 && d.cfg.Members[0] == "auto")
	switch {
	case hasState:
		d.log.Info().Str("node", d.self.ID).Msg("Rejoining cluster from existing raft state")
		return nil
	case bootstrap:
		return d.bootstrap(ctx, transport)
	default:
		return d.join(ctx)
	}
}

func (d *Distributed) bootstrap(ctx context.Context, transport raft.Transport) error {
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(d.cfg.NodeID), Address: transport.LocalAddr()},
		},
	}
	if err := d.ra().BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("cluster: failed to bootstrap: %w", err)
	}
	if err := d.waitLeadership(ctx); err != nil {
		return err
	}
	if _, err := d.apply(opRegisterNode, nodePayload{
		ID:       d.self.ID,
		GRPCAddr: d.self.GRPCAddr,
		RaftAddr: d.self.RaftAddr,
		JoinedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("cluster: failed to register self: %w", err)
	}
	d.emitNode(events.PathNodeJoined, d.self.ID)
	d.log.Info().Str("node", d.self.ID).Msg("Bootstrapped single-node cluster")
	return nil
}

func (d *Distributed) join(ctx context.Context) error {
	info := d.self
	info.JoinedAt = time.Now().UTC()

	var lastErr error
	for _, member := range d.cfg.Members {
		cli, err := d.pool.Get(member)
		if err != nil {
			lastErr = err
			continue
		}
		joinCtx, cancel := context.WithTimeout(ctx, memberOpTimeout)
		err = cli.Join(joinCtx, info)
		cancel()
		if err == nil {
			d.log.Info().Str("node", d.self.ID).Str("via", member).Msg("Joined cluster")
			return nil
		}
		lastErr = err
		d.log.Warn().Err(err).Str("member", member).Msg("Join attempt failed")
	}
	return fmt.Errorf("cluster: failed to join via any member: %w", lastErr)
}

func (d *Distributed) waitLeadership(ctx context.Context) error {
	deadline := time.Now().Add(leadershipWait)
	for time.Now().Before(deadline) {
		if d.IsLeader() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return errors.New("cluster: shut down while waiting for leadership")
		case <-time.After(100 * time.Millisecond):
		}
	}
	return errors.New("cluster: timed out waiting for leadership")
}

func (d *Distributed) Self() types.NodeInfo { return d.self }

func (d *Distributed) Acquire(ctx context.Context, key types.Key) (types.Location, error) {
	owner, err := d.HandleClaim(ctx, key, d.self.ID)
	if err != nil {
		return types.Location{}, err
	}
	return types.Location{Node: owner, Self: owner == d.self.ID}, nil
}

func (d *Distributed) Lookup(_ context.Context, key types.Key) (types.Location, bool, error) {
	owner, ok := d.fsm.Owner(key)
	if !ok {
		return types.Location{}, false, nil
	}
	return types.Location{Node: owner, Self: owner == d.self.ID}, true, nil
}

func (d *Distributed) Release(ctx context.Context, key types.Key) error {
	return d.HandleRelease(ctx, key, d.self.ID)
}

func (d *Distributed) IsLeader() bool {
	r := d.ra()
	return r != nil && r.State() == raft.Leader
}

// PlacementCount returns the size of the replicated placement directory.
func (d *Distributed) PlacementCount() int {
	return d.fsm.PlacementCount()
}

func (d *Distributed) Peers() []types.NodeInfo {
	return d.fsm.Nodes()
}

func (d *Distributed) Remote(nodeID string) (*Client, error) {
	info, ok := d.fsm.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("cluster: unknown node %q", nodeID)
	}
	return d.pool.Get(info.GRPCAddr)
}

// HandleClaim applies a claim for node, forwarding to the leader from
// followers. Returns the owner after the command: the claimer on a win,
// the standing owner otherwise.
func (d *Distributed) HandleClaim(ctx context.Context, key types.Key, node string) (string, error) {
	if d.IsLeader() {
		resp, err := d.apply(opClaim, placementPayload{Type: key.Type, ID: key.ID, Node: node})
		if err != nil {
			return "", err
		}
		res, ok := resp.(claimResult)
		if !ok {
			return "", fmt.Errorf("cluster: unexpected claim response %T", resp)
		}
		metrics.PlacementsTotal.Set(float64(d.fsm.PlacementCount()))
		return res.Node, nil
	}
	cli, err := d.leaderClient()
	if err != nil {
		return "", err
	}
	return cli.Claim(ctx, key, node)
}

// HandleRelease applies a release for node, forwarding like HandleClaim.
func (d *Distributed) HandleRelease(ctx context.Context, key types.Key, node string) error {
	if d.IsLeader() {
		if _, err := d.apply(opRelease, placementPayload{Type: key.Type, ID: key.ID, Node: node}); err != nil {
			return err
		}
		metrics.PlacementsTotal.Set(float64(d.fsm.PlacementCount()))
		return nil
	}
	cli, err := d.leaderClient()
	if err != nil {
		return err
	}
	return cli.Release(ctx, key, node)
}

// HandleJoin adds a member, forwarding to the leader from followers.
func (d *Distributed) HandleJoin(ctx context.Context, info types.NodeInfo) error {
	if !d.IsLeader() {
		cli, err := d.leaderClient()
		if err != nil {
			return err
		}
		return cli.Join(ctx, info)
	}

	future := d.ra().AddVoter(raft.ServerID(info.ID), raft.ServerAddress(info.RaftAddr), 0, memberOpTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: failed to add voter %s: %w", info.ID, err)
	}
	if _, err := d.apply(opRegisterNode, nodePayload{
		ID:       info.ID,
		GRPCAddr: info.GRPCAddr,
		RaftAddr: info.RaftAddr,
		JoinedAt: info.JoinedAt,
	}); err != nil {
		return err
	}
	d.emitNode(events.PathNodeJoined, info.ID)
	d.log.Info().Str("node", info.ID).Str("raft_addr", info.RaftAddr).Msg("Member joined")
	return nil
}

// Close leaves the cluster: transfers leadership when held, shuts raft
// down, and closes stores and peer connections. Per-key releases happen
// before this, during the runtime's drain; stragglers are reclaimed by
// the next leader's failure detector.
func (d *Distributed) Close() error {
	d.stopOnce.Do(func() { close(d.stopCh) })

	r := d.ra()
	if r != nil {
		<-d.doneCh
		if r.State() == raft.Leader {
			if err := r.LeadershipTransfer().Error(); err != nil {
				d.log.Debug().Err(err).Msg("Leadership transfer on shutdown failed")
			}
		}
		if err := r.Shutdown().Error(); err != nil {
			d.log.Warn().Err(err).Msg("Raft shutdown failed")
		}
	}

	d.pool.Close()
	if d.logStore != nil {
		_ = d.logStore.Close()
	}
	if d.stableStore != nil {
		_ = d.stableStore.Close()
	}
	return nil
}

// watch consumes heartbeat observations and keeps cluster gauges fresh.
func (d *Distributed) watch() {
	defer close(d.doneCh)

	obsCh := make(chan raft.Observation, 16)
	observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.FailedHeartbeatObservation)
		return ok
	})
	r := d.ra()
	r.RegisterObserver(observer)
	defer r.DeregisterObserver(observer)

	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case obs := <-obsCh:
			if failed, ok := obs.Data.(raft.FailedHeartbeatObservation); ok {
				d.handleHeartbeatFailure(failed)
			}
		case <-ticker.C:
			d.updateGauges()
			d.checkIsolation()
		case <-d.stopCh:
			return
		}
	}
}

// checkIsolation watches for the minority side of a partition: no
// reachable leader for downAfter straight. The cut node cannot release
// its placements (that needs the leader), so it only evacuates; the
// majority's failure detector frees the keys.
func (d *Distributed) checkIsolation() {
	addr, _ := d.ra().LeaderWithID()
	now := time.Now()
	if addr != "" {
		d.leaderSeen = now
		d.isolated = false
		return
	}
	if d.leaderSeen.IsZero() {
		d.leaderSeen = now
		return
	}
	if d.isolated || now.Sub(d.leaderSeen) < downAfter {
		return
	}
	d.isolated = true
	d.log.Warn().Time("leader_seen", d.leaderSeen).
		Msg("No leader contact, evacuating local instances")
	if d.broker != nil {
		d.broker.Emit(events.PathNodeIsolated, map[string]any{
			"node": d.self.ID,
		})
	}
	if d.onIsolated != nil {
		d.onIsolated()
	}
}

// handleHeartbeatFailure runs on the leader when a follower misses
// heartbeats. One missed beat is noise; a member silent past downAfter
// is removed and its placements freed.
func (d *Distributed) handleHeartbeatFailure(obs raft.FailedHeartbeatObservation) {
	if !d.IsLeader() {
		return
	}
	node := string(obs.PeerID)
	if time.Since(obs.LastContact) < downAfter {
		return
	}
	if _, ok := d.fsm.Node(node); !ok {
		return // already handled
	}

	d.log.Warn().Str("node", node).Time("last_contact", obs.LastContact).
		Msg("Member unresponsive, releasing its placements")

	if err := d.ra().RemoveServer(raft.ServerID(node), 0, memberOpTimeout).Error(); err != nil {
		d.log.Warn().Err(err).Str("node", node).Msg("Failed to remove dead member")
	}
	resp, err := d.apply(opReleaseNode, releaseNodePayload{Node: node})
	if err != nil {
		d.log.Error().Err(err).Str("node", node).Msg("Failed to release dead member placements")
		return
	}
	released, _ := resp.([]types.Key)

	if d.broker != nil {
		d.broker.Emit(events.PathNodeDown, map[string]any{
			"node":     node,
			"released": len(released),
		})
	}
	d.updateGauges()
	if d.onNodeDown != nil && len(released) > 0 {
		d.onNodeDown(node, released)
	}
}

func (d *Distributed) updateGauges() {
	if d.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	metrics.RaftPeers.Set(float64(len(d.fsm.Nodes())))
	metrics.PlacementsTotal.Set(float64(d.fsm.PlacementCount()))
}

// apply replicates one command and unwraps the FSM response.
func (d *Distributed) apply(op string, payload any) (interface{}, error) {
	r := d.ra()
	if r == nil {
		return nil, ErrNoLeader
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to marshal %s payload: %w", op, err)
	}
	buf, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to marshal command: %w", err)
	}
	future := r.Apply(buf, applyTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("cluster: failed to apply %s: %w", op, err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return nil, err
		}
		return resp, nil
	}
	return nil, nil
}

// leaderClient resolves the current leader's gRPC endpoint.
func (d *Distributed) leaderClient() (*Client, error) {
	r := d.ra()
	if r == nil {
		return nil, ErrNoLeader
	}
	_, leaderID := r.LeaderWithID()
	if leaderID == "" {
		return nil, ErrNoLeader
	}
	info, ok := d.fsm.Node(string(leaderID))
	if !ok {
		return nil, fmt.Errorf("%w: leader %s not in directory yet", ErrNoLeader, leaderID)
	}
	return d.pool.Get(info.GRPCAddr)
}

func (d *Distributed) ra() *raft.Raft {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.raft
}

func (d *Distributed) emitNode(path, node string) {
	if d.broker == nil {
		return
	}
	d.broker.Emit(path, map[string]any{"node": node})
}
