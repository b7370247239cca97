package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/silobase/silo/pkg/events"
	"github.com/silobase/silo/pkg/registry"
	"github.com/silobase/silo/pkg/types"
)

// Topology modes.
const (
	ModeLocal       = "local"
	ModeDistributed = "distributed"
)

// ErrNoRemote is returned when a remote peer is requested in a topology
// that has none.
var ErrNoRemote = errors.New("cluster: no remote nodes in this topology")

// ErrNoLeader is returned when a placement command cannot reach a
// leader. Callers should retry; elections settle in a few seconds.
var ErrNoLeader = errors.New("cluster: no leader elected")

// Topology is the runtime's view of the deployment. Local mode places
// everything on this process; distributed mode runs a raft placement
// directory. Callers never branch on the mode: they acquire, look at
// Location.Self, and either activate locally or forward to the owner.
type Topology interface {
	// Self describes this node.
	Self() types.NodeInfo

	// Acquire claims key for this node, first-wins. The returned
	// Location names the actual owner, which may be another node.
	Acquire(ctx context.Context, key types.Key) (types.Location, error)

	// Lookup reports the current owner without claiming. Reads may be
	// slightly stale on followers.
	Lookup(ctx context.Context, key types.Key) (types.Location, bool, error)

	// Release frees key if this node owns it.
	Release(ctx context.Context, key types.Key) error

	// IsLeader reports whether this node holds singleton duties
	// (alarm polling, failover sweeps).
	IsLeader() bool

	// Peers lists the current members, self included.
	Peers() []types.NodeInfo

	// Remote returns a client for forwarding work to another member.
	Remote(nodeID string) (*Client, error)

	// Start brings the topology up: bootstrap or join for distributed,
	// a no-op for local.
	Start(ctx context.Context) error

	// Close leaves the topology, handing placements back first.
	Close() error
}

// Config selects and parameterizes the topology.
type Config struct {
	Mode          string   // "local" (default) or "distributed"
	NodeID        string   // unique member name
	BindAddr      string   // raft listen address
	AdvertiseAddr string   // raft address peers dial; defaults to BindAddr
	GRPCAddr      string   // invocation endpoint peers forward to
	DataDir       string   // raft log, stable store, snapshots
	Members       []string // seed gRPC endpoints; empty or ["auto"] bootstraps
}

// New builds the topology for cfg.Mode. The local registry backs
// Lookup in local mode; distributed mode answers from the placement
// directory instead.
func New(cfg Config, reg *registry.Local, broker *events.Broker, logger zerolog.Logger) (Topology, error) {
	switch cfg.Mode {
	case "", ModeLocal:
		return NewLocal(cfg.NodeID, reg), nil
	case ModeDistributed:
		return NewDistributed(cfg, broker, logger)
	default:
		return nil, fmt.Errorf("cluster: unknown mode %q", cfg.Mode)
	}
}
