package cluster

import (
	"context"

	"github.com/silobase/silo/pkg/registry"
	"github.com/silobase/silo/pkg/types"
)

// Local is the single-process topology: every key lives here, this
// node is always the leader, and there is nobody to forward to.
type Local struct {
	self types.NodeInfo
	reg  *registry.Local
}

// NewLocal builds the local topology over the process registry.
func NewLocal(nodeID string, reg *registry.Local) *Local {
	if nodeID == "" {
		nodeID = "local"
	}
	return &Local{self: types.NodeInfo{ID: nodeID}, reg: reg}
}

func (l *Local) Self() types.NodeInfo { return l.self }

func (l *Local) Acquire(_ context.Context, _ types.Key) (types.Location, error) {
	return types.Location{Node: l.self.ID, Self: true}, nil
}

func (l *Local) Lookup(_ context.Context, key types.Key) (types.Location, bool, error) {
	if l.reg == nil {
		return types.Location{}, false, nil
	}
	if _, ok := l.reg.Locate(key); !ok {
		return types.Location{}, false, nil
	}
	return types.Location{Node: l.self.ID, Self: true}, true, nil
}

func (l *Local) Release(_ context.Context, _ types.Key) error { return nil }

func (l *Local) IsLeader() bool { return true }

func (l *Local) Peers() []types.NodeInfo { return []types.NodeInfo{l.self} }

func (l *Local) Remote(string) (*Client, error) { return nil, ErrNoRemote }

func (l *Local) Start(context.Context) error { return nil }

func (l *Local) Close() error { return nil }
