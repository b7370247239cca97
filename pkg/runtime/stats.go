package runtime

import (
	"github.com/silobase/silo/pkg/registry"
	"github.com/silobase/silo/pkg/types"
)

// Runtime implements metrics.StatsSource so the collector can sample
// gauge values without holding a reference to the internals.

// InstanceCounts returns live instance counts keyed by entity type and
// lifecycle status.
func (r *Runtime) InstanceCounts() map[string]map[string]int {
	counts := make(map[string]map[string]int)
	r.reg.Range(func(key types.Key, inst registry.Instance) bool {
		byStatus := counts[key.Type]
		if byStatus == nil {
			byStatus = make(map[string]int)
			counts[key.Type] = byStatus
		}
		byStatus[string(inst.Status())]++
		return true
	})
	return counts
}

// IsLeader reports whether this node currently holds singleton duties.
func (r *Runtime) IsLeader() bool { return r.topo.IsLeader() }

// Peers returns the number of cluster members, including this node.
func (r *Runtime) Peers() int { return len(r.topo.Peers()) }

// Placements returns the size of the placement directory. A local node
// counts its own registry instead.
func (r *Runtime) Placements() int {
	if r.dist != nil {
		return r.dist.PlacementCount()
	}
	return r.reg.Len()
}
