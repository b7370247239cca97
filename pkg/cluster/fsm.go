package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/silobase/silo/pkg/types"
)

// Command is one replicated state change in the raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Replicated operations.
const (
	opClaim        = "claim"
	opRelease      = "release"
	opReleaseNode  = "release_node"
	opRegisterNode = "register_node"
)

type placementPayload struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Node string `json:"node"`
}

type nodePayload struct {
	ID       string    `json:"id"`
	GRPCAddr string    `json:"grpc_addr"`
	RaftAddr string    `json:"raft_addr"`
	JoinedAt time.Time `json:"joined_at"`
}

type releaseNodePayload struct {
	Node string `json:"node"`
}

// claimResult is the Apply response for a claim: the owner after the
// command, whether the claim won or an earlier placement stood.
type claimResult struct {
	Node string
}

// FSM is the replicated placement directory: which node owns each
// entity key, and how to reach each node. Claims are first-wins; a
// claim for an already-placed key returns the standing owner. A
// placement whose node has left the directory is free to re-claim.
type FSM struct {
	mu         sync.RWMutex
	placements map[types.Key]string
	nodes      map[string]types.NodeInfo
}

// NewFSM builds an empty directory.
func NewFSM() *FSM {
	return &FSM{
		placements: make(map[types.Key]string),
		nodes:      make(map[string]types.NodeInfo),
	}
}

// Apply applies a committed log entry. Called by raft on every member.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("cluster: failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opClaim:
		var p placementPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		key := types.NewKey(p.Type, p.ID)
		if owner, ok := f.placements[key]; ok {
			if _, live := f.nodes[owner]; live {
				return claimResult{Node: owner}
			}
		}
		f.placements[key] = p.Node
		return claimResult{Node: p.Node}

	case opRelease:
		var p placementPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		key := types.NewKey(p.Type, p.ID)
		if f.placements[key] == p.Node {
			delete(f.placements, key)
		}
		return nil

	case opReleaseNode:
		var p releaseNodePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		var released []types.Key
		for key, owner := range f.placements {
			if owner == p.Node {
				delete(f.placements, key)
				released = append(released, key)
			}
		}
		delete(f.nodes, p.Node)
		return released

	case opRegisterNode:
		var p nodePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		f.nodes[p.ID] = types.NodeInfo{
			ID:       p.ID,
			GRPCAddr: p.GRPCAddr,
			RaftAddr: p.RaftAddr,
			JoinedAt: p.JoinedAt,
		}
		return nil

	default:
		return fmt.Errorf("cluster: unknown command: %s", cmd.Op)
	}
}

// Owner reports the node holding key.
func (f *FSM) Owner(key types.Key) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	owner, ok := f.placements[key]
	return owner, ok
}

// Placements lists every key held by node.
func (f *FSM) Placements(node string) []types.Key {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var keys []types.Key
	for key, owner := range f.placements {
		if owner == node {
			keys = append(keys, key)
		}
	}
	return keys
}

// PlacementCount reports directory size.
func (f *FSM) PlacementCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.placements)
}

// Node looks up one member.
func (f *FSM) Node(id string) (types.NodeInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info, ok := f.nodes[id]
	return info, ok
}

// Nodes lists the current members.
func (f *FSM) Nodes() []types.NodeInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]types.NodeInfo, 0, len(f.nodes))
	for _, info := range f.nodes {
		out = append(out, info)
	}
	return out
}

// Snapshot captures the directory for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &directorySnapshot{
		Placements: make([]placementPayload, 0, len(f.placements)),
		Nodes:      make([]types.NodeInfo, 0, len(f.nodes)),
	}
	for key, owner := range f.placements {
		snap.Placements = append(snap.Placements, placementPayload{
			Type: key.Type, ID: key.ID, Node: owner,
		})
	}
	for _, info := range f.nodes {
		snap.Nodes = append(snap.Nodes, info)
	}
	return snap, nil
}

// Restore replaces the directory from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap directorySnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("cluster: failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.placements = make(map[types.Key]string, len(snap.Placements))
	for _, p := range snap.Placements {
		f.placements[types.NewKey(p.Type, p.ID)] = p.Node
	}
	f.nodes = make(map[string]types.NodeInfo, len(snap.Nodes))
	for _, info := range snap.Nodes {
		f.nodes[info.ID] = info
	}
	return nil
}

// directorySnapshot is the JSON point-in-time form of the directory.
type directorySnapshot struct {
	Placements []placementPayload `json:"placements"`
	Nodes      []types.NodeInfo   `json:"nodes"`
}

// Persist writes the snapshot to the sink.
func (s *directorySnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases snapshot resources.
func (s *directorySnapshot) Release() {}
