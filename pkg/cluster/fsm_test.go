package cluster

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silobase/silo/pkg/types"
)

func applyCommand(t *testing.T, f *FSM, op string, payload any) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	buf, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return f.Apply(&raft.Log{Data: buf})
}

func registerNode(t *testing.T, f *FSM, id, grpcAddr string) {
	t.Helper()
	resp := applyCommand(t, f, opRegisterNode, nodePayload{
		ID:       id,
		GRPCAddr: grpcAddr,
		RaftAddr: id + ":7000",
		JoinedAt: time.Now().UTC(),
	})
	require.Nil(t, resp)
}

func TestClaimFirstWins(t *testing.T) {
	f := NewFSM()
	registerNode(t, f, "node-a", "a:9000")
	registerNode(t, f, "node-b", "b:9000")
	key := types.NewKey("counter", "c1")

	resp := applyCommand(t, f, opClaim, placementPayload{Type: key.Type, ID: key.ID, Node: "node-a"})
	require.Equal(t, claimResult{Node: "node-a"}, resp)

	// A later claim does not displace the standing owner.
	resp = applyCommand(t, f, opClaim, placementPayload{Type: key.Type, ID: key.ID, Node: "node-b"})
	require.Equal(t, claimResult{Node: "node-a"}, resp)

	owner, ok := f.Owner(key)
	require.True(t, ok)
	assert.Equal(t, "node-a", owner)
}

func TestReleaseOnlyByOwner(t *testing.T) {
	f := NewFSM()
	registerNode(t, f, "node-a", "a:9000")
	key := types.NewKey("counter", "c1")
	applyCommand(t, f, opClaim, placementPayload{Type: key.Type, ID: key.ID, Node: "node-a"})

	applyCommand(t, f, opRelease, placementPayload{Type: key.Type, ID: key.ID, Node: "node-b"})
	_, ok := f.Owner(key)
	assert.True(t, ok, "release by a non-owner must not free the key")

	applyCommand(t, f, opRelease, placementPayload{Type: key.Type, ID: key.ID, Node: "node-a"})
	_, ok = f.Owner(key)
	assert.False(t, ok)
}

func TestNodeFailureFreesPlacements(t *testing.T) {
	f := NewFSM()
	registerNode(t, f, "node-a", "a:9000")
	registerNode(t, f, "node-b", "b:9000")

	one := types.NewKey("counter", "c1")
	two := types.NewKey("counter", "c2")
	other := types.NewKey("counter", "c3")
	applyCommand(t, f, opClaim, placementPayload{Type: one.Type, ID: one.ID, Node: "node-a"})
	applyCommand(t, f, opClaim, placementPayload{Type: two.Type, ID: two.ID, Node: "node-a"})
	applyCommand(t, f, opClaim, placementPayload{Type: other.Type, ID: other.ID, Node: "node-b"})

	resp := applyCommand(t, f, opReleaseNode, releaseNodePayload{Node: "node-a"})
	released, ok := resp.([]types.Key)
	require.True(t, ok)
	assert.ElementsMatch(t, []types.Key{one, two}, released)

	_, ok = f.Node("node-a")
	assert.False(t, ok)
	assert.Equal(t, 1, f.PlacementCount())

	// The freed keys re-place on the survivor.
	resp = applyCommand(t, f, opClaim, placementPayload{Type: one.Type, ID: one.ID, Node: "node-b"})
	require.Equal(t, claimResult{Node: "node-b"}, resp)
}

func TestClaimIgnoresDeadOwner(t *testing.T) {
	f := NewFSM()
	registerNode(t, f, "node-a", "a:9000")
	key := types.NewKey("counter", "c1")
	applyCommand(t, f, opClaim, placementPayload{Type: key.Type, ID: key.ID, Node: "node-a"})

	// Directory entry gone but the placement row was left behind: the
	// next claim takes over instead of routing to a ghost.
	f.mu.Lock()
	delete(f.nodes, "node-a")
	f.mu.Unlock()

	registerNode(t, f, "node-b", "b:9000")
	resp := applyCommand(t, f, opClaim, placementPayload{Type: key.Type, ID: key.ID, Node: "node-b"})
	require.Equal(t, claimResult{Node: "node-b"}, resp)
}

func TestPlacementsByNode(t *testing.T) {
	f := NewFSM()
	registerNode(t, f, "node-a", "a:9000")
	applyCommand(t, f, opClaim, placementPayload{Type: "counter", ID: "c1", Node: "node-a"})
	applyCommand(t, f, opClaim, placementPayload{Type: "session", ID: "s1", Node: "node-a"})

	keys := f.Placements("node-a")
	assert.ElementsMatch(t, []types.Key{
		types.NewKey("counter", "c1"),
		types.NewKey("session", "s1"),
	}, keys)
	assert.Empty(t, f.Placements("node-b"))
}

func TestUnknownCommand(t *testing.T) {
	f := NewFSM()
	resp := applyCommand(t, f, "rebalance", map[string]string{})
	err, ok := resp.(error)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "unknown command")
}

type memorySink struct {
	bytes.Buffer
}

func (m *memorySink) ID() string    { return "test" }
func (m *memorySink) Cancel() error { return nil }
func (m *memorySink) Close() error  { return nil }

func TestSnapshotRestore(t *testing.T) {
	f := NewFSM()
	registerNode(t, f, "node-a", "a:9000")
	registerNode(t, f, "node-b", "b:9000")
	applyCommand(t, f, opClaim, placementPayload{Type: "counter", ID: "c1", Node: "node-a"})
	applyCommand(t, f, opClaim, placementPayload{Type: "session", ID: "s1", Node: "node-b"})

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	restored := NewFSM()
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	owner, ok := restored.Owner(types.NewKey("counter", "c1"))
	require.True(t, ok)
	assert.Equal(t, "node-a", owner)
	owner, ok = restored.Owner(types.NewKey("session", "s1"))
	require.True(t, ok)
	assert.Equal(t, "node-b", owner)

	info, ok := restored.Node("node-b")
	require.True(t, ok)
	assert.Equal(t, "b:9000", info.GRPCAddr)
	assert.Len(t, restored.Nodes(), 2)
}
