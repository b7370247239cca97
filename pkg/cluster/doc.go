// Package cluster decides where entities live.
//
// The runtime sees one interface, Topology, with two realizations:
//
// Local: a single process. Every acquire lands on self, leadership is
// unconditional, lookups consult the in-process registry.
//
// Distributed: members replicate a placement directory through raft.
// The directory maps entity keys to owning nodes and nodes to their
// gRPC endpoints. Claims are first-wins commands applied through the
// leader; followers forward their commands over the node service.
//
//	        ┌──────────┐   Claim/Release    ┌──────────┐
//	        │ follower │ ─────────────────► │  leader  │
//	        └──────────┘    (gRPC fwd)      └────┬─────┘
//	              ▲                              │ raft Apply
//	              │        replicated log        ▼
//	        ┌─────┴────────────────────────────────────┐
//	        │        FSM: placements + members         │
//	        └──────────────────────────────────────────┘
//
// The node service (silo.v1.Node) also carries entity traffic: Invoke,
// Ensure and Deactivate are forwarded to whichever node the directory
// names as owner. Requests and replies travel as structpb documents,
// and the error taxonomy is mapped onto gRPC status codes so remote
// failures classify exactly like local ones.
//
// The leader watches heartbeats: a member silent past downAfter is
// removed, its placements released, and the registered node-down
// handler re-activates the freed entities on survivors. Per-peer
// clients are cached and guarded by circuit breakers so a dead node
// fails fast.
package cluster
