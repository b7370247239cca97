// Package runtime is the node facade of the virtual-actor system. A
// Runtime owns this process's live entity instances, routes
// invocations from (type, id) to the owning instance — activating it on
// demand and forwarding across the cluster when placement lands on a
// peer — and runs the alarm delivery backend while it holds singleton
// duties.
//
// A minimal node:
//
//	catalog.Register(counterDefinition)
//
//	rt, err := runtime.New(runtime.Config{Store: st})
//	...
//	rt.Start(ctx)
//	defer rt.Stop(ctx)
//
//	res, err := rt.Invoke(ctx, "counter", "c1", "increment", 5)
//
// Each entity executes strictly one handler at a time; concurrent
// invokes against the same (type, id) queue at its mailbox. State
// mutations persist before the reply, and a rejected write leaves both
// the in-memory and stored state at their pre-handler values.
package runtime
