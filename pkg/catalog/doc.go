/*
Package catalog holds entity type definitions: persistent fields with
defaults, named handlers, alarm and load hooks, and per-type options.

A definition is registered once per process, usually from an init function
or early in main:

	err := catalog.Register(catalog.Definition{
		Type: "counter",
		Fields: []catalog.Field{
			{Name: "count", Default: 0},
		},
		Handlers: map[string]catalog.Handler{
			"increment": {NArgs: 1, Fn: increment},
			"get":       {NArgs: 0, Fn: get},
		},
	})

Handlers receive a private copy of the state document and express their
outcome as a Return value:

	func increment(ctx context.Context, state catalog.State, args []any) catalog.Return {
		n := state.Int("count") + toInt64(args[0])
		return catalog.Update(n, state.Set("count", n))
	}

	func get(ctx context.Context, state catalog.State, args []any) catalog.Return {
		return catalog.Reply(state.Int("count"))
	}

Return shapes map one-to-one onto what the runtime commits: Reply leaves
state untouched, Update and NoReply swap in a new document (persisted first
when a store is configured), Fail rolls everything back, and Schedule
attaches an alarm directive committed after the state write.

Validation happens at registration: a field named "id" (the injected
identity), a reserved handler name, or a duplicate type fails Register
rather than the first invocation.

The symbol table ports the original runtime's atom-based key policies.
Under existing-symbols, loading a document whose nested object keys were
never interned fails the activation; under create-symbols they are interned
on sight; under strings nested keys pass through untouched.
*/
package catalog
