package types

import (
	"fmt"
	"time"
)

// Key identifies a single virtual entity instance.
type Key struct {
	Type string
	ID   string
}

// NewKey builds a Key from an entity type and id.
func NewKey(typ, id string) Key {
	return Key{Type: typ, ID: id}
}

func (k Key) String() string {
	return k.Type + "/" + k.ID
}

// Status represents the lifecycle state of an entity instance.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusLoading      Status = "loading"
	StatusReady        Status = "ready"
	StatusHandling     Status = "handling"
	StatusHibernated   Status = "hibernated"
	StatusTerminating  Status = "terminating"
)

// FireHandler is the reserved entry point the scheduler uses to deliver
// alarms. It routes to the entity's alarm handler, never to a named handler.
const FireHandler = "__fire__"

// NoHandler is the reply value for an alarm fired at an entity type that
// declares no alarm handler. The alarm is considered delivered.
const NoHandler = "no_handler"

// Result is the outcome of a successful invocation.
type Result struct {
	// Value is the handler-supplied reply value.
	Value any

	// NoReply is set when the handler acknowledged without a value.
	NoReply bool
}

// AlarmEntry is one pending alarm for an entity.
type AlarmEntry struct {
	Name string
	At   time.Time
}

// Location describes where an entity instance is currently active.
type Location struct {
	Node string
	Self bool
}

// DeactivateReason explains why an instance is being torn down.
type DeactivateReason string

const (
	ReasonNormal    DeactivateReason = "normal"
	ReasonShutdown  DeactivateReason = "shutdown"
	ReasonRequested DeactivateReason = "requested"
	ReasonMigrated  DeactivateReason = "migrated"
	ReasonCrashed   DeactivateReason = "crashed"
)

// NodeInfo describes one member of the cluster.
type NodeInfo struct {
	ID       string
	GRPCAddr string
	RaftAddr string
	JoinedAt time.Time
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("%s (%s)", n.ID, n.GRPCAddr)
}
