package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// UnknownTypeError indicates no definition is registered for an entity type.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown entity type %q", e.Type)
}

// UnknownHandlerError indicates the handler name does not resolve to an
// entry point of the right arity on the entity's definition.
type UnknownHandlerError struct {
	Type    string
	Handler string
}

func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("entity type %q has no handler %q", e.Type, e.Handler)
}

// HandlerError wraps an application error returned (or panicked) by a
// handler. State and alarms are untouched when a handler fails.
type HandlerError struct {
	Key     Key
	Handler string
	Cause   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s.%s failed: %v", e.Key, e.Handler, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// PersistenceError wraps a store failure during save or delete. The
// in-memory state is rolled back when persistence fails mid-handler.
type PersistenceError struct {
	Op    string
	Key   Key
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.Key, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// LoadError indicates the initial load failed during activation. The
// activation is aborted; a later call retries from scratch.
type LoadError struct {
	Key   Key
	Cause error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Key, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// ScheduleError wraps a scheduler backend failure on a direct schedule,
// cancel, or list call. Failures while committing a handler's alarm
// directive are logged instead, never surfaced to the caller.
type ScheduleError struct {
	Key   Key
	Name  string
	Cause error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("schedule %s alarm %q: %v", e.Key, e.Name, e.Cause)
}

func (e *ScheduleError) Unwrap() error { return e.Cause }

// ActivationError indicates an instance could not be activated or reached.
type ActivationError struct {
	Key   Key
	Cause error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate %s: %v", e.Key, e.Cause)
}

func (e *ActivationError) Unwrap() error { return e.Cause }

// ValidationError indicates a state document cannot be persisted as given.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "invalid state document: " + e.Detail
}

// TimeoutError indicates an invocation exceeded its deadline. The instance
// may still complete the handler; only the reply is abandoned.
type TimeoutError struct {
	Key     Key
	Handler string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("invoke %s.%s: deadline exceeded", e.Key, e.Handler)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }
