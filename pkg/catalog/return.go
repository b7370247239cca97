package catalog

import "time"

// AlarmRequest asks the scheduler to (re)arm a named alarm after a delay.
type AlarmRequest struct {
	Name  string
	Delay time.Duration
}

// Return is the outcome of a handler. Construct one with Reply, Update,
// NoReply, or Fail; chain Schedule to attach an alarm directive. The alarm
// commits only after any state change persisted.
type Return struct {
	value    any
	hasValue bool
	state    State
	alarm    *AlarmRequest
	err      error
}

// Reply answers the caller with a value and leaves state untouched.
func Reply(value any) Return {
	return Return{value: value, hasValue: true}
}

// Update answers the caller with a value and replaces the state document.
func Update(value any, state State) Return {
	return Return{value: value, hasValue: true, state: state}
}

// NoReply replaces the state document and acknowledges the caller without a
// value. Passing nil leaves state untouched.
func NoReply(state State) Return {
	return Return{state: state}
}

// Fail reports an application error. State and alarms are untouched.
func Fail(err error) Return {
	return Return{err: err}
}

// Schedule attaches an alarm directive to the return.
func (r Return) Schedule(name string, delay time.Duration) Return {
	r.alarm = &AlarmRequest{Name: name, Delay: delay}
	return r
}

// Value returns the reply value and whether one was supplied.
func (r Return) Value() (any, bool) { return r.value, r.hasValue }

// State returns the replacement state document, or nil for no change.
func (r Return) State() State { return r.state }

// Alarm returns the attached alarm directive, or nil.
func (r Return) Alarm() *AlarmRequest { return r.alarm }

// Err returns the application error, or nil.
func (r Return) Err() error { return r.err }
