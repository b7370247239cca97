package instance

import (
	"time"

	"github.com/silobase/silo/pkg/catalog"
)

const (
	// DefaultHibernateAfter is how long an instance stays idle before its
	// state is packed out of the heap.
	DefaultHibernateAfter = 5 * time.Minute

	// DefaultMailboxSize bounds queued invocations per instance.
	DefaultMailboxSize = 64
)

// Defaults are the runtime-wide instance settings. Zero values mean
// "use the built-in default"; a negative duration disables that timer.
type Defaults struct {
	HibernateAfter time.Duration
	ShutdownAfter  time.Duration
	Mailbox        int
	Keys           catalog.KeyPolicy
}

// Settings are the fully resolved per-instance knobs.
type Settings struct {
	HibernateAfter time.Duration
	ShutdownAfter  time.Duration
	Mailbox        int
	Keys           catalog.KeyPolicy
}

// Resolve layers one type's options over the runtime defaults. Per-type
// values win when set; unset values fall through to the runtime, which
// itself falls back to the built-ins (hibernate 5m, no shutdown, mailbox
// 64, string keys).
func (d Defaults) Resolve(opts catalog.Options) Settings {
	s := Settings{
		HibernateAfter: d.HibernateAfter,
		ShutdownAfter:  d.ShutdownAfter,
		Mailbox:        d.Mailbox,
		Keys:           d.Keys,
	}
	if s.HibernateAfter == 0 {
		s.HibernateAfter = DefaultHibernateAfter
	}
	if s.Mailbox <= 0 {
		s.Mailbox = DefaultMailboxSize
	}
	if s.Keys == catalog.KeysDefault {
		s.Keys = catalog.KeysStrings
	}

	if opts.HibernateAfter != 0 {
		s.HibernateAfter = opts.HibernateAfter
	}
	if opts.ShutdownAfter != 0 {
		s.ShutdownAfter = opts.ShutdownAfter
	}
	if opts.Mailbox > 0 {
		s.Mailbox = opts.Mailbox
	}
	if opts.Keys != catalog.KeysDefault {
		s.Keys = opts.Keys
	}
	return s
}
