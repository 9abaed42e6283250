// Package command implements the queued unit of work dispatched by the
// scheduler: its selection criteria, loop/repeat options, and the
// originator-accounting rule used by rescheduled invocations.
package command

import "time"

// ID identifies a Command within a Registry. Rescheduled-Commands carry
// their originator's ID rather than a pointer to it, so that exec-time
// accounting can be resolved through a lookup instead of a live
// reference — avoiding the cyclic-reference shape the source uses.
type ID uint64

// Kind distinguishes an originally-submitted Command from one produced
// by a running invocation's rescheduler callback.
type Kind int

const (
	KindOriginal Kind = iota
	KindRescheduled
)

// Options carries the loop/repeat and informational flags attached to
// a Command at submission time.
type Options struct {
	Loop            bool
	MinLoopInterval time.Duration
	Help            bool
	DryRun          bool
	AllDevices      bool
}

// Command is a queued unit of work. See Registry for how totalExecTime
// accounting and ID assignment work.
type Command struct {
	ID           ID
	Kind         Kind
	OriginatorID ID // valid only when Kind == KindRescheduled

	Args      []string
	Selection Selection
	Options   Options

	// Config is the opaque per-invocation configuration handle,
	// reconstructable from Args alone, so that a deferred
	// requeue can rebuild it deterministically without retaining any
	// invocation-scoped state.
	Config any

	seq uint64 // insertion order, used as the heap tie-break
}

// Seq returns the insertion-order tie-break key.
func (c *Command) Seq() uint64 { return c.seq }

// IsLoop reports whether this Command should be resubmitted after each
// run. Rescheduled-Commands are never in loop mode.
func (c *Command) IsLoop() bool {
	return c.Kind == KindOriginal && c.Options.Loop
}
