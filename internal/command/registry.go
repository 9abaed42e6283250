package command

import "sync"

// Registry assigns Command IDs, resolves Rescheduled-Command originator
// references, and is the single owner of totalExecTime accounting:
// every millisecond contributed by a command's invocations (or by a
// rescheduled descendant's) lands on exactly one accounting entry.
type Registry struct {
	mu       sync.Mutex
	byID     map[ID]*Command
	execTime map[ID]int64 // milliseconds, keyed by originator-resolved ID

	// pending and forgottenOriginal track, per originator ID, whether it
	// is safe to drop that ID's execTime entry: an originator forgotten
	// while a Rescheduled-Command it spawned is still live must keep
	// accruing time until that descendant (and any further reschedule
	// chained off it) also finishes, or the accounting total goes wrong.
	pending           map[ID]int
	forgottenOriginal map[ID]bool

	nextID  ID
	nextSeq uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:              make(map[ID]*Command),
		execTime:          make(map[ID]int64),
		pending:           make(map[ID]int),
		forgottenOriginal: make(map[ID]bool),
	}
}

// NewOriginal creates and registers a freshly-submitted Command.
func (r *Registry) NewOriginal(args []string, sel Selection, opts Options, config any) *Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.nextSeq++
	c := &Command{
		ID:        r.nextID,
		Kind:      KindOriginal,
		Args:      args,
		Selection: sel,
		Options:   opts,
		Config:    config,
		seq:       r.nextSeq,
	}
	r.byID[c.ID] = c
	return c
}

// NewRescheduled constructs a Rescheduled-Command referencing originator
// by ID, with its loop flag forced off and the same selection criteria
// as the command being rescheduled.
func (r *Registry) NewRescheduled(originator *Command, config any) *Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.nextSeq++
	originatorID := originator.ID
	if originator.Kind == KindRescheduled {
		// A rescheduled command rescheduling itself still accrues to
		// the original originator, not to the intermediate instance.
		originatorID = originator.OriginatorID
	}
	c := &Command{
		ID:           r.nextID,
		Kind:         KindRescheduled,
		OriginatorID: originatorID,
		Args:         originator.Args,
		Selection:    originator.Selection,
		Options:      Options{MinLoopInterval: originator.Options.MinLoopInterval},
		Config:       config,
		seq:          r.nextSeq,
	}
	r.byID[c.ID] = c
	r.pending[originatorID]++
	return c
}

// targetID returns the ID whose exec-time entry c's elapsed time should
// accrue to: itself for an original Command, its originator otherwise.
func targetID(c *Command) ID {
	if c.Kind == KindRescheduled {
		return c.OriginatorID
	}
	return c.ID
}

// IncrementExecTime adds deltaMillis to the accounting entry c resolves
// to and returns the resulting total for that entry.
func (r *Registry) IncrementExecTime(c *Command, deltaMillis int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := targetID(c)
	r.execTime[id] += deltaMillis
	return r.execTime[id]
}

// TotalExecTime returns the current accounting total c resolves to,
// used as the priority queue's heap key.
func (r *Registry) TotalExecTime(c *Command) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.execTime[targetID(c)]
}

// SeedExecTime sets an initial totalExecTime for a Command, used by the
// remote control surface's add_command verb which seeds a caller-chosen
// value rather than starting at zero.
func (r *Registry) SeedExecTime(c *Command, millis int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execTime[targetID(c)] = millis
}

// Forget drops bookkeeping for a Command's own ID; the scheduler calls
// this only for non-loop commands once their final disposition is
// recorded. The command's object identity (byID) is always reclaimed,
// but an original Command's execTime entry is kept alive until every
// Rescheduled-Command it spawned (directly or via a reschedule chain)
// has itself been forgotten — otherwise a still-running descendant's
// IncrementExecTime would resurrect the entry from zero, losing the
// time already accrued.
func (r *Registry) Forget(c *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, c.ID)

	switch c.Kind {
	case KindRescheduled:
		id := c.OriginatorID
		if r.pending[id] > 0 {
			r.pending[id]--
		}
		if r.pending[id] == 0 && r.forgottenOriginal[id] {
			delete(r.execTime, id)
			delete(r.pending, id)
			delete(r.forgottenOriginal, id)
		}
	default:
		if r.pending[c.ID] > 0 {
			r.forgottenOriginal[c.ID] = true
			return
		}
		delete(r.execTime, c.ID)
		delete(r.pending, c.ID)
	}
}
