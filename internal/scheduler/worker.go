package scheduler

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// WorkerState is an Invocation Worker's position in the
// CREATED→STARTED→(BLOCKED_ON_QUEUE|RUNNING)→FREED state machine.
type WorkerState int32

const (
	WorkerCreated WorkerState = iota
	WorkerStarted
	WorkerBlockedOnQueue
	WorkerRunning
	WorkerFreed
)

func (s WorkerState) String() string {
	switch s {
	case WorkerCreated:
		return "CREATED"
	case WorkerStarted:
		return "STARTED"
	case WorkerBlockedOnQueue:
		return "BLOCKED_ON_QUEUE"
	case WorkerRunning:
		return "RUNNING"
	case WorkerFreed:
		return "FREED"
	default:
		return "UNKNOWN"
	}
}

// worker tracks one Invocation Worker's lifecycle state for
// introspection and for the shutdown rule that only BLOCKED_ON_QUEUE
// workers are interrupted. Each worker is tagged with a UUID so log lines
// can correlate every entry for a given dispatch even across devices
// that share a serial history (reconnects
// reuse the Device record, so the serial alone does not disambiguate
// successive dispatches).
type worker struct {
	id     string
	serial string
	state  atomic.Int32
}

func newWorker(serial string) *worker {
	w := &worker{id: uuid.NewString(), serial: serial}
	w.state.Store(int32(WorkerCreated))
	return w
}

func (w *worker) setState(s WorkerState) { w.state.Store(int32(s)) }
func (w *worker) State() WorkerState     { return WorkerState(w.state.Load()) }
