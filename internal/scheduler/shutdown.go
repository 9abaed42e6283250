package scheduler

import (
	"context"

	"github.com/ehrlich-b/devicefleet/internal/bridge"
)

// Shutdown performs the graceful shutdown sequence: the queue is
// cleared and wakes every BLOCKED_ON_QUEUE worker with ErrClosed, the
// timer is canceled, the device manager stops serving new allocations
// (interrupting the main harvest loop), and RUNNING workers are left to
// finish before this call returns. ctx bounds how long Shutdown waits
// for workers to drain; it does not cancel their in-flight operations.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.queue.Shutdown()
	s.timer.Stop()
	s.devices.Terminate()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShutdownHard performs Shutdown and then forces the underlying
// transport closed, which causes any still-RUNNING worker's in-flight
// device I/O to fail with a retryable error that recover() cannot
// satisfy, surfacing "device unresponsive" to that worker's caller.
func (s *Scheduler) ShutdownHard(ctx context.Context, br bridge.DebugBridge) error {
	err := s.Shutdown(ctx)
	if br != nil {
		_ = br.Close()
	}
	return err
}

// ListQueued returns the commands currently waiting in the queue.
func (s *Scheduler) ListQueued() []string {
	cmds := s.queue.Snapshot()
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = describeCommand(c)
	}
	return out
}

// ListActiveWorkers returns, keyed by device serial, the current state
// of the most recently spawned worker for each serial. Workers are never
// removed from the list, so FREED workers are included.
func (s *Scheduler) ListActiveWorkers() map[string]WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]WorkerState, len(s.workers))
	for _, w := range s.workers {
		out[w.serial] = w.State()
	}
	return out
}
