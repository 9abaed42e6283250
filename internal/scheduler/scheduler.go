// Package scheduler wires the command queue, device pool, state
// monitors, and recovery wrapper into the running system: one Invocation
// Worker per allocated device, and a single main-loop goroutine whose
// only job is to harvest free devices and spawn workers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/devicefleet/internal/command"
	"github.com/ehrlich-b/devicefleet/internal/device"
	"github.com/ehrlich-b/devicefleet/internal/logging"
	"github.com/ehrlich-b/devicefleet/internal/monitor"
	"github.com/ehrlich-b/devicefleet/internal/operr"
	"github.com/ehrlich-b/devicefleet/internal/opqueue"
	"github.com/ehrlich-b/devicefleet/internal/recovery"
)

// Runner executes the body of one Command against an allocated device.
// Callers supply the domain-specific behavior (shell invocation,
// instrumentation run, whatever the fleet runs), and Scheduler supplies
// the retry/recovery envelope, device allocation, and accounting
// around it.
//
// reschedule is the rescheduler callback bound to cmd: calling it
// constructs a Rescheduled-Command carrying newConfig and inserts it
// into the queue immediately, with its loop flag forced off and its
// execution time accruing back onto cmd (or cmd's own originator, if
// cmd is itself a Rescheduled-Command).
type Runner func(ctx context.Context, dev *device.Device, cmd *command.Command, reschedule func(newConfig any)) error

// Observer receives scheduler telemetry. Its shape matches this
// module's root Metrics type structurally, so callers can pass that
// value in without this package importing the root package.
type Observer interface {
	ObserveInvocation(serial string, latencySeconds float64, success bool)
	ObserveQueueDepth(depth int)
	ObserveRecovery(serial, policy string, success bool)
}

type noopObserver struct{}

func (noopObserver) ObserveInvocation(string, float64, bool) {}
func (noopObserver) ObserveQueueDepth(int)                   {}
func (noopObserver) ObserveRecovery(string, string, bool)    {}

// Config bundles every collaborator a Scheduler needs.
type Config struct {
	Queue    *opqueue.Queue
	Timer    *opqueue.Timer
	Devices  *device.Manager
	Registry *command.Registry
	Wrapper  *recovery.Wrapper

	Runner      Runner
	RetryBudget int
	Observer    Observer
	Logger      *logging.Logger
}

// Scheduler is the top-level running system. Construct with New, then
// call Run to start the main harvest loop; it returns once Shutdown (or
// ShutdownHard) stops the device manager, without waiting for workers
// (Shutdown is what waits for them to drain).
type Scheduler struct {
	queue    *opqueue.Queue
	timer    *opqueue.Timer
	devices  *device.Manager
	registry *command.Registry
	wrapper  *recovery.Wrapper

	runner      Runner
	retryBudget int
	observer    Observer
	log         *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	monitors map[string]*monitor.Monitor
	workers  []*worker

	wg sync.WaitGroup
}

// New creates a Scheduler. Run must be called to start the harvest loop.
func New(cfg Config) *Scheduler {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queue:       cfg.Queue,
		timer:       cfg.Timer,
		devices:     cfg.Devices,
		registry:    cfg.Registry,
		wrapper:     cfg.Wrapper,
		runner:      cfg.Runner,
		retryBudget: cfg.RetryBudget,
		observer:    cfg.Observer,
		log:         logger,
		ctx:         ctx,
		cancel:      cancel,
		monitors:    make(map[string]*monitor.Monitor),
	}
}

// AddCommand registers a freshly-submitted Command and inserts it into
// the queue.
func (s *Scheduler) AddCommand(args []string, sel command.Selection, opts command.Options, config any) *command.Command {
	c := s.registry.NewOriginal(args, sel, opts, config)
	s.queue.Insert(c)
	s.observer.ObserveQueueDepth(s.queue.Len())
	return c
}

// AddSeededCommand backs the remote control surface's add_command verb,
// which seeds a caller-chosen totalExecTime rather than starting at zero.
func (s *Scheduler) AddSeededCommand(args []string, totalExecMillis int64) *command.Command {
	c := s.registry.NewOriginal(args, command.Selection{}, command.Options{}, nil)
	s.registry.SeedExecTime(c, totalExecMillis)
	s.queue.Insert(c)
	s.observer.ObserveQueueDepth(s.queue.Len())
	return c
}

// monitorFor returns the Monitor for dev, creating one on first use,
// wiring its fastboot-polling activation through the device manager,
// and subscribing it to every bridge-driven state transition the
// manager observes for dev's serial (connect, disconnect, fastboot
// poll, or a Worker's Free call) so its cached state never goes stale.
func (s *Scheduler) monitorFor(dev *device.Device) *monitor.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.monitors[dev.Serial()]; ok {
		return m
	}
	var m *monitor.Monitor
	m = monitor.New(dev, func() (stop func()) {
		s.devices.AddFastbootListener(m)
		return func() { s.devices.RemoveFastbootListener(m) }
	})
	s.devices.AddStateListener(m)
	s.monitors[dev.Serial()] = m
	return m
}

// Run starts the main harvest loop on the caller's goroutine: allocate a
// free device, spawn an Invocation Worker for it, repeat. It returns
// once the Scheduler's own context is canceled (via Shutdown) or the
// device manager is terminated.
func (s *Scheduler) Run() {
	for {
		dev, err := s.devices.Allocate(s.ctx, device.Any)
		if err != nil {
			return
		}
		s.spawnWorker(dev)
	}
}

func (s *Scheduler) spawnWorker(dev *device.Device) {
	w := newWorker(dev.Serial())
	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runWorker(w, dev)
}

// runWorker drives one Invocation Worker's full lifecycle for a single
// allocated device: take a matching command, run it with retry/recovery,
// account its elapsed time, reschedule if it loops, and free the device
// per its final disposition.
func (s *Scheduler) runWorker(w *worker, dev *device.Device) {
	defer s.wg.Done()
	w.setState(WorkerStarted)

	mon := s.monitorFor(dev)
	matcher := func(c *command.Command) bool {
		return c.Selection.Matches(dev)
	}

	w.setState(WorkerBlockedOnQueue)
	cmd, err := s.queue.Take(s.ctx, matcher)
	if err != nil {
		// Queue shut down or context canceled while blocked: the
		// device was never put to work, free it unchanged.
		s.devices.Free(dev, device.DispositionAvailable)
		w.setState(WorkerFreed)
		return
	}

	w.setState(WorkerRunning)
	disposition, runErr := s.execute(dev, mon, cmd)

	if cmd.IsLoop() {
		s.scheduleReinsert(cmd)
	} else {
		s.registry.Forget(cmd)
	}

	s.devices.Free(dev, disposition)
	w.setState(WorkerFreed)

	if runErr != nil {
		s.log.WithDevice(dev.Serial()).Warn("command finished with error", "worker_id", w.id, "error", runErr)
	}
}

// execute runs cmd's Runner through the retry/recovery wrapper,
// accounts elapsed time against the command's originator, and
// classifies the outcome into a free-disposition.
func (s *Scheduler) execute(dev *device.Device, mon *monitor.Monitor, cmd *command.Command) (device.Disposition, error) {
	start := time.Now()
	// A RUNNING worker is left to complete during graceful shutdown,
	// so its action runs under an independent, never-canceled context
	// rather than s.ctx (which Shutdown cancels to interrupt the main
	// harvest loop and BLOCKED_ON_QUEUE workers only).
	reschedule := func(newConfig any) {
		rc := s.registry.NewRescheduled(cmd, newConfig)
		s.queue.Insert(rc)
		s.observer.ObserveQueueDepth(s.queue.Len())
	}
	err := s.wrapper.Do(context.Background(), dev, mon, "RunCommand", describeCommand(cmd), s.retryBudget, func(ctx context.Context) error {
		if s.runner == nil {
			return nil
		}
		return s.runner(ctx, dev, cmd, reschedule)
	})
	elapsed := time.Since(start)
	s.registry.IncrementExecTime(cmd, elapsed.Milliseconds())
	s.observer.ObserveInvocation(dev.Serial(), elapsed.Seconds(), err == nil)

	if err == nil {
		return device.DispositionAvailable, nil
	}

	switch operr.ClassOf(err) {
	case operr.ClassDeviceGone:
		return device.DispositionUnavailable, err
	case operr.ClassDeviceWedged:
		return device.DispositionUnresponsive, err
	case operr.ClassFatalHost:
		// A fatal host error is process-wide; trigger scheduler
		// shutdown but still free this device so it is not left
		// stuck allocated while shutdown drains other workers.
		go s.Shutdown(context.Background())
		return device.DispositionUnavailable, err
	default:
		// Logic errors are surfaced to the caller but do not taint
		// the device itself.
		return device.DispositionAvailable, err
	}
}

// scheduleReinsert arranges for a loop Command to be rescheduled no
// sooner than MinLoopInterval after this run ended, satisfying the
// "gap between end-of-run k and start-of-run k+1 is >= T" boundary rule.
//
// Unlike the rescheduler callback, this reinserts cmd itself rather than
// minting a Rescheduled-Command: a loop command keeps its own identity
// and ID across every iteration (its Config is already reconstructable
// from Args alone, so there is nothing to re-derive), while
// Rescheduled-Command exists solely for the rescheduleWith API offered
// to running invocations. Treating every loop iteration as a fresh
// Rescheduled-Command would leak a new registry entry on every tick of
// an indefinitely-running loop command.
func (s *Scheduler) scheduleReinsert(cmd *command.Command) {
	delay := cmd.Options.MinLoopInterval
	if delay <= 0 {
		s.queue.Insert(cmd)
		s.observer.ObserveQueueDepth(s.queue.Len())
		return
	}
	s.timer.Schedule(delay, func() {
		s.queue.Insert(cmd)
		s.observer.ObserveQueueDepth(s.queue.Len())
	})
}

func describeCommand(cmd *command.Command) string {
	if len(cmd.Args) == 0 {
		return "command"
	}
	return cmd.Args[0]
}
