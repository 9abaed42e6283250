package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/devicefleet/internal/command"
	"github.com/ehrlich-b/devicefleet/internal/device"
	"github.com/ehrlich-b/devicefleet/internal/monitor"
	"github.com/ehrlich-b/devicefleet/internal/opqueue"
	"github.com/ehrlich-b/devicefleet/internal/recovery"
	"github.com/stretchr/testify/require"
)

// stubPolicy satisfies recovery.Policy without ever being exercised;
// these tests never produce a retryable failure.
type stubPolicy struct{}

func (stubPolicy) RecoverDevice(ctx context.Context, mon *monitor.Monitor, onlineOnly bool) error {
	return nil
}

func (stubPolicy) RecoverDeviceBootloader(ctx context.Context, mon *monitor.Monitor) error {
	return nil
}

func (stubPolicy) RecoverDeviceRecovery(ctx context.Context, mon *monitor.Monitor) error {
	return nil
}

func newTestScheduler(t *testing.T, runner Runner) (*Scheduler, *device.Manager) {
	t.Helper()
	registry := command.NewRegistry()
	queue := opqueue.New(registry)
	timer := opqueue.NewTimer()
	t.Cleanup(timer.Stop)
	devices := device.NewManager(nil, nil, 0)
	wrapper := recovery.NewWrapper(stubPolicy{}, nil)

	s := New(Config{
		Queue:       queue,
		Timer:       timer,
		Devices:     devices,
		Registry:    registry,
		Wrapper:     wrapper,
		Runner:      runner,
		RetryBudget: 1,
	})
	return s, devices
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition never became true within "+timeout.String())
}

// TestScheduler_PriorityOrdering: of two commands matching the same
// device, the one with the lower totalExecTime runs first.
func TestScheduler_PriorityOrdering(t *testing.T) {
	var order []string
	done := make(chan struct{}, 2)

	s, devices := newTestScheduler(t, func(ctx context.Context, dev *device.Device, cmd *command.Command, reschedule func(any)) error {
		order = append(order, cmd.Args[0])
		done <- struct{}{}
		return nil
	})
	defer func() { _ = s.Shutdown(context.Background()) }()

	go s.Run()

	// Seeded before insertion (the queue keys a command by its
	// totalExecTime at insert), and inserted expensive-first so that
	// insertion order alone would give the wrong result.
	s.AddSeededCommand([]string{"expensive"}, 1000)
	s.AddSeededCommand([]string{"cheap"}, 10)

	devices.AddDevice(device.New("D1", "walleye", false, false))

	<-done
	<-done
	require.Equal(t, []string{"cheap", "expensive"}, order)
}

// TestScheduler_LoopRescheduling: a loop command with a MinLoopInterval
// is not reinserted until at least that long after its previous run
// ended.
func TestScheduler_LoopRescheduling(t *testing.T) {
	var mu sync.Mutex
	var runTimes []time.Time

	s, devices := newTestScheduler(t, func(ctx context.Context, dev *device.Device, cmd *command.Command, reschedule func(any)) error {
		mu.Lock()
		runTimes = append(runTimes, time.Now())
		mu.Unlock()
		return nil
	})
	defer func() { _ = s.Shutdown(context.Background()) }()

	go s.Run()

	s.AddCommand([]string{"poll"}, command.Selection{}, command.Options{
		Loop:            true,
		MinLoopInterval: 30 * time.Millisecond,
	}, nil)
	devices.AddDevice(device.New("D1", "walleye", false, false))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(runTimes) >= 3
	})

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < 3; i++ {
		gap := runTimes[i].Sub(runTimes[i-1])
		require.GreaterOrEqual(t, gap, 30*time.Millisecond-5*time.Millisecond)
	}
}

// TestScheduler_DeviceSpecificSelectionDoesNotBlockGeneralQueue: a
// command restricted to a serial that never connects does not prevent
// an unrestricted command from running on a different device.
func TestScheduler_DeviceSpecificSelectionDoesNotBlockGeneralQueue(t *testing.T) {
	ran := make(chan string, 1)

	s, devices := newTestScheduler(t, func(ctx context.Context, dev *device.Device, cmd *command.Command, reschedule func(any)) error {
		ran <- cmd.Args[0]
		return nil
	})
	defer func() { _ = s.Shutdown(context.Background()) }()

	go s.Run()

	s.AddCommand([]string{"for-ghost"}, command.Selection{Serials: []string{"GHOST"}}, command.Options{}, nil)
	s.AddCommand([]string{"for-anyone"}, command.Selection{}, command.Options{}, nil)
	devices.AddDevice(device.New("D1", "walleye", false, false))

	select {
	case name := <-ran:
		require.Equal(t, "for-anyone", name)
	case <-time.After(time.Second):
		require.Fail(t, "unrestricted command never ran")
	}
}

// TestScheduler_RunningWorkerSurvivesGracefulShutdown exercises the
// rule that a RUNNING worker is left to complete rather than
// interrupted by Shutdown, by blocking the Runner on a channel the test
// controls and releasing it only after Shutdown has been requested.
func TestScheduler_RunningWorkerSurvivesGracefulShutdown(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})

	s, devices := newTestScheduler(t, func(ctx context.Context, dev *device.Device, cmd *command.Command, reschedule func(any)) error {
		close(entered)
		<-release
		close(finished)
		return nil
	})

	go s.Run()

	s.AddCommand([]string{"slow"}, command.Selection{}, command.Options{}, nil)
	devices.AddDevice(device.New("D1", "walleye", false, false))

	<-entered

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- s.Shutdown(context.Background()) }()

	select {
	case <-finished:
		require.Fail(t, "runner finished before release; shutdown should not have interrupted it")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-shutdownDone)
	<-finished
}

// TestScheduler_RescheduleWithCallback exercises the rescheduler
// callback offered to running invocations: a non-loop Command calls
// reschedule with an alternative configuration, and the resulting
// Rescheduled-Command is dispatched on a later device allocation with
// its elapsed time accruing to the originator rather than starting a
// fresh accounting entry.
func TestScheduler_RescheduleWithCallback(t *testing.T) {
	var seenConfigs []any
	var accruedSeenByRescheduled int64
	done := make(chan struct{}, 2)

	var s *Scheduler
	s, devices := newTestScheduler(t, func(ctx context.Context, dev *device.Device, cmd *command.Command, reschedule func(any)) error {
		seenConfigs = append(seenConfigs, cmd.Config)
		if cmd.Kind == command.KindOriginal {
			reschedule("alternative-config")
			// Accounting is in whole milliseconds; take long enough for
			// the originator's run to accrue a non-zero amount.
			time.Sleep(5 * time.Millisecond)
		} else {
			// The originator's entry is read while this descendant is
			// still pending; once both are forgotten it is reclaimed.
			accruedSeenByRescheduled = s.registry.TotalExecTime(cmd)
		}
		done <- struct{}{}
		return nil
	})
	defer func() { _ = s.Shutdown(context.Background()) }()

	go s.Run()

	s.AddCommand([]string{"probe"}, command.Selection{}, command.Options{}, "original-config")
	// A single device: the Rescheduled-Command is dispatched on D1's next
	// allocation, which happens only after the originator's run has been
	// accounted and the device freed.
	devices.AddDevice(device.New("D1", "walleye", false, false))

	<-done
	<-done

	require.Equal(t, []any{"original-config", "alternative-config"}, seenConfigs)
	require.Greater(t, accruedSeenByRescheduled, int64(0))
}

// TestScheduler_GracefulShutdownWithEmptyQueueReturnsPromptly: no
// commands, no running workers, Shutdown returns
// quickly rather than blocking for its full ctx budget.
func TestScheduler_GracefulShutdownWithEmptyQueueReturnsPromptly(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	go s.Run()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

// TestScheduler_FilterQuarantinesUntilUnfilter exercises the remote
// control surface's filter/unfilter verbs end to end: a filtered device
// must stay out of the harvest loop's reach until Unfilter releases it,
// matching the disposition table's "IGNORED: not in pool until released."
func TestScheduler_FilterQuarantinesUntilUnfilter(t *testing.T) {
	ran := make(chan string, 4)
	s, devices := newTestScheduler(t, func(ctx context.Context, dev *device.Device, cmd *command.Command, reschedule func(any)) error {
		ran <- dev.Serial()
		return nil
	})
	defer func() { _ = s.Shutdown(context.Background()) }()

	devices.AddDevice(device.New("S1", "walleye", false, false))
	go s.Run()

	require.True(t, s.Filter("S1"), "filter should succeed on a known online device")

	s.AddCommand([]string{"probe"}, command.Selection{}, command.Options{}, nil)
	select {
	case <-ran:
		t.Fatal("filtered device must not be dispatched to")
	case <-time.After(100 * time.Millisecond):
	}

	require.True(t, s.Unfilter("S1"))
	select {
	case serial := <-ran:
		require.Equal(t, "S1", serial)
	case <-time.After(time.Second):
		t.Fatal("unfiltered device was never dispatched to")
	}
}
