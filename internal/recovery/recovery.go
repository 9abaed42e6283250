// Package recovery implements the device-operation wrapper: a uniform
// retry-with-recovery envelope around every externally-visible device
// operation, plus the fastboot-path recovery escalation and the Policy
// contract external collaborators implement.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ehrlich-b/devicefleet/internal/device"
	"github.com/ehrlich-b/devicefleet/internal/logging"
	"github.com/ehrlich-b/devicefleet/internal/monitor"
	"github.com/ehrlich-b/devicefleet/internal/operr"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
)

// Action is one externally-visible device operation: a shell command,
// file push/pull, install/uninstall, reboot, fastboot command, or
// instrumentation run.
type Action func(ctx context.Context) error

// Wrapper executes Actions through the retry-with-recovery envelope.
// One Wrapper is shared across every device in the fleet; its per-device
// state (fastboot semaphore, circuit breaker) is created lazily.
type Wrapper struct {
	Policy Policy

	// RecoverSleep is the brief sleep recover() takes for
	// device.RecoveryNone, backed off between successive calls for the
	// same device.
	RecoverSleep time.Duration

	// PostBootSetup re-enables privileged shell and dismisses the lock
	// screen once RecoveryAvailable's recover() reaches availability. It
	// runs inside the re-entrancy guard window, so it may itself issue
	// device operations without recursing into recovery. Nil skips it.
	PostBootSetup func(ctx context.Context, dev *device.Device) error

	// FastbootProbeTimeout bounds how long recoverFromBootloader waits
	// for a fastboot probe to observe the device before escalating to
	// Policy.RecoverDeviceBootloader. Defaults to 10s.
	FastbootProbeTimeout time.Duration

	// OnRecovery, when set, observes the outcome of every recover()
	// attempt (telemetry only; errors still propagate to the retry loop).
	OnRecovery func(serial, policy string, success bool)

	log *logging.Logger

	mu        sync.Mutex
	fastboot  map[string]*semaphore.Weighted
	breakers  map[string]*gobreaker.CircuitBreaker
	backoffs  map[string]backoff.BackOff
}

// NewWrapper creates a Wrapper delegating recovery to policy. logger may
// be nil, in which case the package default logger is used.
func NewWrapper(policy Policy, logger *logging.Logger) *Wrapper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Wrapper{
		Policy:       policy,
		RecoverSleep: 2 * time.Second,
		log:          logger,
		fastboot:     make(map[string]*semaphore.Weighted),
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		backoffs:     make(map[string]backoff.BackOff),
	}
}

// Do runs action through the retry loop: up to budget+1 total
// attempts, recovering after every retryable failure (the last one
// included) and
// returning immediately on a non-retryable (logic/fatal) classification.
// It returns a *operr.Error with CodeDeviceUnresponsive once the budget
// is exhausted.
func (w *Wrapper) Do(ctx context.Context, dev *device.Device, mon *monitor.Monitor, op, desc string, budget int, action Action) error {
	var lastErr error
	for attempt := 0; attempt <= budget; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := action(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		switch operr.ClassOf(err) {
		case operr.ClassTransient, operr.ClassDeviceWedged:
			w.log.WithDevice(dev.Serial()).Warn("device operation failed, recovering",
				"op", op, "desc", desc, "attempt", attempt, "error", err)
			if rerr := w.recover(ctx, dev, mon); rerr != nil {
				w.log.WithDevice(dev.Serial()).Warn("recovery failed", "op", op, "error", rerr)
			}
			continue
		default:
			// ClassLogic, ClassDeviceGone, ClassFatalHost: do not
			// retry, propagate immediately.
			return err
		}
	}
	result := operr.NewDevice(op, dev.Serial(), operr.CodeDeviceUnresponsive, "device unresponsive after "+desc)
	result.Inner = lastErr
	return result
}

// recover honors dev's current RecoveryPolicy: NONE sleeps briefly,
// ONLINE recovers until the device is visible, AVAILABLE recovers until
// it is responsive and then runs post-boot setup.
func (w *Wrapper) recover(ctx context.Context, dev *device.Device, mon *monitor.Monitor) error {
	policy := dev.RecoveryPolicy()
	err := w.recoverWith(ctx, dev, mon, policy)
	if w.OnRecovery != nil {
		w.OnRecovery(dev.Serial(), policy.String(), err == nil)
	}
	return err
}

func (w *Wrapper) recoverWith(ctx context.Context, dev *device.Device, mon *monitor.Monitor, policy device.RecoveryPolicy) error {
	switch policy {
	case device.RecoveryNone:
		w.sleepBriefly(ctx, dev.Serial())
		return nil
	case device.RecoveryOnline:
		return w.Policy.RecoverDevice(ctx, mon, true)
	default: // device.RecoveryAvailable
		if err := w.Policy.RecoverDevice(ctx, mon, false); err != nil {
			return err
		}
		// Re-entrancy guard: post-boot setup itself issues device
		// operations, which must not recurse into recovery.
		restore := dev.DowngradeRecoveryPolicy()
		defer restore()
		if w.PostBootSetup != nil {
			return w.PostBootSetup(ctx, dev)
		}
		return nil
	}
}

func (w *Wrapper) sleepBriefly(ctx context.Context, serial string) {
	d := w.backoffFor(serial).NextBackOff()
	if d == backoff.Stop {
		d = w.RecoverSleep
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// backoffFor returns the per-serial exponential backoff governing the
// NONE-policy recovery sleep, so repeated failures for one wedged
// device back off without penalizing the rest of the fleet.
func (w *Wrapper) backoffFor(serial string) backoff.BackOff {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.backoffs[serial]
	if !ok {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = w.RecoverSleep
		eb.MaxInterval = 30 * time.Second
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
		w.backoffs[serial] = b
	}
	return b
}

// fastbootSem returns the per-serial binary semaphore serializing
// fastboot issuance, creating it on first use.
func (w *Wrapper) fastbootSem(serial string) *semaphore.Weighted {
	w.mu.Lock()
	defer w.mu.Unlock()
	sem, ok := w.fastboot[serial]
	if !ok {
		sem = semaphore.NewWeighted(1)
		w.fastboot[serial] = sem
	}
	return sem
}

// breaker returns the per-serial circuit breaker wrapping fastboot
// actions, creating it on first use.
func (w *Wrapper) breaker(serial string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.breakers[serial]
	if !ok {
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "fastboot-recovery:" + serial,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		w.breakers[serial] = b
	}
	return b
}

// DoFastboot runs a fastboot action through the per-device semaphore and
// circuit breaker: only one fastboot command may be in flight per serial
// at a time, and three consecutive failed fastboot actions trip the
// breaker. While it is open, DoFastboot returns DEVICE_UNRESPONSIVE for
// a 30s cool-down window without running the action or attempting
// bootloader recovery.
func (w *Wrapper) DoFastboot(ctx context.Context, dev *device.Device, mon *monitor.Monitor, desc string, action Action) error {
	sem := w.fastbootSem(dev.Serial())
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	b := w.breaker(dev.Serial())
	_, err := b.Execute(func() (any, error) {
		return nil, action(ctx)
	})
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		result := operr.NewDevice("Fastboot", dev.Serial(), operr.CodeDeviceUnresponsive, "fastboot recovery breaker open for "+desc)
		result.Inner = err
		return result
	}
	if operr.ClassOf(err) != operr.ClassLogic {
		w.recoverFromBootloader(ctx, dev, mon)
	}
	result := operr.NewDevice("Fastboot", dev.Serial(), operr.CodeDeviceUnresponsive, desc)
	result.Inner = err
	return result
}

// recoverFromBootloader waits for a fastboot probe to observe the
// device and, if none does within FastbootProbeTimeout, escalates to
// Policy.RecoverDeviceBootloader.
func (w *Wrapper) recoverFromBootloader(ctx context.Context, dev *device.Device, mon *monitor.Monitor) error {
	timeout := w.FastbootProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if mon.WaitForBootloader(ctx, timeout) {
		return nil
	}
	return w.Policy.RecoverDeviceBootloader(ctx, mon)
}
