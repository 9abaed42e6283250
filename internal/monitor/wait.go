package monitor

import (
	"context"
	"time"

	"github.com/ehrlich-b/devicefleet/internal/device"
)

// WaitForState blocks until the device reaches target, timeout elapses,
// or ctx is canceled. It checks the current state both before and after
// registering the listener, so a transition racing the call is never
// missed.
func (m *Monitor) WaitForState(ctx context.Context, target device.State, timeout time.Duration) bool {
	if m.CurrentState() == target {
		return true
	}

	reached := make(chan struct{}, 1)
	remove := m.AddListener(listenerFunc(func(s device.State) {
		if s == target {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
	}))
	defer remove()

	if m.CurrentState() == target {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-reached:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Monitor) WaitForOnline(ctx context.Context, timeout time.Duration) bool {
	return m.WaitForState(ctx, device.StateOnline, timeout)
}

func (m *Monitor) WaitForRecovery(ctx context.Context, timeout time.Duration) bool {
	return m.WaitForState(ctx, device.StateRecovery, timeout)
}

func (m *Monitor) WaitForNotAvailable(ctx context.Context, timeout time.Duration) bool {
	return m.WaitForState(ctx, device.StateNotAvailable, timeout)
}

// WaitForBootloader requires an active fastboot listener for the
// duration of the wait; Monitor starts one via ensureFastboot if configured.
func (m *Monitor) WaitForBootloader(ctx context.Context, timeout time.Duration) bool {
	if m.ensureFastboot != nil {
		stop := m.ensureFastboot()
		defer stop()
	}
	return m.WaitForState(ctx, device.StateFastboot, timeout)
}
