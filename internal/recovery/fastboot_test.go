package recovery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWrapper_DoFastboot_SerializesPerDevice(t *testing.T) {
	policy := &fakePolicy{recoverSucceeds: true}
	w := NewWrapper(policy, nil)
	dev, mon := newTestDevice()

	var inFlight int32
	var overlapped int32

	run := func() error {
		return w.DoFastboot(context.Background(), dev, mon, "getvar product", func(ctx context.Context) error {
			if atomic.AddInt32(&inFlight, 1) > 1 {
				atomic.StoreInt32(&overlapped, 1)
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
	}

	done := make(chan error, 2)
	go func() { done <- run() }()
	go func() { done <- run() }()

	require.NoError(t, <-done)
	require.NoError(t, <-done)
	require.Zero(t, atomic.LoadInt32(&overlapped), "no two fastboot commands for the same serial may overlap")
}

func TestWrapper_DoFastboot_TripsBreakerAfterRepeatedFailures(t *testing.T) {
	policy := &fakePolicy{recoverSucceeds: true}
	w := NewWrapper(policy, nil)
	w.FastbootProbeTimeout = 5 * time.Millisecond
	dev, mon := newTestDevice()

	var calls int32
	action := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return context.DeadlineExceeded
	}

	for i := 0; i < 3; i++ {
		err := w.DoFastboot(context.Background(), dev, mon, "flash", action)
		require.Error(t, err)
	}

	callsBeforeOpen := atomic.LoadInt32(&calls)
	err := w.DoFastboot(context.Background(), dev, mon, "flash", action)
	require.Error(t, err)
	require.Equal(t, callsBeforeOpen, atomic.LoadInt32(&calls), "an open breaker must short-circuit without invoking the action")
}
