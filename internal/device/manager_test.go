package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func onlineDevice(serial string) *Device {
	d := New(serial, "walleye", false, false)
	d.setState(StateOnline)
	return d
}

func TestManager_AllocateAndFree(t *testing.T) {
	m := NewManager(nil, nil, 0)
	d := onlineDevice("S1")
	m.AddDevice(d)

	got, err := m.Allocate(context.Background(), Any)
	require.NoError(t, err)
	require.Equal(t, d, got)

	// No free devices remain.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Allocate(ctx, Any)
	require.Error(t, err)

	m.Free(d, DispositionAvailable)
	got2, err := m.Allocate(context.Background(), Any)
	require.NoError(t, err)
	require.Equal(t, d, got2)
}

func TestManager_DispositionTable(t *testing.T) {
	t.Run("unavailable leaves device out of pool", func(t *testing.T) {
		m := NewManager(nil, nil, 0)
		d := onlineDevice("S1")
		m.AddDevice(d)
		allocated, _ := m.Allocate(context.Background(), Any)
		m.Free(allocated, DispositionUnavailable)

		require.Equal(t, StateNotAvailable, d.State())
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := m.Allocate(ctx, Any)
		require.Error(t, err, "expected device to stay out of the free pool until reconnect")
	})

	t.Run("unresponsive quarantines until bridge state change", func(t *testing.T) {
		m := NewManager(nil, nil, 0)
		d := onlineDevice("S1")
		m.AddDevice(d)
		allocated, _ := m.Allocate(context.Background(), Any)
		m.Free(allocated, DispositionUnresponsive)

		require.Equal(t, StateOnline, d.State())
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := m.Allocate(ctx, Any)
		require.Error(t, err, "expected quarantined device to stay out of the pool")

		m.OnBridgeStateChanged("S1", StateOnline)
		got, err := m.Allocate(context.Background(), Any)
		require.NoError(t, err)
		require.Equal(t, d, got)
	})
}

func TestManager_NeverDoubleAllocates(t *testing.T) {
	m := NewManager(nil, nil, 0)
	d := onlineDevice("S1")
	m.AddDevice(d)

	first, err := m.Allocate(context.Background(), Any)
	require.NoError(t, err)
	require.Equal(t, d, first)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Allocate(ctx, Any)
	require.Error(t, err, "a device must never be allocated twice concurrently")
}

func TestManager_FIFOFairnessAmongWaiters(t *testing.T) {
	m := NewManager(nil, nil, 0)

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			d, err := m.Allocate(context.Background(), Any)
			if err == nil {
				order <- i
				m.Free(d, DispositionAvailable)
			}
		}()
		time.Sleep(20 * time.Millisecond) // ensure arrival order
	}

	m.AddDevice(onlineDevice("S1"))

	var got []int
	for i := 0; i < 3; i++ {
		select {
		case v := <-order:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatal("waiters were never served")
		}
	}
	require.Equal(t, []int{0, 1, 2}, got, "expected waiters served in arrival order")
}

func TestManager_SerialSpecificWaiterDoesNotBlockLaterWaiters(t *testing.T) {
	m := NewManager(nil, nil, 0)

	ghostDone := make(chan error, 1)
	go func() {
		_, err := m.Allocate(context.Background(), func(d *Device) bool { return d.Serial() == "GHOST" })
		ghostDone <- err
	}()
	time.Sleep(20 * time.Millisecond) // ensure the serial-specific waiter is first in line

	anyDone := make(chan *Device, 1)
	go func() {
		d, err := m.Allocate(context.Background(), Any)
		if err == nil {
			anyDone <- d
		}
	}()
	time.Sleep(20 * time.Millisecond)

	d := onlineDevice("S2")
	m.AddDevice(d)

	select {
	case got := <-anyDone:
		require.Equal(t, d, got, "later waiter must be served past a waiter whose serial never appears")
	case <-time.After(time.Second):
		t.Fatal("a free device satisfying a later waiter was never delivered")
	}

	select {
	case err := <-ghostDone:
		t.Fatalf("serial-specific waiter should still be blocked, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	m.Terminate()
	require.ErrorIs(t, <-ghostDone, ErrTerminated)
}

func TestManager_GlobalFilterExcludesDevice(t *testing.T) {
	filtered := onlineDevice("S1")
	m := NewManager(func(d *Device) bool { return d.Serial() != "S1" }, nil, 0)
	m.AddDevice(filtered)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Allocate(ctx, Any)
	require.Error(t, err, "expected globally filtered device to never be returned")
}

func TestManager_ForceAllocateAndUnfilter(t *testing.T) {
	m := NewManager(nil, nil, 0)
	d := onlineDevice("S1")
	m.AddDevice(d)

	got, ok := m.ForceAllocate("S1")
	require.True(t, ok)
	require.Equal(t, d, got)

	m.Free(got, DispositionIgnored)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Allocate(ctx, Any)
	require.Error(t, err, "expected quarantined device to stay out of the pool until unfilter")

	require.True(t, m.Unfilter("S1"))
	got2, err := m.Allocate(context.Background(), Any)
	require.NoError(t, err)
	require.Equal(t, d, got2)
}

func TestManager_TerminateReleasesWaiters(t *testing.T) {
	m := NewManager(nil, nil, 0)
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Allocate(context.Background(), Any)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.Terminate()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrTerminated)
	case <-time.After(time.Second):
		t.Fatal("expected terminate to release blocked waiters")
	}
}

func TestManager_FastbootPollingStartsAndStopsWithListeners(t *testing.T) {
	polls := make(chan struct{}, 10)
	probe := func(ctx context.Context) ([]string, error) {
		select {
		case polls <- struct{}{}:
		default:
		}
		return nil, nil
	}
	m := NewManager(nil, probe, 10*time.Millisecond)

	l := &recordingListener{}
	m.AddFastbootListener(l)

	select {
	case <-polls:
	case <-time.After(time.Second):
		t.Fatal("expected fastboot polling to start once a listener is registered")
	}

	m.RemoveFastbootListener(l)
}

type recordingListener struct{}

func (*recordingListener) OnFastbootStateUpdated(*Device) {}
