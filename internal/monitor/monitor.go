// Package monitor implements the per-device state monitor: listener
// fan-out over bridge-reported transitions and the three-phase
// "device is available" predicate.
package monitor

import (
	"sync/atomic"

	"github.com/ehrlich-b/devicefleet/internal/device"
)

// StateListener is notified of device state transitions.
type StateListener interface {
	OnStateChanged(s device.State)
}

type listenerFunc func(device.State)

func (f listenerFunc) OnStateChanged(s device.State) { f(s) }

// listenerEntry boxes a registered listener so that removal compares
// pointers; func-typed listeners such as listenerFunc cannot be
// compared with == themselves.
type listenerEntry struct{ StateListener }

// Monitor tracks one device's current state and fans transitions out to
// registered listeners. Each transition atomically snapshots the
// listener list before notifying: a listener registered before a
// transition observes it, one registered during it may observe it but
// never a cancellation that raced ahead of registration.
type Monitor struct {
	dev   *device.Device
	state atomic.Int32 // device.State, mirrored locally for fast reads
	// listeners holds *[]StateListener so notify can swap in a fresh
	// snapshot without copying under a lock on the hot path.
	listeners atomic.Pointer[[]StateListener]

	// ensureFastboot, if set, starts fastboot polling for the duration
	// of a WaitForBootloader call and returns a function to stop it.
	ensureFastboot func() (stop func())
}

// New creates a Monitor for d. ensureFastboot may be nil if the caller
// never needs WaitForBootloader.
func New(d *device.Device, ensureFastboot func() (stop func())) *Monitor {
	m := &Monitor{dev: d, ensureFastboot: ensureFastboot}
	m.state.Store(int32(d.State()))
	empty := []StateListener{}
	m.listeners.Store(&empty)
	return m
}

// Device returns the device this monitor observes.
func (m *Monitor) Device() *device.Device { return m.dev }

// CurrentState returns the last state this monitor observed.
func (m *Monitor) CurrentState() device.State { return device.State(m.state.Load()) }

// AddListener registers l and returns a function that removes it.
func (m *Monitor) AddListener(l StateListener) (remove func()) {
	entry := &listenerEntry{l}
	for {
		old := m.listeners.Load()
		next := make([]StateListener, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, entry)
		if m.listeners.CompareAndSwap(old, &next) {
			break
		}
	}
	return func() { m.removeListener(entry) }
}

func (m *Monitor) removeListener(target StateListener) {
	for {
		old := m.listeners.Load()
		idx := -1
		for i, l := range *old {
			if l == target {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		next := make([]StateListener, 0, len(*old)-1)
		next = append(next, (*old)[:idx]...)
		next = append(next, (*old)[idx+1:]...)
		if m.listeners.CompareAndSwap(old, &next) {
			return
		}
	}
}

// NotifyStateChanged records a new observed state and fans it out to a
// snapshot of the listener list taken at call time.
func (m *Monitor) NotifyStateChanged(s device.State) {
	m.state.Store(int32(s))
	snapshot := *m.listeners.Load()
	for _, l := range snapshot {
		l.OnStateChanged(s)
	}
}

// OnFastbootStateUpdated adapts Monitor to device.FastbootListener so it
// can be registered directly with a device.Manager.
func (m *Monitor) OnFastbootStateUpdated(d *device.Device) {
	if d == m.dev {
		m.NotifyStateChanged(d.State())
	}
}

// OnDeviceStateChanged adapts Monitor to device.StateListener, so a
// device.Manager registered once per Monitor keeps this Monitor's
// cached state live across every bridge-driven transition (connect,
// disconnect, fastboot poll, or a Worker's Free call), not just
// fastboot polls.
func (m *Monitor) OnDeviceStateChanged(serial string, s device.State) {
	if serial == m.dev.Serial() {
		m.NotifyStateChanged(s)
	}
}
