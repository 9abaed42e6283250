package device

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTerminated is returned by Allocate once the manager has begun shutdown.
var ErrTerminated = errors.New("device: manager terminated")

// Matcher decides whether a Device is an acceptable allocation target.
type Matcher func(*Device) bool

// Any accepts every device.
func Any(*Device) bool { return true }

// FastbootListener is notified whenever a fastboot poll updates a
// device's state.
type FastbootListener interface {
	OnFastbootStateUpdated(d *Device)
}

// StateListener is notified whenever any known device's state changes,
// whatever the cause (bridge connect/disconnect/state-change event, a
// fastboot poll, or a Worker freeing it with a terminal disposition).
// internal/monitor's per-device Monitor registers itself as one so its
// cached state stays live without the device package depending on
// monitor.
type StateListener interface {
	OnDeviceStateChanged(serial string, s State)
}

// FastbootProbe lists the serials currently visible to `fastboot devices`.
type FastbootProbe func(ctx context.Context) ([]string, error)

// deviceRecord adds manager-private bookkeeping (allocation, quarantine)
// alongside the Device value exposed to callers.
type deviceRecord struct {
	dev         *Device
	allocation  Allocation
	quarantined bool
}

// allocWaiter is one blocked Allocate call: its matcher plus a buffered
// channel the serving side delivers the allocated device on.
type allocWaiter struct {
	match Matcher
	ch    chan *Device
}

// Manager owns the fleet's device pool: the free/allocated partition,
// an allocation waiter protocol with FIFO fairness, an optional global
// filter, and fastboot polling gated on listener registration.
type Manager struct {
	mu      sync.Mutex
	byID    map[string]*deviceRecord
	order   []string
	waiters []*allocWaiter

	globalFilter Matcher

	terminated bool

	fastbootListeners []FastbootListener
	fastbootProbe     FastbootProbe
	fastbootInterval  time.Duration
	fastbootCancel    context.CancelFunc

	stateListeners []StateListener
}

// NewManager creates an empty Manager. globalFilter may be nil.
func NewManager(globalFilter Matcher, probe FastbootProbe, pollInterval time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Manager{
		byID:             make(map[string]*deviceRecord),
		globalFilter:     globalFilter,
		fastbootProbe:    probe,
		fastbootInterval: pollInterval,
	}
}

func (m *Manager) allocateLocked(d *Device) {
	m.byID[d.Serial()].allocation = AllocationAllocated
	d.setAllocation(AllocationAllocated)
}

// serveWaitersLocked walks blocked Allocate calls in arrival order and
// hands each one the first free device its matcher accepts. Scanning
// every waiter, not just the head, keeps a waiter for an absent serial
// from starving later waiters whose devices are already free; arrival
// order still wins whenever two waiters would accept the same device.
func (m *Manager) serveWaitersLocked() {
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if d := m.scanFreeLocked(w.match); d != nil {
			m.allocateLocked(d)
			w.ch <- d
			continue
		}
		remaining = append(remaining, w)
	}
	m.waiters = remaining
}

func (m *Manager) removeWaiterLocked(target *allocWaiter) bool {
	for i, w := range m.waiters {
		if w == target {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// AddStateListener registers l to be notified of every subsequent
// device state transition.
func (m *Manager) AddStateListener(l StateListener) {
	m.mu.Lock()
	m.stateListeners = append(m.stateListeners, l)
	m.mu.Unlock()
}

// RemoveStateListener unregisters l.
func (m *Manager) RemoveStateListener(l StateListener) {
	m.mu.Lock()
	for i, existing := range m.stateListeners {
		if existing == l {
			m.stateListeners = append(m.stateListeners[:i], m.stateListeners[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// notifyStateListeners snapshots the listener list under lock, then
// dispatches outside it, matching the snapshot-before-dispatch
// discipline used for fastboot listeners.
func (m *Manager) notifyStateListeners(serial string, s State) {
	m.mu.Lock()
	listeners := make([]StateListener, len(m.stateListeners))
	copy(listeners, m.stateListeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l.OnDeviceStateChanged(serial, s)
	}
}

// AddDevice registers a newly bridge-discovered device (first connect)
// and transitions it to Online. Reconnects of a known serial should
// instead call OnBridgeConnected.
func (m *Manager) AddDevice(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[d.Serial()]; exists {
		return
	}
	d.setState(StateOnline)
	m.byID[d.Serial()] = &deviceRecord{dev: d, allocation: AllocationFree}
	m.order = append(m.order, d.Serial())
	m.serveWaitersLocked()
}

// OnBridgeConnected transitions a known device to Online, clears any
// UNRESPONSIVE quarantine (the disposition table's "until next bridge
// state-change"), and wakes allocation waiters.
func (m *Manager) OnBridgeConnected(serial string) {
	m.mu.Lock()
	rec, ok := m.byID[serial]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.dev.setState(StateOnline)
	rec.quarantined = false
	m.serveWaitersLocked()
	m.mu.Unlock()
	m.notifyStateListeners(serial, StateOnline)
}

// OnBridgeDisconnected sets a device to NOT_AVAILABLE. Its allocation
// becomes Free once any current holder releases it; the device stays
// out of the free pool until a later reconnect.
func (m *Manager) OnBridgeDisconnected(serial string) {
	m.mu.Lock()
	rec, ok := m.byID[serial]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.dev.setState(StateNotAvailable)
	m.serveWaitersLocked()
	m.mu.Unlock()
	m.notifyStateListeners(serial, StateNotAvailable)
}

// OnBridgeStateChanged applies an arbitrary bridge-reported state
// transition (used for fastboot/recovery observed outside polling) and
// clears quarantine, mirroring OnBridgeConnected.
func (m *Manager) OnBridgeStateChanged(serial string, s State) {
	m.mu.Lock()
	rec, ok := m.byID[serial]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.dev.setState(s)
	rec.quarantined = false
	m.serveWaitersLocked()
	m.mu.Unlock()
	m.notifyStateListeners(serial, s)
}

// scanFreeLocked returns the first device, in registration order, that
// is free, online, unquarantined, and accepted by both the global
// filter and the caller's matcher.
func (m *Manager) scanFreeLocked(match Matcher) *Device {
	for _, serial := range m.order {
		rec := m.byID[serial]
		if rec.allocation != AllocationFree || rec.quarantined {
			continue
		}
		if rec.dev.State() != StateOnline {
			continue
		}
		if m.globalFilter != nil && !m.globalFilter(rec.dev) {
			continue
		}
		if !match(rec.dev) {
			continue
		}
		return rec.dev
	}
	return nil
}

// Allocate blocks until a device satisfying match (and the global
// filter) is free, ctx is canceled, or the manager is terminated.
// Waiters with the same criteria are served in arrival order; a waiter
// whose criteria no free device can satisfy never blocks later waiters
// (every pool mutation rescans the whole waiter list).
//
// The immediate-scan fast path cannot jump the line: serveWaitersLocked
// runs under the lock on every pool mutation, so any device still free
// when a new caller arrives is one every sleeping waiter's matcher has
// already rejected.
func (m *Manager) Allocate(ctx context.Context, match Matcher) (*Device, error) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return nil, ErrTerminated
	}
	if d := m.scanFreeLocked(match); d != nil {
		m.allocateLocked(d)
		m.mu.Unlock()
		return d, nil
	}
	w := &allocWaiter{match: match, ch: make(chan *Device, 1)}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case d := <-w.ch:
		if d == nil {
			return nil, ErrTerminated
		}
		return d, nil
	case <-ctx.Done():
		m.mu.Lock()
		removed := m.removeWaiterLocked(w)
		m.mu.Unlock()
		if !removed {
			// serveWaitersLocked already allocated a device to this
			// waiter concurrently with the cancellation; take delivery
			// and hand it straight back so it is not leaked as
			// allocated-to-nobody.
			if d := <-w.ch; d != nil {
				m.Free(d, DispositionAvailable)
			}
		}
		return nil, ctx.Err()
	}
}

// ForceAllocate allocates a specific serial immediately, bypassing the
// matcher/filter/FIFO protocol — backing the remote control surface's
// filter verb.
func (m *Manager) ForceAllocate(serial string) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[serial]
	if !ok || rec.allocation == AllocationAllocated {
		return nil, false
	}
	rec.allocation = AllocationAllocated
	rec.dev.setAllocation(AllocationAllocated)
	return rec.dev, true
}

// Free returns a device to the manager with its final disposition:
// AVAILABLE rejoins the free pool, UNAVAILABLE leaves the pool until a
// reconnect, UNRESPONSIVE quarantines until the next bridge state
// change, IGNORED parks the device until Unfilter.
func (m *Manager) Free(d *Device, disposition Disposition) {
	m.mu.Lock()
	rec, ok := m.byID[d.Serial()]
	if !ok {
		m.mu.Unlock()
		return
	}
	switch disposition {
	case DispositionAvailable:
		d.setState(StateOnline)
		rec.allocation = AllocationFree
		d.setAllocation(AllocationFree)
		rec.quarantined = false
	case DispositionUnavailable:
		d.setState(StateNotAvailable)
		rec.allocation = AllocationFree
		d.setAllocation(AllocationFree)
		rec.quarantined = false
	case DispositionUnresponsive:
		d.setState(StateOnline)
		rec.allocation = AllocationFree
		d.setAllocation(AllocationFree)
		rec.quarantined = true
	case DispositionIgnored:
		rec.allocation = AllocationIgnored
		d.setAllocation(AllocationIgnored)
	}
	m.serveWaitersLocked()
	m.mu.Unlock()
	m.notifyStateListeners(d.Serial(), d.State())
}

// Unfilter releases a quarantined/force-allocated device back to the
// free pool, or releases every such device when serial is "*".
func (m *Manager) Unfilter(serial string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := false
	for s, rec := range m.byID {
		if serial != "*" && s != serial {
			continue
		}
		if rec.allocation == AllocationIgnored {
			rec.allocation = AllocationFree
			rec.dev.setAllocation(AllocationFree)
			released = true
		}
		rec.quarantined = false
	}
	m.serveWaitersLocked()
	return released
}

func (m *Manager) ListAvailable() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Device
	for _, serial := range m.order {
		rec := m.byID[serial]
		if rec.allocation == AllocationFree && rec.dev.State() == StateOnline && !rec.quarantined {
			out = append(out, rec.dev)
		}
	}
	return out
}

func (m *Manager) ListAllocated() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Device
	for _, serial := range m.order {
		if rec := m.byID[serial]; rec.allocation == AllocationAllocated {
			out = append(out, rec.dev)
		}
	}
	return out
}

func (m *Manager) ListUnavailable() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Device
	for _, serial := range m.order {
		rec := m.byID[serial]
		if rec.dev.State() == StateNotAvailable || rec.quarantined {
			out = append(out, rec.dev)
		}
	}
	return out
}

// AddFastbootListener registers l and starts fastboot polling if this is
// the first listener.
func (m *Manager) AddFastbootListener(l FastbootListener) {
	m.mu.Lock()
	m.fastbootListeners = append(m.fastbootListeners, l)
	needStart := len(m.fastbootListeners) == 1 && m.fastbootCancel == nil
	m.mu.Unlock()

	if needStart {
		m.startFastbootPolling()
	}
}

// RemoveFastbootListener unregisters l and stops polling once the last
// listener is gone.
func (m *Manager) RemoveFastbootListener(l FastbootListener) {
	m.mu.Lock()
	for i, existing := range m.fastbootListeners {
		if existing == l {
			m.fastbootListeners = append(m.fastbootListeners[:i], m.fastbootListeners[i+1:]...)
			break
		}
	}
	stop := len(m.fastbootListeners) == 0 && m.fastbootCancel != nil
	var cancel context.CancelFunc
	if stop {
		cancel = m.fastbootCancel
		m.fastbootCancel = nil
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (m *Manager) startFastbootPolling() {
	if m.fastbootProbe == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.fastbootCancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.fastbootInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pollFastbootOnce(ctx)
			}
		}
	}()
}

func (m *Manager) pollFastbootOnce(ctx context.Context) {
	serials, err := m.fastbootProbe(ctx)
	if err != nil {
		return
	}
	visible := make(map[string]bool, len(serials))
	for _, s := range serials {
		visible[s] = true
	}

	m.mu.Lock()
	var updated []*Device
	var listeners []FastbootListener
	for serial, rec := range m.byID {
		if visible[serial] && rec.dev.State() != StateFastboot {
			rec.dev.setState(StateFastboot)
			rec.quarantined = false
			updated = append(updated, rec.dev)
		}
	}
	if len(updated) > 0 {
		listeners = append(listeners, m.fastbootListeners...)
		m.serveWaitersLocked()
	}
	m.mu.Unlock()

	for _, l := range listeners {
		for _, d := range updated {
			l.OnFastbootStateUpdated(d)
		}
	}
	for _, d := range updated {
		m.notifyStateListeners(d.Serial(), StateFastboot)
	}
}

// Terminate stops new allocations and wakes every waiter with
// ErrTerminated. It does not touch the underlying bridge connection.
func (m *Manager) Terminate() {
	m.mu.Lock()
	m.terminated = true
	waiters := m.waiters
	m.waiters = nil
	cancel := m.fastbootCancel
	m.fastbootCancel = nil
	m.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	if cancel != nil {
		cancel()
	}
}

// TerminateHard performs Terminate; forcing the underlying transport
// closed is the caller's responsibility (the bridge collaborator is
// external to this package).
func (m *Manager) TerminateHard() {
	m.Terminate()
}
