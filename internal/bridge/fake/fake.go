// Package fake provides a deterministic in-memory DebugBridge,
// FastbootExecutor, and AvailabilityProbe for this module's own tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/devicefleet/internal/bridge"
)

// Bridge is a fake bridge.DebugBridge backed by in-memory device
// records. Every call is counted so tests can assert on interaction
// counts.
type Bridge struct {
	mu sync.Mutex

	devices   map[string]bridge.DeviceInfo
	props     map[string]map[string]string
	subs      []chan bridge.Event
	closed    bool

	ShellCalls     int
	InstallCalls   int
	UninstallCalls int
	RebootCalls    int

	// ShellFunc, when set, overrides the default "" stdout, "" err reply.
	ShellFunc func(serial, command string) (string, error)
}

func NewBridge() *Bridge {
	return &Bridge{
		devices: make(map[string]bridge.DeviceInfo),
		props:   make(map[string]map[string]string),
	}
}

// AddDevice registers a device and fans out a connected event to
// current subscribers.
func (b *Bridge) AddDevice(serial, productType string) {
	b.mu.Lock()
	b.devices[serial] = bridge.DeviceInfo{Serial: serial, ProductType: productType, RawState: "device"}
	b.props[serial] = map[string]string{}
	subs := append([]chan bridge.Event{}, b.subs...)
	b.mu.Unlock()

	for _, ch := range subs {
		ch <- bridge.Event{Kind: bridge.EventConnected, Serial: serial, State: "device"}
	}
}

// RemoveDevice fans out a disconnected event.
func (b *Bridge) RemoveDevice(serial string) {
	b.mu.Lock()
	delete(b.devices, serial)
	subs := append([]chan bridge.Event{}, b.subs...)
	b.mu.Unlock()

	for _, ch := range subs {
		ch <- bridge.Event{Kind: bridge.EventDisconnected, Serial: serial}
	}
}

func (b *Bridge) ListDevices(ctx context.Context) ([]bridge.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bridge.DeviceInfo, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	return out, nil
}

func (b *Bridge) Subscribe(ctx context.Context) (<-chan bridge.Event, error) {
	ch := make(chan bridge.Event, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch, nil
}

func (b *Bridge) Shell(ctx context.Context, serial, command string, timeout time.Duration) (string, error) {
	b.mu.Lock()
	b.ShellCalls++
	fn := b.ShellFunc
	b.mu.Unlock()
	if fn != nil {
		return fn(serial, command)
	}
	return "", nil
}

func (b *Bridge) Push(ctx context.Context, serial, local, remote string) error { return nil }
func (b *Bridge) Pull(ctx context.Context, serial, remote, local string) error { return nil }

func (b *Bridge) Install(ctx context.Context, serial, path string) error {
	b.mu.Lock()
	b.InstallCalls++
	b.mu.Unlock()
	return nil
}

func (b *Bridge) Uninstall(ctx context.Context, serial, pkg string) error {
	b.mu.Lock()
	b.UninstallCalls++
	b.mu.Unlock()
	return nil
}

func (b *Bridge) Reboot(ctx context.Context, serial, target string) error {
	b.mu.Lock()
	b.RebootCalls++
	b.mu.Unlock()
	return nil
}

func (b *Bridge) Properties(ctx context.Context, serial string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	props, ok := b.props[serial]
	if !ok {
		return nil, fmt.Errorf("fake bridge: unknown serial %s", serial)
	}
	return props, nil
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	return nil
}

var _ bridge.DebugBridge = (*Bridge)(nil)

// Fastboot is a fake bridge.FastbootExecutor.
type Fastboot struct {
	mu      sync.Mutex
	visible map[string]bool
	RunFunc func(serial string, args []string) (bridge.FastbootResult, error)
}

func NewFastboot() *Fastboot {
	return &Fastboot{visible: make(map[string]bool)}
}

func (f *Fastboot) SetVisible(serial string, visible bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible[serial] = visible
}

func (f *Fastboot) Run(ctx context.Context, serial string, args ...string) (bridge.FastbootResult, error) {
	f.mu.Lock()
	fn := f.RunFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(serial, args)
	}
	return bridge.FastbootResult{ExitCode: 0}, nil
}

func (f *Fastboot) ListDevices(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for s, v := range f.visible {
		if v {
			out = append(out, s)
		}
	}
	return out, nil
}

var _ bridge.FastbootExecutor = (*Fastboot)(nil)

// AvailabilityProbe is a fake bridge.AvailabilityProbe whose responses
// are controlled by tests via the exported function fields.
type AvailabilityProbe struct {
	PackageManagerFunc func(serial string) (bool, error)
	StorageFunc        func(serial string) (bool, error)
}

func (p *AvailabilityProbe) PackageManagerResponsive(ctx context.Context, serial string, _ time.Duration) (bool, error) {
	if p.PackageManagerFunc != nil {
		return p.PackageManagerFunc(serial)
	}
	return true, nil
}

func (p *AvailabilityProbe) ExternalStorageWritable(ctx context.Context, serial string) (bool, error) {
	if p.StorageFunc != nil {
		return p.StorageFunc(serial)
	}
	return true, nil
}

var _ bridge.AvailabilityProbe = (*AvailabilityProbe)(nil)
