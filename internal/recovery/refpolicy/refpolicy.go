// Package refpolicy provides a reference implementation of
// recovery.Policy: sleep briefly for the debug bridge to settle after a
// disconnect, then wait-online with a configured budget; if not online,
// fail; if online but not responsive, fail. The core never depends on
// this package directly; it exists as a usable default.
package refpolicy

import (
	"context"
	"time"

	"github.com/ehrlich-b/devicefleet/internal/bridge"
	"github.com/ehrlich-b/devicefleet/internal/monitor"
	"github.com/ehrlich-b/devicefleet/internal/operr"
	"github.com/ehrlich-b/devicefleet/internal/recovery"
)

var _ recovery.Policy = (*Policy)(nil)

// Policy is the reference recovery.Policy implementation.
type Policy struct {
	Probe bridge.AvailabilityProbe

	// SettleDelay is slept before the first wait, giving the debug
	// bridge daemon a moment to settle after a device drop.
	SettleDelay time.Duration
	// OnlineBudget bounds how long RecoverDevice, RecoverDeviceBootloader,
	// and RecoverDeviceRecovery wait for their respective target state.
	OnlineBudget time.Duration
	// AvailableBudget bounds the three-phase availability wait that
	// follows wait-online, when onlineOnly is false.
	AvailableBudget monitor.AvailabilityBudget
}

// New creates a Policy with conservative defaults: a 3s settle delay, a
// 60s online/state budget, and a 0.2/0.6/0.2 availability phase split
// over a 90s total.
func New(probe bridge.AvailabilityProbe) *Policy {
	return &Policy{
		Probe:        probe,
		SettleDelay:  3 * time.Second,
		OnlineBudget: 60 * time.Second,
		AvailableBudget: monitor.AvailabilityBudget{
			Total:                  90 * time.Second,
			OnlineFraction:         0.2,
			PackageManagerFraction: 0.6,
			StorageFraction:        0.2,
			PollInterval:           time.Second,
			PerQueryBudget:         5 * time.Second,
		},
	}
}

func (p *Policy) settle(ctx context.Context) {
	if p.SettleDelay <= 0 {
		return
	}
	t := time.NewTimer(p.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// RecoverDevice waits for the device to come online; unless onlineOnly
// is set, it then requires full availability. Both phases fail closed:
// online-but-unresponsive is reported as device-unresponsive, not
// silently treated as success.
func (p *Policy) RecoverDevice(ctx context.Context, mon *monitor.Monitor, onlineOnly bool) error {
	p.settle(ctx)

	if !mon.WaitForOnline(ctx, p.OnlineBudget) {
		return operr.New("RecoverDevice", operr.CodeDeviceOffline, "device did not come online within recovery budget")
	}
	if onlineOnly {
		return nil
	}

	if !mon.WaitForAvailable(ctx, p.Probe, mon.Device().Serial(), p.AvailableBudget) {
		return operr.New("RecoverDevice", operr.CodeDeviceUnresponsive, "device came online but never became available")
	}
	return nil
}

// RecoverDeviceBootloader waits for the device to reach FASTBOOT.
func (p *Policy) RecoverDeviceBootloader(ctx context.Context, mon *monitor.Monitor) error {
	p.settle(ctx)
	if !mon.WaitForBootloader(ctx, p.OnlineBudget) {
		return operr.New("RecoverDeviceBootloader", operr.CodeDeviceUnresponsive, "device did not reach fastboot within recovery budget")
	}
	return nil
}

// RecoverDeviceRecovery waits for the device to reach RECOVERY.
func (p *Policy) RecoverDeviceRecovery(ctx context.Context, mon *monitor.Monitor) error {
	p.settle(ctx)
	if !mon.WaitForRecovery(ctx, p.OnlineBudget) {
		return operr.New("RecoverDeviceRecovery", operr.CodeDeviceUnresponsive, "device did not reach recovery within recovery budget")
	}
	return nil
}
