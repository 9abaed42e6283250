package recovery

import (
	"context"
	"time"

	"github.com/ehrlich-b/devicefleet/internal/bridge"
	"github.com/ehrlich-b/devicefleet/internal/device"
	"github.com/ehrlich-b/devicefleet/internal/monitor"
	"github.com/ehrlich-b/devicefleet/internal/operr"
)

// RebootPaths implements the four reboot compositions: plain reboot
// (with post-boot setup), reboot-until-online, reboot into bootloader,
// and reboot into recovery.
type RebootPaths struct {
	Bridge bridge.DebugBridge

	WaitOnlineTimeout     time.Duration
	WaitAvailableTimeout  time.Duration
	WaitBootloaderTimeout time.Duration
	WaitRecoveryTimeout   time.Duration

	// PostBootSetup re-enables privileged shell and dismisses the lock
	// screen once a device reaches AVAILABLE after a full reboot. Nil
	// skips post-boot setup entirely.
	PostBootSetup func(ctx context.Context, serial string) error
}

func (r *RebootPaths) onlineTimeout() time.Duration {
	if r.WaitOnlineTimeout > 0 {
		return r.WaitOnlineTimeout
	}
	return 60 * time.Second
}

func (r *RebootPaths) availableTimeout() time.Duration {
	if r.WaitAvailableTimeout > 0 {
		return r.WaitAvailableTimeout
	}
	return 90 * time.Second
}

func (r *RebootPaths) bootloaderTimeout() time.Duration {
	if r.WaitBootloaderTimeout > 0 {
		return r.WaitBootloaderTimeout
	}
	return 30 * time.Second
}

func (r *RebootPaths) recoveryTimeout() time.Duration {
	if r.WaitRecoveryTimeout > 0 {
		return r.WaitRecoveryTimeout
	}
	return 30 * time.Second
}

// Reboot performs a full reboot: adb reboot, wait-online, wait-available,
// then post-boot setup.
func (r *RebootPaths) Reboot(ctx context.Context, dev *device.Device, mon *monitor.Monitor, probe bridge.AvailabilityProbe, budget monitor.AvailabilityBudget) error {
	if err := r.Bridge.Reboot(ctx, dev.Serial(), ""); err != nil {
		return operr.NewDevice("Reboot", dev.Serial(), operr.CodeBridgeError, err.Error())
	}
	if !mon.WaitForOnline(ctx, r.onlineTimeout()) {
		return operr.NewDevice("Reboot", dev.Serial(), operr.CodeDeviceOffline, "device did not come online after reboot")
	}
	if budget.Total <= 0 {
		budget.Total = r.availableTimeout()
	}
	if !mon.WaitForAvailable(ctx, probe, dev.Serial(), budget) {
		return operr.NewDevice("Reboot", dev.Serial(), operr.CodeDeviceUnresponsive, "device did not become available after reboot")
	}
	if r.PostBootSetup != nil {
		return r.PostBootSetup(ctx, dev.Serial())
	}
	return nil
}

// RebootUntilOnline performs adb reboot followed by wait-online only,
// skipping post-boot setup.
func (r *RebootPaths) RebootUntilOnline(ctx context.Context, dev *device.Device, mon *monitor.Monitor) error {
	if err := r.Bridge.Reboot(ctx, dev.Serial(), ""); err != nil {
		return operr.NewDevice("RebootUntilOnline", dev.Serial(), operr.CodeBridgeError, err.Error())
	}
	if !mon.WaitForOnline(ctx, r.onlineTimeout()) {
		return operr.NewDevice("RebootUntilOnline", dev.Serial(), operr.CodeDeviceOffline, "device did not come online after reboot")
	}
	return nil
}

// RebootIntoBootloader issues `adb reboot bootloader` and waits for the
// fastboot state.
func (r *RebootPaths) RebootIntoBootloader(ctx context.Context, dev *device.Device, mon *monitor.Monitor) error {
	if err := r.Bridge.Reboot(ctx, dev.Serial(), "bootloader"); err != nil {
		return operr.NewDevice("RebootIntoBootloader", dev.Serial(), operr.CodeBridgeError, err.Error())
	}
	if !mon.WaitForBootloader(ctx, r.bootloaderTimeout()) {
		return operr.NewDevice("RebootIntoBootloader", dev.Serial(), operr.CodeDeviceUnresponsive, "device did not reach fastboot")
	}
	return nil
}

// RebootIntoRecovery routes through RebootUntilOnline first when the
// device is currently in fastboot (adb cannot reboot a device that is
// already in the bootloader), then issues `adb reboot recovery`.
func (r *RebootPaths) RebootIntoRecovery(ctx context.Context, dev *device.Device, mon *monitor.Monitor) error {
	if mon.CurrentState() == device.StateFastboot {
		if err := r.RebootUntilOnline(ctx, dev, mon); err != nil {
			return err
		}
	}
	if err := r.Bridge.Reboot(ctx, dev.Serial(), "recovery"); err != nil {
		return operr.NewDevice("RebootIntoRecovery", dev.Serial(), operr.CodeBridgeError, err.Error())
	}
	if !mon.WaitForRecovery(ctx, r.recoveryTimeout()) {
		return operr.NewDevice("RebootIntoRecovery", dev.Serial(), operr.CodeDeviceUnresponsive, "device did not reach recovery")
	}
	return nil
}
