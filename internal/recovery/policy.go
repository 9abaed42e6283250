package recovery

import (
	"context"

	"github.com/ehrlich-b/devicefleet/internal/monitor"
)

// Policy is the external recovery collaborator contract. Implementations
// know how to drive a specific device back to a usable state; the
// wrapper in this package never depends on a concrete implementation,
// only on this interface.
type Policy interface {
	// RecoverDevice brings the device to ONLINE, and to fully available
	// unless onlineOnly is set, or returns an error.
	RecoverDevice(ctx context.Context, mon *monitor.Monitor, onlineOnly bool) error
	// RecoverDeviceBootloader brings the device to FASTBOOT, or fails.
	RecoverDeviceBootloader(ctx context.Context, mon *monitor.Monitor) error
	// RecoverDeviceRecovery brings the device to RECOVERY, or fails.
	RecoverDeviceRecovery(ctx context.Context, mon *monitor.Monitor) error
}
