package devicefleet

import "time"

// Defaults for the retry-with-recovery operation wrapper and the
// availability predicate's budgeted phases.
const (
	// DefaultRetryBudget is the number of retries after the first
	// attempt (so DefaultRetryBudget+1 attempts in all) given to a
	// device operation before it is reported failed.
	DefaultRetryBudget = 3

	// DefaultMinLoopSpacing is a loop spacing value a caller may pass as
	// a loop-mode command's MinLoopInterval. The scheduler does not apply
	// it on its own: a loop-mode command whose MinLoopInterval is zero is
	// reinserted immediately after each run.
	DefaultMinLoopSpacing = 50 * time.Millisecond

	// AvailabilityPhaseOnlineFraction, AvailabilityPhasePackageManagerFraction,
	// and AvailabilityPhaseStorageFraction split a caller-supplied total
	// timeout across the three phases of the availability predicate.
	AvailabilityPhaseOnlineFraction         = 0.2
	AvailabilityPhasePackageManagerFraction = 0.6
	AvailabilityPhaseStorageFraction        = 0.2

	// DefaultFastbootPollInterval is how often the device manager polls
	// for fastboot-mode devices while one is expected to appear.
	DefaultFastbootPollInterval = 500 * time.Millisecond

	// DefaultRecoveryCooldown is the circuit-breaker cool-down applied
	// to a device serial after repeated failed fastboot actions.
	DefaultRecoveryCooldown = 30 * time.Second

	// DefaultGracefulShutdownTimeout bounds how long the daemon waits
	// for in-flight invocations to finish before forcing exit.
	DefaultGracefulShutdownTimeout = 10 * time.Second
)
