package monitor

import (
	"context"
	"time"

	"github.com/ehrlich-b/devicefleet/internal/bridge"
)

// AvailabilityBudget parameterizes the three-phase predicate: the total
// timeout and how it is split across phases, plus the Phase B polling
// cadence and per-query budget.
type AvailabilityBudget struct {
	Total                  time.Duration
	OnlineFraction         float64
	PackageManagerFraction float64
	StorageFraction        float64
	PollInterval           time.Duration
	PerQueryBudget         time.Duration
}

// WaitForAvailable runs the three-phase "device is available" predicate:
// online, then package-manager responsive, then external-storage
// writable. Phases run strictly in order; a phase that finishes early
// donates its unused time to the phases after it.
func (m *Monitor) WaitForAvailable(ctx context.Context, probe bridge.AvailabilityProbe, serial string, b AvailabilityBudget) bool {
	overallDeadline := time.Now().Add(b.Total)
	remainingFraction := b.OnlineFraction + b.PackageManagerFraction + b.StorageFraction

	nextPhaseBudget := func(fraction float64) time.Duration {
		remaining := time.Until(overallDeadline)
		if remaining <= 0 || remainingFraction <= 0 {
			remainingFraction -= fraction
			return 0
		}
		d := time.Duration(float64(remaining) * (fraction / remainingFraction))
		remainingFraction -= fraction
		return d
	}

	if !m.WaitForOnline(ctx, nextPhaseBudget(b.OnlineFraction)) {
		return false
	}

	if !m.waitForPackageManager(ctx, probe, serial, nextPhaseBudget(b.PackageManagerFraction), b) {
		return false
	}

	return m.waitForStorageWritable(ctx, probe, serial, nextPhaseBudget(b.StorageFraction), b)
}

func (m *Monitor) waitForPackageManager(ctx context.Context, probe bridge.AvailabilityProbe, serial string, budget time.Duration, b AvailabilityBudget) bool {
	deadline := time.Now().Add(budget)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		queryTimeout := minDuration(b.PerQueryBudget, remaining)
		qctx, cancel := context.WithTimeout(ctx, queryTimeout)
		ok, _ := probe.PackageManagerResponsive(qctx, serial, queryTimeout)
		cancel()
		if ok {
			return true
		}
		if !sleepOrDone(ctx, minDuration(b.PollInterval, time.Until(deadline))) {
			return false
		}
	}
}

func (m *Monitor) waitForStorageWritable(ctx context.Context, probe bridge.AvailabilityProbe, serial string, budget time.Duration, b AvailabilityBudget) bool {
	deadline := time.Now().Add(budget)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		ok, _ := probe.ExternalStorageWritable(ctx, serial)
		if ok {
			return true
		}
		if !sleepOrDone(ctx, minDuration(b.PollInterval, time.Until(deadline))) {
			return false
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
