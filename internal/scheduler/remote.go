package scheduler

import "github.com/ehrlich-b/devicefleet/internal/device"

// Filter force-allocates and quarantines serial, backing the remote
// control surface's filter verb. Quarantine is modeled as an immediate
// free with DispositionIgnored: the device leaves the free pool (per
// the disposition table, IGNORED leaves state unchanged and never
// rejoins the pool on its own) without ever being handed to a Worker.
func (s *Scheduler) Filter(serial string) bool {
	d, ok := s.devices.ForceAllocate(serial)
	if !ok {
		return false
	}
	s.devices.Free(d, device.DispositionIgnored)
	return true
}

// Unfilter releases serial (or every quarantined/force-allocated
// device, for "*") back to the free pool.
func (s *Scheduler) Unfilter(serial string) bool {
	return s.devices.Unfilter(serial)
}

// AddRemoteCommand seeds and inserts a Command from the remote control
// surface's add_command verb.
func (s *Scheduler) AddRemoteCommand(totalMillis int64, args []string) bool {
	s.AddSeededCommand(args, totalMillis)
	return true
}
