package command

import (
	"os"
	"strings"
)

// DeviceView is the minimal read-only device surface a Selection needs
// to evaluate its predicate. internal/device's Device type satisfies
// this structurally; command does not import internal/device so that
// selection logic stays testable without a live device pool.
type DeviceView interface {
	Serial() string
	ProductType() string
	Property(key string) (string, bool)
	IsEmulator() bool
	IsNullDevice() bool
}

// androidSerialEnv is the environment variable consulted when a
// Selection's serial set is empty, per the seed-from-environment rule.
const androidSerialEnv = "ANDROID_SERIAL"

// Selection is a device-selection predicate. Matching is conjunctive
// across groups and disjunctive within each multi-valued group.
type Selection struct {
	Serials        []string
	ExcludeSerials []string
	ProductTypes   []string
	Properties     map[string]string

	// RequireEmulator/ForbidEmulator and RequireNullDevice/ForbidNullDevice
	// model the tri-state "demand / forbid / don't care" options from the
	// source's emulator and nullDevice flags.
	RequireEmulator   bool
	ForbidEmulator    bool
	RequireNullDevice bool
	ForbidNullDevice  bool

	envSeeded     bool
	envSeededFrom string
}

// seedFromEnv lazily adds ANDROID_SERIAL to Serials the first time this
// Selection is evaluated, caching the result thereafter so later
// environment changes cannot alter an already-evaluated Selection.
// Selection values are only ever mutated by Matches, and every
// call site evaluates a given Command's Selection under the queue's
// lock, so a plain bool guards re-entry here without needing a
// sync.Once — which would make Selection unsafe to copy by value, and
// Selection is copied into every Command and Rescheduled-Command.
func (s *Selection) seedFromEnv() {
	if s.envSeeded {
		return
	}
	s.envSeeded = true
	if len(s.Serials) != 0 {
		return
	}
	if v := os.Getenv(androidSerialEnv); v != "" {
		s.Serials = append(s.Serials, v)
		s.envSeededFrom = v
	}
}

// Matches reports whether d satisfies every group of the selection.
// It is idempotent: repeated calls against an unchanged device and an
// already-seeded Selection always return the same result.
func (s *Selection) Matches(d DeviceView) bool {
	s.seedFromEnv()

	if len(s.Serials) > 0 && !containsString(s.Serials, d.Serial()) {
		return false
	}
	if containsString(s.ExcludeSerials, d.Serial()) {
		return false
	}
	if len(s.ProductTypes) > 0 && !matchesProductType(s.ProductTypes, d.ProductType()) {
		return false
	}
	for k, want := range s.Properties {
		got, ok := d.Property(k)
		if !ok || got != want {
			return false
		}
	}
	if s.RequireEmulator && !d.IsEmulator() {
		return false
	}
	if s.ForbidEmulator && d.IsEmulator() {
		return false
	}
	if s.RequireNullDevice && !d.IsNullDevice() {
		return false
	}
	if s.ForbidNullDevice && d.IsNullDevice() {
		return false
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// matchesProductType compares against entries optionally qualified as
// "type:variant"; a bare "type" entry matches any variant of that type.
func matchesProductType(want []string, got string) bool {
	for _, w := range want {
		if w == got {
			return true
		}
		if idx := strings.IndexByte(w, ':'); idx >= 0 && w[:idx] == got {
			return true
		}
	}
	return false
}
