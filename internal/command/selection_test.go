package command

import "testing"

type fakeDevice struct {
	serial      string
	productType string
	props       map[string]string
	emulator    bool
	nullDevice  bool
}

func (f fakeDevice) Serial() string      { return f.serial }
func (f fakeDevice) ProductType() string { return f.productType }
func (f fakeDevice) Property(k string) (string, bool) {
	v, ok := f.props[k]
	return v, ok
}
func (f fakeDevice) IsEmulator() bool   { return f.emulator }
func (f fakeDevice) IsNullDevice() bool { return f.nullDevice }

func TestSelection_EmptySerialsMatchesAny(t *testing.T) {
	t.Setenv("ANDROID_SERIAL", "")
	s := &Selection{}
	if !s.Matches(fakeDevice{serial: "S1"}) {
		t.Error("expected empty selection to match any device")
	}
}

func TestSelection_ExcludeSerials(t *testing.T) {
	t.Setenv("ANDROID_SERIAL", "")
	s := &Selection{ExcludeSerials: []string{"S1"}}
	if s.Matches(fakeDevice{serial: "S1"}) {
		t.Error("expected excluded serial to never match")
	}
	if !s.Matches(fakeDevice{serial: "S2"}) {
		t.Error("expected non-excluded serial to match")
	}
}

func TestSelection_ProductTypeVariant(t *testing.T) {
	t.Setenv("ANDROID_SERIAL", "")
	s := &Selection{ProductTypes: []string{"walleye:userdebug"}}
	if !s.Matches(fakeDevice{productType: "walleye"}) {
		t.Error("expected bare product type to match qualified selection")
	}
	if s.Matches(fakeDevice{productType: "taimen"}) {
		t.Error("expected mismatched product type to fail")
	}
}

func TestSelection_Properties(t *testing.T) {
	t.Setenv("ANDROID_SERIAL", "")
	s := &Selection{Properties: map[string]string{"ro.build.type": "userdebug"}}
	if !s.Matches(fakeDevice{props: map[string]string{"ro.build.type": "userdebug"}}) {
		t.Error("expected matching property to pass")
	}
	if s.Matches(fakeDevice{props: map[string]string{"ro.build.type": "user"}}) {
		t.Error("expected mismatched property to fail")
	}
}

func TestSelection_EmulatorTriState(t *testing.T) {
	t.Setenv("ANDROID_SERIAL", "")
	require := &Selection{RequireEmulator: true}
	if require.Matches(fakeDevice{emulator: false}) {
		t.Error("expected RequireEmulator to reject a physical device")
	}
	forbid := &Selection{ForbidEmulator: true}
	if forbid.Matches(fakeDevice{emulator: true}) {
		t.Error("expected ForbidEmulator to reject an emulator")
	}
}

func TestSelection_SeedsFromEnvironmentOnce(t *testing.T) {
	t.Setenv("ANDROID_SERIAL", "S1")
	s := &Selection{}
	if !s.Matches(fakeDevice{serial: "S1"}) {
		t.Fatal("expected env-seeded serial to match")
	}
	// Changing the environment after first evaluation must not affect
	// a Selection that already cached its seed.
	t.Setenv("ANDROID_SERIAL", "S2")
	if s.Matches(fakeDevice{serial: "S2"}) {
		t.Error("expected cached seed to ignore later environment changes")
	}
	if !s.Matches(fakeDevice{serial: "S1"}) {
		t.Error("expected cached seed to keep matching the original serial")
	}
}

func TestSelection_Idempotent(t *testing.T) {
	t.Setenv("ANDROID_SERIAL", "")
	s := &Selection{ProductTypes: []string{"walleye"}}
	d := fakeDevice{productType: "walleye"}
	first := s.Matches(d)
	second := s.Matches(d)
	if first != second {
		t.Error("expected repeated evaluation on unchanged device to be idempotent")
	}
}
