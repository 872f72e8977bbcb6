package device

import (
	"errors"
	"testing"

	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/pkg"
)

var (
	ep1In  = EndpointID{Number: 1, In: true}
	ep1Out = EndpointID{Number: 1}
	ep2In  = EndpointID{Number: 2, In: true}
	ep3In  = EndpointID{Number: 3, In: true}
)

func setConfiguration(d *Device, m *mockDriver, value uint8) bool {
	var s SetupPacket
	GetSetConfigurationSetup(&s, value)
	_, ok := control(d, m, s, nil)
	return ok
}

func setInterface(d *Device, m *mockDriver, iface, alt uint8) bool {
	var s SetupPacket
	GetSetInterfaceSetup(&s, iface, alt)
	_, ok := control(d, m, s, nil)
	return ok
}

func TestConfig_SetConfiguration(t *testing.T) {
	tc := &testClass{}
	d, m := newTestDevice(t, Config{}, tc)

	var changed []uint8
	d.SetOnConfigurationChanged(func(v uint8) { changed = append(changed, v) })

	if err := d.EndpointWrite(1, []byte{0}); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("write before configuration: %v", err)
	}

	enumerate(t, d, m)

	rec := d.Record()
	if rec.Configuration() != 1 || rec.Interfaces() != 2 {
		t.Fatalf("configuration=%d interfaces=%d", rec.Configuration(), rec.Interfaces())
	}
	if got := rec.Mask().Count(); got != 3 {
		t.Errorf("mask count = %d, want 3 (%s)", got, rec.Mask())
	}
	for _, ep := range []EndpointID{ep1In, ep1Out} {
		if !rec.IsConfigured(ep) {
			t.Errorf("%v not configured", ep)
		}
	}
	if m.configured[0x81] != 64 || m.configured[0x01] != 64 {
		t.Errorf("driver endpoints = %v", m.configured)
	}
	if got := d.GetState().State; got != StateConfigured {
		t.Errorf("state = %v", got)
	}
	if !d.Configured() {
		t.Error("Configured() = false")
	}
	if rec.Status()&StatusSelfPowered == 0 {
		t.Error("self-powered bit cleared")
	}
	if err := d.EndpointWrite(1, []byte{0}); err != nil {
		t.Errorf("write after configuration: %v", err)
	}

	if !setConfiguration(d, m, 2) {
		t.Fatal("SET_CONFIGURATION 2 stalled")
	}
	rec = d.Record()
	if rec.IsConfigured(ep1In) || rec.IsConfigured(ep1Out) || !rec.IsConfigured(ep3In) {
		t.Errorf("mask after switch = %s", rec.Mask())
	}
	if _, ok := m.configured[0x81]; ok {
		t.Error("0x81 still enabled on the driver")
	}
	if rec.Status()&StatusSelfPowered != 0 {
		t.Error("self-powered bit kept for bus-powered configuration")
	}

	if !setConfiguration(d, m, 0) {
		t.Fatal("SET_CONFIGURATION 0 stalled")
	}
	rec = d.Record()
	if rec.Configuration() != 0 || rec.Mask() != MaskEP0 {
		t.Errorf("configuration=%d mask=%s", rec.Configuration(), rec.Mask())
	}
	if got := d.GetState().State; got != StateAddress {
		t.Errorf("state = %v", got)
	}

	want := []uint8{1, 2, 0}
	if len(tc.configs) != len(want) || len(changed) != len(want) {
		t.Fatalf("observers=%v hooks=%v, want %v", tc.configs, changed, want)
	}
	for i := range want {
		if tc.configs[i] != want[i] || changed[i] != want[i] {
			t.Errorf("notification %d: observer=%d hook=%d want %d", i, tc.configs[i], changed[i], want[i])
		}
	}
}

func TestConfig_SetConfigurationRejected(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		current uint8
		value   uint8
	}{
		{name: "unknown value", current: 1, value: 9},
		{name: "interface capacity", cfg: Config{Interfaces: 1}, current: 2, value: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := &testClass{}
			d, m := newTestDevice(t, tt.cfg, tc)
			var changed []uint8
			d.SetOnConfigurationChanged(func(v uint8) { changed = append(changed, v) })

			if !setConfiguration(d, m, tt.current) {
				t.Fatalf("SET_CONFIGURATION %d stalled", tt.current)
			}
			before := d.Record().Mask()
			unconfigures := m.count("EndpointUnconfigure")

			if setConfiguration(d, m, tt.value) {
				t.Fatal("request accepted")
			}
			rec := d.Record()
			if rec.Configuration() != tt.current || rec.Mask() != before {
				t.Errorf("configuration=%d mask=%s, want %d %s",
					rec.Configuration(), rec.Mask(), tt.current, before)
			}
			if n := m.count("EndpointUnconfigure"); n != unconfigures {
				t.Errorf("EndpointUnconfigure calls = %d, want %d", n, unconfigures)
			}
			if len(tc.configs) != 1 || len(changed) != 1 {
				t.Errorf("observers=%v hooks=%v, want one notification", tc.configs, changed)
			}
		})
	}
}

func TestConfig_SetConfigurationDriverFailure(t *testing.T) {
	tc := &testClass{}
	d, m := newTestDevice(t, Config{}, tc)
	var changed []uint8
	d.SetOnConfigurationChanged(func(v uint8) { changed = append(changed, v) })

	if !setConfiguration(d, m, 1) {
		t.Fatal("SET_CONFIGURATION 1 stalled")
	}
	m.fail("EndpointConfigure", hal.ErrParameter, 1)
	if setConfiguration(d, m, 2) {
		t.Fatal("request accepted")
	}

	rec := d.Record()
	if rec.Configuration() != 0 || rec.Mask() != MaskEP0 {
		t.Errorf("not forced unconfigured: configuration=%d mask=%s",
			rec.Configuration(), rec.Mask())
	}
	for ep := range m.configured {
		if ep&0x0F != 0 {
			t.Errorf("endpoint 0x%02X left enabled", ep)
		}
	}
	want := []uint8{1, 0}
	if len(tc.configs) != len(want) || len(changed) != len(want) {
		t.Fatalf("observers=%v hooks=%v, want %v", tc.configs, changed, want)
	}
	for i := range want {
		if tc.configs[i] != want[i] || changed[i] != want[i] {
			t.Errorf("notification %d: observer=%d hook=%d want %d", i, tc.configs[i], changed[i], want[i])
		}
	}
}

func TestConfig_SetInterface(t *testing.T) {
	tc := &testClass{}
	d, m := newTestDevice(t, Config{}, tc)

	if setInterface(d, m, 1, 1) {
		t.Fatal("SET_INTERFACE accepted while unconfigured")
	}

	enumerate(t, d, m)

	if !setInterface(d, m, 1, 1) {
		t.Fatal("SET_INTERFACE 1/1 stalled")
	}
	rec := d.Record()
	if rec.Alternate(1) != 1 || !rec.IsConfigured(ep2In) {
		t.Errorf("alternate=%d mask=%s", rec.Alternate(1), rec.Mask())
	}
	if got := rec.Mask().Count(); got != 4 {
		t.Errorf("mask count = %d, want 4", got)
	}
	if m.configured[0x82] != 128 {
		t.Errorf("0x82 packet size = %d", m.configured[0x82])
	}

	t.Run("missing alternate keeps state", func(t *testing.T) {
		if setInterface(d, m, 1, 7) {
			t.Fatal("SET_INTERFACE 1/7 accepted")
		}
		if rec := d.Record(); rec.Alternate(1) != 1 || !rec.IsConfigured(ep2In) {
			t.Errorf("state changed: alternate=%d mask=%s", rec.Alternate(1), rec.Mask())
		}
	})

	t.Run("interface out of range", func(t *testing.T) {
		if setInterface(d, m, 2, 0) {
			t.Fatal("SET_INTERFACE 2/0 accepted")
		}
	})

	if !setInterface(d, m, 1, 0) {
		t.Fatal("SET_INTERFACE 1/0 stalled")
	}
	rec = d.Record()
	if rec.Alternate(1) != 0 || rec.IsConfigured(ep2In) {
		t.Errorf("alternate=%d mask=%s", rec.Alternate(1), rec.Mask())
	}
	if _, ok := m.configured[0x82]; ok {
		t.Error("0x82 still enabled on the driver")
	}
	if !rec.IsConfigured(ep1In) || !rec.IsConfigured(ep1Out) {
		t.Error("interface 0 endpoints disturbed")
	}

	want := [][2]uint8{{1, 1}, {1, 0}}
	if len(tc.alternates) != len(want) {
		t.Fatalf("observers = %v", tc.alternates)
	}
	for i := range want {
		if tc.alternates[i] != want[i] {
			t.Errorf("observer %d = %v, want %v", i, tc.alternates[i], want[i])
		}
	}
}

func TestConfig_SetInterfaceDriverFailure(t *testing.T) {
	d, m := newTestDevice(t, Config{})
	enumerate(t, d, m)

	m.fail("EndpointConfigure", hal.ErrParameter, 1)
	if setInterface(d, m, 1, 1) {
		t.Fatal("request accepted")
	}
	rec := d.Record()
	if rec.Configuration() != 0 || rec.Mask() != MaskEP0 {
		t.Errorf("configuration=%d mask=%s", rec.Configuration(), rec.Mask())
	}
}

func TestConfig_BusResetUnconfigures(t *testing.T) {
	tc := &testClass{}
	d, m := newTestDevice(t, Config{}, tc)
	enumerate(t, d, m)

	m.port(hal.EventReset)
	drain(d)

	rec := d.Record()
	if rec.Address() != 0 || rec.Configuration() != 0 || rec.Mask() != MaskEP0 {
		t.Errorf("address=%d configuration=%d mask=%s",
			rec.Address(), rec.Configuration(), rec.Mask())
	}
	if got := d.GetState().State; got != StateDefault {
		t.Errorf("state = %v", got)
	}
	if tc.resets != 2 {
		t.Errorf("reset observer calls = %d, want 2", tc.resets)
	}
}

func TestConfig_WalkEndpoints(t *testing.T) {
	desc := testTables(t, false)
	block := configAt(desc.ConfigurationFS, 0)

	var got []uint8
	err := eachInterfaceEndpoint(block, matchDefault, func(ep *EndpointDescriptor) error {
		got = append(got, ep.EndpointAddress)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 0x81 || got[1] != 0x01 {
		t.Errorf("default endpoints = % X", got)
	}

	got = got[:0]
	_ = eachInterfaceEndpoint(block, matchAlternate(1, 1), func(ep *EndpointDescriptor) error {
		got = append(got, ep.EndpointAddress)
		return nil
	})
	if len(got) != 1 || got[0] != 0x82 {
		t.Errorf("alternate endpoints = % X", got)
	}

	stop := errors.New("stop")
	calls := 0
	err = eachInterfaceEndpoint(block, matchDefault, func(*EndpointDescriptor) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("err=%v calls=%d", err, calls)
	}

	if !hasAlternate(block, 1, 1) || hasAlternate(block, 1, 2) || !hasAlternate(block, 0, 0) {
		t.Error("hasAlternate mismatch")
	}
}
