package sim_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/usbdcore/device"
	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/device/hal/sim"
	"github.com/ardnew/usbdcore/pkg"
)

func tables(t *testing.T, hs bool) *device.Descriptors {
	t.Helper()
	b := device.NewTableBuilder().
		WithVendorProduct(0x1209, 0x0001).
		WithStrings("Acme", "Loopback", "SN42").
		AddConfiguration(1, device.ConfigAttrSelfPowered, 50).
		AddInterface(device.ClassVendor, 0, 0).
		AddEndpoint(0x81, device.EndpointTypeBulk, 64, 0).
		AddEndpoint(0x01, device.EndpointTypeBulk, 64, 0)
	if hs {
		b = b.WithHighSpeed()
	} else {
		b = b.WithMaxPacketSize0(8)
	}
	desc, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return desc
}

// start runs an initialized device on ctl until the test ends.
func start(t *testing.T, ctl *sim.Controller, cfg device.Config) *device.Device {
	t.Helper()
	d, err := device.New(cfg, tables(t, cfg.HighSpeed), ctl)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return d
}

func TestEnumerate(t *testing.T) {
	ctl := sim.New()
	d := start(t, ctl, device.Config{})
	host := sim.NewHost(ctl)

	ctx := context.Background()
	e, err := host.Enumerate(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}

	if e.Device.VendorID != 0x1209 || e.Device.MaxPacketSize0 != 8 {
		t.Errorf("device = %+v", e.Device)
	}
	if len(e.Configuration) != 9+9+2*7 {
		t.Errorf("configuration length = %d", len(e.Configuration))
	}
	if e.Strings[1] != "Acme" || e.Strings[2] != "Loopback" || e.Strings[3] != "SN42" {
		t.Errorf("strings = %v", e.Strings)
	}
	if len(e.LangIDs) != 1 || e.LangIDs[0] != device.LangIDUSEnglish {
		t.Errorf("languages = %v", e.LangIDs)
	}
	if ctl.Address() != 5 {
		t.Errorf("controller address = %d", ctl.Address())
	}

	st := d.GetState()
	if st.State != device.StateConfigured || st.Address != 5 || st.Configuration != 1 {
		t.Errorf("state = %+v", st)
	}
	for _, ep := range []uint8{0x81, 0x01} {
		if mps, ok := ctl.Configured(ep); !ok || mps != 64 {
			t.Errorf("endpoint 0x%02X: configured=%v mps=%d", ep, ok, mps)
		}
	}
}

func TestAddressCommittedAfterStatus(t *testing.T) {
	ctl := sim.New()
	start(t, ctl, device.Config{})
	ctl.SetVBUS(true)
	ctl.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ctl.WaitConfigured(ctx, 0x80); err != nil {
		t.Fatal(err)
	}

	var s device.SetupPacket
	device.GetSetAddressSetup(&s, 9)
	raw := make([]byte, device.SetupPacketSize)
	s.MarshalTo(raw)
	if err := ctl.Setup(raw); err != nil {
		t.Fatal(err)
	}
	if err := ctl.WaitPending(ctx, 0x80); err != nil {
		t.Fatal(err)
	}
	if ctl.Address() != 0 {
		t.Fatalf("address programmed before status stage: %d", ctl.Address())
	}
	if _, err := ctl.CompleteIn(0x80); err != nil {
		t.Fatal(err)
	}
	if err := ctl.WaitAddress(ctx, 9); err != nil {
		t.Errorf("address not committed: %v", err)
	}
}

func TestHostStall(t *testing.T) {
	ctl := sim.New()
	start(t, ctl, device.Config{})
	host := sim.NewHost(ctl)

	ctx := context.Background()
	if _, err := host.Enumerate(ctx, 3); err != nil {
		t.Fatal(err)
	}

	var s device.SetupPacket
	device.GetDescriptorSetup(&s, device.DescriptorTypeDeviceQualifier, 0, 10)
	if _, err := host.ControlIn(ctx, &s); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("qualifier on a full-speed device: %v", err)
	}

	// the next SETUP clears the stall
	device.GetConfigurationSetup(&s)
	got, err := host.ControlIn(ctx, &s)
	if err != nil || len(got) != 1 || got[0] != 1 {
		t.Errorf("GET_CONFIGURATION = %v, %v", got, err)
	}
}

func TestEnumerateHighSpeed(t *testing.T) {
	ctl := sim.New(sim.WithSpeed(hal.SpeedHigh))
	d := start(t, ctl, device.Config{HighSpeed: true})
	host := sim.NewHost(ctl)

	ctx := context.Background()
	if _, err := host.Enumerate(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if st := d.GetState(); st.Speed != device.SpeedHigh {
		t.Errorf("speed = %v", st.Speed)
	}
	if mps, _ := ctl.Configured(0x81); mps != 512 {
		t.Errorf("bulk packet size = %d", mps)
	}

	var s device.SetupPacket
	device.GetDescriptorSetup(&s, device.DescriptorTypeDeviceQualifier, 0, 10)
	q, err := host.ControlIn(ctx, &s)
	if err != nil || len(q) != 10 {
		t.Errorf("qualifier = % X, %v", q, err)
	}
}

func TestPolledVBUS(t *testing.T) {
	ctl := sim.New(sim.WithCapabilities(hal.Capabilities{VBUSDetection: true}))
	d := start(t, ctl, device.Config{VBUSPollInterval: time.Millisecond})

	waitVBUS := func(want bool) {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for d.GetState().VBUS != want {
			if time.Now().After(deadline) {
				t.Fatalf("VBUS %v never observed", want)
			}
			time.Sleep(time.Millisecond)
		}
	}
	ctl.SetVBUS(true)
	waitVBUS(true)
	ctl.SetVBUS(false)
	waitVBUS(false)
	if st := d.GetState(); st.State != device.StateDetached {
		t.Errorf("state = %v", st.State)
	}
}
