package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/pkg"
)

func (m *mockDriver) setVBUS(on bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.state.VBUS = on
}

// startRun runs the device worker until the test ends.
func startRun(t *testing.T, d *Device) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(time.Second):
			t.Error("Run did not stop")
		}
	})
}

func expectVBUS(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("VBUS hook = %v, want %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("no VBUS hook, want %v", want)
	}
}

func TestLoop_RunErrors(t *testing.T) {
	m := newMockDriver()
	d, err := New(Config{}, testTables(t, false), m)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Run(context.Background()); !errors.Is(err, pkg.ErrDeviceNotInitialized) {
		t.Errorf("Run before Initialize: %v", err)
	}

	if err := d.Initialize(); err != nil {
		t.Fatal(err)
	}
	d.lock()
	d.running = true
	d.unlock()
	if err := d.Run(context.Background()); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Run: %v", err)
	}
	d.lock()
	d.running = false
	d.unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Errorf("Run with cancelled context: %v", err)
	}
}

func TestLoop_RunProcessesEvents(t *testing.T) {
	m := newMockDriver()
	d, err := New(Config{}, testTables(t, false), m)
	if err != nil {
		t.Fatal(err)
	}
	resets := make(chan struct{}, 1)
	d.SetOnReset(func() { resets <- struct{}{} })
	if err := d.Initialize(); err != nil {
		t.Fatal(err)
	}
	startRun(t, d)

	m.port(hal.EventVBUSOn | hal.EventReset)
	select {
	case <-resets:
	case <-time.After(time.Second):
		t.Fatal("reset not processed")
	}
	if got := d.GetState().State; got != StateDefault {
		t.Errorf("state = %v", got)
	}
	if m.configured[0x00] != 64 || m.configured[0x80] != 64 {
		t.Errorf("endpoint 0 not configured: %v", m.configured)
	}
}

func TestLoop_VBUSPolling(t *testing.T) {
	t.Run("both edges", func(t *testing.T) {
		m := newMockDriver()
		m.caps = hal.Capabilities{VBUSDetection: true}
		m.setVBUS(true)
		d, err := New(Config{VBUSPollInterval: time.Millisecond}, testTables(t, false), m)
		if err != nil {
			t.Fatal(err)
		}
		vbus := make(chan bool, 4)
		d.SetOnVBUSChanged(func(on bool) { vbus <- on })
		if err := d.Initialize(); err != nil {
			t.Fatal(err)
		}
		startRun(t, d)

		expectVBUS(t, vbus, true)
		m.setVBUS(false)
		expectVBUS(t, vbus, false)
		if got := d.GetState().State; got != StateDetached {
			t.Errorf("state = %v", got)
		}
		m.setVBUS(true)
		expectVBUS(t, vbus, true)
	})

	t.Run("off edge only", func(t *testing.T) {
		m := newMockDriver()
		m.caps = hal.Capabilities{VBUSDetection: true, EventVBUSOn: true}
		m.setVBUS(true)
		d, err := New(Config{VBUSPollInterval: time.Millisecond}, testTables(t, false), m)
		if err != nil {
			t.Fatal(err)
		}
		vbus := make(chan bool, 4)
		d.SetOnVBUSChanged(func(on bool) { vbus <- on })
		if err := d.Initialize(); err != nil {
			t.Fatal(err)
		}
		startRun(t, d)

		m.setVBUS(false)
		expectVBUS(t, vbus, false)
		select {
		case on := <-vbus:
			t.Errorf("unexpected VBUS hook %v", on)
		case <-time.After(10 * time.Millisecond):
		}
	})

	t.Run("no detection", func(t *testing.T) {
		m := newMockDriver()
		m.caps = hal.Capabilities{}
		d, err := New(Config{VBUSPollInterval: time.Millisecond}, testTables(t, false), m)
		if err != nil {
			t.Fatal(err)
		}
		vbus := make(chan bool, 4)
		d.SetOnVBUSChanged(func(on bool) { vbus <- on })
		if err := d.Initialize(); err != nil {
			t.Fatal(err)
		}
		startRun(t, d)

		m.setVBUS(true)
		select {
		case on := <-vbus:
			t.Errorf("unexpected VBUS hook %v", on)
		case <-time.After(10 * time.Millisecond):
		}
	})
}

func TestLoop_PortEventOrder(t *testing.T) {
	m := newMockDriver()
	d, err := New(Config{HighSpeed: true}, testTables(t, true), m)
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	d.SetOnVBUSChanged(func(on bool) { order = append(order, "vbus") })
	d.SetOnReset(func() { order = append(order, "reset") })
	d.SetOnHighSpeed(func() { order = append(order, "high-speed") })
	d.SetOnSuspended(func() { order = append(order, "suspend") })
	d.SetOnResumed(func() { order = append(order, "resume") })
	if err := d.Initialize(); err != nil {
		t.Fatal(err)
	}

	m.port(hal.EventResume)
	m.port(hal.EventSuspend)
	m.port(hal.EventHighSpeed)
	m.port(hal.EventReset)
	m.port(hal.EventVBUSOn)
	drain(d)

	want := []string{"vbus", "reset", "high-speed", "suspend", "resume"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
	st := d.GetState()
	if st.Speed != SpeedHigh || st.State != StateDefault {
		t.Errorf("state = %+v", st)
	}
}

func TestLoop_SuspendResume(t *testing.T) {
	d, m := newTestDevice(t, Config{})
	enumerate(t, d, m)

	m.port(hal.EventSuspend)
	drain(d)
	if got := d.GetState().State; got != StateSuspended {
		t.Errorf("state = %v", got)
	}
	m.port(hal.EventResume)
	drain(d)
	if got := d.GetState().State; got != StateConfigured {
		t.Errorf("state = %v", got)
	}
}

func TestLoop_VBUSOffResets(t *testing.T) {
	d, m := newTestDevice(t, Config{})
	enumerate(t, d, m)

	m.port(hal.EventVBUSOff)
	drain(d)
	st := d.GetState()
	if st.VBUS || st.State != StateDetached || st.Configuration != 0 || st.Address != 0 {
		t.Errorf("state = %+v", st)
	}
}

func TestLoop_EndpointEvents(t *testing.T) {
	var consumed []EndpointID
	claim := true
	tc := &testClass{endpoint: func(c *Control, ep EndpointID, event hal.EndpointEvent) bool {
		if claim {
			consumed = append(consumed, ep)
		}
		return claim
	}}
	d, m := newTestDevice(t, Config{}, tc)
	enumerate(t, d, m)

	type hookEvent struct {
		ep    EndpointID
		event hal.EndpointEvent
	}
	var hooked []hookEvent
	d.SetOnEndpointEvent(func(ep EndpointID, event hal.EndpointEvent) {
		hooked = append(hooked, hookEvent{ep, event})
	})

	if err := d.EndpointWrite(1, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if !d.Record().IsActive(ep1In) {
		t.Error("EP1 IN not active")
	}
	if got := m.completeIn(0x81); len(got) != 3 {
		t.Errorf("sent % X", got)
	}
	if d.Record().IsActive(ep1In) {
		t.Error("EP1 IN still active after completion")
	}
	drain(d)
	if len(consumed) != 1 || consumed[0] != ep1In || len(hooked) != 0 {
		t.Errorf("consumed=%v hooked=%v", consumed, hooked)
	}
	if n := d.EndpointTransferGetResult(0x81); n != 3 {
		t.Errorf("result = %d", n)
	}

	claim = false
	buf := make([]byte, 64)
	if err := d.EndpointRead(1, buf); err != nil {
		t.Fatal(err)
	}
	m.completeOut(0x01, []byte{9, 8})
	drain(d)
	if len(hooked) != 1 || hooked[0].ep != ep1Out || hooked[0].event != hal.EndpointEventOut {
		t.Errorf("hooked = %v", hooked)
	}
	if buf[0] != 9 || buf[1] != 8 {
		t.Errorf("buffer = % X", buf[:2])
	}
}

func TestLoop_IgnoredAfterUninitialize(t *testing.T) {
	d, _ := newTestDevice(t, Config{})
	resets := 0
	d.SetOnReset(func() { resets++ })
	if err := d.Uninitialize(); err != nil {
		t.Fatal(err)
	}
	d.process(hal.Pack(hal.EventReset, 0), nil)
	if resets != 0 {
		t.Errorf("reset processed after Uninitialize")
	}
}

func TestEventQueue_Coalesces(t *testing.T) {
	q := newEventQueue()
	q.postDevice(hal.EventReset)
	q.postDevice(hal.EventReset)
	q.postDevice(hal.EventSuspend)
	q.postEndpoint(EndpointID{}, hal.EndpointEventSetup)
	q.postEndpoint(ep2In, hal.EndpointEventIn)
	q.postEndpoint(ep2In, hal.EndpointEventIn)

	if len(q.ready) != 1 {
		t.Errorf("signals = %d, want 1", len(q.ready))
	}
	word, eps := q.take()
	port, ep0 := hal.Unpack(word)
	if port != hal.EventReset|hal.EventSuspend || ep0 != hal.EndpointEventSetup {
		t.Errorf("port=%b ep0=%b", port, ep0)
	}
	if eps[ep2In.Slot()] != hal.EndpointEventIn {
		t.Errorf("EP2 IN = %b", eps[ep2In.Slot()])
	}

	word, eps = q.take()
	if word != 0 || eps != ([2 * MaxEndpoints]hal.EndpointEvent{}) {
		t.Error("take did not clear the queue")
	}
}
