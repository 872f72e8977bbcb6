package device

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ardnew/usbdcore/device/hal"
)

// mockDriver implements hal.Driver for testing. Transfers stay pending
// until the test completes them.
type mockDriver struct {
	mutex sync.Mutex

	caps  hal.Capabilities
	state hal.DeviceState

	onDevice   hal.DeviceEventFunc
	onEndpoint hal.EndpointEventFunc

	setup      [SetupPacketSize]byte
	address    uint8
	power      hal.PowerState
	connected  bool
	configured map[uint8]uint16
	stalled    map[uint8]bool
	pending    map[uint8][]byte
	results    map[uint8]uint32
	calls      []string

	failures map[string]int
	failErr  map[string]error
}

func newMockDriver() *mockDriver {
	return &mockDriver{
		caps:       hal.Capabilities{VBUSDetection: true, EventVBUSOn: true, EventVBUSOff: true},
		configured: make(map[uint8]uint16),
		stalled:    make(map[uint8]bool),
		pending:    make(map[uint8][]byte),
		results:    make(map[uint8]uint32),
		failures:   make(map[string]int),
		failErr:    make(map[string]error),
	}
}

// fail makes the next times calls of op return err. A negative times
// fails every call.
func (m *mockDriver) fail(op string, err error, times int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failures[op] = times
	m.failErr[op] = err
}

// record logs a call and returns the injected failure for op, if any.
func (m *mockDriver) record(op string, ep uint8) error {
	m.calls = append(m.calls, fmt.Sprintf("%s(0x%02X)", op, ep))
	n, ok := m.failures[op]
	if !ok || n == 0 {
		return nil
	}
	if n > 0 {
		m.failures[op] = n - 1
	}
	return m.failErr[op]
}

func (m *mockDriver) count(op string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	n := 0
	for _, c := range m.calls {
		if len(c) > len(op) && c[:len(op)] == op && c[len(op)] == '(' {
			n++
		}
	}
	return n
}

func (m *mockDriver) Version() hal.Version { return hal.Version{API: 0x0200, Driver: 0x0001} }

func (m *mockDriver) Capabilities() hal.Capabilities {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.caps
}

func (m *mockDriver) Initialize(onDevice hal.DeviceEventFunc, onEndpoint hal.EndpointEventFunc) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("Initialize", 0); err != nil {
		return err
	}
	m.onDevice = onDevice
	m.onEndpoint = onEndpoint
	return nil
}

func (m *mockDriver) Uninitialize() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.record("Uninitialize", 0)
}

func (m *mockDriver) PowerControl(state hal.PowerState) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("PowerControl", uint8(state)); err != nil {
		return err
	}
	m.power = state
	return nil
}

func (m *mockDriver) DeviceConnect() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("DeviceConnect", 0); err != nil {
		return err
	}
	m.connected = true
	return nil
}

func (m *mockDriver) DeviceDisconnect() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("DeviceDisconnect", 0); err != nil {
		return err
	}
	m.connected = false
	return nil
}

func (m *mockDriver) DeviceGetState() hal.DeviceState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

func (m *mockDriver) DeviceRemoteWakeup() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.record("DeviceRemoteWakeup", 0)
}

func (m *mockDriver) DeviceSetAddress(address uint8) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("DeviceSetAddress", address); err != nil {
		return err
	}
	m.address = address
	return nil
}

func (m *mockDriver) ReadSetupPacket(out []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("ReadSetupPacket", 0); err != nil {
		return err
	}
	copy(out, m.setup[:])
	return nil
}

func (m *mockDriver) EndpointConfigure(ep uint8, epType uint8, maxPacketSize uint16) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("EndpointConfigure", ep); err != nil {
		return err
	}
	m.configured[ep] = maxPacketSize
	m.stalled[ep] = false
	return nil
}

func (m *mockDriver) EndpointUnconfigure(ep uint8) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("EndpointUnconfigure", ep); err != nil {
		return err
	}
	delete(m.configured, ep)
	return nil
}

func (m *mockDriver) EndpointStall(ep uint8, stall bool) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("EndpointStall", ep); err != nil {
		return err
	}
	m.stalled[ep] = stall
	return nil
}

func (m *mockDriver) EndpointTransfer(ep uint8, buf []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("EndpointTransfer", ep); err != nil {
		return err
	}
	if buf == nil {
		buf = []byte{}
	}
	m.pending[ep] = buf
	return nil
}

func (m *mockDriver) EndpointTransferGetResult(ep uint8) uint32 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.results[ep]
}

func (m *mockDriver) EndpointTransferAbort(ep uint8) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.record("EndpointTransferAbort", ep); err != nil {
		return err
	}
	delete(m.pending, ep)
	return nil
}

func (m *mockDriver) GetFrameNumber() uint16 { return 0 }

// isPending reports whether a transfer is armed on ep.
func (m *mockDriver) isPending(ep uint8) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.pending[ep]
	return ok
}

func (m *mockDriver) isStalled(ep uint8) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stalled[ep]
}

// port delivers a port event.
func (m *mockDriver) port(event hal.Event) {
	m.mutex.Lock()
	fn := m.onDevice
	m.mutex.Unlock()
	fn(event)
}

// sendSetup latches a SETUP packet, clears the endpoint 0 stalls, and
// signals it.
func (m *mockDriver) sendSetup(s SetupPacket) {
	m.mutex.Lock()
	s.MarshalTo(m.setup[:])
	m.stalled[0x00] = false
	m.stalled[0x80] = false
	fn := m.onEndpoint
	m.mutex.Unlock()
	fn(0x00, hal.EndpointEventSetup)
}

// completeIn finishes the pending IN transfer on ep and returns the bytes
// it carried.
func (m *mockDriver) completeIn(ep uint8) []byte {
	m.mutex.Lock()
	buf, ok := m.pending[ep]
	if !ok {
		m.mutex.Unlock()
		return nil
	}
	delete(m.pending, ep)
	m.results[ep] = uint32(len(buf))
	out := append([]byte{}, buf...)
	fn := m.onEndpoint
	m.mutex.Unlock()
	fn(ep, hal.EndpointEventIn)
	return out
}

// completeOut fills the pending OUT transfer on ep with data and returns
// the number of bytes accepted.
func (m *mockDriver) completeOut(ep uint8, data []byte) int {
	m.mutex.Lock()
	buf, ok := m.pending[ep]
	if !ok {
		m.mutex.Unlock()
		return 0
	}
	delete(m.pending, ep)
	n := copy(buf, data)
	m.results[ep] = uint32(n)
	fn := m.onEndpoint
	m.mutex.Unlock()
	fn(ep, hal.EndpointEventOut)
	return n
}

// drain runs the worker for everything queued so far.
func drain(d *Device) {
	word, eps := d.queue.take()
	d.process(word, &eps)
}

// control runs one control transfer from the host side and returns the
// data-in bytes. It returns ok=false when the device stalls endpoint 0.
func control(d *Device, m *mockDriver, s SetupPacket, out []byte) (in []byte, ok bool) {
	m.sendSetup(s)
	drain(d)

	for step := 0; step < 1024; step++ {
		if m.isStalled(0x00) || m.isStalled(0x80) {
			return in, false
		}
		if s.IsDeviceToHost() {
			switch {
			case m.isPending(0x00):
				m.completeOut(0x00, nil)
				drain(d)
				return in, true
			case m.isPending(0x80):
				in = append(in, m.completeIn(0x80)...)
				drain(d)
			default:
				return in, false
			}
			continue
		}
		switch {
		case m.isPending(0x80):
			m.completeIn(0x80)
			drain(d)
			return in, true
		case m.isPending(0x00):
			n := m.completeOut(0x00, out)
			out = out[n:]
			drain(d)
		default:
			return in, false
		}
	}
	return in, false
}

// testTables builds a full-speed table with a bulk pair on interface 0 and
// an isochronous alternate setting on interface 1.
func testTables(t *testing.T, hs bool) *Descriptors {
	t.Helper()
	b := NewTableBuilder().
		WithVendorProduct(0xCAFE, 0xBABE).
		WithStrings("Acme", "Widget", "0001").
		AddConfiguration(1, ConfigAttrSelfPowered, 50).
		AddInterface(ClassVendor, 0, 0).
		AddEndpoint(0x81, EndpointTypeBulk, 64, 0).
		AddEndpoint(0x01, EndpointTypeBulk, 64, 0).
		AddInterface(ClassVendor, 1, 0).
		AddAlternate(1).
		AddEndpoint(0x82, EndpointTypeIsochronous, 128, 1).
		AddConfiguration(2, 0, 100).
		AddInterface(ClassVendor, 0, 0).
		AddEndpoint(0x83, EndpointTypeInterrupt, 8, 10)
	if hs {
		b = b.WithHighSpeed()
	}
	desc, err := b.Build()
	if err != nil {
		t.Fatalf("build tables: %v", err)
	}
	return desc
}

// newTestDevice returns an initialized device that has seen VBUS and a
// bus reset.
func newTestDevice(t *testing.T, cfg Config, classes ...ClassExtension) (*Device, *mockDriver) {
	t.Helper()
	m := newMockDriver()
	d, err := New(cfg, testTables(t, cfg.HighSpeed), m, classes...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.port(hal.EventVBUSOn)
	m.port(hal.EventReset)
	drain(d)
	return d, m
}

// enumerate assigns address 5 and selects configuration 1.
func enumerate(t *testing.T, d *Device, m *mockDriver) {
	t.Helper()
	var s SetupPacket
	GetSetAddressSetup(&s, 5)
	if _, ok := control(d, m, s, nil); !ok {
		t.Fatal("SET_ADDRESS stalled")
	}
	GetSetConfigurationSetup(&s, 1)
	if _, ok := control(d, m, s, nil); !ok {
		t.Fatal("SET_CONFIGURATION stalled")
	}
}
