package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/pkg"
)

// Errors reported by the injection methods.
var (
	// ErrNoTransfer indicates no transfer is armed on the endpoint.
	ErrNoTransfer = errors.New("sim: no transfer armed")

	// ErrStalled indicates the endpoint answered with STALL.
	ErrStalled = errors.New("sim: endpoint stalled")

	// ErrNotReady indicates the controller is not initialized.
	ErrNotReady = errors.New("sim: controller not initialized")
)

// slots covers both directions of 16 endpoint numbers.
const slots = 32

// slot maps an endpoint address to its table index: OUT endpoints at
// 0-15, IN endpoints at 16-31.
func slot(address uint8) int {
	n := int(address & 0x0F)
	if address&0x80 != 0 {
		n += 16
	}
	return n
}

type endpoint struct {
	configured    bool
	kind          uint8
	maxPacketSize uint16
	stalled       bool
	armed         bool
	buf           []byte
	result        uint32
}

// Call is one driver call recorded by the controller.
type Call struct {
	Op       string
	Endpoint uint8
	Arg      int
}

func (c Call) String() string {
	return fmt.Sprintf("%s(0x%02X, %d)", c.Op, c.Endpoint, c.Arg)
}

type failure struct {
	err   error
	times int
}

// Controller is an in-memory hal.Driver. Transfers stay armed until a test
// or a Host completes them.
type Controller struct {
	id      uuid.UUID
	caps    hal.Capabilities
	version hal.Version
	speed   hal.Speed

	mutex       sync.Mutex
	changed     chan struct{}
	onDevice    hal.DeviceEventFunc
	onEndpoint  hal.EndpointEventFunc
	initialized bool
	power       hal.PowerState
	connected   bool
	state       hal.DeviceState
	address     uint8
	frame       uint16
	setup       [hal.SetupPacketSize]byte
	endpoints   [slots]endpoint
	calls       []Call
	failures    map[string]*failure
}

// Option configures a Controller.
type Option func(*Controller)

// WithCapabilities sets the reported controller capabilities.
func WithCapabilities(caps hal.Capabilities) Option {
	return func(c *Controller) { c.caps = caps }
}

// WithSpeed sets the speed negotiated on reset.
func WithSpeed(speed hal.Speed) Option {
	return func(c *Controller) { c.speed = speed }
}

// WithVersion sets the reported driver version.
func WithVersion(v hal.Version) Option {
	return func(c *Controller) { c.version = v }
}

// New creates a full-speed controller that signals both VBUS edges.
func New(opts ...Option) *Controller {
	c := &Controller{
		id:       uuid.New(),
		caps:     hal.Capabilities{VBUSDetection: true, EventVBUSOn: true, EventVBUSOff: true},
		version:  hal.Version{API: 0x0200, Driver: 0x0100},
		speed:    hal.SpeedFull,
		changed:  make(chan struct{}),
		failures: make(map[string]*failure),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the unique identifier of this controller instance.
func (c *Controller) ID() uuid.UUID {
	return c.id
}

// Fail makes the next times calls of op fail with err. A negative times
// fails every call until Fail is called again with zero.
func (c *Controller) Fail(op string, err error, times int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if times == 0 {
		delete(c.failures, op)
		return
	}
	c.failures[op] = &failure{err: err, times: times}
}

// Calls returns the driver calls recorded so far.
func (c *Controller) Calls() []Call {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]Call(nil), c.calls...)
}

// record logs a call and returns its injected failure, if any.
// The mutex must be held.
func (c *Controller) record(op string, ep uint8, arg int) error {
	c.calls = append(c.calls, Call{Op: op, Endpoint: ep, Arg: arg})
	f, ok := c.failures[op]
	if !ok {
		return nil
	}
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(c.failures, op)
		}
	}
	pkg.LogDebug(pkg.ComponentSim, "injected failure", "op", op, "error", f.err)
	return f.err
}

// broadcast wakes every waiter. The mutex must be held.
func (c *Controller) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// wait blocks until cond, evaluated with the mutex held, reports true.
func (c *Controller) wait(ctx context.Context, cond func() bool) error {
	for {
		c.mutex.Lock()
		if cond() {
			c.mutex.Unlock()
			return nil
		}
		ch := c.changed
		c.mutex.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) Version() hal.Version { return c.version }

func (c *Controller) Capabilities() hal.Capabilities { return c.caps }

func (c *Controller) Initialize(onDevice hal.DeviceEventFunc, onEndpoint hal.EndpointEventFunc) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.record("Initialize", 0, 0); err != nil {
		return err
	}
	c.onDevice = onDevice
	c.onEndpoint = onEndpoint
	c.initialized = true
	pkg.LogDebug(pkg.ComponentSim, "controller initialized", "id", c.id.String())
	return nil
}

func (c *Controller) Uninitialize() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.record("Uninitialize", 0, 0); err != nil {
		return err
	}
	c.initialized = false
	c.onDevice = nil
	c.onEndpoint = nil
	c.endpoints = [slots]endpoint{}
	c.broadcast()
	return nil
}

func (c *Controller) PowerControl(state hal.PowerState) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.record("PowerControl", 0, int(state)); err != nil {
		return err
	}
	c.power = state
	return nil
}

func (c *Controller) DeviceConnect() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.record("DeviceConnect", 0, 0); err != nil {
		return err
	}
	c.connected = true
	c.broadcast()
	return nil
}

func (c *Controller) DeviceDisconnect() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.record("DeviceDisconnect", 0, 0); err != nil {
		return err
	}
	c.connected = false
	c.state.Active = false
	c.broadcast()
	return nil
}

func (c *Controller) DeviceGetState() hal.DeviceState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

func (c *Controller) DeviceRemoteWakeup() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.record("DeviceRemoteWakeup", 0, 0)
}

func (c *Controller) DeviceSetAddress(address uint8) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.record("DeviceSetAddress", 0, int(address)); err != nil {
		return err
	}
	c.address = address
	c.broadcast()
	pkg.LogDebug(pkg.ComponentSim, "address programmed", "address", address)
	return nil
}

func (c *Controller) ReadSetupPacket(out []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.record("ReadSetupPacket", 0, 0); err != nil {
		return err
	}
	if len(out) < hal.SetupPacketSize {
		return hal.ErrParameter
	}
	copy(out, c.setup[:])
	return nil
}

func (c *Controller) EndpointConfigure(ep uint8, epType uint8, maxPacketSize uint16) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.record("EndpointConfigure", ep, int(maxPacketSize)); err != nil {
		return err
	}
	if maxPacketSize == 0 {
		return hal.ErrParameter
	}
	c.endpoints[slot(ep)] = endpoint{configured: true, kind: epType, maxPacketSize: maxPacketSize}
	c.broadcast()
	return nil
}

func (c *Controller) EndpointUnconfigure(ep uint8) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.record("EndpointUnconfigure", ep, 0); err != nil {
		return err
	}
	c.endpoints[slot(ep)] = endpoint{}
	c.broadcast()
	return nil
}

func (c *Controller) EndpointStall(ep uint8, stall bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	arg := 0
	if stall {
		arg = 1
	}
	if err := c.record("EndpointStall", ep, arg); err != nil {
		return err
	}
	e := &c.endpoints[slot(ep)]
	if !e.configured {
		return hal.ErrParameter
	}
	e.stalled = stall
	c.broadcast()
	return nil
}

func (c *Controller) EndpointTransfer(ep uint8, buf []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.record("EndpointTransfer", ep, len(buf)); err != nil {
		return err
	}
	e := &c.endpoints[slot(ep)]
	if !e.configured {
		return hal.ErrParameter
	}
	if e.armed {
		return hal.ErrBusy
	}
	e.armed = true
	e.buf = buf
	c.broadcast()
	return nil
}

func (c *Controller) EndpointTransferGetResult(ep uint8) uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.endpoints[slot(ep)].result
}

func (c *Controller) EndpointTransferAbort(ep uint8) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.record("EndpointTransferAbort", ep, 0); err != nil {
		return err
	}
	e := &c.endpoints[slot(ep)]
	e.armed = false
	e.buf = nil
	c.broadcast()
	return nil
}

func (c *Controller) GetFrameNumber() uint16 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.frame
}

// AdvanceFrame moves the start-of-frame counter forward by n frames.
func (c *Controller) AdvanceFrame(n int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.frame = uint16((int(c.frame) + n) & 0x7FF)
}

// deviceEvent signals a port event outside the mutex.
func (c *Controller) deviceEvent(event hal.Event) {
	c.mutex.Lock()
	fn := c.onDevice
	c.mutex.Unlock()
	if fn != nil {
		fn(event)
	}
}

// endpointEvent signals an endpoint event outside the mutex.
func (c *Controller) endpointEvent(ep uint8, event hal.EndpointEvent) {
	c.mutex.Lock()
	fn := c.onEndpoint
	c.mutex.Unlock()
	if fn != nil {
		fn(ep, event)
	}
}

// SetVBUS changes the sensed VBUS level. An event is signaled only when
// the controller reports that edge.
func (c *Controller) SetVBUS(on bool) {
	c.mutex.Lock()
	if c.state.VBUS == on {
		c.mutex.Unlock()
		return
	}
	c.state.VBUS = on
	if !on {
		c.state.Active = false
		c.address = 0
	}
	signal := (on && c.caps.EventVBUSOn) || (!on && c.caps.EventVBUSOff)
	c.broadcast()
	c.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentSim, "VBUS", "on", on, "signaled", signal)
	switch {
	case !signal:
	case on:
		c.deviceEvent(hal.EventVBUSOn)
	default:
		c.deviceEvent(hal.EventVBUSOff)
	}
}

// Reset drives a bus reset. The address returns to zero, endpoint 0 is
// disabled until the device reconfigures it, and a high-speed controller
// also signals the completed handshake.
func (c *Controller) Reset() {
	c.mutex.Lock()
	c.address = 0
	c.state.Active = true
	c.state.Speed = c.speed
	for i := range c.endpoints {
		c.endpoints[i] = endpoint{}
	}
	event := hal.EventReset
	if c.speed == hal.SpeedHigh {
		event |= hal.EventHighSpeed
	}
	c.broadcast()
	c.mutex.Unlock()

	c.deviceEvent(event)
}

// Suspend signals bus suspend.
func (c *Controller) Suspend() {
	c.deviceEvent(hal.EventSuspend)
}

// Resume signals bus resume.
func (c *Controller) Resume() {
	c.deviceEvent(hal.EventResume)
}

// Setup latches a SETUP packet on endpoint 0 and signals it. As on real
// hardware, a SETUP clears the endpoint 0 stall and cancels any transfer
// still armed there.
func (c *Controller) Setup(packet []byte) error {
	if len(packet) < hal.SetupPacketSize {
		return hal.ErrParameter
	}
	c.mutex.Lock()
	if !c.initialized {
		c.mutex.Unlock()
		return ErrNotReady
	}
	copy(c.setup[:], packet)
	for _, ep := range []uint8{0x00, 0x80} {
		e := &c.endpoints[slot(ep)]
		e.stalled = false
		e.armed = false
		e.buf = nil
	}
	c.broadcast()
	c.mutex.Unlock()

	c.endpointEvent(0x00, hal.EndpointEventSetup)
	return nil
}

// CompleteIn finishes the transfer armed on an IN endpoint and returns
// the data the device sent.
func (c *Controller) CompleteIn(ep uint8) ([]byte, error) {
	ep |= 0x80
	c.mutex.Lock()
	e := &c.endpoints[slot(ep)]
	switch {
	case e.stalled:
		c.mutex.Unlock()
		return nil, ErrStalled
	case !e.armed:
		c.mutex.Unlock()
		return nil, ErrNoTransfer
	}
	data := append([]byte{}, e.buf...)
	e.result = uint32(len(data))
	e.armed = false
	e.buf = nil
	c.broadcast()
	c.mutex.Unlock()

	c.endpointEvent(ep, hal.EndpointEventIn)
	return data, nil
}

// CompleteOut delivers data to the transfer armed on an OUT endpoint and
// returns the number of bytes the device accepted.
func (c *Controller) CompleteOut(ep uint8, data []byte) (int, error) {
	ep &^= 0x80
	c.mutex.Lock()
	e := &c.endpoints[slot(ep)]
	switch {
	case e.stalled:
		c.mutex.Unlock()
		return 0, ErrStalled
	case !e.armed:
		c.mutex.Unlock()
		return 0, ErrNoTransfer
	}
	n := copy(e.buf, data)
	e.result = uint32(n)
	e.armed = false
	e.buf = nil
	c.broadcast()
	c.mutex.Unlock()

	c.endpointEvent(ep, hal.EndpointEventOut)
	return n, nil
}

// Pending reports whether a transfer is armed on ep and its buffer size.
func (c *Controller) Pending(ep uint8) (int, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	e := c.endpoints[slot(ep)]
	return len(e.buf), e.armed
}

// Stalled reports whether ep is stalled.
func (c *Controller) Stalled(ep uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.endpoints[slot(ep)].stalled
}

// Configured reports whether ep is enabled and its maximum packet size.
func (c *Controller) Configured(ep uint8) (uint16, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	e := c.endpoints[slot(ep)]
	return e.maxPacketSize, e.configured
}

// Address returns the programmed device address.
func (c *Controller) Address() uint8 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.address
}

// Connected reports whether the pull-up is enabled.
func (c *Controller) Connected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.connected
}

// Power returns the last requested power state.
func (c *Controller) Power() hal.PowerState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.power
}

// WaitPending blocks until a transfer is armed on ep.
func (c *Controller) WaitPending(ctx context.Context, ep uint8) error {
	return c.wait(ctx, func() bool { return c.endpoints[slot(ep)].armed })
}

// WaitStalled blocks until ep is halted.
func (c *Controller) WaitStalled(ctx context.Context, ep uint8) error {
	return c.wait(ctx, func() bool { return c.endpoints[slot(ep)].stalled })
}

// WaitAddress blocks until the controller holds address.
func (c *Controller) WaitAddress(ctx context.Context, address uint8) error {
	return c.wait(ctx, func() bool { return c.address == address })
}

// WaitConfigured blocks until ep is enabled.
func (c *Controller) WaitConfigured(ctx context.Context, ep uint8) error {
	return c.wait(ctx, func() bool { return c.endpoints[slot(ep)].configured })
}

var _ hal.Driver = (*Controller)(nil)
