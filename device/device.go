package device

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/pkg"
)

// Config holds the per-device parameters of the core.
type Config struct {
	// Index identifies the device in a Registry.
	Index int `cbor:"index"`

	// ScratchSize is the size of the control transfer buffer.
	ScratchSize int `cbor:"scratch_size,omitempty"`

	// Interfaces is the interface capacity (alternate setting slots).
	Interfaces int `cbor:"interfaces,omitempty"`

	// HighSpeed enables the qualifier, HS and other-speed tables.
	HighSpeed bool `cbor:"high_speed,omitempty"`

	// VendorCode enables Microsoft OS descriptors when non-zero.
	VendorCode uint8 `cbor:"vendor_code,omitempty"`

	// VBUSPollInterval is the VBUS polling period for controllers that
	// cannot signal VBUS changes.
	VBUSPollInterval time.Duration `cbor:"vbus_poll_interval,omitempty"`

	// DriverRetries is the number of extra attempts for a transient driver
	// failure. Zero selects DefaultDriverRetries; negative disables retry.
	DriverRetries int `cbor:"driver_retries,omitempty"`

	// DriverRetryDelay is the pause between driver attempts.
	DriverRetryDelay time.Duration `cbor:"driver_retry_delay,omitempty"`
}

// minScratchSize holds the largest fixed-size standard response.
const minScratchSize = 8

// withDefaults returns c with unset fields replaced by their defaults.
func (c Config) withDefaults() Config {
	if c.ScratchSize == 0 {
		c.ScratchSize = DefaultScratchSize
	}
	if c.Interfaces == 0 {
		c.Interfaces = DefaultInterfaces
	}
	if c.VBUSPollInterval == 0 {
		c.VBUSPollInterval = DefaultVBUSPollInterval
	}
	switch {
	case c.DriverRetries == 0:
		c.DriverRetries = DefaultDriverRetries
	case c.DriverRetries < 0:
		c.DriverRetries = 0
	}
	if c.DriverRetryDelay == 0 {
		c.DriverRetryDelay = DefaultDriverRetryDelay
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.Index < 0:
		return fmt.Errorf("index %d: %w", c.Index, pkg.ErrInvalidParameter)
	case c.ScratchSize < minScratchSize || c.ScratchSize > 0xFFFF:
		return fmt.Errorf("scratch size %d: %w", c.ScratchSize, pkg.ErrInvalidParameter)
	case c.Interfaces < 1 || c.Interfaces > MaxInterfaces:
		return fmt.Errorf("interfaces %d: %w", c.Interfaces, pkg.ErrInvalidParameter)
	case c.VBUSPollInterval < 0 || c.DriverRetryDelay < 0:
		return fmt.Errorf("negative interval: %w", pkg.ErrInvalidParameter)
	}
	return nil
}

// DeviceState is the bus and enumeration state reported by GetState.
type DeviceState struct {
	VBUS          bool
	Speed         Speed
	Active        bool
	Address       uint8
	Configuration uint8
	State         State
}

// hooks are the user callbacks. They run on the worker goroutine after the
// device lock is released.
type hooks struct {
	onInitialize           func()
	onUninitialize         func()
	onVBUSChanged          func(on bool)
	onReset                func()
	onHighSpeed            func()
	onSuspended            func()
	onResumed              func()
	onConfigurationChanged func(value uint8)
	onEnableRemoteWakeup   func()
	onDisableRemoteWakeup  func()
	onEndpointEvent        func(ep EndpointID, event hal.EndpointEvent)
}

// Device is one USB device instance driven through a hal.Driver.
type Device struct {
	cfg     Config
	desc    *Descriptors
	drv     *driver
	classes []ClassExtension
	ctl     Control
	queue   *eventQueue

	// Guarded by mutex.
	rec         Record
	tx          Transaction
	scratch     []byte
	serial      []byte
	msosString  []byte
	mps0        uint16
	vbus        bool
	reset       bool
	suspended   bool
	initialized bool
	running     bool
	hooks       hooks
	pending     []func()

	mutex sync.RWMutex
}

// New creates a device from a configuration, descriptor tables, a
// controller driver, and class extensions in dispatch order.
func New(cfg Config, desc *Descriptors, drv hal.Driver, classes ...ClassExtension) (*Device, error) {
	if desc == nil || drv == nil {
		return nil, fmt.Errorf("new device: %w", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if need := desc.MaxInterfaces(); need > cfg.Interfaces {
		pkg.LogWarn(pkg.ComponentDevice, "interface capacity below descriptor tables",
			"capacity", cfg.Interfaces,
			"required", need)
	}

	d := &Device{
		cfg:     cfg,
		desc:    desc,
		drv:     newDriver(drv, cfg.DriverRetries, cfg.DriverRetryDelay),
		classes: classes,
		queue:   newEventQueue(),
		rec:     newRecord(cfg.Interfaces),
		scratch: make([]byte, cfg.ScratchSize),
		mps0:    desc.MaxPacketSize0(),
	}
	d.ctl.d = d
	if cfg.VendorCode != 0 {
		d.msosString = msosStringDescriptor(cfg.VendorCode)
	}
	return d, nil
}

// lock acquires the device lock.
func (d *Device) lock() {
	d.mutex.Lock()
}

// unlock releases the device lock and runs the hooks queued while it was
// held, in order.
func (d *Device) unlock() {
	fire := d.pending
	d.pending = nil
	d.mutex.Unlock()
	for _, fn := range fire {
		fn()
	}
}

// notify queues fn to run after the device lock is released.
func (d *Device) notify(fn func()) {
	if fn != nil {
		d.pending = append(d.pending, fn)
	}
}

// Index returns the registry index of the device.
func (d *Device) Index() int {
	return d.cfg.Index
}

// Config returns the effective configuration.
func (d *Device) Config() Config {
	return d.cfg
}

// Initialize brings up the class extensions and the controller. On failure
// every completed step is undone in reverse order.
func (d *Device) Initialize() error {
	d.mutex.RLock()
	done, hook := d.initialized, d.hooks.onInitialize
	d.mutex.RUnlock()
	if done {
		return pkg.ErrAlreadyInitialized
	}
	if hook != nil {
		hook()
	}

	d.lock()
	defer d.unlock()

	if d.initialized {
		return pkg.ErrAlreadyInitialized
	}

	var ready []Initializer
	undoClasses := func() {
		for i := len(ready) - 1; i >= 0; i-- {
			if err := ready[i].Uninit(&d.ctl); err != nil {
				pkg.LogWarn(pkg.ComponentClass, "class uninit failed",
					"class", ready[i].Name(),
					"error", err)
			}
		}
	}
	for _, c := range d.classes {
		in, ok := c.(Initializer)
		if !ok {
			continue
		}
		if err := in.Init(&d.ctl); err != nil {
			undoClasses()
			return fmt.Errorf("init class %s: %w", c.Name(), err)
		}
		ready = append(ready, in)
	}

	q := d.queue
	onDevice := func(event hal.Event) {
		q.postDevice(event)
	}
	onEndpoint := func(address uint8, event hal.EndpointEvent) {
		ep := ParseEndpointAddress(address)
		d.drv.completedOn(ep, event)
		q.postEndpoint(ep, event)
	}
	if err := d.drv.Initialize(onDevice, onEndpoint); err != nil {
		undoClasses()
		return driverError("initialize", err)
	}
	if err := d.drv.PowerControl(hal.PowerFull); err != nil {
		if uerr := d.drv.Uninitialize(); uerr != nil {
			pkg.LogWarn(pkg.ComponentDevice, "driver uninitialize failed", "error", uerr)
		}
		undoClasses()
		return driverError("power on", err)
	}

	d.resetCore()
	d.initialized = true
	pkg.LogInfo(pkg.ComponentDevice, "device initialized",
		"index", d.cfg.Index,
		"classes", len(d.classes))
	return nil
}

// Uninitialize tears down the endpoints, powers the controller off, and
// releases the driver and class extensions. Every step runs; the first
// error is returned.
func (d *Device) Uninitialize() error {
	d.lock()
	defer d.unlock()

	if !d.initialized {
		return pkg.ErrDeviceNotInitialized
	}

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(d.teardown())
	d.rec.unconfigure()
	for _, ep := range []EndpointID{{Number: 0}, {Number: 0, In: true}} {
		keep(d.drv.unconfigure(ep))
	}
	if err := d.drv.PowerControl(hal.PowerOff); err != nil {
		keep(driverError("power off", err))
	}
	if err := d.drv.Uninitialize(); err != nil {
		keep(driverError("uninitialize", err))
	}
	for i := len(d.classes) - 1; i >= 0; i-- {
		if in, ok := d.classes[i].(Initializer); ok {
			if err := in.Uninit(&d.ctl); err != nil {
				keep(fmt.Errorf("uninit class %s: %w", d.classes[i].Name(), err))
			}
		}
	}
	d.resetCore()
	d.initialized = false
	d.notify(d.hooks.onUninitialize)

	pkg.LogInfo(pkg.ComponentDevice, "device uninitialized",
		"index", d.cfg.Index,
		"error", first)
	return first
}

// Connect attaches the device to the bus.
func (d *Device) Connect() error {
	d.lock()
	defer d.unlock()

	if !d.initialized {
		return pkg.ErrDeviceNotInitialized
	}
	if err := d.drv.DeviceConnect(); err != nil {
		return driverError("connect", err)
	}
	pkg.LogDebug(pkg.ComponentDevice, "device connected", "index", d.cfg.Index)
	return nil
}

// Disconnect detaches the device from the bus and resets core state.
func (d *Device) Disconnect() error {
	d.lock()
	defer d.unlock()

	if !d.initialized {
		return pkg.ErrDeviceNotInitialized
	}
	if err := d.drv.DeviceDisconnect(); err != nil {
		return driverError("disconnect", err)
	}
	d.resetCore()
	pkg.LogDebug(pkg.ComponentDevice, "device disconnected", "index", d.cfg.Index)
	return nil
}

// RemoteWakeup signals resume to the host. The host must have enabled
// remote wakeup with SET_FEATURE.
func (d *Device) RemoteWakeup() error {
	d.lock()
	defer d.unlock()

	if !d.initialized {
		return pkg.ErrDeviceNotInitialized
	}
	if d.rec.status&StatusRemoteWakeup == 0 {
		return fmt.Errorf("remote wakeup disabled by host: %w", pkg.ErrInvalidState)
	}
	if err := d.drv.DeviceRemoteWakeup(); err != nil {
		return driverError("remote wakeup", err)
	}
	return nil
}

// Configured reports whether the host has selected a configuration.
func (d *Device) Configured() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.rec.configuration != 0
}

// GetState returns the bus state merged with the enumeration state.
func (d *Device) GetState() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	hs := d.drv.DeviceGetState()
	st := DeviceState{
		VBUS:          hs.VBUS || d.vbus,
		Speed:         speedFromHAL(hs.Speed),
		Active:        hs.Active,
		Address:       d.rec.address,
		Configuration: d.rec.configuration,
	}
	if d.rec.highSpeed {
		st.Speed = SpeedHigh
	}
	switch {
	case !st.VBUS:
		st.State = StateDetached
	case d.suspended:
		st.State = StateSuspended
	case !d.reset:
		st.State = StatePowered
	default:
		st.State = d.rec.State()
	}
	return st
}

// Record returns a copy of the device record.
func (d *Device) Record() Record {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.snapshot()
}

// Transaction returns a copy of the control transaction in flight.
func (d *Device) Transaction() Transaction {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.tx
}

// snapshot copies the record, folding in the adapter's active set.
// The device lock must be held.
func (d *Device) snapshot() Record {
	r := d.rec.clone()
	r.active = d.drv.activeMask()
	return r
}

// SetSerialNumber overrides string descriptor 3. An empty string restores
// the descriptor from the tables.
func (d *Device) SetSerialNumber(serial string) error {
	if len(serial) > MaxSerialNumberLength {
		return fmt.Errorf("serial number length %d: %w", len(serial), pkg.ErrInvalidParameter)
	}
	for i := 0; i < len(serial); i++ {
		if serial[i] >= 0x80 {
			return fmt.Errorf("serial number not ASCII: %w", pkg.ErrInvalidParameter)
		}
	}

	var desc []byte
	if serial != "" {
		desc = make([]byte, 2+2*len(serial))
		StringDescriptorTo(desc, serial)
	}

	d.lock()
	defer d.unlock()
	d.serial = desc
	return nil
}

// NewSerialNumber returns a random 32-digit uppercase hex serial number.
func NewSerialNumber() string {
	id := uuid.New()
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// Version returns the core API version and the driver versions.
func (d *Device) Version() (core uint16, drv hal.Version) {
	return CoreVersion, d.drv.Version()
}

// EndpointRead arms a receive on OUT endpoint number ep.
func (d *Device) EndpointRead(ep uint8, buf []byte) error {
	d.lock()
	defer d.unlock()
	return d.transfer(EndpointID{Number: ep & 0x0F}, buf)
}

// EndpointWrite starts a transmit on IN endpoint number ep.
func (d *Device) EndpointWrite(ep uint8, buf []byte) error {
	d.lock()
	defer d.unlock()
	return d.transfer(EndpointID{Number: ep & 0x0F, In: true}, buf)
}

// EndpointTransferGetResult returns the length of the last completed
// transfer on the endpoint at address.
func (d *Device) EndpointTransferGetResult(address uint8) uint32 {
	return d.drv.result(ParseEndpointAddress(address))
}

// EndpointTransferAbort cancels the active transfer on the endpoint at
// address.
func (d *Device) EndpointTransferAbort(address uint8) error {
	ep := ParseEndpointAddress(address)
	d.lock()
	defer d.unlock()
	if !d.initialized {
		return pkg.ErrDeviceNotInitialized
	}
	if !d.rec.mask.Has(ep) {
		return fmt.Errorf("abort %v: %w", ep, pkg.ErrNotConfigured)
	}
	return d.drv.abort(ep)
}

// EndpointStall sets or clears the halt of a configured non-zero endpoint.
func (d *Device) EndpointStall(address uint8, stall bool) error {
	d.lock()
	defer d.unlock()
	return d.setHalt(ParseEndpointAddress(address), stall)
}

// transfer starts a transfer on a configured non-zero endpoint.
// The device lock must be held.
func (d *Device) transfer(ep EndpointID, buf []byte) error {
	switch {
	case !d.initialized:
		return pkg.ErrDeviceNotInitialized
	case ep.IsControl():
		return fmt.Errorf("transfer %v: %w", ep, pkg.ErrInvalidParameter)
	case !d.rec.mask.Has(ep):
		return fmt.Errorf("transfer %v: %w", ep, pkg.ErrNotConfigured)
	case d.rec.halt.Has(ep):
		return fmt.Errorf("transfer %v: %w", ep, pkg.ErrEndpointHalted)
	}
	return d.drv.transfer(ep, buf)
}

// setHalt stalls or unstalls a configured non-zero endpoint and updates
// the halt mask. The device lock must be held.
func (d *Device) setHalt(ep EndpointID, stall bool) error {
	switch {
	case ep.IsControl():
		return fmt.Errorf("stall %v: %w", ep, pkg.ErrInvalidParameter)
	case !d.rec.mask.Has(ep):
		return fmt.Errorf("stall %v: %w", ep, pkg.ErrNotConfigured)
	}
	if err := d.drv.stall(ep, stall); err != nil {
		return err
	}
	if stall {
		d.rec.halt.Set(ep)
	} else {
		d.rec.halt.Clear(ep)
	}
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint halt changed",
		"endpoint", ep.String(),
		"halted", stall)
	return nil
}

// resetCore returns the record and transaction to their power-on values.
// The device lock must be held.
func (d *Device) resetCore() {
	status := uint16(0)
	if d.desc.FirstAttributes()&ConfigAttrSelfPowered != 0 {
		status = StatusSelfPowered
	}
	d.rec = newRecord(d.cfg.Interfaces)
	d.rec.status = status
	d.tx = Transaction{}
	d.suspended = false
	d.reset = false
	d.drv.resetActive()
}

// SetOnInitialize sets the callback run at the start of Initialize.
func (d *Device) SetOnInitialize(cb func()) {
	d.lock()
	defer d.unlock()
	d.hooks.onInitialize = cb
}

// SetOnUninitialize sets the callback run after Uninitialize.
func (d *Device) SetOnUninitialize(cb func()) {
	d.lock()
	defer d.unlock()
	d.hooks.onUninitialize = cb
}

// SetOnVBUSChanged sets the VBUS change callback.
func (d *Device) SetOnVBUSChanged(cb func(on bool)) {
	d.lock()
	defer d.unlock()
	d.hooks.onVBUSChanged = cb
}

// SetOnReset sets the bus reset callback.
func (d *Device) SetOnReset(cb func()) {
	d.lock()
	defer d.unlock()
	d.hooks.onReset = cb
}

// SetOnHighSpeed sets the high-speed handshake callback.
func (d *Device) SetOnHighSpeed(cb func()) {
	d.lock()
	defer d.unlock()
	d.hooks.onHighSpeed = cb
}

// SetOnSuspended sets the suspend callback.
func (d *Device) SetOnSuspended(cb func()) {
	d.lock()
	defer d.unlock()
	d.hooks.onSuspended = cb
}

// SetOnResumed sets the resume callback.
func (d *Device) SetOnResumed(cb func()) {
	d.lock()
	defer d.unlock()
	d.hooks.onResumed = cb
}

// SetOnConfigurationChanged sets the callback run after SET_CONFIGURATION.
func (d *Device) SetOnConfigurationChanged(cb func(value uint8)) {
	d.lock()
	defer d.unlock()
	d.hooks.onConfigurationChanged = cb
}

// SetOnEnableRemoteWakeup sets the callback run when the host enables
// remote wakeup.
func (d *Device) SetOnEnableRemoteWakeup(cb func()) {
	d.lock()
	defer d.unlock()
	d.hooks.onEnableRemoteWakeup = cb
}

// SetOnDisableRemoteWakeup sets the callback run when the host disables
// remote wakeup.
func (d *Device) SetOnDisableRemoteWakeup(cb func()) {
	d.lock()
	defer d.unlock()
	d.hooks.onDisableRemoteWakeup = cb
}

// SetOnEndpointEvent sets the callback for non-zero endpoint events that
// no class extension consumed.
func (d *Device) SetOnEndpointEvent(cb func(ep EndpointID, event hal.EndpointEvent)) {
	d.lock()
	defer d.unlock()
	d.hooks.onEndpointEvent = cb
}
