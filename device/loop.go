package device

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/pkg"
)

// eventQueue collects driver events between worker wakes. Bits of the same
// kind coalesce, so posting never blocks and never drops an event kind.
type eventQueue struct {
	mutex sync.Mutex
	word  uint32
	eps   [2 * MaxEndpoints]hal.EndpointEvent
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

// postDevice records a port event.
func (q *eventQueue) postDevice(event hal.Event) {
	q.mutex.Lock()
	q.word |= hal.Pack(event, 0)
	q.mutex.Unlock()
	q.signal()
}

// postEndpoint records an endpoint event. Endpoint 0 events share the
// packed word with port events.
func (q *eventQueue) postEndpoint(ep EndpointID, event hal.EndpointEvent) {
	q.mutex.Lock()
	if ep.IsControl() {
		q.word |= hal.Pack(0, event)
	} else {
		q.eps[ep.Slot()] |= event
	}
	q.mutex.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// take removes and returns everything posted since the last take.
func (q *eventQueue) take() (uint32, [2 * MaxEndpoints]hal.EndpointEvent) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	word, eps := q.word, q.eps
	q.word = 0
	q.eps = [2 * MaxEndpoints]hal.EndpointEvent{}
	return word, eps
}

// Run processes driver events until ctx is cancelled. The device must be
// initialized, and only one Run may be active per device.
//
// When the controller senses VBUS but cannot report one or both VBUS
// edges, Run polls DeviceGetState every Config.VBUSPollInterval and
// synthesizes the missing events.
func (d *Device) Run(ctx context.Context) error {
	d.lock()
	switch {
	case !d.initialized:
		d.unlock()
		return pkg.ErrDeviceNotInitialized
	case d.running:
		d.unlock()
		return pkg.ErrAlreadyRunning
	}
	d.running = true
	d.unlock()

	defer func() {
		d.lock()
		d.running = false
		d.unlock()
	}()

	caps := d.drv.Capabilities()
	var poll hal.Event
	if caps.VBUSDetection {
		if !caps.EventVBUSOn {
			poll |= hal.EventVBUSOn
		}
		if !caps.EventVBUSOff {
			poll |= hal.EventVBUSOff
		}
	}

	var tick <-chan time.Time
	vbus := false
	if poll != 0 {
		ticker := time.NewTicker(d.cfg.VBUSPollInterval)
		defer ticker.Stop()
		tick = ticker.C
		pkg.LogDebug(pkg.ComponentLoop, "polling VBUS",
			"interval", d.cfg.VBUSPollInterval,
			"events", uint32(poll))
	}
	switch {
	case poll&hal.EventVBUSOn != 0:
		vbus = true
		d.process(hal.Pack(hal.EventVBUSOn, 0), nil)
	case poll != 0:
		vbus = d.drv.DeviceGetState().VBUS
	}

	pkg.LogDebug(pkg.ComponentLoop, "worker started", "index", d.cfg.Index)
	for {
		select {
		case <-ctx.Done():
			pkg.LogDebug(pkg.ComponentLoop, "worker stopped", "index", d.cfg.Index)
			return nil

		case <-d.queue.ready:
			word, eps := d.queue.take()
			d.process(word, &eps)

		case <-tick:
			on := d.drv.DeviceGetState().VBUS
			if on == vbus {
				continue
			}
			vbus = on
			switch {
			case on && poll&hal.EventVBUSOn != 0:
				d.process(hal.Pack(hal.EventVBUSOn, 0), nil)
			case !on && poll&hal.EventVBUSOff != 0:
				d.process(hal.Pack(hal.EventVBUSOff, 0), nil)
			}
		}
	}
}

// process handles one wake: port events, then endpoint 0, then the other
// endpoints in slot order.
func (d *Device) process(word uint32, eps *[2 * MaxEndpoints]hal.EndpointEvent) {
	d.lock()
	defer d.unlock()

	if !d.initialized {
		return
	}
	port, ep0 := hal.Unpack(word)
	if port != 0 {
		d.portEvent(port)
	}
	if ep0 != 0 {
		d.endpoint0Event(ep0)
	}
	if eps == nil {
		return
	}
	for slot, event := range eps {
		if event != 0 {
			d.endpointEvent(endpointFromSlot(uint8(slot)), event)
		}
	}
}

// portEvent handles bus events in a fixed order.
func (d *Device) portEvent(event hal.Event) {
	if event&hal.EventVBUSOn != 0 {
		d.vbus = true
		d.vbusChanged(true)
	}
	if event&hal.EventVBUSOff != 0 {
		d.vbus = false
		d.vbusChanged(false)
		d.resetCore()
	}
	if event&hal.EventReset != 0 {
		d.busReset()
	}
	if event&hal.EventHighSpeed != 0 {
		d.rec.highSpeed = true
		pkg.LogDebug(pkg.ComponentLoop, "high speed")
		d.notify(d.hooks.onHighSpeed)
	}
	if event&hal.EventSuspend != 0 {
		d.suspended = true
		pkg.LogDebug(pkg.ComponentLoop, "suspended")
		d.notify(d.hooks.onSuspended)
	}
	if event&hal.EventResume != 0 {
		d.suspended = false
		pkg.LogDebug(pkg.ComponentLoop, "resumed")
		d.notify(d.hooks.onResumed)
	}
}

func (d *Device) vbusChanged(on bool) {
	pkg.LogDebug(pkg.ComponentLoop, "VBUS changed", "on", on)
	if fn := d.hooks.onVBUSChanged; fn != nil {
		d.notify(func() { fn(on) })
	}
}

// busReset returns the device to the default state with endpoint 0
// enabled.
func (d *Device) busReset() {
	d.resetCore()
	d.reset = true
	for _, ep := range []EndpointID{ep0Out, ep0In} {
		if err := d.drv.configure(ep, EndpointTypeControl, d.mps0); err != nil {
			pkg.LogWarn(pkg.ComponentLoop, "endpoint 0 configure failed",
				"endpoint", ep.String(),
				"error", err)
		}
	}
	for _, c := range d.classes {
		if o, ok := c.(ResetObserver); ok {
			o.BusReset(&d.ctl)
		}
	}
	pkg.LogDebug(pkg.ComponentLoop, "bus reset", "mps0", d.mps0)
	d.notify(d.hooks.onReset)
}

// endpointEvent offers a non-zero endpoint event to the class extensions,
// then to the user hook.
func (d *Device) endpointEvent(ep EndpointID, event hal.EndpointEvent) {
	for _, c := range d.classes {
		if h, ok := c.(EndpointHandler); ok && h.EndpointEvent(&d.ctl, ep, event) {
			return
		}
	}
	if fn := d.hooks.onEndpointEvent; fn != nil {
		d.notify(func() { fn(ep, event) })
	}
}
