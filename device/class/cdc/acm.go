package cdc

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/usbdcore/device"
	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/pkg"
)

// PacketSize is the bulk packet size at full speed.
const PacketSize = 64

// rxDepth is the number of received packets buffered for Read.
const rxDepth = 8

// ACM implements a CDC Abstract Control Model serial port as a device
// class extension.
type ACM struct {
	control uint8
	data    uint8
	notify  uint8
	in      uint8
	out     uint8

	mutex        sync.Mutex
	dev          *device.Device
	configured   bool
	lineCoding   LineCoding
	controlState uint16
	rxBuf        [512]byte
	held         []byte
	rest         []byte
	notifyBuf    [10]byte
	txDone       chan struct{}

	rx chan []byte

	onLineCoding   func(LineCoding)
	onControlState func(dtr, rts bool)
	onBreak        func(millis uint16)
}

// NewACM returns an ACM function on interfaces control and data. notify is
// the interrupt IN endpoint; in and out are the bulk data endpoints.
func NewACM(control, data, notify, in, out uint8) *ACM {
	return &ACM{
		control:    control,
		data:       data,
		notify:     notify | 0x80,
		in:         in | 0x80,
		out:        out & 0x0F,
		lineCoding: DefaultLineCoding,
		rx:         make(chan []byte, rxDepth),
	}
}

// AddTo appends the association, both interfaces, the functional
// descriptors and the endpoints to a configuration under construction.
func (a *ACM) AddTo(b *device.TableBuilder, name string) *device.TableBuilder {
	b = b.AddInterfaceAssociation(a.control, 2, ClassCDC, SubclassACM, ProtocolAT).
		AddInterfaceNamed(ClassCDC, SubclassACM, ProtocolAT, name)
	for _, fd := range FunctionalDescriptors(a.control, a.data) {
		b = b.AddClassDescriptor(fd)
	}
	return b.AddEndpoint(a.notify, device.EndpointTypeInterrupt, 16, 16).
		AddInterface(ClassCDCData, 0, 0).
		AddEndpoint(a.out, device.EndpointTypeBulk, PacketSize, 0).
		AddEndpoint(a.in, device.EndpointTypeBulk, PacketSize, 0)
}

// SetDevice sets the device used for data transfers.
func (a *ACM) SetDevice(d *device.Device) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.dev = d
}

// SetOnLineCoding sets the callback for SET_LINE_CODING.
func (a *ACM) SetOnLineCoding(cb func(LineCoding)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onLineCoding = cb
}

// SetOnControlState sets the callback for SET_CONTROL_LINE_STATE.
func (a *ACM) SetOnControlState(cb func(dtr, rts bool)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onControlState = cb
}

// SetOnBreak sets the callback for SEND_BREAK. A duration of 0xFFFF
// means until the next SEND_BREAK with 0.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onBreak = cb
}

// LineCoding returns the current line coding.
func (a *ACM) LineCoding() LineCoding {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.lineCoding
}

// DTR reports whether the host asserted Data Terminal Ready.
func (a *ACM) DTR() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.controlState&ControlLineDTR != 0
}

// RTS reports whether the host asserted Request To Send.
func (a *ACM) RTS() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.controlState&ControlLineRTS != 0
}

func (a *ACM) Name() string { return "cdc-acm" }

// SetupToInterface handles the ACM class requests on the control
// interface.
func (a *ACM) SetupToInterface(c *device.Control) device.RequestStatus {
	s := c.Setup()
	if s.InterfaceNumber() != a.control {
		return device.RequestDeclined
	}

	switch s.Request {
	case RequestSetLineCoding:
		if s.Length < LineCodingSize {
			return device.RequestStall
		}
		// data arrives in OutDataToInterface
		return device.RequestClaimed

	case RequestGetLineCoding:
		buf := c.Buffer()
		a.mutex.Lock()
		n := a.lineCoding.MarshalTo(buf)
		a.mutex.Unlock()
		c.Stage(buf[:n])
		return device.RequestClaimed

	case RequestSetControlLineState:
		a.mutex.Lock()
		a.controlState = s.Value
		cb := a.onControlState
		a.mutex.Unlock()
		dtr, rts := s.Value&ControlLineDTR != 0, s.Value&ControlLineRTS != 0
		pkg.LogDebug(pkg.ComponentClass, "control line state",
			"dtr", dtr,
			"rts", rts)
		if cb != nil {
			c.Defer(func() { cb(dtr, rts) })
		}
		return device.RequestClaimed

	case RequestSendBreak:
		a.mutex.Lock()
		cb := a.onBreak
		a.mutex.Unlock()
		pkg.LogDebug(pkg.ComponentClass, "break", "ms", s.Value)
		if cb != nil {
			millis := s.Value
			c.Defer(func() { cb(millis) })
		}
		return device.RequestClaimed
	}
	return device.RequestStall
}

// OutDataToInterface receives the SET_LINE_CODING structure.
func (a *ACM) OutDataToInterface(c *device.Control) device.RequestStatus {
	s := c.Setup()
	if s.InterfaceNumber() != a.control {
		return device.RequestDeclined
	}
	if s.Request != RequestSetLineCoding {
		return device.RequestStall
	}
	var lc LineCoding
	if err := ParseLineCoding(c.Data(), &lc); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "line coding rejected", "error", err)
		return device.RequestStall
	}

	a.mutex.Lock()
	a.lineCoding = lc
	cb := a.onLineCoding
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "line coding", "coding", lc.String())
	if cb != nil {
		c.Defer(func() { cb(lc) })
	}
	return device.RequestClaimed
}

// ConfigurationChanged starts reception when the configuration carries
// the data interface.
func (a *ACM) ConfigurationChanged(c *device.Control, value uint8) {
	rec := c.Record()
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.configured = rec.IsConfigured(device.ParseEndpointAddress(a.out))
	a.held, a.rest = nil, nil
	a.drain()
	if a.configured {
		a.armOut(c)
	}
}

// drain discards buffered packets. The mutex must be held.
func (a *ACM) drain() {
	for {
		select {
		case <-a.rx:
		default:
			return
		}
	}
}

// armOut starts the next bulk OUT transfer. The mutex must be held.
func (a *ACM) armOut(c *device.Control) {
	if err := c.EndpointTransfer(a.out, a.rxBuf[:]); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "ACM OUT arm failed", "error", err)
	}
}

// EndpointEvent queues received data and completes writes.
func (a *ACM) EndpointEvent(c *device.Control, ep device.EndpointID, event hal.EndpointEvent) bool {
	switch addr := ep.Address(); {
	case addr == a.out && event&hal.EndpointEventOut != 0:
		n := int(min(c.EndpointTransferGetResult(a.out), uint32(len(a.rxBuf))))
		a.mutex.Lock()
		defer a.mutex.Unlock()
		chunk := append([]byte(nil), a.rxBuf[:n]...)
		select {
		case a.rx <- chunk:
			a.armOut(c)
		default:
			// resumed by Read
			a.held = chunk
		}
		return true

	case addr == a.in && event&hal.EndpointEventIn != 0:
		a.mutex.Lock()
		if a.txDone != nil {
			close(a.txDone)
			a.txDone = nil
		}
		a.mutex.Unlock()
		return true

	case addr == a.notify:
		return true
	}
	return false
}

// BusReset drops the control line state and pending data.
func (a *ACM) BusReset(c *device.Control) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.configured = false
	a.controlState = 0
	a.held, a.rest = nil, nil
	a.drain()
	if a.txDone != nil {
		close(a.txDone)
		a.txDone = nil
	}
}

// Read blocks until data from the host is available and copies it to buf.
func (a *ACM) Read(ctx context.Context, buf []byte) (int, error) {
	a.mutex.Lock()
	if len(a.rest) > 0 {
		n := copy(buf, a.rest)
		a.rest = a.rest[n:]
		a.mutex.Unlock()
		return n, nil
	}
	a.mutex.Unlock()

	var chunk []byte
	select {
	case chunk = <-a.rx:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	a.mutex.Lock()
	n := copy(buf, chunk)
	a.rest = chunk[n:]
	held, d := a.held, a.dev
	a.held = nil
	if held != nil {
		select {
		case a.rx <- held:
		default:
			a.held = held
			held = nil
		}
	}
	a.mutex.Unlock()

	// the endpoint stays idle while a packet is held
	if held != nil && d != nil {
		if err := d.EndpointRead(a.out, a.rxBuf[:]); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "ACM OUT arm failed", "error", err)
		}
	}
	return n, nil
}

// Write sends data to the host on the bulk IN endpoint and blocks until
// the transfer completes.
func (a *ACM) Write(ctx context.Context, data []byte) (int, error) {
	a.mutex.Lock()
	d := a.dev
	switch {
	case d == nil || !a.configured:
		a.mutex.Unlock()
		return 0, pkg.ErrNotConfigured
	case a.txDone != nil:
		a.mutex.Unlock()
		return 0, pkg.ErrDriverBusy
	}
	done := make(chan struct{})
	a.txDone = done
	a.mutex.Unlock()

	if err := d.EndpointWrite(a.in, data); err != nil {
		a.mutex.Lock()
		a.txDone = nil
		a.mutex.Unlock()
		return 0, fmt.Errorf("write: %w", err)
	}
	select {
	case <-done:
		return int(d.EndpointTransferGetResult(a.in)), nil
	case <-ctx.Done():
		if err := d.EndpointTransferAbort(a.in); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "ACM abort failed", "error", err)
		}
		a.mutex.Lock()
		a.txDone = nil
		a.mutex.Unlock()
		return 0, ctx.Err()
	}
}

// SendSerialState sends a SERIAL_STATE notification.
func (a *ACM) SendSerialState(state uint16) error {
	a.mutex.Lock()
	d := a.dev
	if d == nil || !a.configured {
		a.mutex.Unlock()
		return pkg.ErrNotConfigured
	}
	buf := a.notifyBuf[:]
	buf[0] = device.RequestDirectionDeviceToHost | device.RequestTypeClass | device.RequestRecipientInterface
	buf[1] = NotificationSerialState
	buf[2], buf[3] = 0, 0
	buf[4], buf[5] = a.control, 0
	buf[6], buf[7] = 2, 0
	buf[8], buf[9] = byte(state), byte(state>>8)
	a.mutex.Unlock()

	return d.EndpointWrite(a.notify, buf)
}

var (
	_ device.InterfaceRequestHandler = (*ACM)(nil)
	_ device.InterfaceOutHandler     = (*ACM)(nil)
	_ device.ConfigurationObserver   = (*ACM)(nil)
	_ device.EndpointHandler         = (*ACM)(nil)
	_ device.ResetObserver           = (*ACM)(nil)
)
