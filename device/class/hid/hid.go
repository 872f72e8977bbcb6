package hid

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbdcore/device"
	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/pkg"
)

// MaxReportSize is the largest report exchanged on the interrupt endpoints.
const MaxReportSize = 64

// HID is a HID class extension bound to one interface.
type HID struct {
	iface  uint8
	in     uint8
	out    uint8
	report []byte
	desc   []byte

	mutex       sync.Mutex
	dev         *device.Device
	configured  bool
	sending     bool
	protocol    uint8
	idle        uint8
	defaultIdle uint8
	lastInput   [MaxReportSize]byte
	lastLen     int
	outBuf      [MaxReportSize]byte

	onGetReport     func(reportType, reportID uint8, buf []byte) int
	onOutputReport  func(reportID uint8, data []byte)
	onFeatureReport func(reportID uint8, data []byte)
	onSetProtocol   func(protocol uint8)
	onSetIdle       func(rate, reportID uint8)
	onReportSent    func() []byte
}

// New returns a HID extension for interface iface with the interrupt IN
// endpoint in. The report descriptor is kept by reference.
func New(iface, in uint8, report []byte) *HID {
	return &HID{
		iface:    iface,
		in:       in | 0x80,
		report:   report,
		desc:     Descriptor(CountryNone, len(report)),
		protocol: ProtocolReport,
	}
}

// WithOutEndpoint enables the optional interrupt OUT endpoint for output
// reports.
func (h *HID) WithOutEndpoint(out uint8) *HID {
	h.out = out & 0x0F
	return h
}

// WithDefaultIdle sets the idle rate restored on bus reset, in 4 ms units.
func (h *HID) WithDefaultIdle(rate uint8) *HID {
	h.defaultIdle = rate
	h.idle = rate
	return h
}

// AddTo appends the interface, its HID descriptor and endpoints to a
// configuration under construction.
func (h *HID) AddTo(b *device.TableBuilder, subclass, protocol uint8, interval uint8) *device.TableBuilder {
	b = b.AddInterface(ClassHID, subclass, protocol).
		AddClassDescriptor(h.desc).
		AddEndpoint(h.in, device.EndpointTypeInterrupt, MaxReportSize, interval)
	if h.out != 0 {
		b = b.AddEndpoint(h.out, device.EndpointTypeInterrupt, MaxReportSize, interval)
	}
	return b
}

// SetDevice sets the device used by SendReport.
func (h *HID) SetDevice(d *device.Device) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.dev = d
}

// SetOnGetReport sets the callback that fills buf for GET_REPORT and
// returns the report length. It runs on the device worker with the device
// locked and must not call the device or this HID.
func (h *HID) SetOnGetReport(cb func(reportType, reportID uint8, buf []byte) int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onGetReport = cb
}

// SetOnOutputReport sets the callback for output reports from either
// SET_REPORT or the OUT endpoint.
func (h *HID) SetOnOutputReport(cb func(reportID uint8, data []byte)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onOutputReport = cb
}

// SetOnFeatureReport sets the callback for SET_REPORT(Feature).
func (h *HID) SetOnFeatureReport(cb func(reportID uint8, data []byte)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onFeatureReport = cb
}

// SetOnSetProtocol sets the callback for protocol changes.
func (h *HID) SetOnSetProtocol(cb func(protocol uint8)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onSetProtocol = cb
}

// SetOnSetIdle sets the callback for idle rate changes.
func (h *HID) SetOnSetIdle(cb func(rate, reportID uint8)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onSetIdle = cb
}

// SetOnReportSent sets the callback run on the device worker when an input
// report completes. A non-empty return is queued as the next report. The
// device is locked during the call, so it must not call the device or
// SendReport.
func (h *HID) SetOnReportSent(cb func() []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onReportSent = cb
}

// Protocol returns the current protocol.
func (h *HID) Protocol() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.protocol
}

// IdleRate returns the current idle rate.
func (h *HID) IdleRate() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.idle
}

// ReportDescriptor returns the report descriptor.
func (h *HID) ReportDescriptor() []byte {
	return h.report
}

// SendReport queues an input report on the interrupt IN endpoint. Only
// one report is in flight at a time.
func (h *HID) SendReport(data []byte) error {
	if len(data) > MaxReportSize {
		return pkg.ErrBufferTooSmall
	}
	h.mutex.Lock()
	d := h.dev
	switch {
	case d == nil || !h.configured:
		h.mutex.Unlock()
		return pkg.ErrNotConfigured
	case h.sending:
		h.mutex.Unlock()
		return pkg.ErrDriverBusy
	}
	h.sending = true
	h.lastLen = copy(h.lastInput[:], data)
	buf := h.lastInput[:h.lastLen]
	h.mutex.Unlock()

	if err := d.EndpointWrite(h.in, buf); err != nil {
		h.mutex.Lock()
		h.sending = false
		h.mutex.Unlock()
		return fmt.Errorf("send report: %w", err)
	}
	return nil
}

// SendKeyboardReport sends a boot keyboard report.
func (h *HID) SendKeyboardReport(r *KeyboardReport) error {
	var buf [KeyboardReportSize]byte
	r.MarshalTo(buf[:])
	return h.SendReport(buf[:])
}

// SendMouseReport sends a boot mouse report.
func (h *HID) SendMouseReport(r *MouseReport) error {
	var buf [MouseReportSize]byte
	r.MarshalTo(buf[:])
	return h.SendReport(buf[:])
}

func (h *HID) Name() string { return "hid" }

// ours reports whether the current request targets this interface.
func (h *HID) ours(c *device.Control) bool {
	s := c.Setup()
	return s.Recipient() == device.RequestRecipientInterface && s.InterfaceNumber() == h.iface
}

// DescriptorToInterface serves the HID and report descriptors.
func (h *HID) DescriptorToInterface(c *device.Control) ([]byte, bool) {
	if !h.ours(c) {
		return nil, false
	}
	s := c.Setup()
	switch s.DescriptorType() {
	case DescriptorTypeHID:
		return h.desc, true
	case DescriptorTypeReport:
		return h.report, true
	}
	return nil, false
}

// SetupToInterface handles the HID class requests.
func (h *HID) SetupToInterface(c *device.Control) device.RequestStatus {
	if !h.ours(c) {
		return device.RequestDeclined
	}
	if s := c.Setup(); s.Request == RequestGetReport {
		return h.getReport(c, uint8(s.Value>>8), uint8(s.Value))
	}
	h.mutex.Lock()
	status, notify := h.request(c)
	h.mutex.Unlock()
	if notify != nil {
		c.Defer(notify)
	}
	return status
}

// request applies a class request and returns the callback to run once
// the device lock is released. The mutex must be held.
func (h *HID) request(c *device.Control) (device.RequestStatus, func()) {
	s := c.Setup()
	reportID := uint8(s.Value)

	switch s.Request {
	case RequestSetReport:
		// data arrives in OutDataToInterface
		switch uint8(s.Value >> 8) {
		case ReportTypeOutput, ReportTypeFeature:
			return device.RequestClaimed, nil
		}

	case RequestGetIdle:
		buf := c.Buffer()
		buf[0] = h.idle
		c.Stage(buf[:1])
		return device.RequestClaimed, nil

	case RequestSetIdle:
		rate := uint8(s.Value >> 8)
		h.idle = rate
		pkg.LogDebug(pkg.ComponentClass, "HID idle",
			"rate", rate,
			"report", reportID)
		if cb := h.onSetIdle; cb != nil {
			return device.RequestClaimed, func() { cb(rate, reportID) }
		}
		return device.RequestClaimed, nil

	case RequestGetProtocol:
		buf := c.Buffer()
		buf[0] = h.protocol
		c.Stage(buf[:1])
		return device.RequestClaimed, nil

	case RequestSetProtocol:
		if s.Value > ProtocolReport {
			break
		}
		protocol := uint8(s.Value)
		h.protocol = protocol
		pkg.LogDebug(pkg.ComponentClass, "HID protocol", "protocol", protocol)
		if cb := h.onSetProtocol; cb != nil {
			return device.RequestClaimed, func() { cb(protocol) }
		}
		return device.RequestClaimed, nil
	}
	return device.RequestStall, nil
}

// getReport fills the response through the application callback. Without
// one, an input report request returns the last report sent.
func (h *HID) getReport(c *device.Control, reportType, reportID uint8) device.RequestStatus {
	buf := c.Buffer()
	h.mutex.Lock()
	cb := h.onGetReport
	n := copy(buf, h.lastInput[:h.lastLen])
	h.mutex.Unlock()

	switch {
	case cb != nil:
		n = cb(reportType, reportID, buf)
		if n < 0 || n > len(buf) {
			return device.RequestStall
		}
	case reportType != ReportTypeInput:
		return device.RequestStall
	}
	c.Stage(buf[:n])
	return device.RequestClaimed
}

// OutDataToInterface delivers SET_REPORT data.
func (h *HID) OutDataToInterface(c *device.Control) device.RequestStatus {
	if !h.ours(c) {
		return device.RequestDeclined
	}
	s := c.Setup()
	if s.Request != RequestSetReport {
		return device.RequestStall
	}
	data := append([]byte(nil), c.Data()...)
	reportID := uint8(s.Value)

	h.mutex.Lock()
	var cb func(uint8, []byte)
	switch uint8(s.Value >> 8) {
	case ReportTypeOutput:
		cb = h.onOutputReport
	case ReportTypeFeature:
		cb = h.onFeatureReport
	}
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "HID set report",
		"type", uint8(s.Value>>8),
		"report", reportID,
		"length", len(data))
	if cb != nil {
		c.Defer(func() { cb(reportID, data) })
	}
	return device.RequestClaimed
}

// ConfigurationChanged arms the OUT endpoint when the new configuration
// contains this interface.
func (h *HID) ConfigurationChanged(c *device.Control, value uint8) {
	rec := c.Record()
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.configured = rec.IsConfigured(device.ParseEndpointAddress(h.in))
	h.sending = false
	if h.configured && h.out != 0 {
		h.armOut(c)
	}
}

// armOut starts reception of the next output report. The mutex must be
// held.
func (h *HID) armOut(c *device.Control) {
	if err := c.EndpointTransfer(h.out, h.outBuf[:]); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "HID OUT arm failed", "error", err)
	}
}

// EndpointEvent completes input reports and receives output reports.
func (h *HID) EndpointEvent(c *device.Control, ep device.EndpointID, event hal.EndpointEvent) bool {
	switch addr := ep.Address(); {
	case addr == h.in && event&hal.EndpointEventIn != 0:
		h.mutex.Lock()
		h.sending = false
		cb := h.onReportSent
		h.mutex.Unlock()
		if cb == nil {
			return true
		}
		if next := cb(); len(next) > 0 {
			h.queue(c, next)
		}
		return true

	case h.out != 0 && addr == h.out && event&hal.EndpointEventOut != 0:
		n := int(min(c.EndpointTransferGetResult(h.out), MaxReportSize))
		h.mutex.Lock()
		report := append([]byte(nil), h.outBuf[:n]...)
		cb := h.onOutputReport
		h.armOut(c)
		h.mutex.Unlock()
		if cb != nil && n > 0 {
			c.Defer(func() { cb(0, report) })
		}
		return true
	}
	return false
}

// queue starts the next input report from the device worker.
func (h *HID) queue(c *device.Control, data []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if !h.configured || h.sending {
		return
	}
	h.lastLen = copy(h.lastInput[:], data)
	if err := c.EndpointTransfer(h.in, h.lastInput[:h.lastLen]); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "HID report failed", "error", err)
		return
	}
	h.sending = true
}

// BusReset restores the report protocol and the default idle rate.
func (h *HID) BusReset(c *device.Control) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.protocol = ProtocolReport
	h.idle = h.defaultIdle
	h.configured = false
	h.sending = false
}

var (
	_ device.DescriptorProvider      = (*HID)(nil)
	_ device.InterfaceRequestHandler = (*HID)(nil)
	_ device.InterfaceOutHandler     = (*HID)(nil)
	_ device.ConfigurationObserver   = (*HID)(nil)
	_ device.EndpointHandler         = (*HID)(nil)
	_ device.ResetObserver           = (*HID)(nil)
)
