package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/usbdcore/device"
	"github.com/ardnew/usbdcore/pkg"
)

// DefaultTimeout bounds each stage of a control transfer.
const DefaultTimeout = time.Second

// Host drives control transfers against a Controller the way a USB host
// controller would, one stage at a time.
type Host struct {
	ctl *Controller

	// Timeout bounds each wait for the device. Zero means DefaultTimeout.
	Timeout time.Duration

	mps0 int
}

// NewHost returns a host attached to c.
func NewHost(c *Controller) *Host {
	return &Host{ctl: c, mps0: 8}
}

// Enumeration is what the host learned while enumerating a device.
type Enumeration struct {
	Address       uint8
	Device        device.DeviceDescriptor
	Configuration []byte
	Strings       map[uint8]string
	LangIDs       []uint16
}

func (h *Host) stage(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := h.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// next waits for the device to arm either direction of endpoint 0 or to
// stall it, and reports which.
func (h *Host) next(ctx context.Context) (in, out bool, err error) {
	ctx, cancel := h.stage(ctx)
	defer cancel()
	c := h.ctl
	err = c.wait(ctx, func() bool {
		in = c.endpoints[slot(0x80)].armed
		out = c.endpoints[slot(0x00)].armed
		return in || out || c.endpoints[slot(0x80)].stalled || c.endpoints[slot(0x00)].stalled
	})
	if err != nil {
		return false, false, fmt.Errorf("%w: %v", pkg.ErrTimeout, err)
	}
	if !in && !out {
		return false, false, pkg.ErrStall
	}
	return in, out, nil
}

func (h *Host) setup(s *device.SetupPacket) error {
	var raw [device.SetupPacketSize]byte
	s.MarshalTo(raw[:])
	pkg.LogDebug(pkg.ComponentSim, "host setup", "setup", s.String())
	return h.ctl.Setup(raw[:])
}

// ControlIn runs a device-to-host control transfer and returns the data
// stage. A STALL is reported as pkg.ErrStall.
func (h *Host) ControlIn(ctx context.Context, s *device.SetupPacket) ([]byte, error) {
	if err := h.setup(s); err != nil {
		return nil, err
	}
	var data []byte
	for {
		in, _, err := h.next(ctx)
		if err != nil {
			return nil, err
		}
		if !in {
			break
		}
		chunk, err := h.ctl.CompleteIn(0x80)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
		if len(data) > int(s.Length) {
			return nil, fmt.Errorf("%w: %d bytes for wLength %d", pkg.ErrProtocol, len(data), s.Length)
		}
	}
	if _, err := h.ctl.CompleteOut(0x00, nil); err != nil {
		return nil, err
	}
	return data, nil
}

// ControlOut runs a host-to-device control transfer, sending data in
// packets of the endpoint 0 size learned during enumeration.
func (h *Host) ControlOut(ctx context.Context, s *device.SetupPacket, data []byte) error {
	if err := h.setup(s); err != nil {
		return err
	}
	data = data[:min(len(data), int(s.Length))]
	for {
		in, out, err := h.next(ctx)
		if err != nil {
			return err
		}
		if in {
			break
		}
		if !out || len(data) == 0 {
			return fmt.Errorf("%w: unexpected data request", pkg.ErrProtocol)
		}
		n := min(len(data), h.mps0)
		if _, err := h.ctl.CompleteOut(0x00, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	_, err := h.ctl.CompleteIn(0x80)
	return err
}

// Enumerate resets the bus and walks the device through the steps a host
// takes before the device is usable: descriptors, address, strings, and
// the first configuration.
func (h *Host) Enumerate(ctx context.Context, address uint8) (*Enumeration, error) {
	if !h.ctl.DeviceGetState().VBUS {
		h.ctl.SetVBUS(true)
	}
	h.ctl.Reset()
	if err := h.ready(ctx); err != nil {
		return nil, err
	}
	h.mps0 = 8

	var s device.SetupPacket
	device.GetDescriptorSetup(&s, device.DescriptorTypeDevice, 0, 8)
	head, err := h.ControlIn(ctx, &s)
	if err != nil {
		return nil, fmt.Errorf("device descriptor header: %w", err)
	}
	if len(head) < 8 {
		return nil, fmt.Errorf("device descriptor header: %w", pkg.ErrDescriptorTooShort)
	}
	h.mps0 = int(head[7])

	device.GetSetAddressSetup(&s, address)
	if err := h.ControlOut(ctx, &s, nil); err != nil {
		return nil, fmt.Errorf("set address: %w", err)
	}
	wctx, cancel := h.stage(ctx)
	err = h.ctl.WaitAddress(wctx, address)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("set address: %w: %v", pkg.ErrTimeout, err)
	}

	e := &Enumeration{Address: address, Strings: make(map[uint8]string)}
	device.GetDescriptorSetup(&s, device.DescriptorTypeDevice, 0, device.DeviceDescriptorSize)
	raw, err := h.ControlIn(ctx, &s)
	if err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	if err := device.ParseDeviceDescriptor(raw, &e.Device); err != nil {
		return nil, err
	}

	device.GetDescriptorSetup(&s, device.DescriptorTypeConfiguration, 0, device.ConfigurationDescriptorSize)
	raw, err = h.ControlIn(ctx, &s)
	if err != nil {
		return nil, fmt.Errorf("configuration header: %w", err)
	}
	var cfg device.ConfigurationDescriptor
	if err := device.ParseConfigurationDescriptor(raw, &cfg); err != nil {
		return nil, err
	}
	device.GetDescriptorSetup(&s, device.DescriptorTypeConfiguration, 0, cfg.TotalLength)
	if e.Configuration, err = h.ControlIn(ctx, &s); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	if err := h.readStrings(ctx, e); err != nil {
		return nil, err
	}

	device.GetSetConfigurationSetup(&s, cfg.ConfigurationValue)
	if err := h.ControlOut(ctx, &s, nil); err != nil {
		return nil, fmt.Errorf("set configuration: %w", err)
	}
	pkg.LogInfo(pkg.ComponentSim, "device enumerated",
		"address", address,
		"vendor", e.Device.VendorID,
		"product", e.Device.ProductID)
	return e, nil
}

// ready waits for the device to enable endpoint 0 after a reset.
func (h *Host) ready(ctx context.Context) error {
	ctx, cancel := h.stage(ctx)
	defer cancel()
	for _, ep := range []uint8{0x00, 0x80} {
		if err := h.ctl.WaitConfigured(ctx, ep); err != nil {
			return fmt.Errorf("endpoint 0: %w: %v", pkg.ErrTimeout, err)
		}
	}
	return nil
}

// readStrings fetches the language table and every string the device
// descriptor references. A device without strings stalls index 0.
func (h *Host) readStrings(ctx context.Context, e *Enumeration) error {
	var s device.SetupPacket
	device.GetStringDescriptorSetup(&s, 0, 0, 255)
	raw, err := h.ControlIn(ctx, &s)
	switch {
	case err == nil:
	case e.Device.ManufacturerIndex == 0 && e.Device.ProductIndex == 0 && e.Device.SerialNumberIndex == 0:
		return nil
	default:
		return fmt.Errorf("language table: %w", err)
	}
	for i := 2; i+1 < len(raw); i += 2 {
		e.LangIDs = append(e.LangIDs, uint16(raw[i])|uint16(raw[i+1])<<8)
	}
	if len(e.LangIDs) == 0 {
		return nil
	}
	for _, index := range []uint8{e.Device.ManufacturerIndex, e.Device.ProductIndex, e.Device.SerialNumberIndex} {
		if index == 0 {
			continue
		}
		device.GetStringDescriptorSetup(&s, index, e.LangIDs[0], 255)
		raw, err := h.ControlIn(ctx, &s)
		if err != nil {
			return fmt.Errorf("string %d: %w", index, err)
		}
		if e.Strings[index], err = device.DecodeStringDescriptor(raw); err != nil {
			return fmt.Errorf("string %d: %w", index, err)
		}
	}
	return nil
}
