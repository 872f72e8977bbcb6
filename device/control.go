package device

import (
	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/pkg"
)

var (
	ep0Out = EndpointID{Number: 0}
	ep0In  = EndpointID{Number: 0, In: true}
)

// endpoint0Event runs the engine for the endpoint 0 bits of one wake.
// IN completions are handled before OUT, and both before SETUP, so a SETUP
// that overtakes a pending completion always wins.
// The device lock must be held.
func (d *Device) endpoint0Event(event hal.EndpointEvent) {
	if event&hal.EndpointEventIn != 0 {
		d.inEvent()
	}
	if event&hal.EndpointEventOut != 0 {
		d.outEvent()
	}
	if event&hal.EndpointEventSetup != 0 {
		d.setupEvent()
	}
}

// setupEvent replaces the transaction with the SETUP packet just received
// and moves to the first stage chosen by dispatch.
func (d *Device) setupEvent() {
	d.tx = Transaction{Stage: StageSetup}

	var raw [SetupPacketSize]byte
	if err := d.drv.ReadSetupPacket(raw[:]); err != nil {
		pkg.LogWarn(pkg.ComponentControl, "read setup failed", "error", err)
		d.enter(StageStalled)
		return
	}
	if err := ParseSetupPacket(raw[:], &d.tx.Setup); err != nil {
		d.enter(StageStalled)
		return
	}
	pkg.LogDebug(pkg.ComponentControl, "setup received",
		"setup", d.tx.Setup.String())

	d.enter(d.dispatch())
}

// dispatch offers the SETUP packet to control handlers, then to the
// standard, class, or vendor handlers, and returns the next stage.
func (d *Device) dispatch() Stage {
	s := &d.tx.Setup

	switch status, owner := d.offerSetup(); status {
	case RequestClaimed:
		d.tx.owner = owner
		return d.ownedStage()
	case RequestStall, RequestNAK:
		pkg.LogDebug(pkg.ComponentControl, "setup refused",
			"class", owner.Name(),
			"status", status.String())
		return StageStalled
	}

	n := min(int(s.Length), len(d.scratch))
	d.tx.stage(d.scratch[:n])

	var status RequestStatus
	switch s.Type() {
	case RequestTypeStandard:
		status = d.standardRequest()
	case RequestTypeClass:
		status = d.classRequest()
	case RequestTypeVendor:
		status = d.vendorRequest()
	}
	if status != RequestClaimed {
		pkg.LogDebug(pkg.ComponentControl, "request not handled",
			"setup", s.String(),
			"status", status.String())
		return StageStalled
	}

	d.setupProcessed()
	return d.dataStage()
}

// offerSetup gives each ControlHandler first refusal on the SETUP packet.
func (d *Device) offerSetup() (RequestStatus, ControlHandler) {
	for _, c := range d.classes {
		h, ok := c.(ControlHandler)
		if !ok {
			continue
		}
		if status := h.SetupPacketReceived(&d.ctl); status != RequestDeclined {
			return status, h
		}
	}
	return RequestDeclined, nil
}

// setupProcessed tells every ControlHandler that the core has handled the
// current request.
func (d *Device) setupProcessed() {
	for _, c := range d.classes {
		if h, ok := c.(ControlHandler); ok {
			h.SetupPacketProcessed(&d.ctl)
		}
	}
}

// ownedStage returns the next stage of a request claimed by a
// ControlHandler. A data stage requires a staged buffer.
func (d *Device) ownedStage() Stage {
	s := &d.tx.Setup
	if s.Length == 0 {
		if s.IsDeviceToHost() {
			return StageStatusOut
		}
		return StageStatusIn
	}
	if d.tx.window == nil {
		pkg.LogDebug(pkg.ComponentControl, "claimed request staged no buffer",
			"class", d.tx.owner.Name())
		return StageStalled
	}
	d.tx.external = true
	return d.dataStage()
}

// dataStage returns the stage that follows a handled SETUP packet.
func (d *Device) dataStage() Stage {
	s := &d.tx.Setup
	if s.IsDeviceToHost() {
		if s.Length == 0 {
			return StageStatusOut
		}
		d.tx.beginDataIn(int(d.mps0))
		if len(d.tx.data) == 0 {
			pkg.LogDebug(pkg.ComponentControl, "no data for data-in stage",
				"setup", s.String())
			return StageStalled
		}
		return StageDataIn
	}
	if s.Length == 0 {
		return StageStatusIn
	}
	if len(d.tx.data) > int(s.Length) {
		d.tx.data = d.tx.data[:s.Length]
	}
	return StageDataOut
}

// enter starts stage on the controller and records it. A failed start
// stalls the opposite direction (data stages) or drops the transaction
// (status stages).
func (d *Device) enter(stage Stage) {
	switch stage {
	case StageDataIn:
		if err := d.sendChunk(); err != nil {
			pkg.LogWarn(pkg.ComponentControl, "data-in failed", "error", err)
			d.stallDirection(ep0Out)
			stage = StageStalled
		}
	case StageDataOut:
		if err := d.armChunk(); err != nil {
			pkg.LogWarn(pkg.ComponentControl, "data-out failed", "error", err)
			d.stallDirection(ep0In)
			stage = StageStalled
		}
	case StageStatusIn:
		if err := d.drv.transfer(ep0In, nil); err != nil {
			pkg.LogWarn(pkg.ComponentControl, "status-in failed", "error", err)
			d.tx.Commit = Commit{}
			stage = StageIdle
		}
	case StageStatusOut:
		if err := d.drv.transfer(ep0Out, nil); err != nil {
			pkg.LogWarn(pkg.ComponentControl, "status-out failed", "error", err)
			stage = StageIdle
		}
	case StageStalled:
		d.stallDirection(ep0Out)
		d.stallDirection(ep0In)
	case StageIdle:
		d.tx.Commit = Commit{}
		d.tx.data = nil
	}
	if stage == StageStalled {
		d.tx.data = nil
		d.tx.zlp = false
		d.tx.Commit = Commit{}
	}
	d.tx.Stage = stage
}

// stallDirection stalls one direction of endpoint 0. The halt clears on
// the next SETUP packet, so the halt mask is not touched.
func (d *Device) stallDirection(ep EndpointID) {
	if err := d.drv.stall(ep, true); err != nil {
		pkg.LogWarn(pkg.ComponentControl, "stall failed",
			"endpoint", ep.String(),
			"error", err)
	}
}

// beginDataIn truncates the staged data to wLength and decides whether a
// zero-length packet must follow it. An empty response owes no ZLP.
func (t *Transaction) beginDataIn(mps0 int) {
	if len(t.data) > int(t.Setup.Length) {
		t.data = t.data[:t.Setup.Length]
	}
	n := len(t.data)
	t.zlp = mps0 > 0 && n > 0 && n%mps0 == 0 && n < int(t.Setup.Length)
}

// sendChunk transmits the next packet of the data-in stage, or the owed
// zero-length packet when no data remains.
func (d *Device) sendChunk() error {
	n := min(len(d.tx.data), int(d.mps0))
	if n == 0 {
		d.tx.zlp = false
	}
	d.tx.chunk = n
	return d.drv.transfer(ep0In, d.tx.data[:n])
}

// armChunk arms endpoint 0 OUT for the next packet of the data-out stage.
func (d *Device) armChunk() error {
	n := min(len(d.tx.data), int(d.mps0))
	d.tx.chunk = n
	return d.drv.transfer(ep0Out, d.tx.data[:n])
}

// inEvent handles an IN completion on endpoint 0.
func (d *Device) inEvent() {
	switch d.tx.Stage {
	case StageDataIn:
		d.tx.data = d.tx.data[d.tx.chunk:]
		d.tx.chunk = 0
		if len(d.tx.data) > 0 || d.tx.zlp {
			d.enter(StageDataIn)
			return
		}
		if d.tx.external {
			d.tx.external = false
			switch status := d.tx.owner.InDataSent(&d.ctl); status {
			case RequestStall, RequestNAK:
				d.stallDirection(ep0Out)
				d.tx.Stage = StageStalled
				return
			}
		}
		d.enter(StageStatusOut)

	case StageStatusIn:
		if d.drv.result(ep0In) == 0 && d.tx.Commit.Kind == CommitAddress {
			d.commitAddress(d.tx.Commit.Address)
		}
		d.enter(StageIdle)

	default:
		pkg.LogDebug(pkg.ComponentControl, "IN completion ignored",
			"stage", d.tx.Stage.String())
	}
}

// outEvent handles an OUT completion on endpoint 0.
func (d *Device) outEvent() {
	switch d.tx.Stage {
	case StageDataOut:
		n := min(int(d.drv.result(ep0Out)), d.tx.chunk)
		d.tx.received += n
		d.tx.data = d.tx.data[n:]
		if len(d.tx.data) > 0 && n == d.tx.chunk && n != 0 {
			d.enter(StageDataOut)
			return
		}
		if d.dataReceived() == RequestClaimed {
			d.enter(StageStatusIn)
			return
		}
		d.stallDirection(ep0In)
		d.tx.Stage = StageStalled

	case StageStatusOut:
		if n := d.drv.result(ep0Out); n != 0 {
			pkg.LogDebug(pkg.ComponentControl, "status-out carried data", "length", n)
		}
		if err := d.drv.abortIfActive(ep0In); err != nil {
			pkg.LogWarn(pkg.ComponentControl, "abort IN failed", "error", err)
		}
		d.enter(StageIdle)

	default:
		pkg.LogDebug(pkg.ComponentControl, "OUT completion ignored",
			"stage", d.tx.Stage.String())
	}
}

// dataReceived delivers a completed data-out stage to its consumer.
func (d *Device) dataReceived() RequestStatus {
	switch {
	case d.tx.external:
		d.tx.external = false
		status := d.tx.owner.OutDataReceived(&d.ctl)
		if status == RequestDeclined {
			status = RequestClaimed
		}
		return status
	case d.tx.classOut:
		d.tx.classOut = false
		return d.classOut()
	}
	return RequestStall
}

// commitAddress programs the address deferred by SET_ADDRESS.
func (d *Device) commitAddress(address uint8) {
	err := d.drv.retry("set address", ep0In, func() error {
		return d.drv.DeviceSetAddress(address)
	})
	if err != nil {
		pkg.LogWarn(pkg.ComponentControl, "set address failed",
			"address", address,
			"error", err)
		return
	}
	d.rec.address = address
	pkg.LogDebug(pkg.ComponentControl, "address committed", "address", address)
}

// classRequest offers a class request to the handlers of its recipient.
func (d *Device) classRequest() RequestStatus {
	status := RequestDeclined
	switch d.tx.Setup.Recipient() {
	case RequestRecipientInterface:
		for _, c := range d.classes {
			if h, ok := c.(InterfaceRequestHandler); ok {
				if status = h.SetupToInterface(&d.ctl); status != RequestDeclined {
					break
				}
			}
		}
	case RequestRecipientEndpoint:
		for _, c := range d.classes {
			if h, ok := c.(EndpointRequestHandler); ok {
				if status = h.SetupToEndpoint(&d.ctl); status != RequestDeclined {
					break
				}
			}
		}
	}
	if status == RequestClaimed && d.tx.Setup.IsHostToDevice() && d.tx.Setup.Length != 0 {
		d.tx.classOut = true
	}
	return status
}

// classOut offers received class request data to the handlers of its
// recipient.
func (d *Device) classOut() RequestStatus {
	switch d.tx.Setup.Recipient() {
	case RequestRecipientInterface:
		for _, c := range d.classes {
			if h, ok := c.(InterfaceOutHandler); ok {
				if status := h.OutDataToInterface(&d.ctl); status != RequestDeclined {
					return status
				}
			}
		}
	case RequestRecipientEndpoint:
		for _, c := range d.classes {
			if h, ok := c.(EndpointOutHandler); ok {
				if status := h.OutDataToEndpoint(&d.ctl); status != RequestDeclined {
					return status
				}
			}
		}
	}
	return RequestDeclined
}
