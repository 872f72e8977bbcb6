package msc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/usbdcore/device"
	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/pkg"
)

// PacketSize is the bulk packet size at full speed.
const PacketSize = 64

// Handler executes the commands carried by Bulk-Only Transport.
//
// Handler methods run on the device worker and must not block or call
// back into the device.
type Handler interface {
	// Command starts the command in cbw. For a data-in command it returns
	// the bytes to send; for a data-out command it returns the buffer that
	// receives the host data. When status is not CSWStatusGood, or no
	// buffer is returned for a command with a data phase, the data phase
	// is refused with a halt.
	Command(cbw *CommandBlockWrapper) (data []byte, status uint8)

	// DataReceived completes a data-out command with the bytes received.
	DataReceived(cbw *CommandBlockWrapper, data []byte) (status uint8)

	// Reset abandons the command in progress.
	Reset()
}

type stage uint8

const (
	stageIdle          stage = iota // not configured
	stageCommand                    // waiting for a CBW
	stageDataIn                     // sending command data
	stageDataOut                    // receiving command data
	stageStatus                     // CSW in flight
	stageStatusPending              // CSW waits for the IN halt to clear
	stageError                      // phase error; waits for reset recovery
)

var stageNames = [...]string{
	stageIdle:          "idle",
	stageCommand:       "command",
	stageDataIn:        "data-in",
	stageDataOut:       "data-out",
	stageStatus:        "status",
	stageStatusPending: "status-pending",
	stageError:         "error",
}

func (s stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", s)
}

// MSC implements the Bulk-Only Transport of the Mass Storage class as a
// device class extension. Commands are delegated to a [Handler].
type MSC struct {
	iface   uint8
	in      uint8
	out     uint8
	handler Handler

	mutex   sync.Mutex
	maxLUN  uint8
	stage   stage
	cbw     CommandBlockWrapper
	residue uint32
	status  uint8
	data    []byte
	rxBuf   [512]byte
	cswBuf  [CSWSize]byte

	phaseErrors uint32
}

// New returns a Bulk-Only Transport function on interface iface with bulk
// endpoints in and out.
func New(iface, in, out uint8, h Handler) *MSC {
	return &MSC{
		iface:   iface,
		in:      in | 0x80,
		out:     out & 0x0F,
		handler: h,
	}
}

// AddTo appends the interface and its bulk endpoints to a configuration
// under construction. The interface must be the next interface number.
func (m *MSC) AddTo(b *device.TableBuilder) *device.TableBuilder {
	return b.AddInterface(ClassMSC, SubclassSCSI, ProtocolBulkOnly).
		AddEndpoint(m.in, device.EndpointTypeBulk, PacketSize, 0).
		AddEndpoint(m.out, device.EndpointTypeBulk, PacketSize, 0)
}

// SetMaxLUN sets the highest logical unit number reported by Get Max LUN.
func (m *MSC) SetMaxLUN(lun uint8) error {
	if lun > MaxLUN {
		return fmt.Errorf("LUN %d: %w", lun, pkg.ErrInvalidParameter)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.maxLUN = lun
	return nil
}

// PhaseErrors returns the number of invalid command wrappers received.
func (m *MSC) PhaseErrors() uint32 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.phaseErrors
}

func (m *MSC) Name() string { return "msc" }

// SetupToInterface handles Bulk-Only Mass Storage Reset and Get Max LUN.
func (m *MSC) SetupToInterface(c *device.Control) device.RequestStatus {
	s := c.Setup()
	if s.Type() != device.RequestTypeClass || s.InterfaceNumber() != m.iface {
		return device.RequestDeclined
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	switch s.Request {
	case RequestBulkOnlyMassStorageReset:
		if s.IsDeviceToHost() || s.Value != 0 || s.Length != 0 {
			return device.RequestStall
		}
		m.reset(c)
		return device.RequestClaimed

	case RequestGetMaxLUN:
		if !s.IsDeviceToHost() || s.Value != 0 || s.Length == 0 {
			return device.RequestStall
		}
		buf := c.Buffer()
		buf[0] = m.maxLUN
		c.Stage(buf[:1])
		return device.RequestClaimed
	}
	return device.RequestStall
}

// reset abandons the current command and prepares for the next CBW. The
// bulk halts stay until the host clears them. The mutex must be held.
func (m *MSC) reset(c *device.Control) {
	pkg.LogDebug(pkg.ComponentClass, "MSC reset", "stage", m.stage.String())
	for _, ep := range []uint8{m.in, m.out} {
		if err := c.EndpointTransferAbort(ep); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "MSC abort failed",
				"endpoint", ep,
				"error", err)
		}
		c.SetNoHaltClear(ep, false)
	}
	m.handler.Reset()
	m.data = nil
	m.stage = stageCommand
	m.receiveCommand(c)
}

// ConfigurationChanged starts command reception when the configuration
// carries the bulk endpoints.
func (m *MSC) ConfigurationChanged(c *device.Control, value uint8) {
	rec := c.Record()
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.stage != stageIdle {
		m.handler.Reset()
	}
	m.stage = stageIdle
	m.data = nil
	if rec.IsConfigured(device.ParseEndpointAddress(m.in)) && rec.IsConfigured(device.ParseEndpointAddress(m.out)) {
		m.stage = stageCommand
		m.receiveCommand(c)
	}
}

// BusReset drops the command in progress.
func (m *MSC) BusReset(c *device.Control) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.stage != stageIdle {
		m.handler.Reset()
	}
	m.stage = stageIdle
	m.data = nil
}

// receiveCommand arms the OUT endpoint for the next CBW unless it is
// halted or busy. The mutex must be held.
func (m *MSC) receiveCommand(c *device.Control) {
	ep := device.ParseEndpointAddress(m.out)
	rec := c.Record()
	if m.stage != stageCommand || !rec.IsConfigured(ep) || rec.IsHalted(ep) || rec.IsActive(ep) {
		return
	}
	if err := c.EndpointTransfer(m.out, m.rxBuf[:]); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "MSC CBW arm failed", "error", err)
	}
}

// EndpointEvent advances the command stage machine.
func (m *MSC) EndpointEvent(c *device.Control, ep device.EndpointID, event hal.EndpointEvent) bool {
	switch ep.Address() {
	case m.out:
		if event&hal.EndpointEventOut != 0 {
			n := int(c.EndpointTransferGetResult(m.out))
			m.mutex.Lock()
			m.received(c, n)
			m.mutex.Unlock()
		}
		return true

	case m.in:
		if event&hal.EndpointEventIn != 0 {
			m.mutex.Lock()
			m.sent(c)
			m.mutex.Unlock()
		}
		return true
	}
	return false
}

// received handles a completed OUT transfer. The mutex must be held.
func (m *MSC) received(c *device.Control, n int) {
	switch m.stage {
	case stageCommand:
		m.command(c, m.rxBuf[:min(n, len(m.rxBuf))])

	case stageDataOut:
		n = min(n, len(m.data))
		status := m.handler.DataReceived(&m.cbw, m.data[:n])
		m.residue = m.cbw.DataTransferLength - uint32(n)
		if n == len(m.data) && m.residue > 0 {
			// the host has more data than the command accepts
			m.halt(c, m.out)
		}
		m.data = nil
		m.sendStatus(c, status)

	default:
		pkg.LogDebug(pkg.ComponentClass, "MSC unexpected OUT data",
			"stage", m.stage.String(),
			"length", n)
	}
}

// sent handles a completed IN transfer. The mutex must be held.
func (m *MSC) sent(c *device.Control) {
	switch m.stage {
	case stageDataIn:
		if m.residue > 0 {
			// short data-in: the CSW follows the host clearing the halt
			m.halt(c, m.in)
			m.stage = stageStatusPending
			return
		}
		m.sendStatus(c, m.status)

	case stageStatus:
		pkg.LogDebug(pkg.ComponentClass, "CSW sent",
			"tag", m.cbw.Tag,
			"residue", m.residue,
			"status", m.status)
		m.stage = stageCommand
		m.receiveCommand(c)
	}
}

// command validates a CBW and starts its data or status phase. The mutex
// must be held.
func (m *MSC) command(c *device.Control, raw []byte) {
	if err := ParseCBW(raw, &m.cbw); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "invalid CBW", "error", err)
		m.phaseError(c)
		return
	}
	cbw := &m.cbw
	dtl := cbw.DataTransferLength
	m.residue = dtl

	pkg.LogDebug(pkg.ComponentClass, "CBW received",
		"tag", cbw.Tag,
		"length", dtl,
		"in", cbw.IsDataIn(),
		"lun", cbw.LUN,
		"opcode", cbw.Opcode())

	if cbw.LUN > m.maxLUN {
		m.refuse(c, CSWStatusFailed)
		return
	}

	data, status := m.handler.Command(cbw)
	switch {
	case dtl == 0:
		if status == CSWStatusGood && len(data) > 0 {
			status = CSWStatusPhaseError
		}
		m.sendStatus(c, status)

	case status != CSWStatusGood || len(data) == 0:
		m.refuse(c, status)

	case cbw.IsDataIn():
		data = data[:min(uint32(len(data)), dtl)]
		m.residue = dtl - uint32(len(data))
		m.status = status
		m.stage = stageDataIn
		if err := c.EndpointTransfer(m.in, data); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "MSC data-in failed", "error", err)
			m.refuse(c, CSWStatusFailed)
		}

	default:
		m.data = data[:min(uint32(len(data)), dtl)]
		m.status = status
		m.stage = stageDataOut
		if err := c.EndpointTransfer(m.out, m.data); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "MSC data-out failed", "error", err)
			m.data = nil
			m.refuse(c, CSWStatusFailed)
		}
	}
}

// refuse halts the data endpoint of a command whose data phase will not
// run and reports status with the full residue. The mutex must be held.
func (m *MSC) refuse(c *device.Control, status uint8) {
	m.residue = m.cbw.DataTransferLength
	m.status = status
	if m.residue == 0 {
		m.sendStatus(c, status)
		return
	}
	if m.cbw.IsDataIn() {
		m.halt(c, m.in)
		m.stage = stageStatusPending
		return
	}
	m.halt(c, m.out)
	m.sendStatus(c, status)
}

// sendStatus sends the CSW of the current command. A halted IN endpoint
// defers it until the halt is cleared. The mutex must be held.
func (m *MSC) sendStatus(c *device.Control, status uint8) {
	m.status = status
	csw := CommandStatusWrapper{Tag: m.cbw.Tag, DataResidue: m.residue, Status: status}
	n := csw.MarshalTo(m.cswBuf[:])
	m.stage = stageStatus
	err := c.EndpointTransfer(m.in, m.cswBuf[:n])
	switch {
	case err == nil:
	case errors.Is(err, pkg.ErrEndpointHalted):
		m.stage = stageStatusPending
	default:
		pkg.LogWarn(pkg.ComponentClass, "CSW failed", "error", err)
		m.phaseError(c)
	}
}

// halt stalls a bulk endpoint. The mutex must be held.
func (m *MSC) halt(c *device.Control, ep uint8) {
	if err := c.EndpointStall(ep, true); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "MSC stall failed",
			"endpoint", ep,
			"error", err)
	}
}

// phaseError halts both bulk endpoints until the host performs reset
// recovery. The mutex must be held.
func (m *MSC) phaseError(c *device.Control) {
	m.phaseErrors++
	m.stage = stageError
	m.data = nil
	for _, ep := range []uint8{m.in, m.out} {
		m.halt(c, ep)
		c.SetNoHaltClear(ep, true)
	}
}

// EndpointHaltCleared resumes the stage machine after the host clears a
// bulk halt.
func (m *MSC) EndpointHaltCleared(c *device.Control, ep device.EndpointID) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	switch addr := ep.Address(); {
	case addr == m.in && (m.stage == stageStatusPending || m.stage == stageStatus):
		// clearing a halt cancels the transfer in flight
		m.sendStatus(c, m.status)
	case addr == m.out && m.stage == stageCommand:
		m.receiveCommand(c)
	}
}

var (
	_ device.InterfaceRequestHandler = (*MSC)(nil)
	_ device.ConfigurationObserver   = (*MSC)(nil)
	_ device.EndpointHandler         = (*MSC)(nil)
	_ device.HaltClearObserver       = (*MSC)(nil)
	_ device.ResetObserver           = (*MSC)(nil)
)
