package cdc

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbdcore/device"
	"github.com/ardnew/usbdcore/pkg"
)

// Interface classes.
const (
	ClassCDC     = device.ClassCDC
	ClassCDCData = device.ClassCDCData
)

// Communications subclass and protocol of an ACM control interface.
const (
	SubclassACM = 0x02
	ProtocolAT  = 0x01
)

// Functional descriptor subtypes (CS_INTERFACE).
const (
	SubtypeHeader         = 0x00
	SubtypeCallManagement = 0x01
	SubtypeACM            = 0x02
	SubtypeUnion          = 0x06
)

// ACM class requests.
const (
	RequestSendEncapsulatedCommand = 0x00
	RequestGetEncapsulatedResponse = 0x01
	RequestSetLineCoding           = 0x20
	RequestGetLineCoding           = 0x21
	RequestSetControlLineState     = 0x22
	RequestSendBreak               = 0x23
)

// NotificationSerialState is the bNotification code of SERIAL_STATE.
const NotificationSerialState = 0x20

// ACM capability bits of the ACM functional descriptor.
const (
	ACMCapCommFeature = 1 << 0
	ACMCapLineCoding  = 1 << 1
	ACMCapSendBreak   = 1 << 2
)

// Control line bits of SET_CONTROL_LINE_STATE.
const (
	ControlLineDTR = 1 << 0
	ControlLineRTS = 1 << 1
)

// SERIAL_STATE bits.
const (
	SerialStateRxCarrier  = 1 << 0 // DCD
	SerialStateTxCarrier  = 1 << 1 // DSR
	SerialStateBreak      = 1 << 2
	SerialStateRingSignal = 1 << 3
	SerialStateFraming    = 1 << 4
	SerialStateParity     = 1 << 5
	SerialStateOverrun    = 1 << 6
)

// Stop bit encodings.
const (
	StopBits1   = 0
	StopBits1_5 = 1
	StopBits2   = 2
)

// Parity encodings.
const (
	ParityNone  = 0
	ParityOdd   = 1
	ParityEven  = 2
	ParityMark  = 3
	ParitySpace = 4
)

// LineCodingSize is the wire size of a line coding structure.
const LineCodingSize = 7

// LineCoding is the serial framing requested by the host.
type LineCoding struct {
	DTERate    uint32
	CharFormat uint8
	ParityType uint8
	DataBits   uint8
}

// DefaultLineCoding is 115200 baud, 8N1.
var DefaultLineCoding = LineCoding{
	DTERate:    115200,
	CharFormat: StopBits1,
	ParityType: ParityNone,
	DataBits:   8,
}

// MarshalTo writes the line coding to buf and returns the bytes written,
// or 0 if buf is too small.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf, lc.DTERate)
	buf[4] = lc.CharFormat
	buf[5] = lc.ParityType
	buf[6] = lc.DataBits
	return LineCodingSize
}

// ParseLineCoding decodes and validates a line coding.
func ParseLineCoding(data []byte, out *LineCoding) error {
	if len(data) < LineCodingSize {
		return fmt.Errorf("line coding: %w", pkg.ErrBufferTooSmall)
	}
	lc := LineCoding{
		DTERate:    binary.LittleEndian.Uint32(data),
		CharFormat: data[4],
		ParityType: data[5],
		DataBits:   data[6],
	}
	switch {
	case lc.CharFormat > StopBits2, lc.ParityType > ParitySpace:
		return fmt.Errorf("line coding %v: %w", lc, pkg.ErrInvalidParameter)
	}
	switch lc.DataBits {
	case 5, 6, 7, 8, 16:
	default:
		return fmt.Errorf("line coding %v: %w", lc, pkg.ErrInvalidParameter)
	}
	*out = lc
	return nil
}

// String returns the framing in the usual 115200/8N1 form.
func (lc LineCoding) String() string {
	parity := "NOEMS"
	p := byte('?')
	if int(lc.ParityType) < len(parity) {
		p = parity[lc.ParityType]
	}
	stop := [...]string{"1", "1.5", "2"}
	s := "?"
	if int(lc.CharFormat) < len(stop) {
		s = stop[lc.CharFormat]
	}
	return fmt.Sprintf("%d/%d%c%s", lc.DTERate, lc.DataBits, p, s)
}

// FunctionalDescriptors returns the header, call management, ACM and union
// functional descriptors of an ACM function.
func FunctionalDescriptors(control, data uint8) [][]byte {
	return [][]byte{
		{5, device.DescriptorTypeCSInterface, SubtypeHeader, 0x10, 0x01},
		{5, device.DescriptorTypeCSInterface, SubtypeCallManagement, 0, data},
		{4, device.DescriptorTypeCSInterface, SubtypeACM, ACMCapLineCoding | ACMCapSendBreak},
		{5, device.DescriptorTypeCSInterface, SubtypeUnion, control, data},
	}
}
