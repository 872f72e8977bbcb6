package msc

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbdcore/pkg"
)

// CommandBlockWrapper is the command packet of Bulk-Only Transport.
type CommandBlockWrapper struct {
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	CBLength           uint8
	CB                 [CBWMaxCBLength]byte
}

// ParseCBW decodes a Command Block Wrapper. A wrapper is valid only when it
// is exactly CBWSize bytes, carries the signature, and has a command block
// length between 1 and 16.
func ParseCBW(data []byte, out *CommandBlockWrapper) error {
	if len(data) != CBWSize {
		return fmt.Errorf("CBW length %d: %w", len(data), pkg.ErrProtocol)
	}
	if sig := binary.LittleEndian.Uint32(data[0:4]); sig != CBWSignature {
		return fmt.Errorf("CBW signature 0x%08X: %w", sig, pkg.ErrProtocol)
	}
	cbLen := data[14] & 0x1F
	if cbLen == 0 || cbLen > CBWMaxCBLength || data[13]&0xF0 != 0 {
		return fmt.Errorf("CBW command block: %w", pkg.ErrProtocol)
	}
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataTransferLength = binary.LittleEndian.Uint32(data[8:12])
	out.Flags = data[12]
	out.LUN = data[13] & 0x0F
	out.CBLength = cbLen
	copy(out.CB[:], data[15:31])
	return nil
}

// MarshalTo writes the wrapper to buf and returns CBWSize, or 0 if buf is
// too small.
func (cbw *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], cbw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], cbw.DataTransferLength)
	buf[12] = cbw.Flags
	buf[13] = cbw.LUN & 0x0F
	buf[14] = cbw.CBLength & 0x1F
	copy(buf[15:31], cbw.CB[:])
	return CBWSize
}

// IsDataIn reports whether the data phase is device-to-host.
func (cbw *CommandBlockWrapper) IsDataIn() bool {
	return cbw.Flags&CBWFlagDataIn != 0
}

// Opcode returns the first byte of the command block.
func (cbw *CommandBlockWrapper) Opcode() uint8 {
	return cbw.CB[0]
}

// CommandStatusWrapper is the status packet of Bulk-Only Transport.
type CommandStatusWrapper struct {
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

// MarshalTo writes the wrapper to buf and returns CSWSize, or 0 if buf is
// too small.
func (csw *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], CSWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], csw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], csw.DataResidue)
	buf[12] = csw.Status
	return CSWSize
}

// ParseCSW decodes a Command Status Wrapper.
func ParseCSW(data []byte, out *CommandStatusWrapper) error {
	if len(data) != CSWSize {
		return fmt.Errorf("CSW length %d: %w", len(data), pkg.ErrProtocol)
	}
	if sig := binary.LittleEndian.Uint32(data[0:4]); sig != CSWSignature {
		return fmt.Errorf("CSW signature 0x%08X: %w", sig, pkg.ErrProtocol)
	}
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataResidue = binary.LittleEndian.Uint32(data[8:12])
	out.Status = data[12]
	return nil
}
