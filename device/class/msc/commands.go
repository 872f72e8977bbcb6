package msc

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/ardnew/usbdcore/pkg"
)

// SCSI is a [Handler] that executes the SCSI transparent command set
// against a [Storage].
type SCSI struct {
	storage Storage
	inquiry Inquiry

	mutex sync.Mutex
	sense Sense
	buf   [MaxTransferSize]byte

	// pending WRITE (10)
	writeLBA uint64
}

// NewSCSI returns a SCSI handler for a direct-access disk on storage.
func NewSCSI(storage Storage, vendor, product, revision string) *SCSI {
	return &SCSI{
		storage: storage,
		inquiry: Inquiry{
			DeviceType: DeviceTypeDisk,
			Removable:  storage.Removable(),
			VendorID:   vendor,
			ProductID:  product,
			Revision:   revision,
		},
	}
}

// Sense returns the sense data the next REQUEST SENSE reports.
func (s *SCSI) Sense() Sense {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sense
}

// MediumChanged reports a medium change to the host with the next command.
func (s *SCSI) MediumChanged() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sense = Sense{Key: SenseUnitAttention, ASC: ASCNotReadyToReadyChange}
}

func (s *SCSI) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.writeLBA = 0
}

// Command executes one command block.
func (s *SCSI) Command(cbw *CommandBlockWrapper) ([]byte, uint8) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	op := cbw.Opcode()
	if op != SCSIRequestSense && op != SCSIInquiry && s.sense.Key == SenseUnitAttention {
		return nil, CSWStatusFailed
	}

	switch op {
	case SCSITestUnitReady:
		if !s.ready() {
			return nil, CSWStatusFailed
		}
		return s.good(nil)

	case SCSIRequestSense:
		n := s.sense.MarshalTo(s.buf[:])
		s.sense = Sense{}
		return s.in(cbw, s.buf[:min(n, int(cbw.CB[4]))])

	case SCSIInquiry:
		if cbw.CB[1]&0x01 != 0 {
			// vital product data pages are not provided
			return s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
		}
		n := s.inquiry.MarshalTo(s.buf[:])
		alloc := int(binary.BigEndian.Uint16(cbw.CB[3:5]))
		return s.in(cbw, s.buf[:min(n, alloc)])

	case SCSIModeSense6:
		n := putModeSense6(s.buf[:], s.storage.ReadOnly())
		return s.in(cbw, s.buf[:min(n, int(cbw.CB[4]))])

	case SCSIReadCapacity10:
		if !s.ready() {
			return nil, CSWStatusFailed
		}
		n := putReadCapacity10(s.buf[:], s.storage.BlockCount(), s.storage.BlockSize())
		return s.in(cbw, s.buf[:n])

	case SCSIServiceActionIn16:
		if cbw.CB[1]&0x1F != ServiceActionReadCapacity16 {
			break
		}
		if !s.ready() {
			return nil, CSWStatusFailed
		}
		n := putReadCapacity16(s.buf[:], s.storage.BlockCount(), s.storage.BlockSize())
		alloc := int(binary.BigEndian.Uint32(cbw.CB[10:14]))
		return s.in(cbw, s.buf[:min(n, alloc)])

	case SCSIReadFormatCapacities:
		if !s.ready() {
			return nil, CSWStatusFailed
		}
		n := putFormatCapacities(s.buf[:], s.storage.BlockCount(), s.storage.BlockSize())
		alloc := int(binary.BigEndian.Uint16(cbw.CB[7:9]))
		return s.in(cbw, s.buf[:min(n, alloc)])

	case SCSIRead10:
		return s.read10(cbw)

	case SCSIWrite10:
		return s.write10(cbw)

	case SCSIPreventAllowRemoval, SCSIVerify10:
		return s.good(nil)

	case SCSIStartStopUnit:
		start, loej := cbw.CB[4]&0x01 != 0, cbw.CB[4]&0x02 != 0
		if loej && !start {
			if err := s.storage.Eject(); err != nil {
				return s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
			}
		}
		return s.good(nil)

	case SCSISynchronizeCache10:
		if err := s.storage.Sync(); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "sync failed", "error", err)
			return s.fail(SenseHardwareError, ASCNoAdditionalInfo)
		}
		return s.good(nil)
	}

	pkg.LogDebug(pkg.ComponentClass, "unsupported SCSI command", "opcode", op)
	return s.fail(SenseIllegalRequest, ASCInvalidCommand)
}

// blocks decodes and checks the LBA and block count of a 10-byte command.
// It returns the transfer length in bytes.
func (s *SCSI) blocks(cbw *CommandBlockWrapper) (lba uint64, n int, ok bool) {
	if !s.ready() {
		return 0, 0, false
	}
	lba = uint64(binary.BigEndian.Uint32(cbw.CB[2:6]))
	count := uint64(binary.BigEndian.Uint16(cbw.CB[7:9]))
	total := s.storage.BlockCount()
	size := count * uint64(s.storage.BlockSize())
	switch {
	case lba > total || count > total-lba:
		s.sense = Sense{Key: SenseIllegalRequest, ASC: ASCLBAOutOfRange}
		return 0, 0, false
	case size > MaxTransferSize || size > uint64(cbw.DataTransferLength):
		s.sense = Sense{Key: SenseIllegalRequest, ASC: ASCInvalidFieldInCDB}
		return 0, 0, false
	}
	return lba, int(size), true
}

func (s *SCSI) read10(cbw *CommandBlockWrapper) ([]byte, uint8) {
	lba, n, ok := s.blocks(cbw)
	if !ok {
		return nil, CSWStatusFailed
	}
	if !cbw.IsDataIn() && cbw.DataTransferLength > 0 {
		return nil, CSWStatusPhaseError
	}
	if n == 0 {
		return s.good(nil)
	}
	if err := s.storage.ReadBlocks(lba, s.buf[:n]); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "read failed", "lba", lba, "error", err)
		return s.failErr(err)
	}
	return s.good(s.buf[:n])
}

func (s *SCSI) write10(cbw *CommandBlockWrapper) ([]byte, uint8) {
	if s.storage.ReadOnly() {
		return s.fail(SenseDataProtect, ASCWriteProtected)
	}
	lba, n, ok := s.blocks(cbw)
	if !ok {
		return nil, CSWStatusFailed
	}
	if cbw.IsDataIn() && cbw.DataTransferLength > 0 {
		return nil, CSWStatusPhaseError
	}
	if n == 0 {
		return s.good(nil)
	}
	s.writeLBA = lba
	return s.good(s.buf[:n])
}

// DataReceived stores the data of a WRITE (10).
func (s *SCSI) DataReceived(cbw *CommandBlockWrapper, data []byte) uint8 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if cbw.Opcode() != SCSIWrite10 {
		return CSWStatusPhaseError
	}
	whole := len(data) - len(data)%int(s.storage.BlockSize())
	if err := s.storage.WriteBlocks(s.writeLBA, data[:whole]); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "write failed", "lba", s.writeLBA, "error", err)
		_, status := s.failErr(err)
		return status
	}
	if whole != len(data) {
		s.sense = Sense{Key: SenseIllegalRequest, ASC: ASCInvalidFieldInCDB}
		return CSWStatusFailed
	}
	return CSWStatusGood
}

// ready reports whether a medium is present, setting sense data if not.
func (s *SCSI) ready() bool {
	if !s.storage.Present() {
		s.sense = Sense{Key: SenseNotReady, ASC: ASCMediumNotPresent}
		return false
	}
	return true
}

// in returns data for a data-in command, or a phase error when the host
// expects to send data.
func (s *SCSI) in(cbw *CommandBlockWrapper, data []byte) ([]byte, uint8) {
	if cbw.DataTransferLength > 0 && !cbw.IsDataIn() {
		return nil, CSWStatusPhaseError
	}
	return s.good(data)
}

func (s *SCSI) good(data []byte) ([]byte, uint8) {
	s.sense = Sense{}
	return data, CSWStatusGood
}

func (s *SCSI) fail(key, asc uint8) ([]byte, uint8) {
	s.sense = Sense{Key: key, ASC: asc}
	return nil, CSWStatusFailed
}

// failErr maps a storage error to sense data.
func (s *SCSI) failErr(err error) ([]byte, uint8) {
	switch {
	case errors.Is(err, ErrNoMedium):
		return s.fail(SenseNotReady, ASCMediumNotPresent)
	case errors.Is(err, ErrReadOnly):
		return s.fail(SenseDataProtect, ASCWriteProtected)
	case errors.Is(err, ErrOutOfRange):
		return s.fail(SenseIllegalRequest, ASCLBAOutOfRange)
	}
	return s.fail(SenseMediumError, ASCNoAdditionalInfo)
}

var _ Handler = (*SCSI)(nil)
