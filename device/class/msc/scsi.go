package msc

import "encoding/binary"

// Inquiry is the standard INQUIRY data of a logical unit.
type Inquiry struct {
	DeviceType uint8
	Removable  bool
	VendorID   string // 8 characters
	ProductID  string // 16 characters
	Revision   string // 4 characters
}

// MarshalTo writes the standard INQUIRY data to buf and returns
// InquiryStandardSize, or 0 if buf is too small.
func (q *Inquiry) MarshalTo(buf []byte) int {
	if len(buf) < InquiryStandardSize {
		return 0
	}
	clear(buf[:InquiryStandardSize])
	buf[0] = q.DeviceType
	if q.Removable {
		buf[1] = InquiryRMB
	}
	buf[2] = InquiryVersionSPC4
	buf[3] = InquiryResponseFormatSPC
	buf[4] = InquiryStandardSize - 5
	pad(buf[8:16], q.VendorID)
	pad(buf[16:32], q.ProductID)
	pad(buf[32:36], q.Revision)
	return InquiryStandardSize
}

// pad copies s into field and fills the rest with spaces.
func pad(field []byte, s string) {
	n := copy(field, s)
	for i := n; i < len(field); i++ {
		field[i] = ' '
	}
}

// Sense is the fixed-format sense data reported by REQUEST SENSE.
type Sense struct {
	Key  uint8
	ASC  uint8
	ASCQ uint8
}

// MarshalTo writes fixed-format sense data to buf and returns
// RequestSenseSize, or 0 if buf is too small.
func (s Sense) MarshalTo(buf []byte) int {
	if len(buf) < RequestSenseSize {
		return 0
	}
	clear(buf[:RequestSenseSize])
	buf[0] = 0x70 // current error, fixed format
	buf[2] = s.Key & 0x0F
	buf[7] = RequestSenseSize - 8
	buf[12] = s.ASC
	buf[13] = s.ASCQ
	return RequestSenseSize
}

// putReadCapacity10 writes READ CAPACITY (10) data. Capacities past the
// 32-bit range report 0xFFFFFFFF so the host moves to the 16-byte form.
func putReadCapacity10(buf []byte, blocks uint64, blockSize uint32) int {
	last := uint32(0xFFFFFFFF)
	if blocks-1 < uint64(last) {
		last = uint32(blocks - 1)
	}
	binary.BigEndian.PutUint32(buf[0:4], last)
	binary.BigEndian.PutUint32(buf[4:8], blockSize)
	return ReadCapacity10Size
}

func putReadCapacity16(buf []byte, blocks uint64, blockSize uint32) int {
	clear(buf[:ReadCapacity16Size])
	binary.BigEndian.PutUint64(buf[0:8], blocks-1)
	binary.BigEndian.PutUint32(buf[8:12], blockSize)
	return ReadCapacity16Size
}

// putFormatCapacities writes a READ FORMAT CAPACITIES list with the single
// current capacity descriptor.
func putFormatCapacities(buf []byte, blocks uint64, blockSize uint32) int {
	clear(buf[:12])
	buf[3] = 8
	binary.BigEndian.PutUint32(buf[4:8], uint32(min(blocks, 0xFFFFFFFF)))
	buf[8] = 0x02 // formatted media
	buf[9] = uint8(blockSize >> 16)
	buf[10] = uint8(blockSize >> 8)
	buf[11] = uint8(blockSize)
	return 12
}

// putModeSense6 writes a MODE SENSE (6) header without pages.
func putModeSense6(buf []byte, readOnly bool) int {
	buf[0] = 3
	buf[1] = 0
	buf[2] = 0
	if readOnly {
		buf[2] = 0x80 // write protect
	}
	buf[3] = 0
	return 4
}
