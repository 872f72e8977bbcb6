package msc

import "github.com/ardnew/usbdcore/device"

// ClassMSC is the Mass Storage interface class.
const ClassMSC = device.ClassMassStorage

// Subclass codes.
const (
	SubclassRBC  = 0x01 // Reduced Block Commands
	SubclassMMC5 = 0x02 // Multi-Media Commands (CD/DVD)
	SubclassUFI  = 0x04 // USB Floppy Interface
	SubclassSCSI = 0x06 // SCSI transparent command set
)

// ProtocolBulkOnly is the Bulk-Only Transport interface protocol.
const ProtocolBulkOnly = 0x50

// Bulk-Only Transport class requests.
const (
	RequestBulkOnlyMassStorageReset = 0xFF
	RequestGetMaxLUN                = 0xFE
)

// MaxLUN is the highest logical unit number Bulk-Only Transport allows.
const MaxLUN = 15

// Command Block Wrapper.
const (
	CBWSignature   = 0x43425355 // "USBC"
	CBWSize        = 31
	CBWFlagDataIn  = 0x80
	CBWMaxCBLength = 16
)

// Command Status Wrapper.
const (
	CSWSignature        = 0x53425355 // "USBS"
	CSWSize             = 13
	CSWStatusGood       = 0x00
	CSWStatusFailed     = 0x01
	CSWStatusPhaseError = 0x02
)

// SCSI operation codes handled by [SCSI].
const (
	SCSITestUnitReady        = 0x00
	SCSIRequestSense         = 0x03
	SCSIInquiry              = 0x12
	SCSIModeSense6           = 0x1A
	SCSIStartStopUnit        = 0x1B
	SCSIPreventAllowRemoval  = 0x1E
	SCSIReadFormatCapacities = 0x23
	SCSIReadCapacity10       = 0x25
	SCSIRead10               = 0x28
	SCSIWrite10              = 0x2A
	SCSIVerify10             = 0x2F
	SCSISynchronizeCache10   = 0x35
	SCSIServiceActionIn16    = 0x9E
)

// ServiceActionReadCapacity16 selects READ CAPACITY (16) under
// SERVICE ACTION IN (16).
const ServiceActionReadCapacity16 = 0x10

// Sense keys.
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
)

// Additional sense codes.
const (
	ASCNoAdditionalInfo      = 0x00
	ASCInvalidCommand        = 0x20
	ASCLBAOutOfRange         = 0x21
	ASCInvalidFieldInCDB     = 0x24
	ASCWriteProtected        = 0x27
	ASCNotReadyToReadyChange = 0x28
	ASCMediumNotPresent      = 0x3A
)

// Peripheral device types.
const (
	DeviceTypeDisk  = 0x00
	DeviceTypeCDROM = 0x05
)

// INQUIRY data.
const (
	InquiryStandardSize      = 36
	InquiryVersionSPC4       = 0x06
	InquiryResponseFormatSPC = 0x02
	InquiryRMB               = 0x80 // removable medium
)

// Response sizes.
const (
	RequestSenseSize   = 18
	ReadCapacity10Size = 8
	ReadCapacity16Size = 32
)

// DefaultBlockSize is the logical block size of most disks.
const DefaultBlockSize = 512

// MaxTransferSize bounds the data phase of a single command.
const MaxTransferSize = 65536
