package nvme

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Controller register offsets.
const (
	RegCAP          = 0x00 // Controller Capabilities, 64-bit
	RegVS           = 0x08 // Version
	RegINTMS        = 0x0C
	RegINTMC        = 0x10
	RegCC           = 0x14 // Controller Configuration
	RegCSTS         = 0x1C // Controller Status
	RegAQA          = 0x24 // Admin Queue Attributes
	RegASQ          = 0x28 // Admin Submission Queue base, 64-bit
	RegACQ          = 0x30 // Admin Completion Queue base, 64-bit
	RegDoorbellBase = 0x1000
)

// CC and CSTS bits.
const (
	CCEnable             = 1 << 0
	CCShutdownNormal     = 1 << 14
	CSTSReady            = 1 << 0
	CSTSFatal            = 1 << 1
	CSTSShutdownComplete = 2 << 2
)

// Entry sizes, log2 encoded in CC.IOSQES/IOCQES.
const (
	CommandSize         = 64
	CompletionSize      = 16
	commandSizeShift    = 6
	completionSizeShift = 4
)

// AdminQueueID is the queue pair every controller has after reset.
const AdminQueueID = 0

// Admin opcodes.
const (
	AdminDeleteSQ    uint8 = 0x00
	AdminCreateSQ    uint8 = 0x01
	AdminDeleteCQ    uint8 = 0x04
	AdminCreateCQ    uint8 = 0x05
	AdminIdentify    uint8 = 0x06
	AdminSetFeatures uint8 = 0x09
	AdminGetFeatures uint8 = 0x0A
)

// NVM command set opcodes.
const (
	OpFlush             uint8 = 0x00
	OpWrite             uint8 = 0x01
	OpRead              uint8 = 0x02
	OpDatasetManagement uint8 = 0x09
)

// Identify CNS values.
const (
	CNSNamespace     = 0x00
	CNSController    = 0x01
	CNSNamespaceList = 0x02
)

// FeatureNumberOfQueues is the Set Features identifier for I/O queue counts.
const FeatureNumberOfQueues = 0x07

// DSMDeallocate is the Dataset Management attribute bit for trim.
const DSMDeallocate = 1 << 2

// IdentifySize is the size of every identify data structure.
const IdentifySize = 4096

// DoorbellIndex returns the doorbell number of a queue. Submission queue tail
// doorbells are even, completion queue head doorbells odd.
func DoorbellIndex(qid uint16, completion bool) uint16 {
	db := 2 * qid
	if completion {
		db++
	}
	return db
}

// Capabilities is the decoded CAP register.
type Capabilities struct {
	MaxQueueEntries uint32 // MQES+1
	Timeout         uint8  // 500ms units
	DoorbellStride  uint8
	MinPageShift    uint8 // 12+MPSMIN
	MaxPageShift    uint8 // 12+MPSMAX
}

// DecodeCapabilities splits a raw CAP value.
func DecodeCapabilities(v uint64) Capabilities {
	return Capabilities{
		MaxQueueEntries: uint32(v&0xffff) + 1,
		Timeout:         uint8(v >> 24),
		DoorbellStride:  uint8(v>>32) & 0xf,
		MinPageShift:    12 + uint8(v>>48)&0xf,
		MaxPageShift:    12 + uint8(v>>52)&0xf,
	}
}

// Encode packs the capabilities back into CAP layout.
func (c Capabilities) Encode() uint64 {
	v := uint64(c.MaxQueueEntries-1) & 0xffff
	v |= 1 << 16 // CQR: queues must be physically contiguous
	v |= uint64(c.Timeout) << 24
	v |= uint64(c.DoorbellStride&0xf) << 32
	v |= 1 << 37 // CSS: NVM command set
	v |= uint64((c.MinPageShift-12)&0xf) << 48
	v |= uint64((c.MaxPageShift-12)&0xf) << 52
	return v
}

// Status is the 15-bit status field of a completion.
type Status uint16

// Generic and command specific status values, SCT in bits 10:8.
const (
	StatusSuccess              Status = 0x000
	StatusInvalidOpcode        Status = 0x001
	StatusInvalidField         Status = 0x002
	StatusDataTransferError    Status = 0x004
	StatusInternalError        Status = 0x006
	StatusInvalidNamespace     Status = 0x00B
	StatusLBAOutOfRange        Status = 0x080
	StatusCQInvalid            Status = 0x100
	StatusInvalidQueueID       Status = 0x101
	StatusInvalidQueueSize     Status = 0x102
	StatusInvalidQueueDeletion Status = 0x10C
)

// StatusDoNotRetry is the DNR bit.
const StatusDoNotRetry Status = 1 << 14

// Code returns the status code (SC).
func (s Status) Code() uint8 { return uint8(s) }

// Type returns the status code type (SCT).
func (s Status) Type() uint8 { return uint8(s>>8) & 0x7 }

// OK reports success.
func (s Status) OK() bool { return s&0x7ff == 0 }

func (s Status) String() string {
	switch s &^ StatusDoNotRetry {
	case StatusSuccess:
		return "success"
	case StatusInvalidOpcode:
		return "invalid opcode"
	case StatusInvalidField:
		return "invalid field"
	case StatusDataTransferError:
		return "data transfer error"
	case StatusInternalError:
		return "internal error"
	case StatusInvalidNamespace:
		return "invalid namespace"
	case StatusLBAOutOfRange:
		return "lba out of range"
	case StatusCQInvalid:
		return "completion queue invalid"
	case StatusInvalidQueueID:
		return "invalid queue identifier"
	case StatusInvalidQueueSize:
		return "invalid queue size"
	case StatusInvalidQueueDeletion:
		return "invalid queue deletion"
	default:
		return fmt.Sprintf("sct=%d sc=%#x", s.Type(), s.Code())
	}
}

// Command is a 64-byte submission queue entry.
type Command struct {
	Opcode uint8
	Flags  uint8
	CID    uint16
	NSID   uint32
	CDW2   uint32
	CDW3   uint32
	MPTR   uint64
	PRP1   uint64
	PRP2   uint64
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	CDW13  uint32
	CDW14  uint32
	CDW15  uint32
}

// Marshal writes the command into b, which must hold CommandSize bytes.
func (c *Command) Marshal(b []byte) {
	_ = b[CommandSize-1]
	binary.LittleEndian.PutUint32(b[0:4], uint32(c.Opcode)|uint32(c.Flags)<<8|uint32(c.CID)<<16)
	binary.LittleEndian.PutUint32(b[4:8], c.NSID)
	binary.LittleEndian.PutUint32(b[8:12], c.CDW2)
	binary.LittleEndian.PutUint32(b[12:16], c.CDW3)
	binary.LittleEndian.PutUint64(b[16:24], c.MPTR)
	binary.LittleEndian.PutUint64(b[24:32], c.PRP1)
	binary.LittleEndian.PutUint64(b[32:40], c.PRP2)
	binary.LittleEndian.PutUint32(b[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(b[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(b[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(b[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(b[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(b[60:64], c.CDW15)
}

// Unmarshal decodes a submission queue entry.
func (c *Command) Unmarshal(b []byte) {
	_ = b[CommandSize-1]
	dw0 := binary.LittleEndian.Uint32(b[0:4])
	c.Opcode = uint8(dw0)
	c.Flags = uint8(dw0 >> 8)
	c.CID = uint16(dw0 >> 16)
	c.NSID = binary.LittleEndian.Uint32(b[4:8])
	c.CDW2 = binary.LittleEndian.Uint32(b[8:12])
	c.CDW3 = binary.LittleEndian.Uint32(b[12:16])
	c.MPTR = binary.LittleEndian.Uint64(b[16:24])
	c.PRP1 = binary.LittleEndian.Uint64(b[24:32])
	c.PRP2 = binary.LittleEndian.Uint64(b[32:40])
	c.CDW10 = binary.LittleEndian.Uint32(b[40:44])
	c.CDW11 = binary.LittleEndian.Uint32(b[44:48])
	c.CDW12 = binary.LittleEndian.Uint32(b[48:52])
	c.CDW13 = binary.LittleEndian.Uint32(b[52:56])
	c.CDW14 = binary.LittleEndian.Uint32(b[56:60])
	c.CDW15 = binary.LittleEndian.Uint32(b[60:64])
}

// SLBA returns the starting LBA of a read, write or trim range.
func (c *Command) SLBA() uint64 {
	return uint64(c.CDW10) | uint64(c.CDW11)<<32
}

// NLB returns the block count of a read or write (CDW12 is zero based).
func (c *Command) NLB() uint32 {
	return (c.CDW12 & 0xffff) + 1
}

// Completion is a 16-byte completion queue entry.
type Completion struct {
	Result uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Phase  bool
	Status Status
}

// Marshal writes the entry into b, which must hold CompletionSize bytes.
func (c *Completion) Marshal(b []byte) {
	_ = b[CompletionSize-1]
	binary.LittleEndian.PutUint32(b[0:4], c.Result)
	binary.LittleEndian.PutUint32(b[4:8], 0)
	binary.LittleEndian.PutUint32(b[8:12], uint32(c.SQHead)|uint32(c.SQID)<<16)
	dw3 := uint32(c.CID) | uint32(c.Status&0x7fff)<<17
	if c.Phase {
		dw3 |= 1 << 16
	}
	binary.LittleEndian.PutUint32(b[12:16], dw3)
}

// Unmarshal decodes a completion queue entry.
func (c *Completion) Unmarshal(b []byte) {
	_ = b[CompletionSize-1]
	c.Result = binary.LittleEndian.Uint32(b[0:4])
	dw2 := binary.LittleEndian.Uint32(b[8:12])
	c.SQHead = uint16(dw2)
	c.SQID = uint16(dw2 >> 16)
	dw3 := binary.LittleEndian.Uint32(b[12:16])
	c.CID = uint16(dw3)
	c.Phase = dw3&(1<<16) != 0
	c.Status = Status(dw3 >> 17)
}

// PhaseOf extracts only the phase tag of a raw completion entry.
func PhaseOf(b []byte) bool {
	return binary.LittleEndian.Uint32(b[12:16])&(1<<16) != 0
}

// IdentifyController is the subset of the identify controller structure the
// driver uses.
type IdentifyController struct {
	VendorID      uint16
	SerialNumber  string
	ModelNumber   string
	Firmware      string
	MDTS          uint8 // max transfer, 2^n minimum pages, 0 unlimited
	ControllerID  uint16
	Version       uint32
	SQES          uint8
	CQES          uint8
	NumNamespaces uint32
}

func putString(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
}

func getString(b []byte) string {
	return string(bytes.TrimRight(b, " \x00"))
}

// Marshal fills an IdentifySize buffer.
func (id *IdentifyController) Marshal(b []byte) {
	_ = b[IdentifySize-1]
	binary.LittleEndian.PutUint16(b[0:2], id.VendorID)
	binary.LittleEndian.PutUint16(b[2:4], id.VendorID)
	putString(b[4:24], id.SerialNumber)
	putString(b[24:64], id.ModelNumber)
	putString(b[64:72], id.Firmware)
	b[77] = id.MDTS
	binary.LittleEndian.PutUint16(b[78:80], id.ControllerID)
	binary.LittleEndian.PutUint32(b[80:84], id.Version)
	b[512] = id.SQES
	b[513] = id.CQES
	binary.LittleEndian.PutUint32(b[516:520], id.NumNamespaces)
}

// Unmarshal parses an identify controller buffer.
func (id *IdentifyController) Unmarshal(b []byte) {
	_ = b[IdentifySize-1]
	id.VendorID = binary.LittleEndian.Uint16(b[0:2])
	id.SerialNumber = getString(b[4:24])
	id.ModelNumber = getString(b[24:64])
	id.Firmware = getString(b[64:72])
	id.MDTS = b[77]
	id.ControllerID = binary.LittleEndian.Uint16(b[78:80])
	id.Version = binary.LittleEndian.Uint32(b[80:84])
	id.SQES = b[512]
	id.CQES = b[513]
	id.NumNamespaces = binary.LittleEndian.Uint32(b[516:520])
}

// LBAFormat is one entry of the namespace LBA format table.
type LBAFormat struct {
	MetadataSize uint16
	DataShift    uint8 // LBADS, block size is 1<<DataShift
}

// IdentifyNamespace is the subset of the identify namespace structure the
// driver uses.
type IdentifyNamespace struct {
	Size        uint64 // NSZE in blocks
	Capacity    uint64 // NCAP
	Utilization uint64 // NUSE
	FormatIndex uint8  // FLBAS bits 3:0
	Formats     []LBAFormat
}

// BlockSize returns the size in bytes of the formatted LBA.
func (ns *IdentifyNamespace) BlockSize() uint64 {
	if int(ns.FormatIndex) >= len(ns.Formats) {
		return 0
	}
	return 1 << ns.Formats[ns.FormatIndex].DataShift
}

// Marshal fills an IdentifySize buffer.
func (ns *IdentifyNamespace) Marshal(b []byte) {
	_ = b[IdentifySize-1]
	binary.LittleEndian.PutUint64(b[0:8], ns.Size)
	binary.LittleEndian.PutUint64(b[8:16], ns.Capacity)
	binary.LittleEndian.PutUint64(b[16:24], ns.Utilization)
	if n := len(ns.Formats); n > 0 {
		b[25] = uint8(n - 1)
	}
	b[26] = ns.FormatIndex & 0xf
	for i, f := range ns.Formats {
		if i == 64 {
			break
		}
		off := 128 + 4*i
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(f.MetadataSize)|uint32(f.DataShift)<<16)
	}
}

// Unmarshal parses an identify namespace buffer.
func (ns *IdentifyNamespace) Unmarshal(b []byte) {
	_ = b[IdentifySize-1]
	ns.Size = binary.LittleEndian.Uint64(b[0:8])
	ns.Capacity = binary.LittleEndian.Uint64(b[8:16])
	ns.Utilization = binary.LittleEndian.Uint64(b[16:24])
	ns.FormatIndex = b[26] & 0xf
	n := int(b[25]) + 1
	ns.Formats = make([]LBAFormat, n)
	for i := 0; i < n; i++ {
		off := 128 + 4*i
		v := binary.LittleEndian.Uint32(b[off : off+4])
		ns.Formats[i] = LBAFormat{MetadataSize: uint16(v), DataShift: uint8(v >> 16)}
	}
}

// MarshalNamespaceList writes up to 1024 active namespace IDs.
func MarshalNamespaceList(b []byte, ids []uint32) {
	_ = b[IdentifySize-1]
	for i, id := range ids {
		if i == IdentifySize/4 {
			break
		}
		binary.LittleEndian.PutUint32(b[4*i:], id)
	}
}

// ParseNamespaceList returns the IDs of a namespace list, stopping at the
// first zero entry.
func ParseNamespaceList(b []byte) []uint32 {
	var ids []uint32
	for off := 0; off+4 <= len(b) && off < IdentifySize; off += 4 {
		id := binary.LittleEndian.Uint32(b[off:])
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// DSMRange is one 16-byte Dataset Management range.
type DSMRange struct {
	Attributes uint32
	Blocks     uint32
	SLBA       uint64
}

// DSMRangeSize is the encoded size of a DSMRange.
const DSMRangeSize = 16

// Marshal writes the range into b.
func (r *DSMRange) Marshal(b []byte) {
	_ = b[DSMRangeSize-1]
	binary.LittleEndian.PutUint32(b[0:4], r.Attributes)
	binary.LittleEndian.PutUint32(b[4:8], r.Blocks)
	binary.LittleEndian.PutUint64(b[8:16], r.SLBA)
}

// Unmarshal decodes a range.
func (r *DSMRange) Unmarshal(b []byte) {
	_ = b[DSMRangeSize-1]
	r.Attributes = binary.LittleEndian.Uint32(b[0:4])
	r.Blocks = binary.LittleEndian.Uint32(b[4:8])
	r.SLBA = binary.LittleEndian.Uint64(b[8:16])
}
