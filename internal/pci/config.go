// Package pci models PCI(e) configuration space, bus topology and the
// root-port bridge function. Guest configuration accesses flow through a
// device's ReadConfig/WriteConfig into the ConfigSpace byte model, which
// drives the address-region containment tree as decode-enable bits and
// windows are reprogrammed.
package pci

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vpci/internal/num"
	"github.com/tinyrange/vpci/internal/region"
)

// Configuration space size classes.
const (
	ConfigSpaceSize     = 256  // legacy PCI
	PcieConfigSpaceSize = 4096 // PCIe extended
)

// Common header registers.
const (
	VendorID      = 0x00
	DeviceID      = 0x02
	Command       = 0x04
	Status        = 0x06
	RevisionID    = 0x08
	SubClassCode  = 0x0a
	CacheLineSize = 0x0c
	LatencyTimer  = 0x0d
	HeaderType    = 0x0e
	Bar0          = 0x10
	CapPointer    = 0x34
	InterruptLine = 0x3c
	InterruptPin  = 0x3d

	RegSize = 4

	configHeadEnd = 0x40
)

// Type-1 (bridge) header registers.
const (
	PrimaryBusNum     = 0x18
	SecondaryBusNum   = 0x19
	SubordinateBusNum = 0x1a
	SecondaryLatency  = 0x1b
	IoBase            = 0x1c
	IoLimit           = 0x1d
	SecStatus         = 0x1e
	MemoryBase        = 0x20
	MemoryLimit       = 0x22
	PrefMemoryBase    = 0x24
	PrefMemoryLimit   = 0x26
	PrefBaseUpper32   = 0x28
	PrefLimitUpper32  = 0x2c
	IoBaseUpper16     = 0x30
	IoLimitUpper16    = 0x32
	BridgeControl     = 0x3e
)

// COMMAND register bits.
const (
	CommandIoSpace          = 0x0001
	CommandMemorySpace      = 0x0002
	CommandBusMaster        = 0x0004
	CommandParityErrResp    = 0x0040
	CommandSerrEnable       = 0x0100
	CommandInterruptDisable = 0x0400
)

// STATUS register bits. statusRW1CMask covers the write-1-to-clear
// event bits of the (secondary) status register.
const (
	StatusCapList  = 0x0010
	statusRW1CMask = 0xf900
)

const (
	HeaderTypeBridge    = 0x01
	HeaderTypeMultiFunc = 0x80

	ClassCodePciBridge = 0x0604

	PrefMemRange64Bit = 0x01
)

// BAR encoding bits and masks.
const (
	BarSpaceIO     = 0x01
	BarMem64Bit    = 0x04
	barIoAddrMask  = 0xffff_fffc
	barMemAddrMask = 0xffff_fff0
)

// BarSpaceUnmapped marks a window with decode disabled or no
// programmed address.
const BarSpaceUnmapped = ^uint64(0)

type bar struct {
	region  *region.Region
	io      bool
	is64    bool
	size    uint64
	address uint64
}

// ConfigSpace is the access-control core of a PCI(e) function: the raw
// register bytes plus per-bit write and write-clear masks, BAR window
// bookkeeping, and the capability-chain cursors.
type ConfigSpace struct {
	Config         []byte
	WriteMask      []byte
	WriteClearMask []byte

	// LastCapEnd is the offset past the last standard capability.
	// LastExtCapOffset/LastExtCapEnd track the PCIe extended chain.
	LastCapEnd       uint16
	LastExtCapOffset uint16
	LastExtCapEnd    uint16

	bars []bar
}

// NewConfigSpace allocates a config space of the given size class with
// room for numBars BAR windows (2 for a type-1 bridge header, 6 for a
// type-0 endpoint).
func NewConfigSpace(size, numBars int) *ConfigSpace {
	c := &ConfigSpace{
		Config:         make([]byte, size),
		WriteMask:      make([]byte, size),
		WriteClearMask: make([]byte, size),
		LastCapEnd:     configHeadEnd,
		LastExtCapEnd:  ConfigSpaceSize,
		bars:           make([]bar, numBars),
	}
	for i := range c.bars {
		c.bars[i].address = BarSpaceUnmapped
	}
	return c
}

// InitCommonWriteMask installs the default writable bits for the
// generic header fields.
func (c *ConfigSpace) InitCommonWriteMask() {
	c.WriteMask[CacheLineSize] = 0xff
	c.WriteMask[LatencyTimer] = 0xff
	c.WriteMask[InterruptLine] = 0xff
	leWriteU16(c.WriteMask, Command,
		CommandIoSpace|CommandMemorySpace|CommandBusMaster|
			CommandParityErrResp|CommandSerrEnable|CommandInterruptDisable)
}

// InitBridgeWriteMask installs the writable bits specific to the type-1
// bridge header: bus numbers, the I/O and memory base/limit pairs and
// the prefetchable range registers.
func (c *ConfigSpace) InitBridgeWriteMask() {
	c.WriteMask[PrimaryBusNum] = 0xff
	c.WriteMask[SecondaryBusNum] = 0xff
	c.WriteMask[SubordinateBusNum] = 0xff
	c.WriteMask[SecondaryLatency] = 0xff
	c.WriteMask[IoBase] = 0xf0
	c.WriteMask[IoLimit] = 0xf0
	leWriteU16(c.WriteMask, MemoryBase, 0xfff0)
	leWriteU16(c.WriteMask, MemoryLimit, 0xfff0)
	leWriteU16(c.WriteMask, PrefMemoryBase, 0xfff0)
	leWriteU16(c.WriteMask, PrefMemoryLimit, 0xfff0)
	leWriteU32(c.WriteMask, PrefBaseUpper32, 0xffff_ffff)
	leWriteU32(c.WriteMask, PrefLimitUpper32, 0xffff_ffff)
	leWriteU16(c.WriteMask, IoBaseUpper16, 0xffff)
	leWriteU16(c.WriteMask, IoLimitUpper16, 0xffff)
	leWriteU16(c.WriteMask, BridgeControl, 0x0fff)
}

// InitCommonWriteClearMask marks the RW1C event bits of STATUS.
func (c *ConfigSpace) InitCommonWriteClearMask() {
	leWriteU16(c.WriteClearMask, Status, statusRW1CMask)
}

// InitBridgeWriteClearMask marks the RW1C event bits of the secondary
// status register.
func (c *ConfigSpace) InitBridgeWriteClearMask() {
	leWriteU16(c.WriteClearMask, SecStatus, statusRW1CMask)
}

func (c *ConfigSpace) validAccess(offset, size int) bool {
	return size <= RegSize && offset >= 0 && offset+size <= len(c.Config)
}

// Read copies len(data) raw bytes at offset into data. Masks are not
// applied on read. Out-of-bounds or oversized accesses are logged and
// dropped, leaving data untouched.
func (c *ConfigSpace) Read(offset int, data []byte) {
	if !c.validAccess(offset, len(data)) {
		slog.Error("pci: invalid config read", "offset", offset, "size", len(data))
		return
	}
	copy(data, c.Config[offset:offset+len(data)])
}

// Write applies data at offset through the per-bit masks: only bits set
// in the write mask change, and bits set in the write-clear mask are
// cleared on every write regardless of the written value. Bounds
// violations reject the whole access; a write is never partially
// applied.
func (c *ConfigSpace) Write(offset int, data []byte, devID uint16) {
	if !c.validAccess(offset, len(data)) {
		slog.Error("pci: invalid config write",
			"offset", offset, "size", len(data), "dev_id", devID)
		return
	}
	for i, d := range data {
		o := offset + i
		c.Config[o] = (c.Config[o] &^ c.WriteMask[o]) | (d & c.WriteMask[o])
		c.Config[o] &^= c.WriteClearMask[o]
	}
}

// AddPciCap appends a standard capability of the given size to the
// chain and returns its offset. The header bytes (ID, next pointer) are
// written and the STATUS capabilities-list bit is set.
func (c *ConfigSpace) AddPciCap(id uint8, size int) (int, error) {
	aligned, ok := num.RoundUp(uint64(c.LastCapEnd), RegSize)
	if !ok {
		return 0, fmt.Errorf("add capability %#x: offset overflow", id)
	}
	offset := int(aligned)
	if offset+size > ConfigSpaceSize {
		return 0, fmt.Errorf("add capability %#x: size %d overruns standard config space", id, size)
	}

	c.Config[offset] = id
	c.Config[offset+1] = c.Config[CapPointer]
	c.Config[CapPointer] = uint8(offset)
	status := leReadU16(c.Config, Status)
	leWriteU16(c.Config, Status, status|StatusCapList)

	c.LastCapEnd = uint16(offset + size)
	return offset, nil
}

// AddPcieExtCap appends a PCIe extended capability to the chain above
// 0x100 and returns its offset. The previous capability's next pointer
// is patched to form the chain.
func (c *ConfigSpace) AddPcieExtCap(id uint16, version uint8, size int) (int, error) {
	if len(c.Config) < PcieConfigSpaceSize {
		return 0, fmt.Errorf("add extended capability %#x: config space is not PCIe-sized", id)
	}
	aligned, ok := num.RoundUp(uint64(c.LastExtCapEnd), RegSize)
	if !ok {
		return 0, fmt.Errorf("add extended capability %#x: offset overflow", id)
	}
	offset := int(aligned)
	if offset+size > PcieConfigSpaceSize {
		return 0, fmt.Errorf("add extended capability %#x: size %d overruns extended config space", id, size)
	}

	leWriteU32(c.Config, offset, uint32(id)|uint32(version&0xf)<<16)
	if c.LastExtCapOffset != 0 {
		prev := leReadU32(c.Config, int(c.LastExtCapOffset))
		leWriteU32(c.Config, int(c.LastExtCapOffset), prev|uint32(offset)<<20)
	}

	c.LastExtCapOffset = uint16(offset)
	c.LastExtCapEnd = uint16(offset + size)
	return offset, nil
}

// RegisterBar binds a window region to a BAR index and programs the
// BAR's attribute bits and address write mask for the window size.
// For 64-bit memory windows the following BAR index is consumed as the
// high half.
func (c *ConfigSpace) RegisterBar(id int, r *region.Region, io, is64 bool, size uint64) error {
	if id < 0 || id >= len(c.bars) {
		return fmt.Errorf("register BAR %d: index out of range", id)
	}
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("register BAR %d: size %#x is not a power of two", id, size)
	}
	if is64 && id+1 >= len(c.bars) {
		return fmt.Errorf("register BAR %d: no room for the 64-bit high half", id)
	}

	offset := Bar0 + id*RegSize
	switch {
	case io:
		c.Config[offset] = BarSpaceIO
		leWriteU32(c.WriteMask, offset, uint32(^(size-1))&barIoAddrMask)
	case is64:
		c.Config[offset] = BarMem64Bit
		mask := ^(size - 1)
		leWriteU32(c.WriteMask, offset, num.ReadU32Half(mask, 0)&barMemAddrMask)
		leWriteU32(c.WriteMask, offset+RegSize, num.ReadU32Half(mask, 1))
	default:
		leWriteU32(c.WriteMask, offset, uint32(^(size-1))&barMemAddrMask)
	}

	c.bars[id] = bar{
		region:  r,
		io:      io,
		is64:    is64,
		size:    size,
		address: BarSpaceUnmapped,
	}
	return nil
}

// barAddress decodes the current guest-programmed address of a BAR, or
// BarSpaceUnmapped when the matching decode-enable bit in COMMAND is
// clear.
func (c *ConfigSpace) barAddress(id int) uint64 {
	command := leReadU16(c.Config, Command)
	offset := Bar0 + id*RegSize
	if c.bars[id].io {
		if command&CommandIoSpace == 0 {
			return BarSpaceUnmapped
		}
		return uint64(leReadU32(c.Config, offset) & barIoAddrMask)
	}
	if command&CommandMemorySpace == 0 {
		return BarSpaceUnmapped
	}
	if c.bars[id].is64 {
		low := uint64(leReadU32(c.Config, offset) & barMemAddrMask)
		high := num.WriteU32Half(leReadU32(c.Config, offset+RegSize), 1)
		return high | low
	}
	return uint64(leReadU32(c.Config, offset) & barMemAddrMask)
}

// UpdateBarMapping recomputes every registered window's address from
// the current register bytes and (re)installs the windows into the
// given I/O and memory containers. Re-mapping is idempotent; a window
// whose address is unchanged is left in place. An overlap on install is
// propagated: the register bytes stay as written and the window stays
// unmapped until a later write retries the mapping.
func (c *ConfigSpace) UpdateBarMapping(ioContainer, memContainer *region.Region) error {
	for id := range c.bars {
		b := &c.bars[id]
		if b.region == nil {
			continue
		}
		newAddr := c.barAddress(id)
		if b.address == newAddr {
			continue
		}

		parent := memContainer
		if b.io {
			parent = ioContainer
		}
		if parent == nil {
			continue
		}
		if b.address != BarSpaceUnmapped {
			parent.DelSubregion(b.region)
			b.address = BarSpaceUnmapped
		}
		if newAddr != BarSpaceUnmapped {
			if err := parent.AddSubregion(b.region, newAddr); err != nil {
				return fmt.Errorf("map BAR %d at %#x: %w", id, newAddr, err)
			}
			b.address = newAddr
		}
	}
	return nil
}

// Little-endian accessors over the raw byte buffers.

func leReadU16(buf []byte, offset int) uint16 {
	return binary.LittleEndian.Uint16(buf[offset:])
}

func leReadU32(buf []byte, offset int) uint32 {
	return binary.LittleEndian.Uint32(buf[offset:])
}

func leWriteU16(buf []byte, offset int, value uint16) {
	binary.LittleEndian.PutUint16(buf[offset:], value)
}

func leWriteU32(buf []byte, offset int, value uint32) {
	binary.LittleEndian.PutUint32(buf[offset:], value)
}

// RangesOverlap reports whether [start, end) intersects [rangeStart,
// rangeEnd). Config write handlers use it to detect touches of COMMAND,
// BAR and bridge-window registers.
func RangesOverlap(start, end, rangeStart, rangeEnd int) bool {
	return start < rangeEnd && rangeStart < end
}
