package pci

import (
	"fmt"

	"github.com/tinyrange/vpci/internal/region"
)

// Capability IDs.
const (
	CapIDExpress = 0x10
	CapIDMsix    = 0x11
)

// PcieDevType encodes the device/port type field of the PCI Express
// capabilities register.
type PcieDevType uint8

const (
	PcieEndpoint   PcieDevType = 0x0
	PcieRootPort   PcieDevType = 0x4
	PcieUpstream   PcieDevType = 0x5
	PcieDownstream PcieDevType = 0x6
)

const (
	pcieCapSize    = 0x3c
	pcieCapVersion = 0x2

	expCapsOffset    = 0x02
	expDevCapOffset  = 0x04
	expDevCtlOffset  = 0x08
	expLinkCapOffset = 0x0c
	expLinkCtlOffset = 0x10
	expSlotCapOffset = 0x14
	expSlotCtlOffset = 0x18
	expRootCtlOffset = 0x1c

	expCapsSlotImplemented = 0x0100
	linkCapPortNumShift    = 24
	slotCapSlotNumShift    = 19
	linkSpeed2_5GT         = 0x1
	linkWidthX1            = 0x1 << 4
)

// AddPcieCap appends the PCI Express capability structure, recording
// the port type and the physical port number, and opens the writable
// control registers in the write mask.
func (c *ConfigSpace) AddPcieCap(devfn, portNum uint8, devType PcieDevType) error {
	offset, err := c.AddPciCap(CapIDExpress, pcieCapSize)
	if err != nil {
		return fmt.Errorf("add PCI Express capability: %w", err)
	}

	caps := uint16(pcieCapVersion) | uint16(devType)<<4
	if devType == PcieRootPort || devType == PcieDownstream {
		caps |= expCapsSlotImplemented
	}
	leWriteU16(c.Config, offset+expCapsOffset, caps)
	leWriteU32(c.Config, offset+expLinkCapOffset,
		uint32(portNum)<<linkCapPortNumShift|linkSpeed2_5GT|linkWidthX1)
	leWriteU16(c.Config, offset+expLinkCtlOffset+2, linkSpeed2_5GT|linkWidthX1)

	leWriteU16(c.WriteMask, offset+expDevCtlOffset, 0xffff)
	leWriteU16(c.WriteMask, offset+expLinkCtlOffset, 0x0fff)
	if caps&expCapsSlotImplemented != 0 {
		// The slot number mirrors the device number on the parent bus.
		leWriteU32(c.Config, offset+expSlotCapOffset, uint32(devfn>>3)<<slotCapSlotNumShift)
		leWriteU16(c.WriteMask, offset+expSlotCtlOffset, 0x1fff)
		leWriteU16(c.WriteMask, offset+expRootCtlOffset, 0x001f)
	}
	return nil
}

// MSI-X capability layout.
const (
	msixCapSize       = 12
	msixCtlOffset     = 0x02
	msixTableOffset   = 0x04
	msixPbaOffset     = 0x08
	msixCtlEnable     = 0x8000
	msixCtlFuncMask   = 0x4000
	msixEntrySize     = 16
	msixTableBarShift = 3
)

// InitMsix appends an MSI-X capability with the given vector count and
// registers a memory window on barID holding the vector table and
// pending-bit array.
func (c *ConfigSpace) InitMsix(barID int, vectors uint16) error {
	if vectors == 0 || vectors > 2048 {
		return fmt.Errorf("init MSI-X: vector count %d out of range", vectors)
	}

	offset, err := c.AddPciCap(CapIDMsix, msixCapSize)
	if err != nil {
		return fmt.Errorf("add MSI-X capability: %w", err)
	}
	leWriteU16(c.Config, offset+msixCtlOffset, vectors-1)
	leWriteU16(c.WriteMask, offset+msixCtlOffset, msixCtlEnable|msixCtlFuncMask)
	leWriteU32(c.Config, offset+msixTableOffset, uint32(barID))
	tableSize := uint32(vectors) * msixEntrySize
	leWriteU32(c.Config, offset+msixPbaOffset, tableSize|uint32(barID))

	barSize := uint64(0x1000)
	for barSize < uint64(tableSize)*2 {
		barSize <<= 1
	}
	table := region.NewContainer(region.Memory, barSize)
	return c.RegisterBar(barID, table, false, false, barSize)
}

// InitMultifunction applies the multifunction header layout. Function 0
// of a slot advertises the multifunction bit when requested; a non-zero
// function requires function 0 of its slot to already advertise it.
func InitMultifunction(multifunction bool, config []byte, devfn uint8, parent *Bus) error {
	if multifunction {
		config[HeaderType] |= HeaderTypeMultiFunc
	}
	if devfn&0x07 == 0 {
		return nil
	}

	// A function other than 0 is only reachable if its slot's function
	// 0 is multifunction.
	if parent == nil {
		return fmt.Errorf("function %#x: no parent bus to check the slot against", devfn)
	}
	fn0 := devfn &^ 0x07
	dev, ok := parent.Device(fn0)
	if !ok {
		return fmt.Errorf("function %#x requires function 0 of its slot to exist", devfn)
	}
	var header [1]byte
	dev.ReadConfig(HeaderType, header[:])
	if header[0]&HeaderTypeMultiFunc == 0 {
		return fmt.Errorf("function %#x requires %q to be multifunction", devfn, dev.Name())
	}
	return nil
}
