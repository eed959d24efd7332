package pci

import (
	"log/slog"

	"github.com/tinyrange/vpci/internal/memlayout"
	"github.com/tinyrange/vpci/internal/region"
)

const (
	ecamDevfnShift = 12
	ecamBusShift   = 20
	ecamRegMask    = 0xfff

	ioPortSpaceSize = 1 << 16
)

// Host is the PCI root complex: it owns the root bus and dispatches
// ECAM configuration-space accesses to the function they address.
type Host struct {
	RootBus *Bus

	ecamBase uint64
	ecamSize uint64
}

// NewHost creates a host bridge whose ECAM window comes from the
// platform memory layout. The root bus owns the top-level I/O and
// memory containers.
func NewHost() *Host {
	ecam := memlayout.Range(memlayout.PcieEcam)
	return &Host{
		RootBus: NewBus("pcie.0",
			region.NewContainer(region.IO, ioPortSpaceSize),
			region.NewContainer(region.Memory, ^uint64(0))),
		ecamBase: ecam.Base,
		ecamSize: ecam.Size,
	}
}

// EcamBase returns the base guest-physical address of the ECAM window.
func (h *Host) EcamBase() uint64 { return h.ecamBase }

// EcamSize returns the size of the ECAM window.
func (h *Host) EcamSize() uint64 { return h.ecamSize }

// FindDevice resolves a function by bus number and devfn. Bus numbers
// are resolved through each bridge's secondary-bus-number register; a
// bus whose bridge is gone is skipped.
func (h *Host) FindDevice(busNum, devfn uint8) (Device, bool) {
	bus := h.RootBus.findBusByNum(0, busNum)
	if bus == nil {
		return nil, false
	}
	return bus.Device(devfn)
}

// decodeEcam splits an ECAM window offset into its bus number, devfn
// and register offset.
func decodeEcam(offset uint64) (busNum, devfn uint8, reg int) {
	return uint8(offset >> ecamBusShift),
		uint8(offset >> ecamDevfnShift),
		int(offset & ecamRegMask)
}

// ReadEcam serves a guest read of the ECAM window at addr. Accesses
// addressing no function read as all-ones, matching absent hardware.
func (h *Host) ReadEcam(addr uint64, data []byte) {
	offset := addr - h.ecamBase
	if addr < h.ecamBase || offset+uint64(len(data)) > h.ecamSize {
		slog.Error("pci: ECAM read outside window", "addr", addr, "size", len(data))
		return
	}

	busNum, devfn, reg := decodeEcam(offset)
	dev, ok := h.FindDevice(busNum, devfn)
	if !ok {
		for i := range data {
			data[i] = 0xff
		}
		return
	}
	dev.ReadConfig(reg, data)
}

// WriteEcam serves a guest write of the ECAM window at addr. Writes
// addressing no function are dropped.
func (h *Host) WriteEcam(addr uint64, data []byte) {
	offset := addr - h.ecamBase
	if addr < h.ecamBase || offset+uint64(len(data)) > h.ecamSize {
		slog.Error("pci: ECAM write outside window", "addr", addr, "size", len(data))
		return
	}

	busNum, devfn, reg := decodeEcam(offset)
	dev, ok := h.FindDevice(busNum, devfn)
	if !ok {
		return
	}
	dev.WriteConfig(reg, data)
}
