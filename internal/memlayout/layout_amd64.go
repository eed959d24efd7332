package memlayout

// EntryType names a fixed range in the x86_64 guest memory map.
type EntryType int

const (
	MemBelow4G EntryType = iota
	PcieMmio
	PcieEcam
	AcpiGed
	Mmio
	IoApic
	LocalApic
	MemAbove4G
)

var layout = [...]Entry{
	MemBelow4G: {0, 0xC000_0000},
	PcieMmio:   {0xC000_0000, 0x2000_0000},
	PcieEcam:   {0xE000_0000, 0x1000_0000},
	AcpiGed:    {0xF000_0000, 0x10_0000},
	Mmio:       {0xF010_0000, 0x200},
	IoApic:     {0xFEC0_0000, 0x10_0000},
	LocalApic:  {0xFEE0_0000, 0x10_0000},
	MemAbove4G: {0x1_0000_0000, 0x80_0000_0000},
}
