package memlayout

// EntryType names a fixed range in the arm64 guest memory map.
type EntryType int

const (
	Flash EntryType = iota
	GicDist
	GicCpu
	GicIts
	GicRedist
	Uart
	Rtc
	FwCfg
	Mmio
	PcieMmio
	PciePio
	PcieEcam
	Mem
	HighGicRedist
	HighPcieEcam
	HighPcieMmio
)

var layout = [...]Entry{
	Flash:     {0, 0x0800_0000},
	GicDist:   {0x0800_0000, 0x0001_0000},
	GicCpu:    {0x0801_0000, 0x0001_0000},
	GicIts:    {0x0808_0000, 0x0002_0000},
	GicRedist: {0x080A_0000, 0x00F6_0000}, // up to 123 redistributors
	Uart:      {0x0900_0000, 0x0000_1000},
	Rtc:       {0x0901_0000, 0x0000_1000},
	FwCfg:     {0x0902_0000, 0x0000_0018},
	Mmio:      {0x0A00_0000, 0x0000_0200},
	PcieMmio:  {0x1000_0000, 0x2EFF_0000},
	PciePio:   {0x3EFF_0000, 0x0001_0000},
	PcieEcam:  {0x3F00_0000, 0x0100_0000},
	Mem:       {0x4000_0000, 0x80_0000_0000},
	// Redistributors beyond the low window spill here.
	HighGicRedist: {256 << 30, 0x200_0000},
	HighPcieEcam:  {257 << 30, 0x1000_0000},
	HighPcieMmio:  {258 << 30, 512 << 30},
}
