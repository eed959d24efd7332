package pci

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vpci/internal/migration"
	"github.com/tinyrange/vpci/internal/region"
)

const (
	VendorIDRedHat   = 0x1b36
	deviceIDRootPort = 0x000c

	rootPortStateName          = "pcie-root-port"
	rootPortStateCompatVersion = "0.1.0"
)

// rootPortState is the fixed migration byte layout of a root port:
// the full extended config space, both masks, and the capability-chain
// cursors.
type rootPortState struct {
	ConfigSpace      [PcieConfigSpaceSize]byte
	WriteMask        [PcieConfigSpaceSize]byte
	WriteClearMask   [PcieConfigSpaceSize]byte
	LastCapEnd       uint16
	LastExtCapOffset uint16
	LastExtCapEnd    uint16
}

var rootPortStateSize = uint32(binary.Size(rootPortState{}))

// RootPortConfig describes a new root port.
type RootPortConfig struct {
	// Name is the port's unique diagnostic name (e.g. "pcie.1").
	Name string
	// Devfn is (device number << 3 | function number) on the parent bus.
	Devfn uint8
	// PortNum is the physical port number advertised in the link
	// capabilities.
	PortNum uint8
	// Multifunction requests the multifunction header layout.
	Multifunction bool
	// Migration, if nil, defaults to the process-wide registry.
	Migration *migration.Manager
}

// RootPort is a PCIe root-port bridge function: a config-space model,
// an owned secondary bus, and forwarded I/O and memory windows that the
// guest maps into the parent bus by toggling decode-enable bits.
type RootPort struct {
	mu sync.Mutex

	name          string
	devfn         uint8
	portNum       uint8
	config        *ConfigSpace
	parentBus     *Bus
	secBus        *Bus
	ioRegion      *region.Region
	memRegion     *region.Region
	devID         uint16
	multifunction bool

	realized bool
	manager  *migration.Manager
}

// NewRootPort constructs an unrealized root port on the given parent
// bus. The port stays invisible to the topology until Realize.
func NewRootPort(cfg RootPortConfig, parent *Bus) *RootPort {
	ioRegion := region.NewContainer(region.IO, 1<<16)
	memRegion := region.NewContainer(region.Memory, ^uint64(0))

	mgr := cfg.Migration
	if mgr == nil {
		mgr = migration.Default()
	}
	return &RootPort{
		name:          cfg.Name,
		devfn:         cfg.Devfn,
		portNum:       cfg.PortNum,
		config:        NewConfigSpace(PcieConfigSpaceSize, 2),
		parentBus:     parent,
		secBus:        NewBus(cfg.Name, ioRegion, memRegion),
		ioRegion:      ioRegion,
		memRegion:     memRegion,
		devID:         deviceIDRootPort,
		multifunction: cfg.Multifunction,
		manager:       mgr,
	}
}

// SecondaryBus returns the bus below this port.
func (r *RootPort) SecondaryBus() *Bus { return r.secBus }

// SecondaryBusNum reports the guest-programmed secondary bus number.
func (r *RootPort) SecondaryBusNum() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.Config[SecondaryBusNum]
}

// Realize performs the port's one-time setup: masks, bridge header
// fields, the PCI Express and MSI-X capabilities and the secondary-bus
// container nesting. The final, atomic step checks devfn availability
// and inserts the port into the parent's device map; on conflict the
// whole realization fails and the port stays invisible. Migration
// registration happens last, outside any lock.
func (r *RootPort) Realize() error {
	r.mu.Lock()
	if r.realized {
		r.mu.Unlock()
		return fmt.Errorf("realize root port %q: already realized", r.name)
	}

	r.config.InitCommonWriteMask()
	r.config.InitBridgeWriteMask()
	r.config.InitCommonWriteClearMask()
	r.config.InitBridgeWriteClearMask()

	cfg := r.config.Config
	leWriteU16(cfg, VendorID, VendorIDRedHat)
	leWriteU16(cfg, DeviceID, deviceIDRootPort)
	leWriteU16(cfg, SubClassCode, ClassCodePciBridge)
	cfg[HeaderType] = HeaderTypeBridge
	cfg[PrefMemoryBase] = PrefMemRange64Bit
	cfg[PrefMemoryLimit] = PrefMemRange64Bit

	if err := InitMultifunction(r.multifunction, cfg, r.devfn, r.parentBus); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("realize root port %q: %w", r.name, err)
	}
	if err := r.config.AddPcieCap(r.devfn, r.portNum, PcieRootPort); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("realize root port %q: %w", r.name, err)
	}
	if err := r.config.InitMsix(0, 1); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("realize root port %q: %w", r.name, err)
	}
	r.mu.Unlock()

	// Nest the secondary bus's containers under the parent's. An
	// overlap with a sibling is not fatal here: the windows stay
	// unnested and later decode-enable writes re-attempt the mapping.
	ioNested, memNested := true, true
	if err := r.parentBus.IoRegion.AddSubregion(r.ioRegion, 0); err != nil {
		slog.Error("pci: nest I/O window", "port", r.name, "err", err)
		ioNested = false
	}
	if err := r.parentBus.MemRegion.AddSubregion(r.memRegion, 0); err != nil {
		slog.Error("pci: nest memory window", "port", r.name, "err", err)
		memNested = false
	}

	if err := r.parentBus.AttachDevice(r.devfn, r); err != nil {
		// Unwind the nesting so a failed realization leaves no trace.
		if ioNested {
			r.parentBus.IoRegion.DelSubregion(r.ioRegion)
		}
		if memNested {
			r.parentBus.MemRegion.DelSubregion(r.memRegion)
		}
		return fmt.Errorf("realize root port %q: %w", r.name, err)
	}
	r.parentBus.AddChildBus(r.secBus)
	r.secBus.SetParentBridge(r)

	r.mu.Lock()
	r.realized = true
	r.mu.Unlock()

	// Registration runs with the port's lock released so a re-entrant
	// callback from the registry cannot deadlock against us.
	r.manager.Register(migration.Desc{
		Name:          rootPortStateName,
		CompatVersion: rootPortStateCompatVersion,
		Size:          rootPortStateSize,
	}, r)

	return nil
}

// ReadConfig copies config-space bytes at offset into data. The bounds
// guard here duplicates the model's own; an invalid access is logged
// and leaves data untouched.
func (r *RootPort) ReadConfig(offset int, data []byte) {
	size := len(data)
	if offset+size > PcieConfigSpaceSize || size > RegSize {
		slog.Error("pci: root port config read out of range",
			"port", r.name, "offset", offset, "size", size)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Read(offset, data)
}

// WriteConfig applies a config-space write and re-evaluates the decode
// state it may have changed: a touch of COMMAND or the BAR pair
// re-drives the BAR mapping, and a touch of COMMAND or the bridge
// window registers (re)installs the forwarded I/O and memory windows
// into the parent's containers when their enable bits are set.
func (r *RootPort) WriteConfig(offset int, data []byte) {
	size := len(data)
	end := offset + size
	if end > PcieConfigSpaceSize || size > RegSize {
		slog.Error("pci: root port config write out of range",
			"port", r.name, "offset", offset, "size", size)
		return
	}

	r.mu.Lock()
	r.config.Write(offset, data, r.devID)

	if RangesOverlap(offset, end, Command, Command+1) ||
		RangesOverlap(offset, end, Bar0, Bar0+RegSize*2) {
		if err := r.config.UpdateBarMapping(r.ioRegion, r.memRegion); err != nil {
			slog.Error("pci: update BAR mapping", "port", r.name, "err", err)
		}
	}

	remap := RangesOverlap(offset, end, Command, Command+1) ||
		RangesOverlap(offset, end, IoBase, IoBase+2) ||
		RangesOverlap(offset, end, MemoryBase, MemoryBase+20)
	command := leReadU16(r.config.Config, Command)
	r.mu.Unlock()

	if !remap {
		return
	}
	if command&CommandIoSpace != 0 {
		if !r.parentBus.IoRegion.Contains(r.ioRegion) {
			if err := r.parentBus.IoRegion.AddSubregion(r.ioRegion, 0); err != nil {
				slog.Error("pci: map I/O window", "port", r.name, "err", err)
			}
		}
	}
	if command&CommandMemorySpace != 0 {
		if !r.parentBus.MemRegion.Contains(r.memRegion) {
			if err := r.parentBus.MemRegion.AddSubregion(r.memRegion, 0); err != nil {
				slog.Error("pci: map memory window", "port", r.name, "err", err)
			}
		}
	}
}

// Name returns the port's diagnostic and migration-alias name.
func (r *RootPort) Name() string { return r.name }

// State serializes the port's migration state in its fixed byte layout.
func (r *RootPort) State() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var state rootPortState
	copy(state.ConfigSpace[:], r.config.Config)
	copy(state.WriteMask[:], r.config.WriteMask)
	copy(state.WriteClearMask[:], r.config.WriteClearMask)
	state.LastCapEnd = r.config.LastCapEnd
	state.LastExtCapOffset = r.config.LastExtCapOffset
	state.LastExtCapEnd = r.config.LastExtCapEnd

	var buf bytes.Buffer
	buf.Grow(int(rootPortStateSize))
	if err := binary.Write(&buf, binary.LittleEndian, &state); err != nil {
		return nil, fmt.Errorf("serialize root port %q: %w", r.name, err)
	}
	return buf.Bytes(), nil
}

// SetState replaces the port's config space, both masks and the
// capability cursors as one atomic update. A byte-length mismatch fails
// the restore without touching any state.
func (r *RootPort) SetState(data []byte) error {
	if len(data) != int(rootPortStateSize) {
		return fmt.Errorf("restore root port %q: got %d bytes, want %d: %w",
			r.name, len(data), rootPortStateSize, migration.ErrStateSize)
	}
	var state rootPortState
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &state); err != nil {
		return fmt.Errorf("restore root port %q: %w", r.name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	length := len(r.config.Config)
	copy(r.config.Config, state.ConfigSpace[:length])
	copy(r.config.WriteMask, state.WriteMask[:length])
	copy(r.config.WriteClearMask, state.WriteClearMask[:length])
	r.config.LastCapEnd = state.LastCapEnd
	r.config.LastExtCapOffset = state.LastExtCapOffset
	r.config.LastExtCapEnd = state.LastExtCapEnd
	return nil
}

// DeviceAlias resolves the numeric alias of the port's state descriptor
// via the registry. An unregistered port reports the all-ones sentinel;
// deciding whether that is fatal belongs to migration orchestration.
func (r *RootPort) DeviceAlias() uint64 {
	alias, ok := r.manager.DescAlias(rootPortStateName)
	if !ok {
		return migration.AliasUnknown
	}
	return alias
}

var (
	_ Device           = (*RootPort)(nil)
	_ migration.Device = (*RootPort)(nil)
)
