package pci

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tinyrange/vpci/internal/region"
)

// Device is the generic contract every PCI(e) function variant
// implements. The bus dispatches through it without knowledge of the
// concrete variant.
type Device interface {
	// Realize performs the function's one-time setup and, as its final
	// step, inserts the function into its parent bus. A function is
	// invisible to the topology until Realize succeeds.
	Realize() error
	// ReadConfig copies configuration-space bytes at offset into data.
	ReadConfig(offset int, data []byte)
	// WriteConfig applies a configuration-space write at offset.
	WriteConfig(offset int, data []byte)
	// Name returns the function's unique diagnostic name.
	Name() string
}

// secondaryBusNumber is implemented by bridge functions so the topology
// can resolve which guest-visible bus number a secondary bus answers to.
type secondaryBusNumber interface {
	SecondaryBusNum() uint8
}

// ErrDevfnInUse is returned when a realize attempt targets an occupied
// devfn slot.
var ErrDevfnInUse = errors.New("devfn already in use")

// Bus is one node of the PCI topology: the devfn→device map, the child
// buses below its bridges, and the I/O and memory containers the bus
// owns. ParentBridge is an observational back-reference to the bridge
// function whose secondary bus this is; it never extends that device's
// lifetime and users must tolerate it being unset.
type Bus struct {
	mu sync.Mutex

	name       string
	devices    map[uint8]Device
	childBuses []*Bus

	IoRegion  *region.Region
	MemRegion *region.Region

	parentBridge Device
}

// NewBus creates a bus owning the given I/O and memory containers.
func NewBus(name string, ioRegion, memRegion *region.Region) *Bus {
	return &Bus{
		name:      name,
		devices:   make(map[uint8]Device),
		IoRegion:  ioRegion,
		MemRegion: memRegion,
	}
}

// Name returns the bus name.
func (b *Bus) Name() string { return b.name }

// AttachDevice inserts dev at devfn. This is the sole serialization
// point for bus membership: a taken slot fails the whole insertion and
// names the occupant.
func (b *Bus) AttachDevice(devfn uint8, dev Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if occupant, ok := b.devices[devfn]; ok {
		return fmt.Errorf("attach %q at devfn %#x on bus %q: %w by %q",
			dev.Name(), devfn, b.name, ErrDevfnInUse, occupant.Name())
	}
	b.devices[devfn] = dev
	return nil
}

// Device returns the function at devfn.
func (b *Bus) Device(devfn uint8) (Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.devices[devfn]
	return dev, ok
}

// DeviceByName scans the bus and its children for a function by name.
func (b *Bus) DeviceByName(name string) (Device, bool) {
	b.mu.Lock()
	for _, dev := range b.devices {
		if dev.Name() == name {
			b.mu.Unlock()
			return dev, true
		}
	}
	children := append([]*Bus(nil), b.childBuses...)
	b.mu.Unlock()

	for _, child := range children {
		if dev, ok := child.DeviceByName(name); ok {
			return dev, true
		}
	}
	return nil, false
}

// AddChildBus records a secondary bus for topology traversal.
func (b *Bus) AddChildBus(child *Bus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.childBuses = append(b.childBuses, child)
}

// ChildBuses returns a snapshot of the secondary buses below this bus.
func (b *Bus) ChildBuses() []*Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Bus(nil), b.childBuses...)
}

// SetParentBridge records the back-reference to the bridge function
// whose secondary bus this is.
func (b *Bus) SetParentBridge(dev Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parentBridge = dev
}

// ParentBridge returns the bridge back-reference. The second return is
// false when no bridge is recorded (the root bus, or a bridge that is
// gone); callers must treat that as a normal outcome.
func (b *Bus) ParentBridge() (Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parentBridge, b.parentBridge != nil
}

// Number resolves the guest-visible bus number by reading the
// secondary-bus-number register of the owning bridge. A bus with no
// resolvable bridge reports false.
func (b *Bus) Number() (uint8, bool) {
	bridge, ok := b.ParentBridge()
	if !ok {
		return 0, false
	}
	sec, ok := bridge.(secondaryBusNumber)
	if !ok {
		return 0, false
	}
	return sec.SecondaryBusNum(), true
}

// findBusByNum walks the subtree for the bus answering to num. The root
// caller passes its own number explicitly since the root bus has no
// bridge to read it from.
func (b *Bus) findBusByNum(selfNum, num uint8) *Bus {
	if selfNum == num {
		return b
	}
	for _, child := range b.ChildBuses() {
		childNum, ok := child.Number()
		if !ok {
			continue
		}
		if found := child.findBusByNum(childNum, num); found != nil {
			return found
		}
	}
	return nil
}

// WalkDevices visits every function on this bus and its children. The
// walk stops early when fn returns false.
func (b *Bus) WalkDevices(fn func(devfn uint8, dev Device) bool) bool {
	b.mu.Lock()
	devfns := make([]uint8, 0, len(b.devices))
	for devfn := range b.devices {
		devfns = append(devfns, devfn)
	}
	children := append([]*Bus(nil), b.childBuses...)
	b.mu.Unlock()

	slices.Sort(devfns)
	for _, devfn := range devfns {
		if dev, ok := b.Device(devfn); ok {
			if !fn(devfn, dev) {
				return false
			}
		}
	}
	for _, child := range children {
		if !child.WalkDevices(fn) {
			return false
		}
	}
	return true
}
