// Package region implements the hierarchical address containment tree
// used to track where device windows live inside the guest's I/O and
// memory address spaces. Containers are pure bookkeeping nodes with no
// backing storage: membership of a subregion at an offset is the only
// state they carry.
package region

import (
	"errors"
	"fmt"
	"sync"
)

// Kind tags a region with the address space it belongs to.
type Kind int

const (
	IO Kind = iota
	Memory
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case Memory:
		return "memory"
	default:
		return "unknown"
	}
}

// ErrOverlap is returned when a subregion would overlap an existing
// entry in the same container.
var ErrOverlap = errors.New("region ranges overlap")

type entry struct {
	sub    *Region
	offset uint64
}

// Region is a node in the containment tree. A Region pointer may be
// held both by the device that owns the window and by the container it
// is installed into; the region stays alive as long as any holder
// retains it.
type Region struct {
	mu      sync.Mutex
	kind    Kind
	size    uint64
	entries []entry
}

// NewContainer creates an empty container region of the given size.
func NewContainer(kind Kind, size uint64) *Region {
	return &Region{kind: kind, size: size}
}

// Kind returns the address-space tag of the region.
func (r *Region) Kind() Kind { return r.kind }

// Size returns the region's size in bytes.
func (r *Region) Size() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// SetSize resizes the region. Windows are re-sized when the guest
// reprograms a BAR; containment checks use the size current at install
// time.
func (r *Region) SetSize(size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size = size
}

// AddSubregion installs sub at offset. It fails with ErrOverlap, without
// mutating the container, if [offset, offset+sub.Size()) intersects an
// existing entry.
func (r *Region) AddSubregion(sub *Region, offset uint64) error {
	if sub == nil {
		return fmt.Errorf("add %s subregion: nil region", r.kind)
	}
	size := sub.Size()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if rangesOverlap(offset, offset+size, e.offset, e.offset+e.sub.Size()) {
			return fmt.Errorf("add %s subregion at %#x (size %#x): %w",
				r.kind, offset, size, ErrOverlap)
		}
	}
	r.entries = append(r.entries, entry{sub: sub, offset: offset})
	return nil
}

// DelSubregion removes the entry holding sub. Removing a region that is
// not present is a no-op; decode-disable paths may race a window that
// was never mapped.
func (r *Region) DelSubregion(sub *Region) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.sub == sub {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// Contains reports whether sub is currently installed in the container.
func (r *Region) Contains(sub *Region) bool {
	_, ok := r.OffsetOf(sub)
	return ok
}

// OffsetOf returns the offset at which sub is installed.
func (r *Region) OffsetOf(sub *Region) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.sub == sub {
			return e.offset, true
		}
	}
	return 0, false
}

// Len returns the number of installed subregions.
func (r *Region) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func rangesOverlap(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}
