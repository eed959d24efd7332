// Package memlayout holds the static guest-physical memory layout,
// resolved to one canonical table per target architecture at build time.
package memlayout

// Entry is one fixed range in the guest-physical address map.
type Entry struct {
	Base uint64
	Size uint64
}

// Range returns the (base, size) pair for an entry type.
func Range(t EntryType) Entry {
	return layout[t]
}

// Base returns the base address for an entry type.
func Base(t EntryType) uint64 {
	return layout[t].Base
}

// Size returns the size for an entry type.
func Size(t EntryType) uint64 {
	return layout[t].Size
}
