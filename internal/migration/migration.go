// Package migration provides the process-wide registry that aggregates
// device state into one snapshot artifact on save and replays it on
// restore.
package migration

import (
	"errors"
	"fmt"
	"sync"
)

// AliasUnknown is the sentinel alias reported for a device type the
// registry does not know. Whether that is fatal is the caller's
// migration-level decision.
const AliasUnknown = ^uint64(0)

// ErrStateSize is returned when a restored state blob does not match
// the byte layout a device expects.
var ErrStateSize = errors.New("device state length mismatch")

// Device is the migration contract: a byte-exact, versioned dump of
// device state and its atomic replacement on restore.
type Device interface {
	State() ([]byte, error)
	SetState(data []byte) error
}

// Desc describes one device type's versioned state layout.
type Desc struct {
	// Name identifies the state layout (e.g. "pcie-root-port").
	Name string
	// CompatVersion is the oldest layout revision this code can restore.
	CompatVersion string
	// Size is the fixed byte size of the serialized state.
	Size uint32
}

type entry struct {
	desc  Desc
	alias uint64
	dev   Device
}

// Manager is a registry of migratable devices. Aliases are assigned in
// registration order, so identically assembled source and destination
// machines agree on them.
type Manager struct {
	mu      sync.Mutex
	entries []entry
	aliases map[string]uint64
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{aliases: make(map[string]uint64)}
}

var defaultManager = NewManager()

// Default returns the process-wide registry.
func Default() *Manager { return defaultManager }

// Register records a device instance under its state descriptor.
// Devices register exactly once, at realize time; unregistration is
// deferred to process shutdown.
func (m *Manager) Register(desc Desc, dev Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alias, ok := m.aliases[desc.Name]
	if !ok {
		alias = uint64(len(m.aliases))
		m.aliases[desc.Name] = alias
	}
	m.entries = append(m.entries, entry{desc: desc, alias: alias, dev: dev})
}

// DescAlias resolves the numeric alias for a descriptor name. It
// reports AliasUnknown, false when the name was never registered.
func (m *Manager) DescAlias(name string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alias, ok := m.aliases[name]
	if !ok {
		return AliasUnknown, false
	}
	return alias, true
}

// snapshotEntries returns the registered entries in registration order.
func (m *Manager) snapshotEntries() []entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]entry(nil), m.entries...)
}

func (m *Manager) findByAlias(alias uint64, index int) (Device, Desc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := 0
	for _, e := range m.entries {
		if e.alias != alias {
			continue
		}
		if seen == index {
			return e.dev, e.desc, nil
		}
		seen++
	}
	return nil, Desc{}, fmt.Errorf("no registered device for alias %d instance %d", alias, index)
}
