package migration

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Snapshot file format constants.
const (
	SnapshotMagic   uint32 = 0x56504349 // "VPCI"
	SnapshotVersion uint32 = 1
)

// SaveSnapshot writes the state of every registered device to path.
func (m *Manager) SaveSnapshot(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer f.Close()

	if err := m.WriteSnapshot(f); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores every device section from the snapshot at path.
// A single failing device section aborts the whole restore.
func (m *Manager) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	if err := m.ReadSnapshot(f); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	return nil
}

// WriteSnapshot serializes the registry: a magic/version header, the
// section count, then one (alias, length, bytes) section per device in
// registration order.
func (m *Manager) WriteSnapshot(w io.Writer) error {
	entries := m.snapshotEntries()

	for _, v := range []uint32{SnapshotMagic, SnapshotVersion, uint32(len(entries))} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	for _, e := range entries {
		state, err := e.dev.State()
		if err != nil {
			return fmt.Errorf("serialize %q: %w", e.desc.Name, err)
		}
		if err := binary.Write(w, binary.LittleEndian, e.alias); err != nil {
			return fmt.Errorf("write alias for %q: %w", e.desc.Name, err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(state))); err != nil {
			return fmt.Errorf("write length for %q: %w", e.desc.Name, err)
		}
		if _, err := w.Write(state); err != nil {
			return fmt.Errorf("write state for %q: %w", e.desc.Name, err)
		}
	}
	return nil
}

// ReadSnapshot replays device sections against the registered devices.
// Sections map to devices by alias in order of appearance.
func (m *Manager) ReadSnapshot(r io.Reader) error {
	var magic, version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if magic != SnapshotMagic {
		return fmt.Errorf("invalid magic: expected %#x, got %#x", SnapshotMagic, magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version != SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("read section count: %w", err)
	}

	instances := make(map[uint64]int)
	for i := uint32(0); i < count; i++ {
		var alias, length uint64
		if err := binary.Read(r, binary.LittleEndian, &alias); err != nil {
			return fmt.Errorf("read section %d alias: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return fmt.Errorf("read section %d length: %w", i, err)
		}

		dev, desc, err := m.findByAlias(alias, instances[alias])
		if err != nil {
			return fmt.Errorf("section %d: %w", i, err)
		}
		instances[alias]++

		if desc.Size != 0 && uint64(desc.Size) != length {
			return fmt.Errorf("section %d (%q): got %d bytes, want %d: %w",
				i, desc.Name, length, desc.Size, ErrStateSize)
		}
		state := make([]byte, length)
		if _, err := io.ReadFull(r, state); err != nil {
			return fmt.Errorf("read section %d state: %w", i, err)
		}
		if err := dev.SetState(state); err != nil {
			return fmt.Errorf("restore %q: %w", desc.Name, err)
		}
	}
	return nil
}
