package migration

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeDevice carries a fixed-size state blob.
type fakeDevice struct {
	state    []byte
	failSet  bool
	restored int
}

func (d *fakeDevice) State() ([]byte, error) {
	return append([]byte(nil), d.state...), nil
}

func (d *fakeDevice) SetState(data []byte) error {
	if d.failSet {
		return errors.New("device refused the state")
	}
	if len(data) != len(d.state) {
		return ErrStateSize
	}
	copy(d.state, data)
	d.restored++
	return nil
}

func testDesc(name string, size uint32) Desc {
	return Desc{Name: name, CompatVersion: "0.1.0", Size: size}
}

func TestAliasAssignment(t *testing.T) {
	m := NewManager()
	if alias, ok := m.DescAlias("missing"); ok || alias != AliasUnknown {
		t.Fatalf("unknown name resolved to %#x, %v", alias, ok)
	}

	m.Register(testDesc("a", 4), &fakeDevice{state: make([]byte, 4)})
	m.Register(testDesc("b", 4), &fakeDevice{state: make([]byte, 4)})
	// A second instance of the same type shares its type alias.
	m.Register(testDesc("a", 4), &fakeDevice{state: make([]byte, 4)})

	aliasA, ok := m.DescAlias("a")
	if !ok || aliasA != 0 {
		t.Errorf("alias for \"a\" = %d, %v; want 0", aliasA, ok)
	}
	aliasB, ok := m.DescAlias("b")
	if !ok || aliasB != 1 {
		t.Errorf("alias for \"b\" = %d, %v; want 1", aliasB, ok)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := NewManager()
	devA := &fakeDevice{state: []byte{1, 2, 3, 4}}
	devB := &fakeDevice{state: []byte{9, 8}}
	m.Register(testDesc("a", 4), devA)
	m.Register(testDesc("b", 2), devB)

	var buf bytes.Buffer
	if err := m.WriteSnapshot(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Scramble live state, then replay the snapshot.
	devA.state = []byte{0, 0, 0, 0}
	devB.state = []byte{0, 0}
	if err := m.ReadSnapshot(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4}, devA.state); diff != "" {
		t.Errorf("device a state (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{9, 8}, devB.state); diff != "" {
		t.Errorf("device b state (-want +got):\n%s", diff)
	}
	if devA.restored != 1 || devB.restored != 1 {
		t.Errorf("restore counts a=%d b=%d, want 1 each", devA.restored, devB.restored)
	}
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	m := NewManager()
	dev := &fakeDevice{state: []byte{0xde, 0xad, 0xbe, 0xef}}
	m.Register(testDesc("a", 4), dev)

	path := filepath.Join(t.TempDir(), "state.bin")
	if err := m.SaveSnapshot(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	dev.state = []byte{0, 0, 0, 0}
	if err := m.LoadSnapshot(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(dev.state, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("restored state %x", dev.state)
	}
}

func TestSnapshotRejectsBadHeader(t *testing.T) {
	m := NewManager()
	if err := m.ReadSnapshot(bytes.NewReader([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})); err == nil {
		t.Fatal("bogus magic must fail the restore")
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, SnapshotMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(99))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	if err := m.ReadSnapshot(bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatal("unsupported version must fail the restore")
	}
}

func TestSnapshotLengthMismatchAbortsRestore(t *testing.T) {
	m := NewManager()
	devA := &fakeDevice{state: []byte{1, 2, 3, 4}}
	devB := &fakeDevice{state: []byte{5, 6}}
	m.Register(testDesc("a", 4), devA)
	m.Register(testDesc("b", 2), devB)

	// Hand-build a snapshot whose first section is 2 bytes where the
	// descriptor demands 4.
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, SnapshotMagic)
	binary.Write(&buf, binary.LittleEndian, SnapshotVersion)
	binary.Write(&buf, binary.LittleEndian, uint32(2))
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // alias "a"
	binary.Write(&buf, binary.LittleEndian, uint64(2)) // wrong length
	buf.Write([]byte{1, 2})
	binary.Write(&buf, binary.LittleEndian, uint64(1)) // alias "b"
	binary.Write(&buf, binary.LittleEndian, uint64(2))
	buf.Write([]byte{7, 8})

	err := m.ReadSnapshot(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, ErrStateSize) {
		t.Fatalf("length mismatch must fail with ErrStateSize, got %v", err)
	}
	// The whole restore aborts: the later, well-formed section is
	// never applied.
	if devB.restored != 0 {
		t.Error("restore continued past a failing section")
	}
}

func TestSnapshotUnknownAlias(t *testing.T) {
	m := NewManager()
	m.Register(testDesc("a", 2), &fakeDevice{state: []byte{1, 2}})

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, SnapshotMagic)
	binary.Write(&buf, binary.LittleEndian, SnapshotVersion)
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, uint64(42))
	binary.Write(&buf, binary.LittleEndian, uint64(2))
	buf.Write([]byte{1, 2})

	if err := m.ReadSnapshot(bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatal("a section for an unregistered alias must fail the restore")
	}
}
