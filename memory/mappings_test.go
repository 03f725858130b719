package memory_test

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/bobuhiro11/vmspec/memory"
	"github.com/google/go-cmp/cmp"
)

func entry(base, size uint64, w bool) memory.PageTableEntry {
	return memory.PageTableEntry{
		Frame: memory.MemRegion{Base: base, Size: size},
		Flags: memory.Flags{IsWritable: w},
	}
}

func TestMappingsPersistent(t *testing.T) {
	t.Parallel()

	var empty memory.Mappings

	a := empty.Insert(0x1000, entry(0x2000, 4096, true))
	b := a.Insert(0x2000, entry(0x3000, 4096, false))
	c := b.Remove(0x1000)

	if empty.Len() != 0 || a.Len() != 1 || b.Len() != 2 || c.Len() != 1 {
		t.Fatalf("lengths: %d %d %d %d", empty.Len(), a.Len(), b.Len(), c.Len())
	}

	if !a.ContainsPair(0x1000, entry(0x2000, 4096, true)) {
		t.Fatal("insert lost")
	}

	if !b.Contains(0x1000) || c.Contains(0x1000) {
		t.Fatal("remove leaked into an older version")
	}

	if c.Remove(0x5000).Len() != 1 {
		t.Fatal("removing a missing key changed the map")
	}

	want := map[uint64]memory.PageTableEntry{0x2000: entry(0x3000, 4096, false)}
	if diff := cmp.Diff(want, c.Entries()); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
}

func TestMappingsLookup(t *testing.T) {
	t.Parallel()

	m := memory.NewMappings(map[uint64]memory.PageTableEntry{
		0x1000:   entry(0x8000, 4096, true),
		0x200000: entry(0x400000, memory.L2EntrySize, true),
	})

	tests := []struct {
		vaddr uint64
		base  uint64
		ok    bool
	}{
		{0x1000, 0x1000, true},
		{0x1ff8, 0x1000, true},
		{0x2000, 0, false},
		{0x0, 0, false},
		{0x3ffff8, 0x200000, true},
		{0x400000, 0, false},
	}

	for _, tt := range tests {
		tr, ok := m.Lookup(tt.vaddr)
		if ok != tt.ok || (ok && tr.Base != tt.base) {
			t.Errorf("Lookup(%#x): expected: (%#x, %v), actual: (%#x, %v)", tt.vaddr, tt.base, tt.ok, tr.Base, ok)
		}

		if got := len(m.Covering(tt.vaddr)); (got == 1) != tt.ok {
			t.Errorf("Covering(%#x): %d entries", tt.vaddr, got)
		}
	}
}

func TestMappingsUnionAndEqual(t *testing.T) {
	t.Parallel()

	a := memory.NewMappings(map[uint64]memory.PageTableEntry{0x1000: entry(0x8000, 4096, true)})
	b := memory.NewMappings(map[uint64]memory.PageTableEntry{0x1000: entry(0x9000, 4096, true)})

	u := a.Union(b)
	if !u.Equal(b) {
		t.Fatalf("union should prefer the right side: %v", u)
	}

	if a.Equal(b) {
		t.Fatal("different entries compare equal")
	}

	if !cmp.Equal(a, a.Insert(0x1000, entry(0x8000, 4096, true))) {
		t.Fatal("cmp does not use Mappings.Equal")
	}
}

func TestMappingsGob(t *testing.T) {
	t.Parallel()

	m := memory.NewMappings(map[uint64]memory.PageTableEntry{
		0x1000:   entry(0x8000, 4096, true),
		0x200000: entry(0x400000, memory.L2EntrySize, false),
	})

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got memory.Mappings
	if err := gob.NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !got.Equal(m) {
		t.Fatalf("expected: %v, actual: %v", m, got)
	}
}
