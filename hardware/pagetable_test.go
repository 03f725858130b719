package hardware_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/google/go-cmp/cmp"
)

func pte(base, size uint64, w bool) memory.PageTableEntry {
	return memory.PageTableEntry{
		Frame: memory.MemRegion{Base: base, Size: size},
		Flags: memory.Flags{IsWritable: w},
	}
}

func TestPageTableMapUnmap(t *testing.T) {
	t.Parallel()

	pt := hardware.NewPageTable(memory.X86)

	if pt.Directories() != 1 {
		t.Fatalf("expected: 1 directory, actual: %d", pt.Directories())
	}

	entries := map[uint64]memory.PageTableEntry{
		0x1000:             pte(0x8000, memory.L3EntrySize, true),
		0x2000:             pte(0x9000, memory.L3EntrySize, false),
		0x400000:           pte(0x200000, memory.L2EntrySize, true),
		memory.L1EntrySize: pte(memory.L1EntrySize, memory.L1EntrySize, true),
	}

	for vaddr, e := range entries {
		if err := pt.Map(vaddr, e); err != nil {
			t.Fatalf("Map(%#x): %v", vaddr, err)
		}
	}

	if diff := cmp.Diff(entries, pt.Interp().Entries()); diff != "" {
		t.Fatalf("interp (-want +got):\n%s", diff)
	}

	// root, one L1 directory, one L2 directory, one L3 directory for the 4k pages.
	if pt.Directories() != 4 {
		t.Fatalf("expected: 4 directories, actual: %d", pt.Directories())
	}

	for _, tt := range []struct {
		vaddr uint64
		pte   memory.PageTableEntry
	}{
		// same page
		{0x1000, pte(0xa000, memory.L3EntrySize, true)},
		// a directory already hangs below
		{0x0, pte(0, memory.L2EntrySize, true)},
		// inside a 2m page
		{0x401000, pte(0xb000, memory.L3EntrySize, true)},
		// inside a 1g page
		{memory.L1EntrySize + 0x200000, pte(0, memory.L2EntrySize, true)},
	} {
		if err := pt.Map(tt.vaddr, tt.pte); !errors.Is(err, hardware.ErrOverlap) {
			t.Errorf("Map(%#x): expected: %v, actual: %v", tt.vaddr, hardware.ErrOverlap, err)
		}
	}

	if err := pt.Map(0x1000, pte(0x8000, 0x3000, true)); !errors.Is(err, hardware.ErrBadEntry) {
		t.Fatalf("odd size: %v", err)
	}

	if err := pt.Unmap(0x401000); !errors.Is(err, hardware.ErrNoSuchMapping) {
		t.Fatalf("Unmap inside a page: %v", err)
	}

	if err := pt.Unmap(0x3000); !errors.Is(err, hardware.ErrNoSuchMapping) {
		t.Fatalf("Unmap of a hole: %v", err)
	}

	if err := pt.Unmap(0x1000); err != nil {
		t.Fatal(err)
	}

	if pt.Directories() != 4 {
		t.Fatalf("directory freed while still in use: %d", pt.Directories())
	}

	if err := pt.Unmap(0x2000); err != nil {
		t.Fatal(err)
	}

	// the L3 directory is gone, the L2 directory still holds the 2m page.
	if pt.Directories() != 3 {
		t.Fatalf("expected: 3 directories, actual: %d", pt.Directories())
	}

	if err := pt.Unmap(0x400000); err != nil {
		t.Fatal(err)
	}

	if err := pt.Unmap(memory.L1EntrySize); err != nil {
		t.Fatal(err)
	}

	if pt.Directories() != 1 || pt.Interp().Len() != 0 {
		t.Fatalf("table not empty: %d directories, %v", pt.Directories(), pt.Interp())
	}

	// freed directories are reused
	if err := pt.Map(0x1000, pte(0x8000, memory.L3EntrySize, true)); err != nil {
		t.Fatal(err)
	}

	if len(pt.Dirs) != 4 {
		t.Fatalf("arena grew to %d instead of reusing free slots", len(pt.Dirs))
	}
}

func TestPageTableClone(t *testing.T) {
	t.Parallel()

	pt := hardware.NewPageTable(memory.X86)
	if err := pt.Map(0x1000, pte(0x8000, memory.L3EntrySize, true)); err != nil {
		t.Fatal(err)
	}

	cp := pt.Clone()
	if err := cp.Unmap(0x1000); err != nil {
		t.Fatal(err)
	}

	if pt.Interp().Len() != 1 || cp.Interp().Len() != 0 {
		t.Fatal("clone shares state with the original")
	}
}

func TestInterpBounded(t *testing.T) {
	t.Parallel()

	// A directory entry pointing back at the root must not loop.
	pt := hardware.NewPageTable(memory.X86)
	pt.Dirs[pt.Root].Entries[0] = hardware.Entry{Kind: hardware.EntryDirectory, Dir: pt.Root}

	if got := pt.Interp().Len(); got != 0 {
		t.Fatalf("expected: empty, actual: %d entries", got)
	}

	if hardware.InterpPTMem(nil).Len() != 0 {
		t.Fatal("nil table is not empty")
	}
}
