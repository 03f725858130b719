package hardware

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/vmspec/memory"
	"github.com/mohae/deepcopy"
)

var (
	ErrOverlap       = errors.New("page table entry overlaps an existing entry")
	ErrNoSuchMapping = errors.New("no page table entry at address")
	ErrBadEntry      = errors.New("entry does not fit the page table layout")
)

type EntryKind uint8

const (
	EntryEmpty EntryKind = iota
	EntryPage
	EntryDirectory
)

// Entry is one slot of a directory. Dir indexes PageTable.Dirs.
type Entry struct {
	Kind EntryKind
	PTE  memory.PageTableEntry
	Dir  int
}

// Directory is one node of the tree. Only non-empty entries are stored.
type Directory struct {
	Layer   int
	Base    uint64
	Entries map[uint64]Entry
}

// PageTable is a multi-level page table whose directories live in an arena
// and refer to each other by index. Directories whose entries all become
// empty are returned to the free list.
type PageTable struct {
	Arch memory.Arch
	Root int
	Dirs []Directory
	Free []int
}

// NewPageTable returns an empty table with a root directory.
func NewPageTable(arch memory.Arch) *PageTable {
	pt := &PageTable{Arch: arch}
	pt.Root = pt.alloc(0, 0)

	return pt
}

func (pt *PageTable) alloc(layer int, base uint64) int {
	d := Directory{Layer: layer, Base: base, Entries: map[uint64]Entry{}}

	if n := len(pt.Free); n > 0 {
		idx := pt.Free[n-1]
		pt.Free = pt.Free[:n-1]
		pt.Dirs[idx] = d

		return idx
	}

	pt.Dirs = append(pt.Dirs, d)

	return len(pt.Dirs) - 1
}

func (pt *PageTable) free(idx int) {
	pt.Dirs[idx] = Directory{}
	pt.Free = append(pt.Free, idx)
}

// Directories returns the number of live directories.
func (pt *PageTable) Directories() int {
	return len(pt.Dirs) - len(pt.Free)
}

// Map installs vaddr -> pte at the layer whose entries span the frame size,
// allocating directories on the way down.
func (pt *PageTable) Map(vaddr uint64, pte memory.PageTableEntry) error {
	layer, ok := pt.Arch.LayerOf(pte.Frame.Size)
	if !ok || !memory.Aligned(vaddr, pte.Frame.Size) || vaddr >= pt.Arch.UpperVaddr() {
		return fmt.Errorf("map %#x -> %v: %w", vaddr, pte, ErrBadEntry)
	}

	d := pt.Root

	for l := 0; ; l++ {
		dir := pt.Dirs[d]
		idx := pt.Arch.Index(l, dir.Base, vaddr)
		e := dir.Entries[idx]

		if l == layer {
			if e.Kind != EntryEmpty {
				return fmt.Errorf("map %#x at layer %d: %w", vaddr, l, ErrOverlap)
			}

			pt.Dirs[d].Entries[idx] = Entry{Kind: EntryPage, PTE: pte}

			return nil
		}

		switch e.Kind {
		case EntryPage:
			return fmt.Errorf("map %#x inside a layer %d page: %w", vaddr, l, ErrOverlap)
		case EntryDirectory:
			d = e.Dir
		case EntryEmpty:
			child := pt.alloc(l+1, pt.Arch.EntryBase(l, dir.Base, idx))
			pt.Dirs[d].Entries[idx] = Entry{Kind: EntryDirectory, Dir: child}
			d = child
		}
	}
}

type pathElem struct {
	dir int
	idx uint64
}

// Unmap removes the page whose base is vaddr and frees directories left
// empty by the removal.
func (pt *PageTable) Unmap(vaddr uint64) error {
	if vaddr >= pt.Arch.UpperVaddr() {
		return fmt.Errorf("unmap %#x: %w", vaddr, ErrNoSuchMapping)
	}

	var path []pathElem

	d := pt.Root

	for l := 0; l < len(pt.Arch.Layers); l++ {
		dir := pt.Dirs[d]
		idx := pt.Arch.Index(l, dir.Base, vaddr)

		e, ok := dir.Entries[idx]
		if !ok {
			break
		}

		path = append(path, pathElem{dir: d, idx: idx})

		if e.Kind == EntryDirectory {
			d = e.Dir

			continue
		}

		if pt.Arch.EntryBase(l, dir.Base, idx) != vaddr {
			break
		}

		delete(pt.Dirs[d].Entries, idx)
		pt.reclaim(path)

		return nil
	}

	return fmt.Errorf("unmap %#x: %w", vaddr, ErrNoSuchMapping)
}

func (pt *PageTable) reclaim(path []pathElem) {
	for i := len(path) - 1; i > 0; i-- {
		d := path[i].dir
		if len(pt.Dirs[d].Entries) != 0 {
			return
		}

		parent := path[i-1]
		delete(pt.Dirs[parent.dir].Entries, parent.idx)
		pt.free(d)
	}
}

// Interp flattens the tree into a map from virtual base to entry. The walk
// keeps an explicit stack and never descends past the last arch layer, so it
// terminates on any arena contents.
func (pt *PageTable) Interp() memory.Mappings {
	type frame struct {
		dir   int
		layer int
	}

	ret := map[uint64]memory.PageTableEntry{}
	stack := []frame{{dir: pt.Root, layer: 0}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.layer >= len(pt.Arch.Layers) || f.dir < 0 || f.dir >= len(pt.Dirs) {
			continue
		}

		dir := pt.Dirs[f.dir]

		for idx, e := range dir.Entries {
			switch e.Kind {
			case EntryPage:
				ret[pt.Arch.EntryBase(f.layer, dir.Base, idx)] = e.PTE
			case EntryDirectory:
				stack = append(stack, frame{dir: e.Dir, layer: f.layer + 1})
			case EntryEmpty:
			}
		}
	}

	return memory.NewMappings(ret)
}

// Clone returns a deep copy of pt.
func (pt *PageTable) Clone() *PageTable {
	cp, _ := deepcopy.Copy(pt).(*PageTable)

	return cp
}

// InterpPTMem is the flat view of the hardware page table.
func InterpPTMem(pt *PageTable) memory.Mappings {
	if pt == nil {
		return memory.Mappings{}
	}

	return pt.Interp()
}
