package memory

import "fmt"

const (
	// WordSize is the access granularity of ReadWrite operations in bytes.
	WordSize = 8

	PageSize = 4096

	L3EntrySize = PageSize          // 4 KiB
	L2EntrySize = 512 * L3EntrySize // 2 MiB
	L1EntrySize = 512 * L2EntrySize // 1 GiB
	L0EntrySize = 512 * L1EntrySize // 512 GiB

	MaxPhyAddrWidth = 52
	MaxPhyAddr      = 1<<MaxPhyAddrWidth - 1

	// UpperVaddr is the first virtual address a four-level table cannot map.
	UpperVaddr = 512 * L0EntrySize

	PTBoundLow  = 0
	PTBoundHigh = UpperVaddr
)

// MemRegion is the half-open range [Base, Base+Size).
type MemRegion struct {
	Base uint64
	Size uint64
}

func (r MemRegion) End() uint64 {
	return r.Base + r.Size
}

// Contains reports whether addr lies in r.
func (r MemRegion) Contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

func (r MemRegion) String() string {
	return fmt.Sprintf("[%#x, +%#x)", r.Base, r.Size)
}

// Overlap reports whether two regions overlap. A zero-sized region overlaps
// any region starting at or around its base.
func Overlap(a, b MemRegion) bool {
	if a.Base <= b.Base {
		return b.Base-a.Base < a.Size
	}

	return a.Base-b.Base < b.Size
}

// Aligned reports whether addr is a multiple of size.
func Aligned(addr, size uint64) bool {
	return size != 0 && addr%size == 0
}

// Between reports lo <= x < hi.
func Between(x, lo, hi uint64) bool {
	return lo <= x && x < hi
}

// WordIndex returns the index of the word containing addr.
func WordIndex(addr uint64) uint64 {
	return addr / WordSize
}

type Flags struct {
	IsWritable     bool
	IsSupervisor   bool
	DisableExecute bool
}

func (f Flags) String() string {
	b := []byte("---")
	if f.IsWritable {
		b[0] = 'w'
	}

	if f.IsSupervisor {
		b[1] = 's'
	}

	if f.DisableExecute {
		b[2] = 'n'
	}

	return string(b)
}

// PageTableEntry is an abstract leaf entry: the mapped physical frame and
// its permissions.
type PageTableEntry struct {
	Frame MemRegion
	Flags Flags
}

func (e PageTableEntry) String() string {
	return fmt.Sprintf("%v %v", e.Frame, e.Flags)
}

// Translation is a (virtual base, entry) pair used by an MMU access.
type Translation struct {
	Base uint64
	PTE  PageTableEntry
}

// Covers reports whether vaddr falls inside the translated page.
func (t Translation) Covers(vaddr uint64) bool {
	return MemRegion{Base: t.Base, Size: t.PTE.Frame.Size}.Contains(vaddr)
}

// Paddr translates vaddr through t.
func (t Translation) Paddr(vaddr uint64) uint64 {
	return t.PTE.Frame.Base + (vaddr - t.Base)
}

func (t Translation) String() string {
	return fmt.Sprintf("%#x->%v", t.Base, t.PTE)
}

// ValidEntrySize reports whether size is a leaf size supported by x86-64.
func ValidEntrySize(size uint64) bool {
	return size == L3EntrySize || size == L2EntrySize || size == L1EntrySize
}

// CandidateMappingInBounds reports whether [vaddr, vaddr+size) ends below
// UpperVaddr.
func CandidateMappingInBounds(vaddr uint64, pte PageTableEntry) bool {
	return vaddr < UpperVaddr && pte.Frame.Size < UpperVaddr &&
		vaddr+pte.Frame.Size < UpperVaddr
}

// MappingAccepted holds for the (vaddr, pte) pairs a Map may ask for.
func MappingAccepted(vaddr uint64, pte PageTableEntry) bool {
	size := pte.Frame.Size

	return Aligned(vaddr, size) &&
		Aligned(pte.Frame.Base, size) &&
		pte.Frame.Base <= MaxPhyAddr &&
		CandidateMappingInBounds(vaddr, pte) &&
		ValidEntrySize(size)
}

// UnmapAccepted holds for the vaddrs an Unmap may ask for.
func UnmapAccepted(vaddr uint64) bool {
	return Between(vaddr, PTBoundLow, PTBoundHigh) &&
		(Aligned(vaddr, L1EntrySize) || Aligned(vaddr, L2EntrySize) || Aligned(vaddr, L3EntrySize))
}

// OverlapsExistingVmem reports whether [vaddr, vaddr+size) overlaps a
// virtual range of m.
func OverlapsExistingVmem(m Mappings, vaddr, size uint64) bool {
	cand := MemRegion{Base: vaddr, Size: size}
	found := false

	m.Ascend(func(base uint64, pte PageTableEntry) bool {
		found = Overlap(cand, MemRegion{Base: base, Size: pte.Frame.Size})

		return !found
	})

	return found
}

// OverlapsExistingPmem reports whether pte's frame overlaps a frame of m.
func OverlapsExistingPmem(m Mappings, pte PageTableEntry) bool {
	found := false

	m.Ascend(func(_ uint64, other PageTableEntry) bool {
		found = Overlap(pte.Frame, other.Frame)

		return !found
	})

	return found
}
