// Package hlspec is the abstract, thread-centric model of a virtual memory
// subsystem. Threads issue two-phase Map and Unmap operations and atomic
// word accesses against a single map of virtual mappings.
package hlspec

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/bobuhiro11/vmspec/memory"
)

var (
	ErrNotEnabled = errors.New("abstract step not enabled")
	ErrTransition = errors.New("abstract transition mismatch")
	ErrUnsound    = errors.New("soundness flag restored")
	ErrNotWf      = errors.New("abstract state not well formed")
	ErrInvariant  = errors.New("abstract invariant violated")
)

type Constants struct {
	ThreadNo    uint64
	PhysMemSize uint64
}

func (c Constants) ValidThread(id uint64) bool {
	return id < c.ThreadNo
}

type ArgKind uint8

const (
	ArgEmpty ArgKind = iota
	ArgMap
	ArgUnmap
)

// Arguments is the operation a thread has in flight. For ArgUnmap, PTE is
// the entry removed at start and is only meaningful when Mapped is set.
type Arguments struct {
	Kind   ArgKind
	Vaddr  uint64
	PTE    memory.PageTableEntry
	Mapped bool
}

var Empty = Arguments{}

func MapArgs(vaddr uint64, pte memory.PageTableEntry) Arguments {
	return Arguments{Kind: ArgMap, Vaddr: vaddr, PTE: pte}
}

// UnmapArgs returns Unmap{vaddr, pte} when mapped and Unmap{vaddr, None}
// otherwise.
func UnmapArgs(vaddr uint64, pte memory.PageTableEntry, mapped bool) Arguments {
	if !mapped {
		return Arguments{Kind: ArgUnmap, Vaddr: vaddr}
	}

	return Arguments{Kind: ArgUnmap, Vaddr: vaddr, PTE: pte, Mapped: true}
}

func (a Arguments) String() string {
	switch a.Kind {
	case ArgMap:
		return fmt.Sprintf("Map{%#x %v}", a.Vaddr, a.PTE)
	case ArgUnmap:
		if !a.Mapped {
			return fmt.Sprintf("Unmap{%#x None}", a.Vaddr)
		}

		return fmt.Sprintf("Unmap{%#x %v}", a.Vaddr, a.PTE)
	case ArgEmpty:
	}

	return "Empty"
}

// Vmem returns the virtual range the operation occupies. An unmap of an
// unmapped address occupies an empty range at its vaddr.
func (a Arguments) Vmem() (memory.MemRegion, bool) {
	switch a.Kind {
	case ArgMap:
		return memory.MemRegion{Base: a.Vaddr, Size: a.PTE.Frame.Size}, true
	case ArgUnmap:
		if !a.Mapped {
			return memory.MemRegion{Base: a.Vaddr}, true
		}

		return memory.MemRegion{Base: a.Vaddr, Size: a.PTE.Frame.Size}, true
	case ArgEmpty:
	}

	return memory.MemRegion{}, false
}

// Pmem returns the physical frame the operation occupies.
func (a Arguments) Pmem() (memory.MemRegion, bool) {
	if a.Kind == ArgMap || (a.Kind == ArgUnmap && a.Mapped) {
		return a.PTE.Frame, true
	}

	return memory.MemRegion{}, false
}

// vmemWords is the number of words of virtual memory.
const vmemWords = memory.UpperVaddr / memory.WordSize

// Memory is virtual memory by word index. Indices outside the mapped domain
// are never stored.
type Memory struct {
	w memory.Words
}

func (m Memory) Load(idx uint64) uint64 {
	return m.w.Load(idx)
}

// With returns m with idx set to v. Indices past the top of virtual memory
// are dropped.
func (m Memory) With(idx, v uint64) Memory {
	w := m.w
	if w.Len() == 0 {
		w = memory.NewWords(vmemWords)
	}

	w, err := w.Store(idx, v)
	if err != nil {
		return m
	}

	return Memory{w: w}
}

// Len returns the number of non-zero words.
func (m Memory) Len() int {
	return m.w.NonZero()
}

// Ascend calls fn for each non-zero word in index order.
func (m Memory) Ascend(fn func(idx, value uint64) bool) {
	m.w.AscendRange(0, vmemWords, fn)
}

// Entries returns the non-zero words as a map.
func (m Memory) Entries() map[uint64]uint64 {
	ret := make(map[uint64]uint64, m.Len())

	m.Ascend(func(idx, value uint64) bool {
		ret[idx] = value

		return true
	})

	return ret
}

func (m Memory) Equal(o Memory) bool {
	if m.Len() != o.Len() {
		return false
	}

	eq := true

	m.Ascend(func(idx, value uint64) bool {
		eq = o.Load(idx) == value

		return eq
	})

	return eq
}

type Variables struct {
	Mem         Memory
	ThreadState map[uint64]Arguments
	Mappings    memory.Mappings
	Sound       bool
}

// Inflight returns the thread states in thread order.
func (s Variables) Inflight() []Arguments {
	ret := make([]Arguments, 0, len(s.ThreadState))
	for _, id := range slices.Sorted(maps.Keys(s.ThreadState)) {
		ret = append(ret, s.ThreadState[id])
	}

	return ret
}

// WithThread returns s with thread id set to a.
func (s Variables) WithThread(id uint64, a Arguments) Variables {
	s.ThreadState = maps.Clone(s.ThreadState)
	s.ThreadState[id] = a

	return s
}

// Equal reports whether both states are identical.
func (s Variables) Equal(o Variables) bool {
	return s.Sound == o.Sound &&
		s.Mem.Equal(o.Mem) &&
		s.Mappings.Equal(o.Mappings) &&
		maps.Equal(s.ThreadState, o.ThreadState)
}

// MemDomainContains reports whether word idx of virtual memory is backed by
// a mapping whose physical word is in range.
func MemDomainContains(physMemSize, idx uint64, mappings memory.Mappings) bool {
	vaddr := idx * memory.WordSize

	for _, tr := range mappings.Covering(vaddr) {
		if memory.WordIndex(tr.Paddr(vaddr)) < physMemSize {
			return true
		}
	}

	return false
}

// Restrict drops the words of m outside the domain of mappings.
func Restrict(m Memory, physMemSize uint64, mappings memory.Mappings) Memory {
	ret := m

	m.Ascend(func(idx, _ uint64) bool {
		if !MemDomainContains(physMemSize, idx, mappings) {
			ret = ret.With(idx, 0)
		}

		return true
	})

	return ret
}

// Initial returns the initial state for c.
func Initial(c Constants) Variables {
	ts := make(map[uint64]Arguments, c.ThreadNo)
	for id := uint64(0); id < c.ThreadNo; id++ {
		ts[id] = Empty
	}

	return Variables{
		Mem:         Memory{},
		ThreadState: ts,
		Sound:       true,
	}
}

// Wf checks that the thread state is total over the threads of c and that
// memory only holds words of its domain.
func Wf(c Constants, s Variables) error {
	if uint64(len(s.ThreadState)) != c.ThreadNo {
		return fmt.Errorf("%d thread states for %d threads: %w", len(s.ThreadState), c.ThreadNo, ErrNotWf)
	}

	for id := range s.ThreadState {
		if !c.ValidThread(id) {
			return fmt.Errorf("thread %d: %w", id, ErrNotWf)
		}
	}

	var err error

	s.Mem.Ascend(func(idx, _ uint64) bool {
		if !MemDomainContains(c.PhysMemSize, idx, s.Mappings) {
			err = fmt.Errorf("word %#x outside the mapped domain: %w", idx, ErrNotWf)
		}

		return err == nil
	})

	return err
}

// Init checks that s is an initial state.
func Init(c Constants, s Variables) error {
	if s.Mem.Len() != 0 || s.Mappings.Len() != 0 || !s.Sound {
		return fmt.Errorf("memory, mappings or soundness: %w", ErrNotEnabled)
	}

	for id, a := range s.ThreadState {
		if a != Empty {
			return fmt.Errorf("thread %d is %v: %w", id, a, ErrNotEnabled)
		}
	}

	return Wf(c, s)
}

// PmemNoOverlap checks that no two mappings share physical memory.
func PmemNoOverlap(m memory.Mappings) error {
	entries := m.Entries()

	for b1, e1 := range entries {
		for b2, e2 := range entries {
			if b1 != b2 && memory.Overlap(e1.Frame, e2.Frame) {
				return fmt.Errorf("frames of %#x and %#x overlap: %w", b1, b2, ErrInvariant)
			}
		}
	}

	return nil
}

// Inv checks the invariant that holds in every sound reachable state.
func Inv(c Constants, s Variables) error {
	if err := Wf(c, s); err != nil {
		return err
	}

	if err := PmemNoOverlap(s.Mappings); err != nil {
		return err
	}

	var err error

	s.Mappings.Ascend(func(base uint64, pte memory.PageTableEntry) bool {
		if pte.Frame.Size == 0 {
			err = fmt.Errorf("mapping %#x has an empty frame: %w", base, ErrInvariant)
		}

		return err == nil
	})

	if err != nil {
		return err
	}

	for id, a := range s.ThreadState {
		if a.Kind != ArgMap {
			continue
		}

		if a.PTE.Frame.Size == 0 {
			return fmt.Errorf("thread %d maps an empty frame: %w", id, ErrInvariant)
		}

		if memory.OverlapsExistingPmem(s.Mappings, a.PTE) {
			return fmt.Errorf("thread %d %v overlaps a mapped frame: %w", id, a, ErrInvariant)
		}

		for other, b := range s.ThreadState {
			if other == id {
				continue
			}

			if b == a {
				return fmt.Errorf("threads %d and %d both hold %v: %w", id, other, a, ErrInvariant)
			}

			if fr, ok := b.Pmem(); ok && memory.Overlap(a.PTE.Frame, fr) {
				return fmt.Errorf("thread %d %v overlaps thread %d %v: %w", id, a, other, b, ErrInvariant)
			}
		}
	}

	return nil
}
