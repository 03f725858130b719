// Package osspec is the operational, core-centric model of the virtual
// memory subsystem. Operations occupy the core of the issuing thread, page
// table mutations are serialised by a lock, and unmaps wait for every core
// to acknowledge a TLB shootdown before they end.
package osspec

import (
	"errors"
	"fmt"
	"maps"

	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/memory"
)

var (
	ErrNotEnabled = errors.New("os step not enabled")
	ErrTransition = errors.New("os transition mismatch")
	ErrNotWf      = errors.New("os state not well formed")
	ErrInvariant  = errors.New("os invariant violated")
)

type Constants struct {
	HW       hardware.Constants
	ULT2Core map[uint64]hardware.Core
	ULTNo    uint64
}

// Core returns the core thread ult runs on.
func (c Constants) Core(ult uint64) (hardware.Core, bool) {
	if ult >= c.ULTNo {
		return hardware.Core{}, false
	}

	core, ok := c.ULT2Core[ult]

	return core, ok && c.HW.ValidCore(core)
}

// Wf checks that every thread is placed on a valid core.
func (c Constants) Wf() error {
	if uint64(len(c.ULT2Core)) != c.ULTNo {
		return fmt.Errorf("%d placements for %d threads: %w", len(c.ULT2Core), c.ULTNo, ErrNotWf)
	}

	for ult := uint64(0); ult < c.ULTNo; ult++ {
		if _, ok := c.Core(ult); !ok {
			return fmt.Errorf("thread %d has no valid core: %w", ult, ErrNotWf)
		}
	}

	return nil
}

type CoreStateKind uint8

const (
	Idle CoreStateKind = iota
	MapWaiting
	MapExecuting
	UnmapWaiting
	UnmapOpExecuting
	UnmapOpDone
	UnmapShootdownWaiting
)

func (k CoreStateKind) String() string {
	switch k {
	case Idle:
		return "Idle"
	case MapWaiting:
		return "MapWaiting"
	case MapExecuting:
		return "MapExecuting"
	case UnmapWaiting:
		return "UnmapWaiting"
	case UnmapOpExecuting:
		return "UnmapOpExecuting"
	case UnmapOpDone:
		return "UnmapOpDone"
	case UnmapShootdownWaiting:
		return "UnmapShootdownWaiting"
	}

	return fmt.Sprintf("CoreStateKind(%d)", uint8(k))
}

func (k CoreStateKind) IsMap() bool {
	return k == MapWaiting || k == MapExecuting
}

func (k CoreStateKind) IsUnmap() bool {
	return k >= UnmapWaiting && k <= UnmapShootdownWaiting
}

// CoreState is the operation a core is executing on behalf of thread ULT.
// For map states PTE is the requested entry. For unmap states PTE is the
// entry found at Vaddr when the unmap started, valid only if Mapped, and
// Result is set once the page table operation is done.
type CoreState struct {
	Kind   CoreStateKind
	ULT    uint64
	Vaddr  uint64
	PTE    memory.PageTableEntry
	Mapped bool
	Result memory.Result
}

func (cs CoreState) String() string {
	switch {
	case cs.Kind.IsMap():
		return fmt.Sprintf("%v{t%d %#x %v}", cs.Kind, cs.ULT, cs.Vaddr, cs.PTE)
	case cs.Kind.IsUnmap() && cs.Mapped:
		return fmt.Sprintf("%v{t%d %#x %v %v}", cs.Kind, cs.ULT, cs.Vaddr, cs.PTE, cs.Result)
	case cs.Kind.IsUnmap():
		return fmt.Sprintf("%v{t%d %#x None %v}", cs.Kind, cs.ULT, cs.Vaddr, cs.Result)
	}

	return cs.Kind.String()
}

// Vmem returns the virtual range the operation occupies.
func (cs CoreState) Vmem() (memory.MemRegion, bool) {
	switch {
	case cs.Kind.IsMap(), cs.Kind.IsUnmap() && cs.Mapped:
		return memory.MemRegion{Base: cs.Vaddr, Size: cs.PTE.Frame.Size}, true
	case cs.Kind.IsUnmap():
		return memory.MemRegion{Base: cs.Vaddr}, true
	}

	return memory.MemRegion{}, false
}

// Pmem returns the physical frame the operation occupies.
func (cs CoreState) Pmem() (memory.MemRegion, bool) {
	if cs.Kind.IsMap() || (cs.Kind.IsUnmap() && cs.Mapped) {
		return cs.PTE.Frame, true
	}

	return memory.MemRegion{}, false
}

// Pair is a cell of the shootdown matrix.
type Pair struct {
	Dispatcher hardware.Core
	Handler    hardware.Core
}

type Variables struct {
	HW         hardware.Variables
	CoreStates map[hardware.Core]CoreState
	// Shootdown holds the acknowledgements each dispatcher waits for.
	Shootdown map[Pair]bool
	Sound     bool
	// Lock is the core allowed to write the page table, nil when free.
	Lock *hardware.Core
}

// Initial returns the initial state for c.
func Initial(c Constants) Variables {
	cores := c.HW.Cores()

	s := Variables{
		HW:         hardware.Initial(c.HW),
		CoreStates: make(map[hardware.Core]CoreState, len(cores)),
		Shootdown:  make(map[Pair]bool, len(cores)*len(cores)),
		Sound:      true,
	}

	for _, d := range cores {
		s.CoreStates[d] = CoreState{}

		for _, h := range cores {
			s.Shootdown[Pair{Dispatcher: d, Handler: h}] = false
		}
	}

	return s
}

// Init checks that s is an initial state.
func Init(c Constants, s Variables) error {
	if err := WellFormed(c, s); err != nil {
		return err
	}

	if !hardware.Init(c.HW, s.HW) {
		return fmt.Errorf("hardware not initial: %w", ErrNotEnabled)
	}

	if !s.Sound || s.Lock != nil {
		return fmt.Errorf("unsound or locked: %w", ErrNotEnabled)
	}

	for core, cs := range s.CoreStates {
		if cs.Kind != Idle {
			return fmt.Errorf("core %v is %v: %w", core, cs, ErrNotEnabled)
		}
	}

	for p, pending := range s.Shootdown {
		if pending {
			return fmt.Errorf("shootdown %v pending: %w", p, ErrNotEnabled)
		}
	}

	return nil
}

// WellFormed checks the shape of s against c. It holds in every reachable
// state, sound or not.
func WellFormed(c Constants, s Variables) error {
	if err := c.Wf(); err != nil {
		return err
	}

	cores := c.HW.Cores()

	if len(s.CoreStates) != len(cores) || len(s.HW.TLBs) != len(cores) {
		return fmt.Errorf("%d core states, %d TLBs for %d cores: %w", len(s.CoreStates), len(s.HW.TLBs), len(cores), ErrNotWf)
	}

	if len(s.Shootdown) != len(cores)*len(cores) {
		return fmt.Errorf("shootdown matrix has %d cells: %w", len(s.Shootdown), ErrNotWf)
	}

	for _, d := range cores {
		if _, ok := s.CoreStates[d]; !ok {
			return fmt.Errorf("core %v has no state: %w", d, ErrNotWf)
		}

		for _, h := range cores {
			if _, ok := s.Shootdown[Pair{Dispatcher: d, Handler: h}]; !ok {
				return fmt.Errorf("shootdown cell %v/%v missing: %w", d, h, ErrNotWf)
			}
		}
	}

	if s.Lock != nil && !c.HW.ValidCore(*s.Lock) {
		return fmt.Errorf("lock held by invalid core %v: %w", *s.Lock, ErrNotWf)
	}

	if s.HW.Mem.Len() != c.HW.PhysMemSize {
		return fmt.Errorf("memory has %d words: %w", s.HW.Mem.Len(), ErrNotWf)
	}

	return nil
}

// InterpPTMem returns the mappings held by the page table.
func (s Variables) InterpPTMem() memory.Mappings {
	return hardware.InterpPTMem(s.HW.PT)
}

// Inflight returns the state of every busy core.
func (s Variables) Inflight() []CoreState {
	var ret []CoreState

	for _, cs := range s.CoreStates {
		if cs.Kind != Idle {
			ret = append(ret, cs)
		}
	}

	return ret
}

// RowClear reports whether dispatcher waits for no acknowledgement.
func (s Variables) RowClear(dispatcher hardware.Core) bool {
	for p, pending := range s.Shootdown {
		if p.Dispatcher == dispatcher && pending {
			return false
		}
	}

	return true
}

func (s Variables) withCore(core hardware.Core, cs CoreState) Variables {
	s.CoreStates = maps.Clone(s.CoreStates)
	s.CoreStates[core] = cs

	return s
}

func (s Variables) withShootdown(p Pair, pending bool) Variables {
	s.Shootdown = maps.Clone(s.Shootdown)
	s.Shootdown[p] = pending

	return s
}

func (s Variables) locked(core *hardware.Core) Variables {
	if core == nil {
		s.Lock = nil

		return s
	}

	l := *core
	s.Lock = &l

	return s
}

func sameLock(a, b *hardware.Core) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

// Equal reports whether both states are identical.
func (s Variables) Equal(o Variables) bool {
	return s.Sound == o.Sound &&
		sameLock(s.Lock, o.Lock) &&
		maps.Equal(s.CoreStates, o.CoreStates) &&
		maps.Equal(s.Shootdown, o.Shootdown) &&
		sameHW(s.HW, o.HW)
}

func sameHW(a, b hardware.Variables) bool {
	return a.Mem.Equal(b.Mem) &&
		hardware.InterpPTMem(a.PT).Equal(hardware.InterpPTMem(b.PT)) &&
		maps.EqualFunc(a.TLBs, b.TLBs, memory.Mappings.Equal)
}
