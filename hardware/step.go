package hardware

import (
	"errors"
	"fmt"
	"maps"

	"github.com/bobuhiro11/vmspec/memory"
)

var (
	ErrNotEnabled = errors.New("hardware step not enabled")
	ErrTransition = errors.New("hardware transition mismatch")
)

type StepKind uint8

const (
	StepReadWrite StepKind = iota
	StepPTMemOp
	StepTLBFill
	StepTLBEvict
)

func (k StepKind) String() string {
	switch k {
	case StepReadWrite:
		return "ReadWrite"
	case StepPTMemOp:
		return "PTMemOp"
	case StepTLBFill:
		return "TLBFill"
	case StepTLBEvict:
		return "TLBEvict"
	}

	return fmt.Sprintf("StepKind(%d)", uint8(k))
}

type WriteKind uint8

const (
	WriteNone WriteKind = iota
	WriteMap
	WriteUnmap
)

// PTWrite is the change a PTMemOp makes to the page table.
type PTWrite struct {
	Kind  WriteKind
	Vaddr uint64
	PTE   memory.PageTableEntry
}

// Step is one hardware transition. Fields not used by Kind are zero.
type Step struct {
	Kind  StepKind
	Core  Core
	Vaddr uint64
	Paddr uint64
	Op    memory.RWOp
	// Translation is the TLB hit used by a ReadWrite, nil for a miss.
	Translation *memory.Translation
	PTE         memory.PageTableEntry
	Write       PTWrite
}

// ReadWrite returns an access by core through tr.
func ReadWrite(core Core, vaddr uint64, op memory.RWOp, tr *memory.Translation) Step {
	s := Step{Kind: StepReadWrite, Core: core, Vaddr: vaddr, Op: op, Translation: tr}
	if tr != nil {
		s.Paddr = tr.Paddr(vaddr)
	}

	return s
}

func PTMemOp(core Core, w PTWrite) Step {
	return Step{Kind: StepPTMemOp, Core: core, Write: w}
}

func TLBFill(core Core, vaddr uint64, pte memory.PageTableEntry) Step {
	return Step{Kind: StepTLBFill, Core: core, Vaddr: vaddr, PTE: pte}
}

func TLBEvict(core Core, vaddr uint64) Step {
	return Step{Kind: StepTLBEvict, Core: core, Vaddr: vaddr}
}

func (s Step) String() string {
	switch s.Kind {
	case StepReadWrite:
		if s.Translation == nil {
			return fmt.Sprintf("ReadWrite{%v %#x %v miss}", s.Core, s.Vaddr, s.Op)
		}

		return fmt.Sprintf("ReadWrite{%v %#x %v via %v}", s.Core, s.Vaddr, s.Op, *s.Translation)
	case StepPTMemOp:
		return fmt.Sprintf("PTMemOp{%v %+v}", s.Core, s.Write)
	case StepTLBFill:
		return fmt.Sprintf("TLBFill{%v %#x %v}", s.Core, s.Vaddr, s.PTE)
	case StepTLBEvict:
		return fmt.Sprintf("TLBEvict{%v %#x}", s.Core, s.Vaddr)
	}

	return s.Kind.String()
}

// Permitted reports whether an access through pte to physical word pidx
// succeeds.
func Permitted(c Constants, op memory.RWOp, pte memory.PageTableEntry, pidx uint64) bool {
	if pidx >= c.PhysMemSize || pte.Flags.IsSupervisor {
		return false
	}

	if op.Kind == memory.Store {
		return pte.Flags.IsWritable
	}

	return !op.IsExec || !pte.Flags.DisableExecute
}

func applyWrite(m memory.Mappings, w PTWrite) memory.Mappings {
	switch w.Kind {
	case WriteMap:
		return m.Insert(w.Vaddr, w.PTE)
	case WriteUnmap:
		return m.Remove(w.Vaddr)
	case WriteNone:
	}

	return m
}

func samePT(a, b *PageTable) bool {
	return a == b || InterpPTMem(a).Equal(InterpPTMem(b))
}

// Verify checks that s1 -> s2 is step.
func Verify(c Constants, s1, s2 Variables, step Step) error {
	if !c.ValidCore(step.Core) {
		return fmt.Errorf("%v: invalid core: %w", step, ErrNotEnabled)
	}

	switch step.Kind {
	case StepReadWrite:
		return verifyReadWrite(c, s1, s2, step)
	case StepPTMemOp:
		if !s2.Mem.Equal(s1.Mem) || !tlbsEqual(s1.TLBs, s2.TLBs) {
			return fmt.Errorf("%v changed memory or TLBs: %w", step, ErrTransition)
		}

		if !InterpPTMem(s2.PT).Equal(applyWrite(InterpPTMem(s1.PT), step.Write)) {
			return fmt.Errorf("%v: page table does not reflect the write: %w", step, ErrTransition)
		}

		return nil
	case StepTLBFill:
		if !InterpPTMem(s1.PT).ContainsPair(step.Vaddr, step.PTE) {
			return fmt.Errorf("%v: not in the page table: %w", step, ErrNotEnabled)
		}

		want := withTLB(s1.TLBs, step.Core, s1.TLB(step.Core).Insert(step.Vaddr, step.PTE))
		if !tlbsEqual(s2.TLBs, want) || !s2.Mem.Equal(s1.Mem) || !samePT(s1.PT, s2.PT) {
			return fmt.Errorf("%v: %w", step, ErrTransition)
		}

		return nil
	case StepTLBEvict:
		if !s1.TLB(step.Core).Contains(step.Vaddr) {
			return fmt.Errorf("%v: not cached: %w", step, ErrNotEnabled)
		}

		want := withTLB(s1.TLBs, step.Core, s1.TLB(step.Core).Remove(step.Vaddr))
		if !tlbsEqual(s2.TLBs, want) || !s2.Mem.Equal(s1.Mem) || !samePT(s1.PT, s2.PT) {
			return fmt.Errorf("%v: %w", step, ErrTransition)
		}

		return nil
	}

	return fmt.Errorf("unknown step kind %v: %w", step.Kind, ErrNotEnabled)
}

func withTLB(tlbs map[Core]memory.Mappings, core Core, tlb memory.Mappings) map[Core]memory.Mappings {
	ret := maps.Clone(tlbs)
	if ret == nil {
		ret = map[Core]memory.Mappings{}
	}

	ret[core] = tlb

	return ret
}

func verifyReadWrite(c Constants, s1, s2 Variables, step Step) error {
	if !memory.Aligned(step.Vaddr, memory.WordSize) {
		return fmt.Errorf("%v: unaligned: %w", step, ErrNotEnabled)
	}

	if !samePT(s1.PT, s2.PT) || !tlbsEqual(s1.TLBs, s2.TLBs) {
		return fmt.Errorf("%v changed the page table or TLBs: %w", step, ErrTransition)
	}

	op := step.Op

	if step.Translation == nil {
		if _, ok := s1.TLB(step.Core).Lookup(step.Vaddr); ok {
			return fmt.Errorf("%v: TLB covers the address: %w", step, ErrNotEnabled)
		}

		if _, ok := InterpPTMem(s1.PT).Lookup(step.Vaddr); ok {
			return fmt.Errorf("%v: page table covers the address: %w", step, ErrNotEnabled)
		}

		if op.Result != memory.OutcomePagefault || !s2.Mem.Equal(s1.Mem) {
			return fmt.Errorf("%v: a miss must fault: %w", step, ErrTransition)
		}

		return nil
	}

	tr := *step.Translation
	if !s1.TLB(step.Core).ContainsPair(tr.Base, tr.PTE) || !tr.Covers(step.Vaddr) {
		return fmt.Errorf("%v: translation not cached: %w", step, ErrNotEnabled)
	}

	if step.Paddr != tr.Paddr(step.Vaddr) {
		return fmt.Errorf("%v: paddr %#x: %w", step, step.Paddr, ErrTransition)
	}

	pidx := memory.WordIndex(step.Paddr)
	ok := Permitted(c, op, tr.PTE, pidx)

	switch {
	case op.Kind == memory.Store && ok:
		want, err := s1.Mem.Store(pidx, op.NewValue)
		if err != nil {
			return fmt.Errorf("%v: %w", step, err)
		}

		if op.Result != memory.OutcomeOk || !s2.Mem.Equal(want) {
			return fmt.Errorf("%v: store not performed: %w", step, ErrTransition)
		}
	case op.Kind == memory.Load && ok:
		if op.Result != memory.OutcomeValue || op.Value != s1.Mem.Load(pidx) || !s2.Mem.Equal(s1.Mem) {
			return fmt.Errorf("%v: load returned the wrong value: %w", step, ErrTransition)
		}
	default:
		if op.Result != memory.OutcomePagefault || !s2.Mem.Equal(s1.Mem) {
			return fmt.Errorf("%v: expected a pagefault: %w", step, ErrTransition)
		}
	}

	return nil
}

// NextStep reports whether s1 -> s2 is step.
func NextStep(c Constants, s1, s2 Variables, step Step) bool {
	return Verify(c, s1, s2, step) == nil
}

// Apply performs step on s1 and returns the successor together with the
// step completed with its results.
func Apply(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	if !c.ValidCore(step.Core) {
		return s1, step, fmt.Errorf("%v: invalid core: %w", step, ErrNotEnabled)
	}

	s2 := Variables{Mem: s1.Mem, PT: s1.PT, TLBs: s1.TLBs}

	switch step.Kind {
	case StepReadWrite:
		return applyReadWrite(c, s1, step)
	case StepPTMemOp:
		pt := s1.PT.Clone()

		var err error

		switch step.Write.Kind {
		case WriteMap:
			err = pt.Map(step.Write.Vaddr, step.Write.PTE)
		case WriteUnmap:
			err = pt.Unmap(step.Write.Vaddr)
		case WriteNone:
		}

		if err != nil {
			return s1, step, fmt.Errorf("%v: %w", step, err)
		}

		s2.PT = pt
	case StepTLBFill:
		if !InterpPTMem(s1.PT).ContainsPair(step.Vaddr, step.PTE) {
			return s1, step, fmt.Errorf("%v: not in the page table: %w", step, ErrNotEnabled)
		}

		s2.TLBs = withTLB(s1.TLBs, step.Core, s1.TLB(step.Core).Insert(step.Vaddr, step.PTE))
	case StepTLBEvict:
		if !s1.TLB(step.Core).Contains(step.Vaddr) {
			return s1, step, fmt.Errorf("%v: not cached: %w", step, ErrNotEnabled)
		}

		s2.TLBs = withTLB(s1.TLBs, step.Core, s1.TLB(step.Core).Remove(step.Vaddr))
	default:
		return s1, step, fmt.Errorf("unknown step kind %v: %w", step.Kind, ErrNotEnabled)
	}

	return s2, step, nil
}

func applyReadWrite(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	if !memory.Aligned(step.Vaddr, memory.WordSize) {
		return s1, step, fmt.Errorf("%v: unaligned: %w", step, ErrNotEnabled)
	}

	s2 := s1

	if step.Translation == nil {
		if _, ok := s1.TLB(step.Core).Lookup(step.Vaddr); ok {
			return s1, step, fmt.Errorf("%v: TLB covers the address: %w", step, ErrNotEnabled)
		}

		if _, ok := InterpPTMem(s1.PT).Lookup(step.Vaddr); ok {
			return s1, step, fmt.Errorf("%v: page table covers the address: %w", step, ErrNotEnabled)
		}

		step.Op = step.Op.WithResult(memory.OutcomePagefault, 0)

		return s2, step, nil
	}

	tr := *step.Translation
	if !s1.TLB(step.Core).ContainsPair(tr.Base, tr.PTE) || !tr.Covers(step.Vaddr) {
		return s1, step, fmt.Errorf("%v: translation not cached: %w", step, ErrNotEnabled)
	}

	step.Paddr = tr.Paddr(step.Vaddr)
	pidx := memory.WordIndex(step.Paddr)

	switch {
	case !Permitted(c, step.Op, tr.PTE, pidx):
		step.Op = step.Op.WithResult(memory.OutcomePagefault, 0)
	case step.Op.Kind == memory.Store:
		mem, err := s1.Mem.Store(pidx, step.Op.NewValue)
		if err != nil {
			return s1, step, fmt.Errorf("%v: %w", step, err)
		}

		s2.Mem = mem
		step.Op = step.Op.WithResult(memory.OutcomeOk, 0)
	default:
		step.Op = step.Op.WithResult(memory.OutcomeValue, s1.Mem.Load(pidx))
	}

	return s2, step, nil
}
