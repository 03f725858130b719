package hlspec

import (
	"fmt"
	"maps"

	"github.com/bobuhiro11/vmspec/memory"
)

type StepKind uint8

const (
	StepReadWrite StepKind = iota
	StepMapStart
	StepMapEnd
	StepUnmapStart
	StepUnmapEnd
	StepStutter
)

func (k StepKind) String() string {
	switch k {
	case StepReadWrite:
		return "ReadWrite"
	case StepMapStart:
		return "MapStart"
	case StepMapEnd:
		return "MapEnd"
	case StepUnmapStart:
		return "UnmapStart"
	case StepUnmapEnd:
		return "UnmapEnd"
	case StepStutter:
		return "Stutter"
	}

	return fmt.Sprintf("StepKind(%d)", uint8(k))
}

// Step is one abstract transition. Fields not used by Kind are zero.
type Step struct {
	Kind     StepKind
	ThreadID uint64
	Vaddr    uint64
	PTE      memory.PageTableEntry
	Op       memory.RWOp
	// Translation is the mapping a ReadWrite goes through, nil when the
	// address is not mapped.
	Translation *memory.Translation
	Result      memory.Result
}

func ReadWrite(id, vaddr uint64, op memory.RWOp, tr *memory.Translation) Step {
	return Step{Kind: StepReadWrite, ThreadID: id, Vaddr: vaddr, Op: op, Translation: tr}
}

func MapStart(id, vaddr uint64, pte memory.PageTableEntry) Step {
	return Step{Kind: StepMapStart, ThreadID: id, Vaddr: vaddr, PTE: pte}
}

func MapEnd(id uint64, r memory.Result) Step {
	return Step{Kind: StepMapEnd, ThreadID: id, Result: r}
}

func UnmapStart(id, vaddr uint64) Step {
	return Step{Kind: StepUnmapStart, ThreadID: id, Vaddr: vaddr}
}

func UnmapEnd(id uint64, r memory.Result) Step {
	return Step{Kind: StepUnmapEnd, ThreadID: id, Result: r}
}

func Stutter() Step {
	return Step{Kind: StepStutter}
}

func (s Step) String() string {
	switch s.Kind {
	case StepReadWrite:
		if s.Translation == nil {
			return fmt.Sprintf("ReadWrite{t%d %#x %v None}", s.ThreadID, s.Vaddr, s.Op)
		}

		return fmt.Sprintf("ReadWrite{t%d %#x %v %v}", s.ThreadID, s.Vaddr, s.Op, *s.Translation)
	case StepMapStart:
		return fmt.Sprintf("MapStart{t%d %#x %v}", s.ThreadID, s.Vaddr, s.PTE)
	case StepUnmapStart:
		return fmt.Sprintf("UnmapStart{t%d %#x}", s.ThreadID, s.Vaddr)
	case StepMapEnd, StepUnmapEnd:
		return fmt.Sprintf("%v{t%d %v}", s.Kind, s.ThreadID, s.Result)
	case StepStutter:
	}

	return s.Kind.String()
}

// OverlapsInflightVmem reports whether [base, base+size) overlaps the
// virtual range of an in-flight operation.
func OverlapsInflightVmem(inflight []Arguments, base, size uint64) bool {
	cand := memory.MemRegion{Base: base, Size: size}

	for _, a := range inflight {
		if r, ok := a.Vmem(); ok && memory.Overlap(r, cand) {
			return true
		}
	}

	return false
}

// OverlapsInflightPmem reports whether pte's frame overlaps the frame of an
// in-flight operation.
func OverlapsInflightPmem(inflight []Arguments, pte memory.PageTableEntry) bool {
	for _, a := range inflight {
		if fr, ok := a.Pmem(); ok && memory.Overlap(pte.Frame, fr) {
			return true
		}
	}

	return false
}

func MapSound(mappings memory.Mappings, inflight []Arguments, vaddr uint64, pte memory.PageTableEntry) bool {
	return !OverlapsInflightVmem(inflight, vaddr, pte.Frame.Size) &&
		!memory.OverlapsExistingPmem(mappings, pte) &&
		!OverlapsInflightPmem(inflight, pte)
}

func MapEnabled(vaddr uint64, pte memory.PageTableEntry) bool {
	return memory.MappingAccepted(vaddr, pte)
}

// UnmapSound takes the size of the entry being removed, zero when vaddr is
// not mapped.
func UnmapSound(inflight []Arguments, vaddr, size uint64) bool {
	return !OverlapsInflightVmem(inflight, vaddr, size)
}

func UnmapEnabled(vaddr uint64) bool {
	return memory.UnmapAccepted(vaddr)
}

// NextStep reports whether s1 -> s2 is step.
func NextStep(c Constants, s1, s2 Variables, step Step) bool {
	return Verify(c, s1, s2, step) == nil
}

// Verify checks that s1 -> s2 is step. Once s1 is unsound the only
// requirement is that s2 stays unsound.
func Verify(c Constants, s1, s2 Variables, step Step) error {
	if !s1.Sound {
		if s2.Sound {
			return fmt.Errorf("%v: %w", step, ErrUnsound)
		}

		return nil
	}

	switch step.Kind {
	case StepReadWrite:
		return verifyReadWrite(c, s1, s2, step)
	case StepMapStart:
		return verifyMapStart(c, s1, s2, step)
	case StepMapEnd:
		return verifyMapEnd(c, s1, s2, step)
	case StepUnmapStart:
		return verifyUnmapStart(c, s1, s2, step)
	case StepUnmapEnd:
		return verifyUnmapEnd(c, s1, s2, step)
	case StepStutter:
		if !s2.Equal(s1) {
			return fmt.Errorf("stutter changed the state: %w", ErrTransition)
		}

		return nil
	}

	return fmt.Errorf("unknown step kind %v: %w", step.Kind, ErrNotEnabled)
}

func idle(c Constants, s Variables, step Step) error {
	if !c.ValidThread(step.ThreadID) {
		return fmt.Errorf("%v: invalid thread: %w", step, ErrNotEnabled)
	}

	if a := s.ThreadState[step.ThreadID]; a != Empty {
		return fmt.Errorf("%v: thread busy with %v: %w", step, a, ErrNotEnabled)
	}

	return nil
}

// readWriteOutcome returns the outcome of op through tr and the memory
// after it.
func readWriteOutcome(c Constants, mem Memory, vaddr uint64, op memory.RWOp, tr *memory.Translation) (memory.Outcome, uint64, Memory) {
	if tr == nil {
		return memory.OutcomeUndefined, 0, mem
	}

	vidx := memory.WordIndex(vaddr)
	pidx := memory.WordIndex(tr.Paddr(vaddr))
	flags := tr.PTE.Flags
	ok := pidx < c.PhysMemSize && !flags.IsSupervisor

	if op.Kind == memory.Store {
		if !ok || !flags.IsWritable {
			return memory.OutcomeUndefined, 0, mem
		}

		return memory.OutcomeOk, 0, mem.With(vidx, op.NewValue)
	}

	if !ok || (op.IsExec && flags.DisableExecute) {
		return memory.OutcomeUndefined, 0, mem
	}

	return memory.OutcomeValue, mem.Load(vidx), mem
}

func readWriteEnabled(c Constants, s Variables, step Step) error {
	if err := idle(c, s, step); err != nil {
		return err
	}

	if !memory.Aligned(step.Vaddr, memory.WordSize) {
		return fmt.Errorf("%v: unaligned: %w", step, ErrNotEnabled)
	}

	if tr := step.Translation; tr != nil {
		if !s.Mappings.ContainsPair(tr.Base, tr.PTE) || !tr.Covers(step.Vaddr) {
			return fmt.Errorf("%v: not a mapping covering the address: %w", step, ErrNotEnabled)
		}

		return nil
	}

	if MemDomainContains(c.PhysMemSize, memory.WordIndex(step.Vaddr), s.Mappings) {
		return fmt.Errorf("%v: address is mapped: %w", step, ErrNotEnabled)
	}

	return nil
}

func verifyReadWrite(c Constants, s1, s2 Variables, step Step) error {
	if err := readWriteEnabled(c, s1, step); err != nil {
		return err
	}

	if s2.Sound != s1.Sound || !s2.Mappings.Equal(s1.Mappings) || !equalThreads(s1, s2) {
		return fmt.Errorf("%v changed more than memory: %w", step, ErrTransition)
	}

	r, v, mem := readWriteOutcome(c, s1.Mem, step.Vaddr, step.Op, step.Translation)
	if step.Op.Result != r || (r == memory.OutcomeValue && step.Op.Value != v) {
		return fmt.Errorf("%v: expected %v %#x: %w", step, r, v, ErrTransition)
	}

	if !s2.Mem.Equal(mem) {
		return fmt.Errorf("%v: memory mismatch: %w", step, ErrTransition)
	}

	return nil
}

func equalThreads(s1, s2 Variables) bool {
	return maps.Equal(s1.ThreadState, s2.ThreadState)
}

func verifyMapStart(c Constants, s1, s2 Variables, step Step) error {
	if !MapEnabled(step.Vaddr, step.PTE) {
		return fmt.Errorf("%v: %w", step, ErrNotEnabled)
	}

	if err := idle(c, s1, step); err != nil {
		return err
	}

	if !MapSound(s1.Mappings, s1.Inflight(), step.Vaddr, step.PTE) {
		if s2.Sound {
			return fmt.Errorf("%v: unsound start kept the state sound: %w", step, ErrTransition)
		}

		return nil
	}

	want := s1.WithThread(step.ThreadID, MapArgs(step.Vaddr, step.PTE))
	if !s2.Equal(want) {
		return fmt.Errorf("%v: %w", step, ErrTransition)
	}

	return nil
}

// preservedOn reports whether m1 and m2 agree on every word of the domain of
// mappings.
func preservedOn(c Constants, m1, m2 Memory, mappings memory.Mappings) bool {
	check := func(idx uint64) bool {
		return !MemDomainContains(c.PhysMemSize, idx, mappings) || m1.Load(idx) == m2.Load(idx)
	}

	ok := true
	visit := func(idx, _ uint64) bool {
		ok = check(idx)

		return ok
	}

	m1.Ascend(visit)

	if ok {
		m2.Ascend(visit)
	}

	return ok
}

func verifyMapEnd(c Constants, s1, s2 Variables, step Step) error {
	if !c.ValidThread(step.ThreadID) {
		return fmt.Errorf("%v: invalid thread: %w", step, ErrNotEnabled)
	}

	a := s1.ThreadState[step.ThreadID]
	if a.Kind != ArgMap {
		return fmt.Errorf("%v: thread holds %v: %w", step, a, ErrNotEnabled)
	}

	if s2.Sound != s1.Sound || !equalThreads(s1.WithThread(step.ThreadID, Empty), s2) {
		return fmt.Errorf("%v: thread state or soundness: %w", step, ErrTransition)
	}

	if memory.OverlapsExistingVmem(s1.Mappings, a.Vaddr, a.PTE.Frame.Size) {
		if step.Result != memory.Err || !s2.Mappings.Equal(s1.Mappings) || !s2.Mem.Equal(s1.Mem) {
			return fmt.Errorf("%v: overlapping map must fail without effect: %w", step, ErrTransition)
		}

		return nil
	}

	if step.Result != memory.Ok {
		return fmt.Errorf("%v: expected Ok: %w", step, ErrTransition)
	}

	if !s2.Mappings.Equal(s1.Mappings.Insert(a.Vaddr, a.PTE)) {
		return fmt.Errorf("%v: mapping not inserted: %w", step, ErrTransition)
	}

	if err := Wf(c, s2); err != nil {
		return fmt.Errorf("%v: %w", step, err)
	}

	if !preservedOn(c, s1.Mem, s2.Mem, s1.Mappings) {
		return fmt.Errorf("%v: existing memory changed: %w", step, ErrTransition)
	}

	return nil
}

// capture returns the entry an UnmapStart of vaddr removes.
func capture(s Variables, vaddr uint64) Arguments {
	pte, ok := s.Mappings.Get(vaddr)

	return UnmapArgs(vaddr, pte, ok)
}

func verifyUnmapStart(c Constants, s1, s2 Variables, step Step) error {
	if !UnmapEnabled(step.Vaddr) {
		return fmt.Errorf("%v: %w", step, ErrNotEnabled)
	}

	if err := idle(c, s1, step); err != nil {
		return err
	}

	a := capture(s1, step.Vaddr)
	r, _ := a.Vmem()

	if !UnmapSound(s1.Inflight(), step.Vaddr, r.Size) {
		if s2.Sound {
			return fmt.Errorf("%v: unsound start kept the state sound: %w", step, ErrTransition)
		}

		return nil
	}

	want := s1.WithThread(step.ThreadID, a)
	if a.Mapped {
		want.Mappings = s1.Mappings.Remove(step.Vaddr)
		want.Mem = Restrict(s1.Mem, c.PhysMemSize, want.Mappings)
	}

	if !s2.Equal(want) {
		return fmt.Errorf("%v: %w", step, ErrTransition)
	}

	return nil
}

func verifyUnmapEnd(c Constants, s1, s2 Variables, step Step) error {
	if !c.ValidThread(step.ThreadID) {
		return fmt.Errorf("%v: invalid thread: %w", step, ErrNotEnabled)
	}

	a := s1.ThreadState[step.ThreadID]
	if a.Kind != ArgUnmap {
		return fmt.Errorf("%v: thread holds %v: %w", step, a, ErrNotEnabled)
	}

	want := memory.Err
	if a.Mapped {
		want = memory.Ok
	}

	if step.Result != want {
		return fmt.Errorf("%v: expected %v: %w", step, want, ErrTransition)
	}

	if !s2.Equal(s1.WithThread(step.ThreadID, Empty)) {
		return fmt.Errorf("%v: %w", step, ErrTransition)
	}

	return nil
}
