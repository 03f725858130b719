package osspec

import (
	"fmt"

	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/pagetable"
)

// NextStep reports whether s1 -> s2 is step.
func NextStep(c Constants, s1, s2 Variables, step Step) bool {
	return Verify(c, s1, s2, step) == nil
}

// Verify checks that s1 -> s2 is step. Hardware steps are checked by the
// hardware model. Every other step is checked against the successor its
// gate and effect describe. Page table writes are also checked against the
// flat page table interface while the state is sound.
func Verify(c Constants, s1, s2 Variables, step Step) error {
	var err error

	switch step.Kind {
	case StepHW:
		return verifyHW(c, s1, s2, step)
	case StepMapStart:
		err = verifyMapStart(c, s1, s2, step)
	case StepMapOpStart:
		err = verifyOpStart(c, s1, s2, step, MapWaiting, MapExecuting)
	case StepMapEnd:
		err = verifyMapEnd(c, s1, s2, step)
	case StepUnmapStart:
		err = verifyUnmapStart(c, s1, s2, step)
	case StepUnmapOpStart:
		err = verifyOpStart(c, s1, s2, step, UnmapWaiting, UnmapOpExecuting)
	case StepUnmapOpEnd:
		err = verifyUnmapOpEnd(c, s1, s2, step)
	case StepUnmapInitiateShootdown:
		err = verifyInitiateShootdown(c, s1, s2, step)
	case StepAckShootdown:
		err = verifyAckShootdown(c, s1, s2, step)
	case StepUnmapEnd:
		err = verifyUnmapEnd(c, s1, s2, step)
	case StepResolveStart, StepResolveEnd:
		err = verifyResolve(c, s1, s2, step)
	default:
		return fmt.Errorf("unknown step kind %v: %w", step.Kind, ErrNotEnabled)
	}

	if err != nil {
		return err
	}

	if !s1.Sound {
		return nil
	}

	return verifyPageTable(s1, s2, step)
}

// expect checks s2 against want.
func expect(s2, want Variables, step Step) error {
	if !s2.Equal(want) {
		return fmt.Errorf("%v: successor mismatch: %w", step, ErrTransition)
	}

	return nil
}

// sameMemAndTLBs checks that only the page table of the hardware changed.
func sameMemAndTLBs(s1, s2 Variables, step Step) error {
	want := s1.HW
	want.PT = s2.HW.PT

	if !sameHW(s2.HW, want) {
		return fmt.Errorf("%v changed memory or a TLB: %w", step, ErrTransition)
	}

	return nil
}

func verifyMapStart(c Constants, s1, s2 Variables, step Step) error {
	core, err := idleCore(c, s1, step)
	if err != nil {
		return err
	}

	if !memory.MappingAccepted(step.Vaddr, step.PTE) {
		return fmt.Errorf("%v: %w", step, ErrNotEnabled)
	}

	want := s1.withCore(core, CoreState{Kind: MapWaiting, ULT: step.ULT, Vaddr: step.Vaddr, PTE: step.PTE})
	want.Sound = s1.Sound && MapSound(s1.InterpPTMem(), s1.Inflight(), step.Vaddr, step.PTE)

	return expect(s2, want, step)
}

func verifyOpStart(c Constants, s1, s2 Variables, step Step, from, to CoreStateKind) error {
	if !c.HW.ValidCore(step.Core) {
		return fmt.Errorf("%v: invalid core: %w", step, ErrNotEnabled)
	}

	cs := s1.CoreStates[step.Core]
	if cs.Kind != from || s1.Lock != nil {
		return fmt.Errorf("%v: core is %v, lock %v: %w", step, cs, s1.Lock, ErrNotEnabled)
	}

	cs.Kind = to

	return expect(s2, s1.withCore(step.Core, cs).locked(&step.Core), step)
}

func verifyMapEnd(c Constants, s1, s2 Variables, step Step) error {
	core, cs, err := ownedCore(c, s1, step)
	if err != nil {
		return err
	}

	if cs.Kind != MapExecuting || !sameLock(s1.Lock, &core) {
		return fmt.Errorf("%v: %v is %v without the lock: %w", step, core, cs, ErrNotEnabled)
	}

	if err := sameMemAndTLBs(s1, s2, step); err != nil {
		return err
	}

	pt1, pt2 := s1.InterpPTMem(), s2.InterpPTMem()
	overlaps := memory.OverlapsExistingVmem(pt1, cs.Vaddr, cs.PTE.Frame.Size)

	switch {
	case step.Result == memory.Ok && !overlaps && pt2.Equal(pt1.Insert(cs.Vaddr, cs.PTE)):
	case step.Result == memory.Err && overlaps && pt2.Equal(pt1):
	default:
		return fmt.Errorf("%v: table %v -> %v: %w", step, pt1, pt2, ErrTransition)
	}

	want := s1.withCore(core, CoreState{}).locked(nil)
	want.HW = s2.HW

	return expect(s2, want, step)
}

func verifyUnmapStart(c Constants, s1, s2 Variables, step Step) error {
	core, err := idleCore(c, s1, step)
	if err != nil {
		return err
	}

	if !memory.UnmapAccepted(step.Vaddr) {
		return fmt.Errorf("%v: %w", step, ErrNotEnabled)
	}

	cs := CoreState{Kind: UnmapWaiting, ULT: step.ULT, Vaddr: step.Vaddr}
	if pte, ok := s1.InterpPTMem().Get(step.Vaddr); ok {
		cs.PTE, cs.Mapped = pte, true
	}

	r, _ := cs.Vmem()

	want := s1.withCore(core, cs)
	want.Sound = s1.Sound && UnmapSound(s1.Inflight(), step.Vaddr, r.Size)

	return expect(s2, want, step)
}

func verifyUnmapOpEnd(c Constants, s1, s2 Variables, step Step) error {
	if !c.HW.ValidCore(step.Core) {
		return fmt.Errorf("%v: invalid core: %w", step, ErrNotEnabled)
	}

	cs := s1.CoreStates[step.Core]
	if cs.Kind != UnmapOpExecuting || !sameLock(s1.Lock, &step.Core) {
		return fmt.Errorf("%v: core is %v without the lock: %w", step, cs, ErrNotEnabled)
	}

	if err := sameMemAndTLBs(s1, s2, step); err != nil {
		return err
	}

	pt1, pt2 := s1.InterpPTMem(), s2.InterpPTMem()
	removes := cs.Mapped && pt1.Contains(cs.Vaddr)

	switch {
	case step.Result == memory.Ok && removes && pt2.Equal(pt1.Remove(cs.Vaddr)):
	case step.Result == memory.Err && !removes && pt2.Equal(pt1):
	default:
		return fmt.Errorf("%v: table %v -> %v: %w", step, pt1, pt2, ErrTransition)
	}

	cs.Kind, cs.Result = UnmapOpDone, step.Result

	want := s1.withCore(step.Core, cs).locked(nil)
	want.HW = s2.HW

	return expect(s2, want, step)
}

func verifyInitiateShootdown(c Constants, s1, s2 Variables, step Step) error {
	if !c.HW.ValidCore(step.Core) {
		return fmt.Errorf("%v: invalid core: %w", step, ErrNotEnabled)
	}

	cs := s1.CoreStates[step.Core]
	if cs.Kind != UnmapOpDone || cs.Result != memory.Ok {
		return fmt.Errorf("%v: core is %v: %w", step, cs, ErrNotEnabled)
	}

	cs.Kind = UnmapShootdownWaiting
	want := s1.withCore(step.Core, cs)

	for _, h := range c.HW.Cores() {
		want = want.withShootdown(Pair{Dispatcher: step.Core, Handler: h}, true)
	}

	return expect(s2, want, step)
}

func verifyAckShootdown(c Constants, s1, s2 Variables, step Step) error {
	h, d := step.Core, step.Dispatcher
	if !c.HW.ValidCore(h) || !c.HW.ValidCore(d) {
		return fmt.Errorf("%v: invalid core: %w", step, ErrNotEnabled)
	}

	p := Pair{Dispatcher: d, Handler: h}
	cs := s1.CoreStates[d]

	switch hs := s1.CoreStates[h]; {
	case cs.Kind != UnmapShootdownWaiting || !s1.Shootdown[p]:
		return fmt.Errorf("%v: nothing to acknowledge from %v: %w", step, cs, ErrNotEnabled)
	case hs.Kind != Idle && !hs.Kind.IsUnmap():
		return fmt.Errorf("%v: handler is %v: %w", step, hs, ErrNotEnabled)
	case s1.HW.TLB(h).Contains(cs.Vaddr):
		return fmt.Errorf("%v: %#x still cached: %w", step, cs.Vaddr, ErrNotEnabled)
	}

	return expect(s2, s1.withShootdown(p, false), step)
}

func verifyUnmapEnd(c Constants, s1, s2 Variables, step Step) error {
	core, cs, err := ownedCore(c, s1, step)
	if err != nil {
		return err
	}

	waiting := cs.Kind == UnmapShootdownWaiting || (cs.Kind == UnmapOpDone && cs.Result == memory.Err)
	if !waiting || !s1.RowClear(core) {
		return fmt.Errorf("%v: %v is %v: %w", step, core, cs, ErrNotEnabled)
	}

	if step.Result != cs.Result {
		return fmt.Errorf("%v: expected result %v: %w", step, cs.Result, ErrTransition)
	}

	return expect(s2, s1.withCore(core, CoreState{}), step)
}

func verifyResolve(c Constants, s1, s2 Variables, step Step) error {
	if _, ok := c.Core(step.ULT); !ok {
		return fmt.Errorf("%v: invalid thread: %w", step, ErrNotEnabled)
	}

	if step.Kind == StepResolveEnd {
		want := pagetable.ResolveResult{}
		if r, err := pagetable.Resolve(pagetable.Variables{Map: s1.InterpPTMem()}, step.Vaddr); err == nil {
			want = r
		}

		if step.Resolve != want {
			return fmt.Errorf("%v: expected %v: %w", step, want.Translation, ErrTransition)
		}
	}

	return expect(s2, s1, step)
}

// verifyPageTable checks page table writes against the flat interface.
func verifyPageTable(s1, s2 Variables, step Step) error {
	pt1 := pagetable.Variables{Map: s1.InterpPTMem()}
	pt2 := pagetable.Variables{Map: s2.InterpPTMem()}

	var err error

	switch step.Kind {
	case StepMapEnd:
		cs := s1.CoreStates[*s1.Lock]

		r := pagetable.MapOk
		if step.Result == memory.Err {
			r = pagetable.MapErrOverlap
		}

		err = pagetable.VerifyMap(pt1, pt2, cs.Vaddr, cs.PTE, r)
	case StepUnmapOpEnd:
		cs := s1.CoreStates[step.Core]
		if !cs.Mapped {
			return pagetable.VerifyStutter(pt1, pt2)
		}

		r := pagetable.UnmapOk
		if step.Result == memory.Err {
			r = pagetable.UnmapErrNoSuchMapping
		}

		err = pagetable.VerifyUnmap(pt1, pt2, cs.Vaddr, r)
	case StepResolveEnd:
		if pagetable.ResolveEnabled(step.Vaddr) {
			err = pagetable.VerifyResolve(pt1, pt2, step.Vaddr, step.Resolve)
		}
	default:
		err = pagetable.VerifyStutter(pt1, pt2)
	}

	if err != nil {
		return fmt.Errorf("%v: %w", step, err)
	}

	return nil
}

func verifyHW(c Constants, s1, s2 Variables, step Step) error {
	if err := hwEnabled(c, s1, step); err != nil {
		return err
	}

	if err := hardware.Verify(c.HW, s1.HW, s2.HW, step.HW); err != nil {
		return fmt.Errorf("%v: %w", step, err)
	}

	want := s1
	want.HW = s2.HW

	if !s2.Equal(want) {
		return fmt.Errorf("%v changed more than the hardware: %w", step, ErrTransition)
	}

	return nil
}

