package osspec

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/pagetable"
)

// hwEnabled checks the gates the OS puts on hardware steps: page table
// writes only happen inside Map and Unmap operations, and an access is made
// by an idle thread on its own core.
func hwEnabled(c Constants, s Variables, step Step) error {
	switch step.HW.Kind {
	case hardware.StepPTMemOp:
		return fmt.Errorf("%v: page table writes belong to map and unmap: %w", step, ErrNotEnabled)
	case hardware.StepReadWrite:
		core, ok := c.Core(step.ULT)
		if !ok || core != step.HW.Core {
			return fmt.Errorf("%v: thread does not run on %v: %w", step, step.HW.Core, ErrNotEnabled)
		}

		if cs := s.CoreStates[core]; cs.Kind != Idle && cs.ULT == step.ULT {
			return fmt.Errorf("%v: thread busy with %v: %w", step, cs, ErrNotEnabled)
		}
	case hardware.StepTLBFill, hardware.StepTLBEvict:
	}

	return nil
}

// Apply performs step on s1 and returns the successor together with the
// step completed with its results.
func Apply(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	switch step.Kind {
	case StepHW:
		if err := hwEnabled(c, s1, step); err != nil {
			return s1, step, err
		}

		hw, done, err := hardware.Apply(c.HW, s1.HW, step.HW)

		switch {
		case errors.Is(err, hardware.ErrNotEnabled):
			return s1, step, fmt.Errorf("%v: %w: %w", step, ErrNotEnabled, err)
		case err != nil:
			return s1, step, fmt.Errorf("%v: %w", step, err)
		}

		s2 := s1
		s2.HW = hw
		step.HW = done

		return s2, step, nil
	case StepMapStart:
		return applyMapStart(c, s1, step)
	case StepMapOpStart:
		return applyOpStart(c, s1, step, MapWaiting, MapExecuting)
	case StepMapEnd:
		return applyMapEnd(c, s1, step)
	case StepUnmapStart:
		return applyUnmapStart(c, s1, step)
	case StepUnmapOpStart:
		return applyOpStart(c, s1, step, UnmapWaiting, UnmapOpExecuting)
	case StepUnmapOpEnd:
		return applyUnmapOpEnd(c, s1, step)
	case StepUnmapInitiateShootdown:
		return applyInitiateShootdown(c, s1, step)
	case StepAckShootdown:
		return applyAckShootdown(c, s1, step)
	case StepUnmapEnd:
		return applyUnmapEnd(c, s1, step)
	case StepResolveStart:
		if _, ok := c.Core(step.ULT); !ok {
			return s1, step, fmt.Errorf("%v: invalid thread: %w", step, ErrNotEnabled)
		}

		return s1, step, nil
	case StepResolveEnd:
		if _, ok := c.Core(step.ULT); !ok {
			return s1, step, fmt.Errorf("%v: invalid thread: %w", step, ErrNotEnabled)
		}

		step.Resolve = pagetable.ResolveResult{}
		if r, err := pagetable.Resolve(pagetable.Variables{Map: s1.InterpPTMem()}, step.Vaddr); err == nil {
			step.Resolve = r
		}

		return s1, step, nil
	}

	return s1, step, fmt.Errorf("unknown step kind %v: %w", step.Kind, ErrNotEnabled)
}

// idleCore returns the core of step.ULT if it has nothing in flight.
func idleCore(c Constants, s Variables, step Step) (hardware.Core, error) {
	core, ok := c.Core(step.ULT)
	if !ok {
		return core, fmt.Errorf("%v: invalid thread: %w", step, ErrNotEnabled)
	}

	if cs := s.CoreStates[core]; cs.Kind != Idle {
		return core, fmt.Errorf("%v: %v busy with %v: %w", step, core, cs, ErrNotEnabled)
	}

	return core, nil
}

// ownedCore returns the core of step.ULT and its state if the core works
// for the thread.
func ownedCore(c Constants, s Variables, step Step) (hardware.Core, CoreState, error) {
	core, ok := c.Core(step.ULT)
	if !ok {
		return core, CoreState{}, fmt.Errorf("%v: invalid thread: %w", step, ErrNotEnabled)
	}

	cs := s.CoreStates[core]
	if cs.Kind == Idle || cs.ULT != step.ULT {
		return core, cs, fmt.Errorf("%v: %v is %v: %w", step, core, cs, ErrNotEnabled)
	}

	return core, cs, nil
}

func applyMapStart(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	core, err := idleCore(c, s1, step)
	if err != nil {
		return s1, step, err
	}

	if !memory.MappingAccepted(step.Vaddr, step.PTE) {
		return s1, step, fmt.Errorf("%v: %w", step, ErrNotEnabled)
	}

	s2 := s1.withCore(core, CoreState{Kind: MapWaiting, ULT: step.ULT, Vaddr: step.Vaddr, PTE: step.PTE})
	s2.Sound = s1.Sound && MapSound(s1.InterpPTMem(), s1.Inflight(), step.Vaddr, step.PTE)

	return s2, step, nil
}

func applyOpStart(c Constants, s1 Variables, step Step, from, to CoreStateKind) (Variables, Step, error) {
	if !c.HW.ValidCore(step.Core) {
		return s1, step, fmt.Errorf("%v: invalid core: %w", step, ErrNotEnabled)
	}

	cs := s1.CoreStates[step.Core]
	if cs.Kind != from {
		return s1, step, fmt.Errorf("%v: core is %v: %w", step, cs, ErrNotEnabled)
	}

	if s1.Lock != nil {
		return s1, step, fmt.Errorf("%v: lock held by %v: %w", step, *s1.Lock, ErrNotEnabled)
	}

	cs.Kind = to
	s2 := s1.withCore(step.Core, cs).locked(&step.Core)

	return s2, step, nil
}

// ptWrite performs w on the page table of s as core. Writes the page table
// rejects leave s unchanged and report false.
func ptWrite(c Constants, s Variables, core hardware.Core, w hardware.PTWrite) (hardware.Variables, bool, error) {
	hw, _, err := hardware.Apply(c.HW, s.HW, hardware.PTMemOp(core, w))

	switch {
	case errors.Is(err, hardware.ErrOverlap), errors.Is(err, hardware.ErrNoSuchMapping):
		return s.HW, false, nil
	case err != nil:
		return s.HW, false, err
	}

	return hw, true, nil
}

func applyMapEnd(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	core, cs, err := ownedCore(c, s1, step)
	if err != nil {
		return s1, step, err
	}

	if cs.Kind != MapExecuting || s1.Lock == nil || *s1.Lock != core {
		return s1, step, fmt.Errorf("%v: %v is %v without the lock: %w", step, core, cs, ErrNotEnabled)
	}

	hw, ok, err := ptWrite(c, s1, core, hardware.PTWrite{Kind: hardware.WriteMap, Vaddr: cs.Vaddr, PTE: cs.PTE})
	if err != nil {
		return s1, step, fmt.Errorf("%v: %w", step, err)
	}

	step.Result = memory.Err
	if ok {
		step.Result = memory.Ok
	}

	s2 := s1.withCore(core, CoreState{}).locked(nil)
	s2.HW = hw

	return s2, step, nil
}

func applyUnmapStart(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	core, err := idleCore(c, s1, step)
	if err != nil {
		return s1, step, err
	}

	if !memory.UnmapAccepted(step.Vaddr) {
		return s1, step, fmt.Errorf("%v: %w", step, ErrNotEnabled)
	}

	pte, mapped := s1.InterpPTMem().Get(step.Vaddr)
	if !mapped {
		pte = memory.PageTableEntry{}
	}

	cs := CoreState{Kind: UnmapWaiting, ULT: step.ULT, Vaddr: step.Vaddr, PTE: pte, Mapped: mapped}
	r, _ := cs.Vmem()

	s2 := s1.withCore(core, cs)
	s2.Sound = s1.Sound && UnmapSound(s1.Inflight(), step.Vaddr, r.Size)

	return s2, step, nil
}

func applyUnmapOpEnd(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	if !c.HW.ValidCore(step.Core) {
		return s1, step, fmt.Errorf("%v: invalid core: %w", step, ErrNotEnabled)
	}

	cs := s1.CoreStates[step.Core]
	if cs.Kind != UnmapOpExecuting || s1.Lock == nil || *s1.Lock != step.Core {
		return s1, step, fmt.Errorf("%v: core is %v without the lock: %w", step, cs, ErrNotEnabled)
	}

	hw := s1.HW
	ok := false

	// An unmap that found nothing when it started removes nothing.
	if cs.Mapped {
		var err error

		hw, ok, err = ptWrite(c, s1, step.Core, hardware.PTWrite{Kind: hardware.WriteUnmap, Vaddr: cs.Vaddr})
		if err != nil {
			return s1, step, fmt.Errorf("%v: %w", step, err)
		}
	}

	cs.Kind = UnmapOpDone
	cs.Result = memory.Err

	if ok {
		cs.Result = memory.Ok
	}

	step.Result = cs.Result

	s2 := s1.withCore(step.Core, cs).locked(nil)
	s2.HW = hw

	return s2, step, nil
}

func applyInitiateShootdown(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	if !c.HW.ValidCore(step.Core) {
		return s1, step, fmt.Errorf("%v: invalid core: %w", step, ErrNotEnabled)
	}

	cs := s1.CoreStates[step.Core]
	if cs.Kind != UnmapOpDone || cs.Result != memory.Ok {
		return s1, step, fmt.Errorf("%v: core is %v: %w", step, cs, ErrNotEnabled)
	}

	cs.Kind = UnmapShootdownWaiting
	s2 := s1.withCore(step.Core, cs)

	for _, h := range c.HW.Cores() {
		s2 = s2.withShootdown(Pair{Dispatcher: step.Core, Handler: h}, true)
	}

	return s2, step, nil
}

func applyAckShootdown(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	h, d := step.Core, step.Dispatcher
	if !c.HW.ValidCore(h) || !c.HW.ValidCore(d) {
		return s1, step, fmt.Errorf("%v: invalid core: %w", step, ErrNotEnabled)
	}

	cs := s1.CoreStates[d]
	if cs.Kind != UnmapShootdownWaiting {
		return s1, step, fmt.Errorf("%v: dispatcher is %v: %w", step, cs, ErrNotEnabled)
	}

	p := Pair{Dispatcher: d, Handler: h}
	if !s1.Shootdown[p] {
		return s1, step, fmt.Errorf("%v: nothing to acknowledge: %w", step, ErrNotEnabled)
	}

	if hs := s1.CoreStates[h]; hs.Kind != Idle && !hs.Kind.IsUnmap() {
		return s1, step, fmt.Errorf("%v: handler is %v: %w", step, hs, ErrNotEnabled)
	}

	if s1.HW.TLB(h).Contains(cs.Vaddr) {
		return s1, step, fmt.Errorf("%v: %#x still cached: %w", step, cs.Vaddr, ErrNotEnabled)
	}

	return s1.withShootdown(p, false), step, nil
}

func applyUnmapEnd(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	core, cs, err := ownedCore(c, s1, step)
	if err != nil {
		return s1, step, err
	}

	switch {
	case cs.Kind == UnmapShootdownWaiting:
	case cs.Kind == UnmapOpDone && cs.Result == memory.Err:
	default:
		return s1, step, fmt.Errorf("%v: %v is %v: %w", step, core, cs, ErrNotEnabled)
	}

	if !s1.RowClear(core) {
		return s1, step, fmt.Errorf("%v: shootdown of %v not acknowledged: %w", step, core, ErrNotEnabled)
	}

	step.Result = cs.Result

	return s1.withCore(core, CoreState{}), step, nil
}
