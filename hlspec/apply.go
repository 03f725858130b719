package hlspec

import (
	"fmt"

	"github.com/bobuhiro11/vmspec/memory"
)

// Apply performs step on s1 and returns the successor together with the
// step completed with its results. An unsound start still takes effect and
// clears the soundness flag; words a MapEnd adds to memory read as zero.
func Apply(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	var (
		s2  Variables
		err error
	)

	switch step.Kind {
	case StepReadWrite:
		s2, step, err = applyReadWrite(c, s1, step)
	case StepMapStart:
		s2, err = applyMapStart(c, s1, step)
	case StepMapEnd:
		s2, step, err = applyMapEnd(c, s1, step)
	case StepUnmapStart:
		s2, err = applyUnmapStart(c, s1, step)
	case StepUnmapEnd:
		s2, step, err = applyUnmapEnd(c, s1, step)
	case StepStutter:
		s2 = s1
	default:
		err = fmt.Errorf("unknown step kind %v: %w", step.Kind, ErrNotEnabled)
	}

	if err != nil {
		return s1, step, err
	}

	if !s1.Sound {
		s2.Sound = false
	}

	return s2, step, nil
}

func applyReadWrite(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	if err := readWriteEnabled(c, s1, step); err != nil {
		return s1, step, err
	}

	r, v, mem := readWriteOutcome(c, s1.Mem, step.Vaddr, step.Op, step.Translation)
	step.Op = step.Op.WithResult(r, v)

	s2 := s1
	s2.Mem = mem

	return s2, step, nil
}

func applyMapStart(c Constants, s1 Variables, step Step) (Variables, error) {
	if !MapEnabled(step.Vaddr, step.PTE) {
		return s1, fmt.Errorf("%v: %w", step, ErrNotEnabled)
	}

	if err := idle(c, s1, step); err != nil {
		return s1, err
	}

	s2 := s1.WithThread(step.ThreadID, MapArgs(step.Vaddr, step.PTE))
	if !MapSound(s1.Mappings, s1.Inflight(), step.Vaddr, step.PTE) {
		s2.Sound = false
	}

	return s2, nil
}

func applyMapEnd(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	if !c.ValidThread(step.ThreadID) {
		return s1, step, fmt.Errorf("%v: invalid thread: %w", step, ErrNotEnabled)
	}

	a := s1.ThreadState[step.ThreadID]
	if a.Kind != ArgMap {
		return s1, step, fmt.Errorf("%v: thread holds %v: %w", step, a, ErrNotEnabled)
	}

	s2 := s1.WithThread(step.ThreadID, Empty)

	if memory.OverlapsExistingVmem(s1.Mappings, a.Vaddr, a.PTE.Frame.Size) {
		step.Result = memory.Err

		return s2, step, nil
	}

	step.Result = memory.Ok
	s2.Mappings = s1.Mappings.Insert(a.Vaddr, a.PTE)

	return s2, step, nil
}

func applyUnmapStart(c Constants, s1 Variables, step Step) (Variables, error) {
	if !UnmapEnabled(step.Vaddr) {
		return s1, fmt.Errorf("%v: %w", step, ErrNotEnabled)
	}

	if err := idle(c, s1, step); err != nil {
		return s1, err
	}

	a := capture(s1, step.Vaddr)
	r, _ := a.Vmem()

	s2 := s1.WithThread(step.ThreadID, a)
	if a.Mapped {
		s2.Mappings = s1.Mappings.Remove(step.Vaddr)
		s2.Mem = Restrict(s1.Mem, c.PhysMemSize, s2.Mappings)
	}

	if !UnmapSound(s1.Inflight(), step.Vaddr, r.Size) {
		s2.Sound = false
	}

	return s2, nil
}

func applyUnmapEnd(c Constants, s1 Variables, step Step) (Variables, Step, error) {
	if !c.ValidThread(step.ThreadID) {
		return s1, step, fmt.Errorf("%v: invalid thread: %w", step, ErrNotEnabled)
	}

	a := s1.ThreadState[step.ThreadID]
	if a.Kind != ArgUnmap {
		return s1, step, fmt.Errorf("%v: thread holds %v: %w", step, a, ErrNotEnabled)
	}

	step.Result = memory.Err
	if a.Mapped {
		step.Result = memory.Ok
	}

	return s1.WithThread(step.ThreadID, Empty), step, nil
}
