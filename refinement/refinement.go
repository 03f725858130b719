package refinement

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/hlspec"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/osspec"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Violation is a step whose abstract counterpart the abstract machine
// rejects. Diff compares the abstract successor the abstract machine
// computes with the interpretation of the operational successor.
type Violation struct {
	Step     osspec.Step
	Abstract hlspec.Step
	Diff     string
	Err      error
}

func (v *Violation) Error() string {
	msg := fmt.Sprintf("%v as %v: %v", v.Step, v.Abstract, v.Err)
	if v.Diff != "" {
		msg += "\n(-expected +actual):\n" + v.Diff
	}

	return msg
}

func (v *Violation) Unwrap() error {
	return v.Err
}

// view is the comparable form of an abstract state.
type view struct {
	Mem         map[uint64]uint64
	ThreadState map[uint64]hlspec.Arguments
	Mappings    map[uint64]memory.PageTableEntry
	Sound       bool
}

func viewOf(s hlspec.Variables) view {
	return view{
		Mem:         s.Mem.Entries(),
		ThreadState: s.ThreadState,
		Mappings:    s.Mappings.Entries(),
		Sound:       s.Sound,
	}
}

// Diff returns a human readable diff of two abstract states, empty when
// they agree.
func Diff(want, got hlspec.Variables) string {
	return cmp.Diff(viewOf(want), viewOf(got), cmpopts.EquateEmpty())
}

// abstract verifies the abstract step of step between the interpretations
// of s1 and s2.
func abstract(c osspec.Constants, s1, s2 osspec.Variables, step osspec.Step) error {
	hc := c.Interp()
	h1 := s1.Interp(c)
	h2 := s2.Interp(c)
	hs := step.Interp(c, s1)

	err := hlspec.Verify(hc, h1, h2, hs)
	if err == nil {
		return nil
	}

	v := &Violation{Step: step, Abstract: hs, Err: fmt.Errorf("%w: %w", ErrRefinement, err)}

	if want, _, aerr := hlspec.Apply(hc, h1, hs); aerr == nil {
		v.Diff = Diff(want, h2)
	}

	return v
}

func lemma(step osspec.Step, err error) error {
	if err == nil {
		return nil
	}

	return &Violation{Step: step, Err: err}
}

// StepReadWriteRefines checks a memory access.
func StepReadWriteRefines(c osspec.Constants, s1, s2 osspec.Variables, step osspec.Step) error {
	return abstract(c, s1, s2, step)
}

// StepMapStartRefines checks the start of a map.
func StepMapStartRefines(c osspec.Constants, s1, s2 osspec.Variables, step osspec.Step) error {
	if err := CheckMapSoundnessEquality(c, s1, step.Vaddr, step.PTE); err != nil {
		return lemma(step, err)
	}

	return abstract(c, s1, s2, step)
}

// StepMapEndRefines checks the end of a map.
func StepMapEndRefines(c osspec.Constants, s1, s2 osspec.Variables, step osspec.Step) error {
	return abstract(c, s1, s2, step)
}

// StepUnmapStartRefines checks the start of an unmap.
func StepUnmapStartRefines(c osspec.Constants, s1, s2 osspec.Variables, step osspec.Step) error {
	if err := CheckUnmapSoundnessEquality(c, s1, step.Vaddr); err != nil {
		return lemma(step, err)
	}

	if err := abstract(c, s1, s2, step); err != nil {
		return err
	}

	if s2.Sound {
		return lemma(step, CheckInflightVaddrs(c, s2))
	}

	return nil
}

// StepUnmapOpEndRefines checks the page table write of an unmap, which the
// abstract machine does not see: the address was already gone from the
// effective mappings.
func StepUnmapOpEndRefines(c osspec.Constants, s1, s2 osspec.Variables, step osspec.Step) error {
	if m1, m2 := s1.EffectiveMappings(), s2.EffectiveMappings(); !m1.Equal(m2) {
		return lemma(step, fmt.Errorf("effective mappings changed from %v to %v: %w", m1, m2, ErrLemma))
	}

	return abstract(c, s1, s2, step)
}

// StepUnmapEndRefines checks the end of an unmap.
func StepUnmapEndRefines(c osspec.Constants, s1, s2 osspec.Variables, step osspec.Step) error {
	if err := abstract(c, s1, s2, step); err != nil {
		return err
	}

	if s2.Sound {
		return lemma(step, CheckInflightVaddrs(c, s2))
	}

	return nil
}

// StepStutterRefines checks a step without abstract effect.
func StepStutterRefines(c osspec.Constants, s1, s2 osspec.Variables, step osspec.Step) error {
	if err := CheckEffectiveMappingsUnaffected(s1, s2); err != nil {
		return lemma(step, err)
	}

	return abstract(c, s1, s2, step)
}

// CheckStep checks that s1 -> s2 by step refines the abstract machine. The
// step must be a transition of the operational machine and s1 must satisfy
// its invariant.
func CheckStep(c osspec.Constants, s1, s2 osspec.Variables, step osspec.Step) error {
	if err := osspec.Verify(c, s1, s2, step); err != nil {
		return fmt.Errorf("not a transition: %w", err)
	}

	if !s1.Sound {
		if s2.Sound {
			return &Violation{Step: step, Err: fmt.Errorf("%w: %w", ErrRefinement, hlspec.ErrUnsound)}
		}

		return nil
	}

	switch step.Kind {
	case osspec.StepHW:
		if step.HW.Kind == hardware.StepReadWrite {
			return StepReadWriteRefines(c, s1, s2, step)
		}

		return StepStutterRefines(c, s1, s2, step)
	case osspec.StepMapStart:
		return StepMapStartRefines(c, s1, s2, step)
	case osspec.StepMapEnd:
		return StepMapEndRefines(c, s1, s2, step)
	case osspec.StepUnmapStart:
		return StepUnmapStartRefines(c, s1, s2, step)
	case osspec.StepUnmapOpEnd:
		return StepUnmapOpEndRefines(c, s1, s2, step)
	case osspec.StepUnmapEnd:
		return StepUnmapEndRefines(c, s1, s2, step)
	case osspec.StepMapOpStart, osspec.StepUnmapOpStart, osspec.StepUnmapInitiateShootdown,
		osspec.StepAckShootdown, osspec.StepResolveStart, osspec.StepResolveEnd:
		return StepStutterRefines(c, s1, s2, step)
	}

	return fmt.Errorf("unknown step kind %v: %w", step.Kind, osspec.ErrNotEnabled)
}

// IsViolation reports whether err is a refinement violation rather than a
// malformed step.
func IsViolation(err error) bool {
	var v *Violation

	return errors.As(err, &v)
}
