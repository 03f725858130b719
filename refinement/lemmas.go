// Package refinement checks that the operational machine implements the
// abstract one: every operational step from a state satisfying the
// operational invariant maps to an abstract step the abstract machine
// accepts between the interpreted states.
package refinement

import (
	"errors"
	"fmt"
	"maps"

	"github.com/bobuhiro11/vmspec/hlspec"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/osspec"
)

var (
	ErrRefinement = errors.New("refinement violated")
	ErrLemma      = errors.New("refinement lemma violated")
)

// CheckInit checks that an initial operational state interprets to an
// initial abstract state.
func CheckInit(c osspec.Constants, s osspec.Variables) error {
	if err := osspec.Init(c, s); err != nil {
		return err
	}

	if err := hlspec.Init(c.Interp(), s.Interp(c)); err != nil {
		return fmt.Errorf("initial state: %w: %w", ErrRefinement, err)
	}

	return nil
}

// abstractUnmapVaddrs returns the addresses abstract threads are unmapping
// that were mapped when the unmap started.
func abstractUnmapVaddrs(ts map[uint64]hlspec.Arguments) map[uint64]struct{} {
	ret := map[uint64]struct{}{}

	for _, a := range ts {
		if a.Kind == hlspec.ArgUnmap && a.Mapped {
			ret[a.Vaddr] = struct{}{}
		}
	}

	return ret
}

// CheckInflightVaddrs checks that the addresses being unmapped according to
// the core states are those the interpreted threads are unmapping.
func CheckInflightVaddrs(c osspec.Constants, s osspec.Variables) error {
	got := s.InflightUnmapVaddrs()
	want := abstractUnmapVaddrs(s.InterpThreadState(c))

	if !maps.Equal(got, want) {
		return fmt.Errorf("in-flight unmaps %v, threads unmap %v: %w", keys(got), keys(want), ErrLemma)
	}

	return nil
}

func keys(m map[uint64]struct{}) []uint64 {
	ret := make([]uint64, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}

	return ret
}

// CheckMapSoundnessEquality checks that a map of vaddr -> pte from s is
// sound at both levels or at neither.
func CheckMapSoundnessEquality(c osspec.Constants, s osspec.Variables, vaddr uint64, pte memory.PageTableEntry) error {
	abs := s.Interp(c)

	low := osspec.MapSound(s.InterpPTMem(), s.Inflight(), vaddr, pte)
	high := hlspec.MapSound(abs.Mappings, abs.Inflight(), vaddr, pte)

	if low != high {
		return fmt.Errorf("map %#x -> %v: sound %v, abstract sound %v: %w", vaddr, pte, low, high, ErrLemma)
	}

	return nil
}

// CheckUnmapSoundnessEquality checks that an unmap of vaddr from s is sound
// at both levels or at neither.
func CheckUnmapSoundnessEquality(c osspec.Constants, s osspec.Variables, vaddr uint64) error {
	abs := s.Interp(c)

	var lowSize, highSize uint64
	if pte, ok := s.InterpPTMem().Get(vaddr); ok {
		lowSize = pte.Frame.Size
	}

	if pte, ok := abs.Mappings.Get(vaddr); ok {
		highSize = pte.Frame.Size
	}

	low := osspec.UnmapSound(s.Inflight(), vaddr, lowSize)
	high := hlspec.UnmapSound(abs.Inflight(), vaddr, highSize)

	if low != high {
		return fmt.Errorf("unmap %#x: sound %v, abstract sound %v: %w", vaddr, low, high, ErrLemma)
	}

	return nil
}

// CheckEffectiveMappingsUnaffected checks that a step leaving the page
// table and the unmaps in flight alone leaves the effective mappings alone.
func CheckEffectiveMappingsUnaffected(s1, s2 osspec.Variables) error {
	if !maps.Equal(s1.InflightUnmapVaddrs(), s2.InflightUnmapVaddrs()) ||
		!s1.InterpPTMem().Equal(s2.InterpPTMem()) {
		return nil
	}

	if m1, m2 := s1.EffectiveMappings(), s2.EffectiveMappings(); !m1.Equal(m2) {
		return fmt.Errorf("effective mappings changed from %v to %v: %w", m1, m2, ErrLemma)
	}

	return nil
}
