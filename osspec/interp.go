package osspec

import (
	"github.com/bobuhiro11/vmspec/hlspec"
	"github.com/bobuhiro11/vmspec/memory"
)

// Interp returns the abstract constants c implements.
func (c Constants) Interp() hlspec.Constants {
	return hlspec.Constants{ThreadNo: c.ULTNo, PhysMemSize: c.HW.PhysMemSize}
}

// InflightUnmapVaddrs returns the addresses of the unmaps in flight that
// found a mapping when they started.
func (s Variables) InflightUnmapVaddrs() map[uint64]struct{} {
	ret := map[uint64]struct{}{}

	for _, cs := range s.CoreStates {
		if cs.Kind.IsUnmap() && cs.Mapped {
			ret[cs.Vaddr] = struct{}{}
		}
	}

	return ret
}

// EffectiveMappings is the page table together with every TLB entry, TLB
// entries winning, without the addresses being unmapped.
func (s Variables) EffectiveMappings() memory.Mappings {
	m := s.InterpPTMem().Union(s.HW.JointTLBs())

	for vaddr := range s.InflightUnmapVaddrs() {
		m = m.Remove(vaddr)
	}

	return m
}

// InterpVmem reads virtual memory through the effective mappings.
func (s Variables) InterpVmem(c Constants) hlspec.Memory {
	var ret hlspec.Memory

	s.EffectiveMappings().Ascend(func(base uint64, pte memory.PageTableEntry) bool {
		lo := memory.WordIndex(pte.Frame.Base)
		hi := lo + memory.WordIndex(pte.Frame.Size)

		if hi > c.HW.PhysMemSize || hi < lo {
			hi = c.HW.PhysMemSize
		}

		vbase := memory.WordIndex(base)

		s.HW.Mem.AscendRange(lo, hi, func(idx, value uint64) bool {
			ret = ret.With(vbase+idx-lo, value)

			return true
		})

		return true
	})

	return ret
}

// InterpThreadState returns the abstract operation of every thread: the
// operation of its core if the core works for it, Empty otherwise.
func (s Variables) InterpThreadState(c Constants) map[uint64]hlspec.Arguments {
	ret := make(map[uint64]hlspec.Arguments, c.ULTNo)

	for ult := uint64(0); ult < c.ULTNo; ult++ {
		ret[ult] = hlspec.Empty

		core, ok := c.Core(ult)
		if !ok {
			continue
		}

		cs := s.CoreStates[core]
		if cs.Kind == Idle || cs.ULT != ult {
			continue
		}

		switch {
		case cs.Kind.IsMap():
			ret[ult] = hlspec.MapArgs(cs.Vaddr, cs.PTE)
		case cs.Kind.IsUnmap():
			ret[ult] = hlspec.UnmapArgs(cs.Vaddr, cs.PTE, cs.Mapped)
		}
	}

	return ret
}

// Interp returns the abstract state s implements.
func (s Variables) Interp(c Constants) hlspec.Variables {
	return hlspec.Variables{
		Mem:         s.InterpVmem(c),
		ThreadState: s.InterpThreadState(c),
		Mappings:    s.EffectiveMappings(),
		Sound:       s.Sound,
	}
}
