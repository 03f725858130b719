package checker

import (
	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/osspec"
)

// access is a word access a thread may make.
type access struct {
	vaddr uint64
	op    memory.RWOp
}

// universeAccesses loads and stores the first two words of every address
// of the universe.
func universeAccesses(u Universe) []access {
	var ret []access

	for _, v := range u.Vaddrs {
		for _, w := range []uint64{v, v + memory.WordSize} {
			ret = append(ret, access{vaddr: w, op: memory.LoadOp(false)})

			for _, val := range u.Values {
				ret = append(ret, access{vaddr: w, op: memory.StoreOp(val)})
			}
		}
	}

	return ret
}

func (u Universe) entries() []memory.PageTableEntry {
	var ret []memory.PageTableEntry

	for _, size := range u.Sizes {
		for _, base := range u.Frames {
			ret = append(ret, memory.PageTableEntry{
				Frame: memory.MemRegion{Base: base, Size: size},
				Flags: memory.Flags{IsWritable: true},
			})
		}
	}

	return ret
}

// Candidates lists the steps worth trying from s. Results are left for
// osspec.Apply to fill in and some candidates may not be enabled.
func (ch *Checker) Candidates(s osspec.Variables) []osspec.Step {
	var ret []osspec.Step

	for ult := uint64(0); ult < ch.consts.ULTNo; ult++ {
		ret = append(ret, ch.threadCandidates(s, ult)...)
	}

	cores := ch.consts.HW.Cores()
	pt := s.InterpPTMem()

	for _, core := range cores {
		ret = append(ret,
			osspec.MapOpStart(core),
			osspec.UnmapOpStart(core),
			osspec.UnmapOpEnd(core),
			osspec.UnmapInitiateShootdown(core),
		)

		for _, d := range cores {
			if s.Shootdown[osspec.Pair{Dispatcher: d, Handler: core}] {
				ret = append(ret, osspec.AckShootdown(core, d))
			}
		}

		tlb := s.HW.TLB(core)
		owner := ch.owner(core)

		pt.Ascend(func(base uint64, pte memory.PageTableEntry) bool {
			if !tlb.ContainsPair(base, pte) {
				ret = append(ret, osspec.HW(owner, hardware.TLBFill(core, base, pte)))
			}

			return true
		})

		tlb.Ascend(func(base uint64, _ memory.PageTableEntry) bool {
			ret = append(ret, osspec.HW(owner, hardware.TLBEvict(core, base)))

			return true
		})
	}

	return ret
}

// owner returns a thread placed on core, used to attribute TLB steps.
func (ch *Checker) owner(core hardware.Core) uint64 {
	for ult := uint64(0); ult < ch.consts.ULTNo; ult++ {
		if c, _ := ch.consts.Core(ult); c == core {
			return ult
		}
	}

	return 0
}

func (ch *Checker) threadCandidates(s osspec.Variables, ult uint64) []osspec.Step {
	core, ok := ch.consts.Core(ult)
	if !ok {
		return nil
	}

	var ret []osspec.Step

	cs := s.CoreStates[core]

	if cs.Kind != osspec.Idle {
		if cs.ULT == ult {
			ret = append(ret, osspec.MapEnd(ult), osspec.UnmapEnd(ult))
		}

		return append(ret, ch.accessCandidates(s, ult, core)...)
	}

	for _, v := range ch.Universe.Vaddrs {
		for _, pte := range ch.Universe.entries() {
			ret = append(ret, osspec.MapStart(ult, v, pte))
		}

		ret = append(ret,
			osspec.UnmapStart(ult, v),
			osspec.ResolveStart(ult, v),
			osspec.ResolveEnd(ult, v),
		)
	}

	return append(ret, ch.accessCandidates(s, ult, core)...)
}

// accessCandidates turns the accesses of ult into reads and writes through
// whatever core's TLB holds, or misses when it holds nothing.
func (ch *Checker) accessCandidates(s osspec.Variables, ult uint64, core hardware.Core) []osspec.Step {
	accesses, ok := ch.accesses[ult]
	if !ok {
		accesses = ch.universe
	}

	tlb := s.HW.TLB(core)
	ret := make([]osspec.Step, 0, len(accesses))

	for _, a := range accesses {
		var tr *memory.Translation
		if t, ok := tlb.Lookup(a.vaddr); ok {
			tr = &t
		}

		ret = append(ret, osspec.HW(ult, hardware.ReadWrite(core, a.vaddr, a.op, tr)))
	}

	return ret
}
