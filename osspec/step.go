package osspec

import (
	"fmt"

	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/hlspec"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/pagetable"
)

type StepKind uint8

const (
	StepHW StepKind = iota
	StepMapStart
	StepMapOpStart
	StepMapEnd
	StepUnmapStart
	StepUnmapOpStart
	StepUnmapOpEnd
	StepUnmapInitiateShootdown
	StepAckShootdown
	StepUnmapEnd
	StepResolveStart
	StepResolveEnd
)

var stepNames = [...]string{
	StepHW:                     "HW",
	StepMapStart:               "MapStart",
	StepMapOpStart:             "MapOpStart",
	StepMapEnd:                 "MapEnd",
	StepUnmapStart:             "UnmapStart",
	StepUnmapOpStart:           "UnmapOpStart",
	StepUnmapOpEnd:             "UnmapOpEnd",
	StepUnmapInitiateShootdown: "UnmapInitiateShootdown",
	StepAckShootdown:           "AckShootdown",
	StepUnmapEnd:               "UnmapEnd",
	StepResolveStart:           "ResolveStart",
	StepResolveEnd:             "ResolveEnd",
}

func (k StepKind) String() string {
	if int(k) < len(stepNames) {
		return stepNames[k]
	}

	return fmt.Sprintf("StepKind(%d)", uint8(k))
}

// StepKinds lists every kind of step.
func StepKinds() []StepKind {
	ret := make([]StepKind, 0, len(stepNames))
	for k := range stepNames {
		ret = append(ret, StepKind(k))
	}

	return ret
}

// Step is one operational transition. Thread steps name the thread in ULT,
// core steps name the core in Core. AckShootdown is sent by handler Core to
// Dispatcher. Fields not used by Kind are zero.
type Step struct {
	Kind       StepKind
	ULT        uint64
	Core       hardware.Core
	Dispatcher hardware.Core
	Vaddr      uint64
	PTE        memory.PageTableEntry
	HW         hardware.Step
	Result     memory.Result
	Resolve    pagetable.ResolveResult
}

func HW(ult uint64, step hardware.Step) Step {
	return Step{Kind: StepHW, ULT: ult, HW: step}
}

func MapStart(ult, vaddr uint64, pte memory.PageTableEntry) Step {
	return Step{Kind: StepMapStart, ULT: ult, Vaddr: vaddr, PTE: pte}
}

func MapOpStart(core hardware.Core) Step {
	return Step{Kind: StepMapOpStart, Core: core}
}

func MapEnd(ult uint64) Step {
	return Step{Kind: StepMapEnd, ULT: ult}
}

func UnmapStart(ult, vaddr uint64) Step {
	return Step{Kind: StepUnmapStart, ULT: ult, Vaddr: vaddr}
}

func UnmapOpStart(core hardware.Core) Step {
	return Step{Kind: StepUnmapOpStart, Core: core}
}

func UnmapOpEnd(core hardware.Core) Step {
	return Step{Kind: StepUnmapOpEnd, Core: core}
}

func UnmapInitiateShootdown(core hardware.Core) Step {
	return Step{Kind: StepUnmapInitiateShootdown, Core: core}
}

func AckShootdown(handler, dispatcher hardware.Core) Step {
	return Step{Kind: StepAckShootdown, Core: handler, Dispatcher: dispatcher}
}

func UnmapEnd(ult uint64) Step {
	return Step{Kind: StepUnmapEnd, ULT: ult}
}

func ResolveStart(ult, vaddr uint64) Step {
	return Step{Kind: StepResolveStart, ULT: ult, Vaddr: vaddr}
}

func ResolveEnd(ult, vaddr uint64) Step {
	return Step{Kind: StepResolveEnd, ULT: ult, Vaddr: vaddr}
}

func (s Step) String() string {
	switch s.Kind {
	case StepHW:
		return fmt.Sprintf("HW{t%d %v}", s.ULT, s.HW)
	case StepMapStart:
		return fmt.Sprintf("MapStart{t%d %#x %v}", s.ULT, s.Vaddr, s.PTE)
	case StepUnmapStart, StepResolveStart:
		return fmt.Sprintf("%v{t%d %#x}", s.Kind, s.ULT, s.Vaddr)
	case StepMapEnd, StepUnmapEnd:
		return fmt.Sprintf("%v{t%d %v}", s.Kind, s.ULT, s.Result)
	case StepMapOpStart, StepUnmapOpStart, StepUnmapInitiateShootdown:
		return fmt.Sprintf("%v{%v}", s.Kind, s.Core)
	case StepUnmapOpEnd:
		return fmt.Sprintf("UnmapOpEnd{%v %v}", s.Core, s.Result)
	case StepAckShootdown:
		return fmt.Sprintf("AckShootdown{%v -> %v}", s.Core, s.Dispatcher)
	case StepResolveEnd:
		if !s.Resolve.Mapped {
			return fmt.Sprintf("ResolveEnd{t%d %#x ErrUnmapped}", s.ULT, s.Vaddr)
		}

		return fmt.Sprintf("ResolveEnd{t%d %#x %v}", s.ULT, s.Vaddr, s.Resolve.Translation)
	}

	return s.Kind.String()
}

// Interp returns the abstract step s implements when taken from s1.
// Accesses through a translation whose mapping is being unmapped are seen
// as accesses to unmapped memory, and page faults as undefined results.
// Steps without an abstract effect stutter.
func (s Step) Interp(c Constants, s1 Variables) hlspec.Step {
	switch s.Kind {
	case StepHW:
		if s.HW.Kind != hardware.StepReadWrite {
			return hlspec.Stutter()
		}

		op := s.HW.Op
		tr := s.HW.Translation

		if tr != nil {
			if _, ok := s1.InflightUnmapVaddrs()[tr.Base]; ok {
				tr = nil
			}
		}

		if tr == nil || op.Result == memory.OutcomePagefault {
			op = op.WithResult(memory.OutcomeUndefined, 0)
		}

		if tr != nil {
			cp := *tr
			tr = &cp
		}

		return hlspec.ReadWrite(s.ULT, s.HW.Vaddr, op, tr)
	case StepMapStart:
		return hlspec.MapStart(s.ULT, s.Vaddr, s.PTE)
	case StepMapEnd:
		return hlspec.MapEnd(s.ULT, s.Result)
	case StepUnmapStart:
		return hlspec.UnmapStart(s.ULT, s.Vaddr)
	case StepUnmapEnd:
		return hlspec.UnmapEnd(s.ULT, s.Result)
	case StepMapOpStart, StepUnmapOpStart, StepUnmapOpEnd, StepUnmapInitiateShootdown,
		StepAckShootdown, StepResolveStart, StepResolveEnd:
	}

	return hlspec.Stutter()
}

// MapSound reports whether a map of vaddr -> pte started against page table
// pt with the given operations in flight stays within the guarantees of the
// abstract machine.
func MapSound(pt memory.Mappings, inflight []CoreState, vaddr uint64, pte memory.PageTableEntry) bool {
	cand := memory.MemRegion{Base: vaddr, Size: pte.Frame.Size}

	for _, cs := range inflight {
		if r, ok := cs.Vmem(); ok && memory.Overlap(r, cand) {
			return false
		}

		if fr, ok := cs.Pmem(); ok && memory.Overlap(pte.Frame, fr) {
			return false
		}
	}

	return !memory.OverlapsExistingPmem(pt, pte)
}

// UnmapSound reports whether an unmap of [vaddr, vaddr+size) started with
// the given operations in flight stays within the guarantees of the
// abstract machine.
func UnmapSound(inflight []CoreState, vaddr, size uint64) bool {
	cand := memory.MemRegion{Base: vaddr, Size: size}

	for _, cs := range inflight {
		if r, ok := cs.Vmem(); ok && memory.Overlap(r, cand) {
			return false
		}
	}

	return true
}
