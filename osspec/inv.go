package osspec

import (
	"fmt"

	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/memory"
)

// Inv checks the invariant of reachable states. Unsound states only need to
// be well formed.
func Inv(c Constants, s Variables) error {
	if err := WellFormed(c, s); err != nil {
		return err
	}

	if !s.Sound {
		return nil
	}

	pt := s.InterpPTMem()

	for _, check := range []func(Constants, Variables, memory.Mappings) error{
		ptNoOverlap,
		tlbsBacked,
		capturedPresent,
		lockOwned,
		shootdownPending,
		inflightMapsDisjoint,
	} {
		if err := check(c, s, pt); err != nil {
			return err
		}
	}

	return nil
}

// ptNoOverlap checks that page table entries overlap neither in virtual nor
// in physical memory.
func ptNoOverlap(_ Constants, _ Variables, pt memory.Mappings) error {
	entries := pt.Entries()

	for b1, e1 := range entries {
		if e1.Frame.Size == 0 {
			return fmt.Errorf("entry %#x has an empty frame: %w", b1, ErrInvariant)
		}

		for b2, e2 := range entries {
			if b1 == b2 {
				continue
			}

			if memory.Overlap(memory.MemRegion{Base: b1, Size: e1.Frame.Size}, memory.MemRegion{Base: b2, Size: e2.Frame.Size}) {
				return fmt.Errorf("entries %#x and %#x overlap: %w", b1, b2, ErrInvariant)
			}

			if memory.Overlap(e1.Frame, e2.Frame) {
				return fmt.Errorf("frames of %#x and %#x overlap: %w", b1, b2, ErrInvariant)
			}
		}
	}

	return nil
}

// captured reports whether vaddr -> pte was found by an unmap in flight.
func captured(s Variables, vaddr uint64, pte memory.PageTableEntry) bool {
	for _, cs := range s.CoreStates {
		if cs.Kind.IsUnmap() && cs.Mapped && cs.Vaddr == vaddr && cs.PTE == pte {
			return true
		}
	}

	return false
}

// tlbsBacked checks that every cached translation is in the page table or
// belongs to an unmap in flight.
func tlbsBacked(c Constants, s Variables, pt memory.Mappings) error {
	for _, core := range c.HW.Cores() {
		var err error

		s.HW.TLB(core).Ascend(func(base uint64, pte memory.PageTableEntry) bool {
			if !pt.ContainsPair(base, pte) && !captured(s, base, pte) {
				err = fmt.Errorf("%v caches %#x -> %v: %w", core, base, pte, ErrInvariant)
			}

			return err == nil
		})

		if err != nil {
			return err
		}
	}

	return nil
}

// capturedPresent checks that an unmap finds its entry in the page table
// until it removes it, and that it is gone afterwards.
func capturedPresent(_ Constants, s Variables, pt memory.Mappings) error {
	for core, cs := range s.CoreStates {
		if !cs.Kind.IsUnmap() || !cs.Mapped {
			continue
		}

		switch cs.Kind {
		case UnmapWaiting, UnmapOpExecuting:
			if !pt.ContainsPair(cs.Vaddr, cs.PTE) {
				return fmt.Errorf("%v: %v lost its entry: %w", core, cs, ErrInvariant)
			}
		default:
			if cs.Result == memory.Ok && pt.Contains(cs.Vaddr) {
				return fmt.Errorf("%v: %v left %#x mapped: %w", core, cs, cs.Vaddr, ErrInvariant)
			}
		}
	}

	return nil
}

// lockOwned checks that the lock is held exactly by the core executing a
// page table operation.
func lockOwned(_ Constants, s Variables, _ memory.Mappings) error {
	var holder *hardware.Core

	for core, cs := range s.CoreStates {
		if cs.Kind != MapExecuting && cs.Kind != UnmapOpExecuting {
			continue
		}

		if holder != nil {
			return fmt.Errorf("%v and %v both execute: %w", *holder, core, ErrInvariant)
		}

		h := core
		holder = &h
	}

	if !sameLock(holder, s.Lock) {
		return fmt.Errorf("lock %v, executing %v: %w", s.Lock, holder, ErrInvariant)
	}

	return nil
}

// shootdownPending checks that only waiting dispatchers have pending
// acknowledgements and that acknowledged handlers no longer cache the
// address.
func shootdownPending(_ Constants, s Variables, _ memory.Mappings) error {
	for p, pending := range s.Shootdown {
		cs := s.CoreStates[p.Dispatcher]

		if pending && cs.Kind != UnmapShootdownWaiting {
			return fmt.Errorf("%v waits for %v while %v: %w", p.Dispatcher, p.Handler, cs, ErrInvariant)
		}

		if !pending && cs.Kind == UnmapShootdownWaiting && s.HW.TLB(p.Handler).Contains(cs.Vaddr) {
			return fmt.Errorf("%v acknowledged %#x but caches it: %w", p.Handler, cs.Vaddr, ErrInvariant)
		}
	}

	return nil
}

// inflightMapsDisjoint checks that the frame of a map in flight overlaps no
// mapped frame and no frame of another operation in flight.
func inflightMapsDisjoint(_ Constants, s Variables, pt memory.Mappings) error {
	for core, cs := range s.CoreStates {
		if !cs.Kind.IsMap() {
			continue
		}

		if memory.OverlapsExistingPmem(pt, cs.PTE) {
			return fmt.Errorf("%v: %v overlaps a mapped frame: %w", core, cs, ErrInvariant)
		}

		for other, o := range s.CoreStates {
			if other == core {
				continue
			}

			if fr, ok := o.Pmem(); ok && memory.Overlap(cs.PTE.Frame, fr) {
				return fmt.Errorf("%v: %v overlaps %v on %v: %w", core, cs, o, other, ErrInvariant)
			}
		}
	}

	return nil
}
