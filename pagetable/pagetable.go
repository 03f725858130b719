// Package pagetable is the flat interface of a page table implementation: a
// map from virtual base address to page table entry with Map, Unmap and
// Resolve operations.
package pagetable

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/vmspec/memory"
)

var (
	// ErrNotEnabled is returned when a step's preconditions do not hold.
	ErrNotEnabled = errors.New("page table step not enabled")

	// ErrTransition is returned when a post-state does not follow from a step.
	ErrTransition = errors.New("page table transition mismatch")
)

type MapResult uint8

const (
	MapOk MapResult = iota
	MapErrOverlap
)

func (r MapResult) String() string {
	if r == MapOk {
		return "Ok"
	}

	return "ErrOverlap"
}

type UnmapResult uint8

const (
	UnmapOk UnmapResult = iota
	UnmapErrNoSuchMapping
)

func (r UnmapResult) String() string {
	if r == UnmapOk {
		return "Ok"
	}

	return "ErrNoSuchMapping"
}

// ResolveResult is Ok(Base, PTE) when Mapped, ErrUnmapped otherwise.
type ResolveResult struct {
	Mapped bool
	memory.Translation
}

type Variables struct {
	Map memory.Mappings
}

type StepKind uint8

const (
	StepMap StepKind = iota
	StepUnmap
	StepResolve
	StepStutter
)

type Step struct {
	Kind          StepKind
	Vaddr         uint64
	PTE           memory.PageTableEntry
	MapResult     MapResult
	UnmapResult   UnmapResult
	ResolveResult ResolveResult
}

// Init holds for the empty page table.
func Init(s Variables) bool {
	return s.Map.Len() == 0
}

// MapEnabled reports whether vaddr -> pte may be passed to Map.
func MapEnabled(m memory.Mappings, vaddr uint64, pte memory.PageTableEntry) bool {
	return memory.MappingAccepted(vaddr, pte) && !memory.OverlapsExistingPmem(m, pte)
}

func UnmapEnabled(vaddr uint64) bool {
	return memory.UnmapAccepted(vaddr)
}

func ResolveEnabled(vaddr uint64) bool {
	return memory.Aligned(vaddr, memory.WordSize) && vaddr < memory.UpperVaddr
}

// VerifyMap checks s1 -> s2 against a Map of vaddr -> pte returning result.
func VerifyMap(s1, s2 Variables, vaddr uint64, pte memory.PageTableEntry, result MapResult) error {
	if !MapEnabled(s1.Map, vaddr, pte) {
		return fmt.Errorf("map %#x -> %v: %w", vaddr, pte, ErrNotEnabled)
	}

	if memory.OverlapsExistingVmem(s1.Map, vaddr, pte.Frame.Size) {
		if result != MapErrOverlap {
			return fmt.Errorf("map %#x overlaps but returned %v: %w", vaddr, result, ErrTransition)
		}

		if !s2.Map.Equal(s1.Map) {
			return fmt.Errorf("failed map %#x changed the table: %w", vaddr, ErrTransition)
		}

		return nil
	}

	if result != MapOk {
		return fmt.Errorf("map %#x returned %v: %w", vaddr, result, ErrTransition)
	}

	if !s2.Map.Equal(s1.Map.Insert(vaddr, pte)) {
		return fmt.Errorf("map %#x: table is not the old one plus the entry: %w", vaddr, ErrTransition)
	}

	return nil
}

func VerifyUnmap(s1, s2 Variables, vaddr uint64, result UnmapResult) error {
	if !UnmapEnabled(vaddr) {
		return fmt.Errorf("unmap %#x: %w", vaddr, ErrNotEnabled)
	}

	if s1.Map.Contains(vaddr) {
		if result != UnmapOk {
			return fmt.Errorf("unmap %#x returned %v: %w", vaddr, result, ErrTransition)
		}

		if !s2.Map.Equal(s1.Map.Remove(vaddr)) {
			return fmt.Errorf("unmap %#x: entry not removed: %w", vaddr, ErrTransition)
		}

		return nil
	}

	if result != UnmapErrNoSuchMapping {
		return fmt.Errorf("unmap of missing %#x returned %v: %w", vaddr, result, ErrTransition)
	}

	if !s2.Map.Equal(s1.Map) {
		return fmt.Errorf("failed unmap %#x changed the table: %w", vaddr, ErrTransition)
	}

	return nil
}

func VerifyResolve(s1, s2 Variables, vaddr uint64, result ResolveResult) error {
	if !ResolveEnabled(vaddr) {
		return fmt.Errorf("resolve %#x: %w", vaddr, ErrNotEnabled)
	}

	if !s2.Map.Equal(s1.Map) {
		return fmt.Errorf("resolve %#x changed the table: %w", vaddr, ErrTransition)
	}

	if result.Mapped {
		if !s1.Map.ContainsPair(result.Base, result.PTE) || !result.Covers(vaddr) {
			return fmt.Errorf("resolve %#x returned %v: %w", vaddr, result.Translation, ErrTransition)
		}

		return nil
	}

	if _, ok := s1.Map.Lookup(vaddr); ok {
		return fmt.Errorf("resolve %#x returned unmapped: %w", vaddr, ErrTransition)
	}

	return nil
}

func VerifyStutter(s1, s2 Variables) error {
	if !s2.Map.Equal(s1.Map) {
		return fmt.Errorf("stutter: %w", ErrTransition)
	}

	return nil
}

// Verify checks that s1 -> s2 is the given step.
func Verify(s1, s2 Variables, step Step) error {
	switch step.Kind {
	case StepMap:
		return VerifyMap(s1, s2, step.Vaddr, step.PTE, step.MapResult)
	case StepUnmap:
		return VerifyUnmap(s1, s2, step.Vaddr, step.UnmapResult)
	case StepResolve:
		return VerifyResolve(s1, s2, step.Vaddr, step.ResolveResult)
	case StepStutter:
		return VerifyStutter(s1, s2)
	}

	return fmt.Errorf("unknown step kind %d: %w", step.Kind, ErrNotEnabled)
}

func NextStep(s1, s2 Variables, step Step) bool {
	return Verify(s1, s2, step) == nil
}

// Map performs a Map on s.
func Map(s Variables, vaddr uint64, pte memory.PageTableEntry) (Variables, MapResult, error) {
	if !MapEnabled(s.Map, vaddr, pte) {
		return s, MapErrOverlap, fmt.Errorf("map %#x -> %v: %w", vaddr, pte, ErrNotEnabled)
	}

	if memory.OverlapsExistingVmem(s.Map, vaddr, pte.Frame.Size) {
		return s, MapErrOverlap, nil
	}

	return Variables{Map: s.Map.Insert(vaddr, pte)}, MapOk, nil
}

// Unmap performs an Unmap on s.
func Unmap(s Variables, vaddr uint64) (Variables, UnmapResult, error) {
	if !UnmapEnabled(vaddr) {
		return s, UnmapErrNoSuchMapping, fmt.Errorf("unmap %#x: %w", vaddr, ErrNotEnabled)
	}

	if !s.Map.Contains(vaddr) {
		return s, UnmapErrNoSuchMapping, nil
	}

	return Variables{Map: s.Map.Remove(vaddr)}, UnmapOk, nil
}

// Resolve looks up the entry covering vaddr.
func Resolve(s Variables, vaddr uint64) (ResolveResult, error) {
	if !ResolveEnabled(vaddr) {
		return ResolveResult{}, fmt.Errorf("resolve %#x: %w", vaddr, ErrNotEnabled)
	}

	tr, ok := s.Map.Lookup(vaddr)

	return ResolveResult{Mapped: ok, Translation: tr}, nil
}
