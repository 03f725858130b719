package refinement_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/hlspec"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/osspec"
	"github.com/bobuhiro11/vmspec/refinement"
)

var (
	core0 = hardware.Core{Node: 0, ID: 0}
	core1 = hardware.Core{Node: 0, ID: 1}
)

func constants() osspec.Constants {
	return osspec.Constants{
		HW:       hardware.Constants{PhysMemSize: 1 << 16, Nodes: []uint32{2}},
		ULT2Core: map[uint64]hardware.Core{0: core0, 1: core1, 2: core0},
		ULTNo:    3,
	}
}

func entry(base uint64) memory.PageTableEntry {
	return memory.PageTableEntry{
		Frame: memory.MemRegion{Base: base, Size: memory.L3EntrySize},
		Flags: memory.Flags{IsWritable: true},
	}
}

// step applies st and checks that it refines the abstract machine.
func step(t *testing.T, c osspec.Constants, s osspec.Variables, st osspec.Step) (osspec.Variables, osspec.Step) {
	t.Helper()

	s2, done, err := osspec.Apply(c, s, st)
	if err != nil {
		t.Fatalf("Apply(%v): %v", st, err)
	}

	if err := refinement.CheckStep(c, s, s2, done); err != nil {
		t.Fatalf("CheckStep(%v): %v", done, err)
	}

	if err := osspec.Inv(c, s2); err != nil {
		t.Fatalf("after %v: %v", done, err)
	}

	return s2, done
}

func mapped(t *testing.T, c osspec.Constants, s osspec.Variables, ult, vaddr uint64, pte memory.PageTableEntry) osspec.Variables {
	t.Helper()

	core, _ := c.Core(ult)

	s, _ = step(t, c, s, osspec.MapStart(ult, vaddr, pte))
	s, _ = step(t, c, s, osspec.MapOpStart(core))
	s, _ = step(t, c, s, osspec.MapEnd(ult))

	return s
}

func TestCheckInit(t *testing.T) {
	t.Parallel()

	c := constants()
	s := osspec.Initial(c)

	if err := refinement.CheckInit(c, s); err != nil {
		t.Fatal(err)
	}

	if err := refinement.CheckInflightVaddrs(c, s); err != nil {
		t.Fatal(err)
	}

	s.Sound = false
	if err := refinement.CheckInit(c, s); err == nil {
		t.Fatal("unsound initial state accepted")
	}
}

func TestMapStoreLoadRefines(t *testing.T) {
	t.Parallel()

	c := constants()
	e := entry(0x2000)
	tr := &memory.Translation{Base: 0x1000, PTE: e}

	s := mapped(t, c, osspec.Initial(c), 0, 0x1000, e)
	s, _ = step(t, c, s, osspec.HW(0, hardware.TLBFill(core0, 0x1000, e)))
	s, _ = step(t, c, s, osspec.HW(0, hardware.ReadWrite(core0, 0x1008, memory.StoreOp(42), tr)))

	s, done := step(t, c, s, osspec.HW(0, hardware.ReadWrite(core0, 0x1008, memory.LoadOp(false), tr)))
	if done.HW.Op.Value != 42 {
		t.Fatalf("expected: %v, actual: %v", 42, done.HW.Op.Value)
	}

	if got := s.Interp(c).Mem.Load(memory.WordIndex(0x1008)); got != 42 {
		t.Fatalf("expected: %v, actual: %v", 42, got)
	}

	// an unmapped address faults, which is undefined above.
	step(t, c, s, osspec.HW(2, hardware.ReadWrite(core0, 0x9000, memory.LoadOp(false), nil)))
}

func TestUnmapWithTornReadRefines(t *testing.T) {
	t.Parallel()

	c := constants()
	e := entry(0x2000)
	tr := &memory.Translation{Base: 0x1000, PTE: e}

	s := mapped(t, c, osspec.Initial(c), 0, 0x1000, e)
	s, _ = step(t, c, s, osspec.HW(0, hardware.TLBFill(core0, 0x1000, e)))
	s, _ = step(t, c, s, osspec.HW(0, hardware.ReadWrite(core0, 0x1000, memory.StoreOp(7), tr)))

	if err := refinement.CheckUnmapSoundnessEquality(c, s, 0x1000); err != nil {
		t.Fatal(err)
	}

	s, _ = step(t, c, s, osspec.UnmapStart(1, 0x1000))

	if err := refinement.CheckInflightVaddrs(c, s); err != nil {
		t.Fatal(err)
	}

	steps := []osspec.Step{
		osspec.HW(0, hardware.ReadWrite(core0, 0x1000, memory.LoadOp(false), tr)),
		osspec.HW(2, hardware.ReadWrite(core0, 0x1000, memory.StoreOp(8), tr)),
		osspec.UnmapOpStart(core1),
		osspec.HW(0, hardware.ReadWrite(core0, 0x1000, memory.LoadOp(false), tr)),
		osspec.UnmapOpEnd(core1),
		osspec.UnmapInitiateShootdown(core1),
		osspec.HW(0, hardware.TLBEvict(core0, 0x1000)),
		osspec.AckShootdown(core0, core1),
		osspec.AckShootdown(core1, core1),
		osspec.UnmapEnd(1),
	}

	for _, st := range steps {
		s, _ = step(t, c, s, st)
	}

	if !s.Sound {
		t.Fatal("sound unmap left the state unsound")
	}

	if s.Interp(c).Mappings.Len() != 0 {
		t.Fatalf("expected: no mappings, actual: %v", s.Interp(c).Mappings)
	}

	if err := refinement.CheckInflightVaddrs(c, s); err != nil {
		t.Fatal(err)
	}
}

func TestUnmapOfUnmappedRefines(t *testing.T) {
	t.Parallel()

	c := constants()
	s := osspec.Initial(c)

	for _, st := range []osspec.Step{
		osspec.UnmapStart(0, 0x1000),
		osspec.UnmapOpStart(core0),
		osspec.UnmapOpEnd(core0),
	} {
		s, _ = step(t, c, s, st)
	}

	s, done := step(t, c, s, osspec.UnmapEnd(0))
	if done.Result != memory.Err {
		t.Fatalf("expected: %v, actual: %v", memory.Err, done.Result)
	}
}

func TestSoundnessMonotonic(t *testing.T) {
	t.Parallel()

	c := constants()
	s := osspec.Initial(c)

	if err := refinement.CheckMapSoundnessEquality(c, s, 0x1000, entry(0x2000)); err != nil {
		t.Fatal(err)
	}

	s, _ = step(t, c, s, osspec.MapStart(0, 0x1000, entry(0x2000)))

	if err := refinement.CheckMapSoundnessEquality(c, s, 0x5000, entry(0x2000)); err != nil {
		t.Fatal(err)
	}

	s, _ = step(t, c, s, osspec.MapStart(1, 0x5000, entry(0x2000)))
	if s.Sound {
		t.Fatal("racing maps kept the state sound")
	}

	for _, st := range []osspec.Step{
		osspec.MapOpStart(core0),
		osspec.MapEnd(0),
		osspec.MapOpStart(core1),
		osspec.MapEnd(1),
	} {
		s, _ = step(t, c, s, st)
		if s.Sound {
			t.Fatalf("%v restored soundness", st)
		}
	}

	// nothing but soundness is checked from here.
	forged := s
	forged.Sound = true

	err := refinement.CheckStep(c, s, forged, osspec.ResolveStart(0, 0x1000))
	if err == nil {
		t.Fatal("soundness restored without complaint")
	}
}

func TestViolationDiff(t *testing.T) {
	t.Parallel()

	c := constants()
	e := entry(0x2000)
	tr := &memory.Translation{Base: 0x1000, PTE: e}

	s := mapped(t, c, osspec.Initial(c), 0, 0x1000, e)
	s, _ = step(t, c, s, osspec.HW(0, hardware.TLBFill(core0, 0x1000, e)))

	s2, done, err := osspec.Apply(c, s, osspec.HW(0, hardware.ReadWrite(core0, 0x1000, memory.StoreOp(1), tr)))
	if err != nil {
		t.Fatal(err)
	}

	// a second word changes behind the store's back.
	mem, err := s2.HW.Mem.Store(memory.WordIndex(0x2008), 5)
	if err != nil {
		t.Fatal(err)
	}

	s2.HW.Mem = mem

	err = refinement.StepReadWriteRefines(c, s, s2, done)
	if !refinement.IsViolation(err) || !errors.Is(err, refinement.ErrRefinement) {
		t.Fatalf("expected: violation, actual: %v", err)
	}

	var v *refinement.Violation
	if !errors.As(err, &v) {
		t.Fatal(err)
	}

	if v.Abstract.Kind != hlspec.StepReadWrite || v.Diff == "" {
		t.Fatalf("expected: a read/write with a diff, actual: %v %q", v.Abstract, v.Diff)
	}

	if !strings.Contains(err.Error(), "-expected +actual") {
		t.Fatalf("diff missing from %q", err)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	c := constants()
	a := osspec.Initial(c).Interp(c)

	if d := refinement.Diff(a, a); d != "" {
		t.Fatalf("expected: no diff, actual: %s", d)
	}

	b := a
	b.Mem = a.Mem.With(3, 1)

	if d := refinement.Diff(a, b); d == "" {
		t.Fatal("expected: diff, actual: none")
	}
}
