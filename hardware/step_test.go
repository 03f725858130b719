package hardware_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/memory"
)

var (
	core0 = hardware.Core{Node: 0, ID: 0}
	core1 = hardware.Core{Node: 0, ID: 1}
)

func constants() hardware.Constants {
	return hardware.Constants{PhysMemSize: 1 << 16, Nodes: []uint32{2}}
}

// apply runs step, checks the result against Verify and returns the
// successor and completed step.
func apply(t *testing.T, c hardware.Constants, s hardware.Variables, step hardware.Step) (hardware.Variables, hardware.Step) {
	t.Helper()

	s2, done, err := hardware.Apply(c, s, step)
	if err != nil {
		t.Fatalf("Apply(%v): %v", step, err)
	}

	if err := hardware.Verify(c, s, s2, done); err != nil {
		t.Fatalf("Verify(%v): %v", done, err)
	}

	return s2, done
}

func TestInitial(t *testing.T) {
	t.Parallel()

	c := constants()
	s := hardware.Initial(c)

	if !hardware.Init(c, s) {
		t.Fatal("initial state does not satisfy Init")
	}

	if got := len(c.Cores()); got != 2 {
		t.Fatalf("expected: 2 cores, actual: %d", got)
	}

	if c.ValidCore(hardware.Core{Node: 1, ID: 0}) || c.ValidCore(hardware.Core{Node: 0, ID: 2}) {
		t.Fatal("invalid core accepted")
	}
}

func TestReadWriteThroughTLB(t *testing.T) {
	t.Parallel()

	c := constants()
	s := hardware.Initial(c)

	e := pte(0x8000, memory.L3EntrySize, true)
	s, _ = apply(t, c, s, hardware.PTMemOp(core0, hardware.PTWrite{Kind: hardware.WriteMap, Vaddr: 0x1000, PTE: e}))

	// The page table covers 0x1000 but the TLB is cold: a miss is not allowed.
	if _, _, err := hardware.Apply(c, s, hardware.ReadWrite(core0, 0x1008, memory.LoadOp(false), nil)); !errors.Is(err, hardware.ErrNotEnabled) {
		t.Fatalf("miss over a mapped address: %v", err)
	}

	s, _ = apply(t, c, s, hardware.TLBFill(core0, 0x1000, e))

	tr := &memory.Translation{Base: 0x1000, PTE: e}

	s, done := apply(t, c, s, hardware.ReadWrite(core0, 0x1008, memory.StoreOp(42), tr))
	if done.Op.Result != memory.OutcomeOk || done.Paddr != 0x8008 {
		t.Fatalf("store: %v paddr %#x", done.Op, done.Paddr)
	}

	if got := s.Mem.Load(0x8008 / 8); got != 42 {
		t.Fatalf("expected: 42, actual: %d", got)
	}

	_, done = apply(t, c, s, hardware.ReadWrite(core0, 0x1008, memory.LoadOp(true), tr))
	if done.Op.Result != memory.OutcomeValue || done.Op.Value != 42 {
		t.Fatalf("load: %v", done.Op)
	}

	// core1 has no translation cached.
	if _, _, err := hardware.Apply(c, s, hardware.ReadWrite(core1, 0x1008, memory.LoadOp(false), tr)); !errors.Is(err, hardware.ErrNotEnabled) {
		t.Fatalf("uncached translation: %v", err)
	}

	// A wrong value must be rejected.
	s2, done, err := hardware.Apply(c, s, hardware.ReadWrite(core0, 0x1008, memory.LoadOp(false), tr))
	if err != nil {
		t.Fatal(err)
	}

	done.Op.Value++
	if err := hardware.Verify(c, s, s2, done); !errors.Is(err, hardware.ErrTransition) {
		t.Fatalf("wrong load value accepted: %v", err)
	}

	s, _ = apply(t, c, s, hardware.TLBEvict(core0, 0x1000))
	if s.TLB(core0).Len() != 0 {
		t.Fatal("evict left the entry")
	}
}

func TestReadWritePagefault(t *testing.T) {
	t.Parallel()

	c := constants()

	tests := []struct {
		name string
		pte  memory.PageTableEntry
		op   memory.RWOp
		want memory.Outcome
	}{
		{"read-only store", pte(0x8000, memory.L3EntrySize, false), memory.StoreOp(1), memory.OutcomePagefault},
		{"supervisor load", memory.PageTableEntry{Frame: memory.MemRegion{Base: 0x8000, Size: memory.L3EntrySize}, Flags: memory.Flags{IsSupervisor: true}}, memory.LoadOp(false), memory.OutcomePagefault},
		{"nx fetch", memory.PageTableEntry{Frame: memory.MemRegion{Base: 0x8000, Size: memory.L3EntrySize}, Flags: memory.Flags{DisableExecute: true}}, memory.LoadOp(true), memory.OutcomePagefault},
		{"nx load", memory.PageTableEntry{Frame: memory.MemRegion{Base: 0x8000, Size: memory.L3EntrySize}, Flags: memory.Flags{DisableExecute: true}}, memory.LoadOp(false), memory.OutcomeValue},
		{"beyond physical memory", pte(1<<30, memory.L3EntrySize, true), memory.StoreOp(1), memory.OutcomePagefault},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := hardware.Initial(c)
			s, _ = apply(t, c, s, hardware.PTMemOp(core0, hardware.PTWrite{Kind: hardware.WriteMap, Vaddr: 0x1000, PTE: tt.pte}))
			s, _ = apply(t, c, s, hardware.TLBFill(core0, 0x1000, tt.pte))

			s2, done := apply(t, c, s, hardware.ReadWrite(core0, 0x1000, tt.op, &memory.Translation{Base: 0x1000, PTE: tt.pte}))
			if done.Op.Result != tt.want {
				t.Fatalf("expected: %v, actual: %v", tt.want, done.Op.Result)
			}

			if tt.want == memory.OutcomePagefault && !s2.Mem.Equal(s.Mem) {
				t.Fatal("faulting access changed memory")
			}
		})
	}
}

func TestReadWriteMiss(t *testing.T) {
	t.Parallel()

	c := constants()
	s := hardware.Initial(c)

	_, done := apply(t, c, s, hardware.ReadWrite(core1, 0x5000, memory.StoreOp(3), nil))
	if done.Op.Result != memory.OutcomePagefault {
		t.Fatalf("expected: Pagefault, actual: %v", done.Op.Result)
	}

	if _, _, err := hardware.Apply(c, s, hardware.ReadWrite(core1, 0x5004, memory.LoadOp(false), nil)); !errors.Is(err, hardware.ErrNotEnabled) {
		t.Fatalf("unaligned access: %v", err)
	}
}

func TestTLBFillRequiresPageTable(t *testing.T) {
	t.Parallel()

	c := constants()
	s := hardware.Initial(c)

	if _, _, err := hardware.Apply(c, s, hardware.TLBFill(core0, 0x1000, pte(0x8000, memory.L3EntrySize, true))); !errors.Is(err, hardware.ErrNotEnabled) {
		t.Fatalf("fill from an empty table: %v", err)
	}

	if _, _, err := hardware.Apply(c, s, hardware.TLBEvict(core0, 0x1000)); !errors.Is(err, hardware.ErrNotEnabled) {
		t.Fatalf("evict of an absent entry: %v", err)
	}

	if _, _, err := hardware.Apply(c, s, hardware.TLBEvict(hardware.Core{Node: 3}, 0x1000)); !errors.Is(err, hardware.ErrNotEnabled) {
		t.Fatalf("invalid core: %v", err)
	}
}

func TestPTMemOpUnmap(t *testing.T) {
	t.Parallel()

	c := constants()
	s := hardware.Initial(c)
	e := pte(0x8000, memory.L3EntrySize, true)

	s1, _ := apply(t, c, s, hardware.PTMemOp(core0, hardware.PTWrite{Kind: hardware.WriteMap, Vaddr: 0x1000, PTE: e}))
	s2, _ := apply(t, c, s1, hardware.PTMemOp(core0, hardware.PTWrite{Kind: hardware.WriteUnmap, Vaddr: 0x1000}))

	if hardware.InterpPTMem(s1.PT).Len() != 1 || hardware.InterpPTMem(s2.PT).Len() != 0 {
		t.Fatal("page table writes leaked between states")
	}

	// The wrong write must be rejected.
	if err := hardware.Verify(c, s1, s2, hardware.PTMemOp(core0, hardware.PTWrite{Kind: hardware.WriteNone})); !errors.Is(err, hardware.ErrTransition) {
		t.Fatalf("expected: %v, actual: %v", hardware.ErrTransition, err)
	}
}
