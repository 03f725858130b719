// Package hardware models the parts of a multi-core machine the memory
// subsystem interacts with: physical memory, a shared page table in memory
// and one TLB per core.
package hardware

import (
	"fmt"
	"maps"
	"slices"

	"github.com/bobuhiro11/vmspec/memory"
)

// Core identifies a core by NUMA node and index within the node.
type Core struct {
	Node uint32
	ID   uint32
}

func (c Core) String() string {
	return fmt.Sprintf("n%dc%d", c.Node, c.ID)
}

func (c Core) Less(o Core) bool {
	if c.Node != o.Node {
		return c.Node < o.Node
	}

	return c.ID < o.ID
}

type Constants struct {
	// PhysMemSize is the size of physical memory in words.
	PhysMemSize uint64
	// Nodes holds the number of cores of each NUMA node.
	Nodes []uint32
}

func (c Constants) ValidCore(core Core) bool {
	return int(core.Node) < len(c.Nodes) && core.ID < c.Nodes[core.Node]
}

// Cores returns every valid core ordered by node, then id.
func (c Constants) Cores() []Core {
	var ret []Core

	for n, cores := range c.Nodes {
		for id := uint32(0); id < cores; id++ {
			ret = append(ret, Core{Node: uint32(n), ID: id})
		}
	}

	return ret
}

type Variables struct {
	Mem  memory.Words
	PT   *PageTable
	TLBs map[Core]memory.Mappings
}

// Initial returns zeroed memory, an empty page table and empty TLBs.
func Initial(c Constants) Variables {
	tlbs := map[Core]memory.Mappings{}
	for _, core := range c.Cores() {
		tlbs[core] = memory.Mappings{}
	}

	return Variables{
		Mem:  memory.NewWords(c.PhysMemSize),
		PT:   NewPageTable(memory.X86),
		TLBs: tlbs,
	}
}

// Init holds for states the machine may start in.
func Init(c Constants, s Variables) bool {
	if s.Mem.Len() != c.PhysMemSize || InterpPTMem(s.PT).Len() != 0 {
		return false
	}

	for core, tlb := range s.TLBs {
		if !c.ValidCore(core) || tlb.Len() != 0 {
			return false
		}
	}

	return true
}

// TLB returns the TLB of core.
func (s Variables) TLB(core Core) memory.Mappings {
	return s.TLBs[core]
}

// JointTLBs is the union of all TLBs, later cores winning on equal keys.
func (s Variables) JointTLBs() memory.Mappings {
	cores := slices.SortedFunc(maps.Keys(s.TLBs), func(a, b Core) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}

		return 0
	})

	var ret memory.Mappings
	for _, core := range cores {
		ret = ret.Union(s.TLBs[core])
	}

	return ret
}

func tlbsEqual(a, b map[Core]memory.Mappings) bool {
	return maps.EqualFunc(a, b, memory.Mappings.Equal)
}
