package checker

import (
	"errors"
	"fmt"
	"slices"

	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/hlspec"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/osspec"
	"github.com/bobuhiro11/vmspec/refinement"
	"github.com/sirupsen/logrus"
)

var ErrUnknownScenario = errors.New("unknown scenario")

var (
	scenarioCore0 = hardware.Core{Node: 0, ID: 0}
	scenarioCore1 = hardware.Core{Node: 0, ID: 1}
)

// scenarioConstants places threads 0 and 2 on core 0 and thread 1 on
// core 1.
func scenarioConstants() osspec.Constants {
	return osspec.Constants{
		HW:       hardware.Constants{PhysMemSize: 1 << 16, Nodes: []uint32{2}},
		ULT2Core: map[uint64]hardware.Core{0: scenarioCore0, 1: scenarioCore1, 2: scenarioCore0},
		ULTNo:    3,
	}
}

func page(frame uint64) memory.PageTableEntry {
	return memory.PageTableEntry{
		Frame: memory.MemRegion{Base: frame, Size: memory.L3EntrySize},
		Flags: memory.Flags{IsWritable: true},
	}
}

// run holds the states of a scenario: states[i] precedes done[i].
type run struct {
	c      osspec.Constants
	states []osspec.Variables
	done   []osspec.Step
}

func (r run) last() osspec.Variables {
	return r.states[len(r.states)-1]
}

type scenario struct {
	about string
	steps []osspec.Step
	check func(r run) error
}

var scenarios = map[string]scenario{
	"map-store": {
		about: "a thread maps a page, stores through it and reads the value back",
		steps: []osspec.Step{
			osspec.MapStart(0, 0x1000, page(0x2000)),
			osspec.MapOpStart(scenarioCore0),
			osspec.MapEnd(0),
			osspec.HW(0, hardware.TLBFill(scenarioCore0, 0x1000, page(0x2000))),
			osspec.HW(0, hardware.ReadWrite(scenarioCore0, 0x1008, memory.StoreOp(42),
				&memory.Translation{Base: 0x1000, PTE: page(0x2000)})),
			osspec.HW(0, hardware.ReadWrite(scenarioCore0, 0x1008, memory.LoadOp(false),
				&memory.Translation{Base: 0x1000, PTE: page(0x2000)})),
		},
		check: func(r run) error {
			load := r.done[len(r.done)-1].HW.Op
			if load.Result != memory.OutcomeValue || load.Value != 42 {
				return fmt.Errorf("load returned %v", load)
			}

			if v := r.last().Interp(r.c).Mem.Load(memory.WordIndex(0x1008)); v != 42 {
				return fmt.Errorf("abstract memory holds %#x", v)
			}

			if !r.last().Sound {
				return errors.New("state became unsound")
			}

			return nil
		},
	},
	"racing-maps": {
		about: "two threads map different addresses to one frame at the same time",
		steps: []osspec.Step{
			osspec.MapStart(0, 0x1000, page(0x2000)),
			osspec.MapStart(1, 0x5000, page(0x2000)),
			osspec.MapOpStart(scenarioCore0),
			osspec.MapEnd(0),
			osspec.MapOpStart(scenarioCore1),
			osspec.MapEnd(1),
		},
		check: func(r run) error {
			for i, s := range r.states[2:] {
				if s.Sound {
					return fmt.Errorf("state after step %d is sound", i+1)
				}
			}

			return nil
		},
	},
	"torn-read": {
		about: "a thread reads through a stale TLB entry while another unmaps it",
		steps: []osspec.Step{
			osspec.MapStart(0, 0x1000, page(0x2000)),
			osspec.MapOpStart(scenarioCore0),
			osspec.MapEnd(0),
			osspec.HW(0, hardware.TLBFill(scenarioCore0, 0x1000, page(0x2000))),
			osspec.HW(0, hardware.ReadWrite(scenarioCore0, 0x1000, memory.StoreOp(9),
				&memory.Translation{Base: 0x1000, PTE: page(0x2000)})),
			osspec.UnmapStart(1, 0x1000),
			osspec.HW(0, hardware.ReadWrite(scenarioCore0, 0x1000, memory.LoadOp(false),
				&memory.Translation{Base: 0x1000, PTE: page(0x2000)})),
			osspec.UnmapOpStart(scenarioCore1),
			osspec.UnmapOpEnd(scenarioCore1),
			osspec.UnmapInitiateShootdown(scenarioCore1),
			osspec.HW(0, hardware.TLBEvict(scenarioCore0, 0x1000)),
			osspec.AckShootdown(scenarioCore0, scenarioCore1),
			osspec.AckShootdown(scenarioCore1, scenarioCore1),
			osspec.UnmapEnd(1),
		},
		check: func(r run) error {
			const torn = 6

			if op := r.done[torn].HW.Op; op.Result != memory.OutcomeValue || op.Value != 9 {
				return fmt.Errorf("stale read returned %v", op)
			}

			abs := r.done[torn].Interp(r.c, r.states[torn])
			if abs.Kind != hlspec.StepReadWrite || abs.Op.Result != memory.OutcomeUndefined {
				return fmt.Errorf("stale read seen as %v", abs)
			}

			if r.last().Interp(r.c).Mappings.Len() != 0 {
				return errors.New("mapping survived the unmap")
			}

			return nil
		},
	},
	"shootdown": {
		about: "an unmap cannot end before every core evicted the translation",
		steps: []osspec.Step{
			osspec.MapStart(0, 0x1000, page(0x2000)),
			osspec.MapOpStart(scenarioCore0),
			osspec.MapEnd(0),
			osspec.HW(0, hardware.TLBFill(scenarioCore0, 0x1000, page(0x2000))),
			osspec.HW(1, hardware.TLBFill(scenarioCore1, 0x1000, page(0x2000))),
			osspec.UnmapStart(1, 0x1000),
			osspec.UnmapOpStart(scenarioCore1),
			osspec.UnmapOpEnd(scenarioCore1),
			osspec.UnmapInitiateShootdown(scenarioCore1),
			osspec.HW(1, hardware.TLBEvict(scenarioCore1, 0x1000)),
			osspec.AckShootdown(scenarioCore1, scenarioCore1),
			osspec.HW(0, hardware.TLBEvict(scenarioCore0, 0x1000)),
			osspec.AckShootdown(scenarioCore0, scenarioCore1),
			osspec.UnmapEnd(1),
		},
		check: func(r run) error {
			// from the shootdown until the last acknowledgement
			for i := 9; i < 13; i++ {
				if _, _, err := osspec.Apply(r.c, r.states[i], osspec.UnmapEnd(1)); err == nil {
					return fmt.Errorf("unmap ends before step %d", i)
				}
			}

			if r.done[len(r.done)-1].Result != memory.Ok {
				return fmt.Errorf("unmap ended with %v", r.done[len(r.done)-1].Result)
			}

			return nil
		},
	},
}

// Scenarios returns the names of the built-in scenarios.
func Scenarios() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// About describes scenario name.
func About(name string) string {
	return scenarios[name].about
}

// Scenario runs the built-in scenario name. Scenarios bring their own
// constants.
func (ch *Checker) Scenario(name string) (*Report, error) {
	sc, ok := scenarios[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownScenario)
	}

	rep := newReport()
	log := ch.Log.WithField("scenario", name)

	r := run{c: scenarioConstants()}
	s := osspec.Initial(r.c)

	if err := refinement.CheckInit(r.c, s); err != nil {
		return rep, ch.fail(rep, r.c, 0, 0, nil, err)
	}

	r.states = append(r.states, s)

	for i, step := range sc.steps {
		s2, done, err := Step(r.c, s, step)
		if err != nil {
			return rep, ch.fail(rep, r.c, 0, 0, append(r.done, done), err)
		}

		log.WithFields(logrus.Fields{"step": i, "kind": done.Kind}).Debug(done)
		rep.step(done)

		r.done = append(r.done, done)
		r.states = append(r.states, s2)
		s = s2
	}

	rep.walk(s.Sound)

	if err := sc.check(r); err != nil {
		return rep, ch.fail(rep, r.c, 0, 0, r.done, fmt.Errorf("%s: %w", name, err))
	}

	return rep, nil
}
