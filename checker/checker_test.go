package checker_test

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobuhiro11/vmspec/checker"
	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/hlspec"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/osspec"
	"github.com/bobuhiro11/vmspec/trace"
	"github.com/bobuhiro11/vmspec/workload"
	"github.com/sirupsen/logrus"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

func newChecker(t *testing.T, c checker.Config) *checker.Checker {
	t.Helper()

	ch := checker.New(c)
	ch.Log = quiet()

	if err := ch.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return ch
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vmspec.toml")
	body := `
nodes = [1, 1]
threads = 3
walks = 5
depth = 12

[[placement]]
thread = 2
node = 1
core = 0

[universe]
vaddrs = [0x200000]
sizes = [0x200000]
frames = [0x400000]

[[program]]
thread = 1
code = "48 89 14 c8"
regs = { rax = 0x200000, rcx = 1, rdx = 3 }
`

	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := checker.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if c.Walks != 5 || c.Depth != 12 || c.Workers != checker.DefaultConfig().Workers {
		t.Fatalf("expected: walks 5, depth 12 and default workers, actual: %+v", c)
	}

	consts, err := c.Constants()
	if err != nil {
		t.Fatal(err)
	}

	want := map[uint64]hardware.Core{0: {Node: 0}, 1: {Node: 1}, 2: {Node: 1}}
	for ult, core := range want {
		if got, _ := consts.Core(ult); got != core {
			t.Fatalf("thread %d: expected: %v, actual: %v", ult, core, got)
		}
	}

	if len(c.Programs) != 1 || c.Programs[0].Regs["rdx"] != 3 {
		t.Fatalf("expected: one program, actual: %+v", c.Programs)
	}

	if err := os.WriteFile(path, []byte("bogus = 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := checker.LoadConfig(path); !errors.Is(err, checker.ErrConfig) {
		t.Fatalf("expected: %v, actual: %v", checker.ErrConfig, err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(c *checker.Config)
	}{
		{name: "no cores", modify: func(c *checker.Config) { c.Nodes = nil }},
		{name: "zero depth", modify: func(c *checker.Config) { c.Depth = 0 }},
		{name: "no workers", modify: func(c *checker.Config) { c.Workers = 0 }},
		{name: "unaligned memory", modify: func(c *checker.Config) { c.PhysMemSize = 12 }},
		{name: "bad placement", modify: func(c *checker.Config) {
			c.Placement = []checker.Placement{{Thread: 0, Node: 3}}
		}},
		{name: "program for missing thread", modify: func(c *checker.Config) {
			c.Programs = []workload.Program{{Thread: 5}}
		}},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := checker.DefaultConfig()
			tt.modify(&c)

			if err := c.Validate(); !errors.Is(err, checker.ErrConfig) {
				t.Fatalf("expected: %v, actual: %v", checker.ErrConfig, err)
			}
		})
	}

	if err := checker.DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestScenarios(t *testing.T) {
	t.Parallel()

	ch := newChecker(t, checker.DefaultConfig())

	for _, name := range checker.Scenarios() {
		name := name

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if checker.About(name) == "" {
				t.Fatal("scenario without description")
			}

			rep, err := ch.Scenario(name)
			if err != nil {
				t.Fatal(err)
			}

			if rep.Walks != 1 || rep.Steps == 0 {
				t.Fatalf("expected: one walk, actual: %d walks of %d steps", rep.Walks, rep.Steps)
			}
		})
	}

	if _, err := ch.Scenario("nope"); !errors.Is(err, checker.ErrUnknownScenario) {
		t.Fatalf("expected: %v, actual: %v", checker.ErrUnknownScenario, err)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	c := checker.DefaultConfig()
	c.Walks = 16
	c.Depth = 30

	rep, err := newChecker(t, c).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if rep.Walks != c.Walks || len(rep.Failures) != 0 {
		t.Fatalf("expected: %d clean walks, actual: %d walks, failures %v", c.Walks, rep.Walks, rep.Failures)
	}

	if rep.Kinds[osspec.StepMapStart] == 0 {
		t.Fatalf("no map started in %d steps", rep.Steps)
	}

	var b strings.Builder
	if err := rep.Print(&b); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(b.String(), "MapStart") {
		t.Fatalf("report lacks step kinds:\n%s", b.String())
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newChecker(t, checker.DefaultConfig()).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected: %v, actual: %v", context.Canceled, err)
	}
}

func TestExplore(t *testing.T) {
	t.Parallel()

	c := checker.DefaultConfig()
	c.Threads = 2
	c.Depth = 6
	c.MaxStates = 2000
	c.Universe = checker.Universe{
		Vaddrs: []uint64{0x1000},
		Frames: []uint64{0x10000},
		Sizes:  []uint64{memory.L3EntrySize},
		Values: []uint64{1},
	}

	rep, err := newChecker(t, c).Explore(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if rep.States < 2 || rep.States > c.MaxStates {
		t.Fatalf("expected: between 2 and %d states, actual: %d", c.MaxStates, rep.States)
	}

	if rep.Unsound == 0 {
		t.Fatal("racing maps never made a state unsound")
	}
}

// record runs steps from the initial state and returns them completed.
func record(t *testing.T, c osspec.Constants, steps []osspec.Step) []osspec.Step {
	t.Helper()

	s := osspec.Initial(c)

	var ret []osspec.Step

	for _, step := range steps {
		s2, done, err := checker.Step(c, s, step)
		if err != nil {
			t.Fatalf("%v: %v", step, err)
		}

		ret = append(ret, done)
		s = s2
	}

	return ret
}

func TestReplay(t *testing.T) {
	t.Parallel()

	ch := newChecker(t, checker.DefaultConfig())
	c := ch.Constants()
	core, _ := c.Core(0)
	pte := memory.PageTableEntry{
		Frame: memory.MemRegion{Base: 0x10000, Size: memory.L3EntrySize},
		Flags: memory.Flags{IsWritable: true},
	}
	tr := &memory.Translation{Base: 0x1000, PTE: pte}

	steps := record(t, c, []osspec.Step{
		osspec.MapStart(0, 0x1000, pte),
		osspec.MapOpStart(core),
		osspec.MapEnd(0),
		osspec.HW(0, hardware.TLBFill(core, 0x1000, pte)),
		osspec.HW(0, hardware.ReadWrite(core, 0x1000, memory.StoreOp(3), tr)),
		osspec.HW(0, hardware.ReadWrite(core, 0x1000, memory.LoadOp(false), tr)),
	})

	rep, err := ch.Replay(trace.Trace{Header: trace.Header{Constants: c}, Steps: steps})
	if err != nil {
		t.Fatal(err)
	}

	if rep.Steps != len(steps) {
		t.Fatalf("expected: %d, actual: %d", len(steps), rep.Steps)
	}

	forged := append([]osspec.Step(nil), steps...)
	forged[5].HW.Op.Value = 4

	if _, err := ch.Replay(trace.Trace{Header: trace.Header{Constants: c}, Steps: forged}); !errors.Is(err, checker.ErrReplay) {
		t.Fatalf("expected: %v, actual: %v", checker.ErrReplay, err)
	}
}

func TestFailureTrace(t *testing.T) {
	t.Parallel()

	c := checker.DefaultConfig()
	c.TraceDir = t.TempDir()
	ch := newChecker(t, c)

	// MapEnd without a map in flight
	bad := trace.Trace{
		Header: trace.Header{Constants: ch.Constants(), Walk: 9, Seed: 4},
		Steps:  []osspec.Step{osspec.MapEnd(0)},
	}

	rep, err := ch.Replay(bad)
	if !errors.Is(err, checker.ErrViolation) {
		t.Fatalf("expected: %v, actual: %v", checker.ErrViolation, err)
	}

	if len(rep.Failures) != 1 || rep.Failures[0].Trace == "" {
		t.Fatalf("expected: one stored failure, actual: %+v", rep.Failures)
	}

	got, err := trace.ReadFile(rep.Failures[0].Trace)
	if err != nil {
		t.Fatal(err)
	}

	if got.Header.Walk != 9 || len(got.Steps) != 1 || got.Verdict.Err == "" {
		t.Fatalf("unexpected trace %+v", got)
	}
}

func TestProgramAccesses(t *testing.T) {
	t.Parallel()

	c := checker.DefaultConfig()
	ch := newChecker(t, c)
	base := len(ch.Candidates(osspec.Initial(ch.Constants())))

	c.Programs = []workload.Program{{
		Thread: 0,
		Code:   "48 89 14 c8",
		Regs:   map[string]uint64{"rax": 0x3000, "rcx": 1, "rdx": 9},
	}}

	ch = newChecker(t, c)

	var found bool

	for _, step := range ch.Candidates(osspec.Initial(ch.Constants())) {
		if step.Kind == osspec.StepHW && step.ULT == 0 && step.HW.Vaddr == 0x3008 {
			found = step.HW.Op.Kind == memory.Store && step.HW.Op.NewValue == 9
		}
	}

	if !found {
		t.Fatal("program store not offered")
	}

	if n := len(ch.Candidates(osspec.Initial(ch.Constants()))); n >= base {
		t.Fatalf("expected: fewer candidates than %d, actual: %d", base, n)
	}
}

func TestAbstractInvariantAlongWalk(t *testing.T) {
	t.Parallel()

	ch := newChecker(t, checker.DefaultConfig())
	c := ch.Constants()
	rng := rand.New(rand.NewSource(7))
	s := osspec.Initial(c)

	for n := 0; n < 200; n++ {
		cands := ch.Candidates(s)
		rng.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })

		progressed := false

		for _, cand := range cands {
			s2, done, err := checker.Step(c, s, cand)
			if errors.Is(err, osspec.ErrNotEnabled) && !errors.Is(err, checker.ErrViolation) {
				continue
			}

			if err != nil {
				t.Fatalf("step %d %v: %v", n, done, err)
			}

			if s2.Sound {
				if err := hlspec.Inv(c.Interp(), s2.Interp(c)); err != nil {
					t.Fatalf("step %d %v: %v", n, done, err)
				}
			}

			s = s2
			progressed = true

			break
		}

		if !progressed {
			break
		}
	}
}

func TestStepReportsFaults(t *testing.T) {
	t.Parallel()

	c := newChecker(t, checker.DefaultConfig()).Constants()
	core, _ := c.Core(0)

	// a map the page table cannot hold, already holding the lock
	s := osspec.Initial(c)
	s.CoreStates[core] = osspec.CoreState{
		Kind:  osspec.MapExecuting,
		ULT:   0,
		Vaddr: 0x1008,
		PTE: memory.PageTableEntry{
			Frame: memory.MemRegion{Base: 0x10000, Size: memory.L3EntrySize},
			Flags: memory.Flags{IsWritable: true},
		},
	}
	s.Lock = &core

	_, _, err := checker.Step(c, s, osspec.MapEnd(0))
	if !errors.Is(err, checker.ErrViolation) || !errors.Is(err, hardware.ErrBadEntry) {
		t.Fatalf("expected: %v wrapping %v, actual: %v", checker.ErrViolation, hardware.ErrBadEntry, err)
	}

	if errors.Is(err, osspec.ErrNotEnabled) {
		t.Fatalf("fault reported as a disabled step: %v", err)
	}

	if _, _, err := checker.Step(c, osspec.Initial(c), osspec.MapEnd(0)); !errors.Is(err, osspec.ErrNotEnabled) {
		t.Fatalf("expected: %v, actual: %v", osspec.ErrNotEnabled, err)
	}
}
