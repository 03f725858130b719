package checker

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/osspec"
)

// Failure is a run that broke the transition relation, the invariant or
// refinement.
type Failure struct {
	Walk  int
	Seed  int64
	Steps []osspec.Step
	Err   error
	// Trace is where the run was stored, empty when it was not.
	Trace string
}

// Report summarises a check. It is safe for concurrent use by walks.
type Report struct {
	mu sync.Mutex

	Walks int
	// States counts distinct states, for Explore.
	States int
	Steps  int
	// Unsound counts walks ending, or states explored, outside the
	// guarantees of the abstract machine.
	Unsound  int
	Kinds    map[osspec.StepKind]int
	Failures []Failure
}

func newReport() *Report {
	return &Report{Kinds: map[osspec.StepKind]int{}}
}

func (r *Report) step(s osspec.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Steps++
	r.Kinds[s.Kind]++
}

func (r *Report) walk(sound bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Walks++

	if !sound {
		r.Unsound++
	}
}

func (r *Report) state(sound bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.States++

	if !sound {
		r.Unsound++
	}
}

func (r *Report) fail(f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Failures = append(r.Failures, f)
}

// Print writes r in a human readable form.
func (r *Report) Print(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder

	fmt.Fprintf(&b, "walks: %d, states: %d, steps: %d, unsound: %d\n", r.Walks, r.States, r.Steps, r.Unsound)

	for _, k := range slices.Sorted(maps.Keys(r.Kinds)) {
		fmt.Fprintf(&b, "  %-24v %d\n", k, r.Kinds[k])
	}

	for _, f := range r.Failures {
		fmt.Fprintf(&b, "walk %d (seed %d) failed after %d steps: %v\n", f.Walk, f.Seed, len(f.Steps), f.Err)

		if f.Trace != "" {
			fmt.Fprintf(&b, "  trace: %s\n", f.Trace)
		}
	}

	_, err := io.WriteString(w, b.String())

	return err
}

// fingerprint returns a key identifying s.
func fingerprint(s osspec.Variables) string {
	var b strings.Builder

	fmt.Fprintf(&b, "sound=%v lock=", s.Sound)

	if s.Lock != nil {
		fmt.Fprintf(&b, "%v", *s.Lock)
	}

	b.WriteString(" mem=")
	s.HW.Mem.AscendRange(0, s.HW.Mem.Len(), func(idx, value uint64) bool {
		fmt.Fprintf(&b, "%x:%x,", idx, value)

		return true
	})

	fmt.Fprintf(&b, " pt=%v", s.InterpPTMem())

	cores := slices.SortedFunc(maps.Keys(s.CoreStates), func(x, y hardware.Core) int {
		switch {
		case x.Less(y):
			return -1
		case y.Less(x):
			return 1
		}

		return 0
	})

	for _, core := range cores {
		fmt.Fprintf(&b, " %v=%v", core, s.CoreStates[core])

		s.HW.TLB(core).Ascend(func(base uint64, pte memory.PageTableEntry) bool {
			fmt.Fprintf(&b, ",%x>%v", base, pte)

			return true
		})

		for _, h := range cores {
			if s.Shootdown[osspec.Pair{Dispatcher: core, Handler: h}] {
				fmt.Fprintf(&b, ",ack:%v", h)
			}
		}
	}

	return b.String()
}
