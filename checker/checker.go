// Package checker drives the operational machine through random walks,
// bounded exhaustive exploration, recorded traces and fixed scenarios,
// checking the invariant and refinement on every transition.
package checker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/bobuhiro11/vmspec/hlspec"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/osspec"
	"github.com/bobuhiro11/vmspec/refinement"
	"github.com/bobuhiro11/vmspec/trace"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrViolation = errors.New("check failed")
	ErrReplay    = errors.New("trace does not replay")
)

type Checker struct {
	Config

	Log logrus.FieldLogger

	consts   osspec.Constants
	universe []access
	accesses map[uint64][]access
}

func New(c Config) *Checker {
	return &Checker{
		Config: c,
		Log:    logrus.StandardLogger(),
	}
}

// Init builds the constants and the accesses of every thread.
func (ch *Checker) Init() error {
	if err := ch.Validate(); err != nil {
		return err
	}

	consts, err := ch.Config.Constants()
	if err != nil {
		return err
	}

	ch.consts = consts
	ch.universe = universeAccesses(ch.Universe)
	ch.accesses = map[uint64][]access{}

	for _, p := range ch.Programs {
		as, err := p.Accesses()
		if err != nil {
			return err
		}

		for _, a := range as {
			op := memory.LoadOp(false)
			if a.Store {
				op = memory.StoreOp(a.Value)
			}

			ch.accesses[p.Thread] = append(ch.accesses[p.Thread], access{
				vaddr: a.Vaddr &^ (memory.WordSize - 1),
				op:    op,
			})
		}

		ch.Log.WithFields(logrus.Fields{"thread": p.Thread, "accesses": len(as)}).Debug("program decoded")
	}

	return nil
}

func (ch *Checker) Constants() osspec.Constants {
	return ch.consts
}

// Step takes step from s and checks the transition, the invariants of the
// successor and refinement. Steps that are not enabled in s are returned
// with an error wrapping osspec.ErrNotEnabled; every other failure wraps
// ErrViolation.
func Step(c osspec.Constants, s osspec.Variables, step osspec.Step) (osspec.Variables, osspec.Step, error) {
	s2, done, err := osspec.Apply(c, s, step)
	if errors.Is(err, osspec.ErrNotEnabled) {
		return s, step, err
	}

	if err != nil {
		return s, step, fmt.Errorf("%w: %w", ErrViolation, err)
	}

	if err := osspec.Verify(c, s, s2, done); err != nil {
		return s2, done, fmt.Errorf("%w: %w", ErrViolation, err)
	}

	if err := osspec.Inv(c, s2); err != nil {
		return s2, done, fmt.Errorf("after %v: %w: %w", done, ErrViolation, err)
	}

	if s2.Sound {
		if err := hlspec.Inv(c.Interp(), s2.Interp(c)); err != nil {
			return s2, done, fmt.Errorf("after %v: %w: %w", done, ErrViolation, err)
		}
	}

	if err := refinement.CheckStep(c, s, s2, done); err != nil {
		return s2, done, fmt.Errorf("%w: %w", ErrViolation, err)
	}

	return s2, done, nil
}

// notEnabled reports whether err only says that a candidate step cannot be
// taken.
func notEnabled(err error) bool {
	return errors.Is(err, osspec.ErrNotEnabled) && !errors.Is(err, ErrViolation)
}

// walk runs one random walk of at most Depth steps.
func (ch *Checker) walk(ctx context.Context, id int, rep *Report) error {
	seed := ch.Seed + int64(id)
	rng := rand.New(rand.NewSource(seed))
	log := ch.Log.WithFields(logrus.Fields{"walk": id, "seed": seed})

	s := osspec.Initial(ch.consts)
	if err := refinement.CheckInit(ch.consts, s); err != nil {
		return ch.fail(rep, ch.consts, id, seed, nil, err)
	}

	var path []osspec.Step

	for n := 0; n < ch.Depth; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		cands := ch.Candidates(s)
		rng.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })

		progressed := false

		for _, cand := range cands {
			s2, done, err := Step(ch.consts, s, cand)
			if notEnabled(err) {
				continue
			}

			path = append(path, done)

			if err != nil {
				log.WithFields(logrus.Fields{"step": n, "kind": done.Kind}).Error(err)

				return ch.fail(rep, ch.consts, id, seed, path, err)
			}

			log.WithFields(logrus.Fields{"step": n, "kind": done.Kind}).Debug(done)
			rep.step(done)

			s = s2
			progressed = true

			break
		}

		if !progressed {
			log.WithField("step", n).Debug("no enabled step")

			break
		}
	}

	rep.walk(s.Sound)

	return nil
}

// Run runs Walks random walks over Workers goroutines and stops at the
// first failure.
func (ch *Checker) Run(ctx context.Context) (*Report, error) {
	rep := newReport()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ch.Workers)

	for i := 0; i < ch.Walks; i++ {
		g.Go(func() error {
			return ch.walk(ctx, i, rep)
		})
	}

	err := g.Wait()

	ch.Log.WithFields(logrus.Fields{
		"walks":      rep.Walks,
		"steps":      rep.Steps,
		"unsound":    rep.Unsound,
		"violations": len(rep.Failures),
	}).Info("random walks done")

	return rep, err
}

// Explore visits every state reachable within Depth steps, each state once
// at its shallowest depth, up to MaxStates states.
func (ch *Checker) Explore(ctx context.Context) (*Report, error) {
	rep := newReport()
	seen := map[string]int{}

	s := osspec.Initial(ch.consts)
	if err := refinement.CheckInit(ch.consts, s); err != nil {
		return rep, ch.fail(rep, ch.consts, 0, ch.Seed, nil, err)
	}

	var path []osspec.Step

	var dfs func(s osspec.Variables, depth int) error

	dfs = func(s osspec.Variables, depth int) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		key := fingerprint(s)

		d, ok := seen[key]
		if ok && d <= depth {
			return nil
		}

		if !ok {
			if ch.MaxStates > 0 && len(seen) >= ch.MaxStates {
				return nil
			}

			rep.state(s.Sound)
		}

		seen[key] = depth

		if depth == ch.Depth {
			return nil
		}

		for _, cand := range ch.Candidates(s) {
			s2, done, err := Step(ch.consts, s, cand)
			if notEnabled(err) {
				continue
			}

			path = append(path, done)

			if err != nil {
				return ch.fail(rep, ch.consts, 0, ch.Seed, path, err)
			}

			rep.step(done)

			if err := dfs(s2, depth+1); err != nil {
				return err
			}

			path = path[:len(path)-1]
		}

		return nil
	}

	err := dfs(s, 0)

	ch.Log.WithFields(logrus.Fields{
		"states":  rep.States,
		"steps":   rep.Steps,
		"unsound": rep.Unsound,
	}).Info("exploration done")

	return rep, err
}

// Replay re-executes t with the constants it was recorded with. Each step
// must complete exactly as recorded.
func (ch *Checker) Replay(t trace.Trace) (*Report, error) {
	rep := newReport()
	c := t.Header.Constants
	s := osspec.Initial(c)

	if err := refinement.CheckInit(c, s); err != nil {
		return rep, ch.fail(rep, c, t.Header.Walk, t.Header.Seed, nil, err)
	}

	for i, step := range t.Steps {
		s2, done, err := Step(c, s, step)
		if err != nil {
			return rep, ch.fail(rep, c, t.Header.Walk, t.Header.Seed, t.Steps[:i+1], err)
		}

		if !cmp.Equal(done, step) {
			return rep, fmt.Errorf("step %d: recorded %v, replayed %v: %w", i, step, done, ErrReplay)
		}

		ch.Log.WithFields(logrus.Fields{"step": i, "kind": done.Kind}).Debug(done)
		rep.step(done)

		s = s2
	}

	rep.walk(s.Sound)

	return rep, nil
}

// fail records a failed run, stores its trace when a trace directory is
// configured and returns err wrapped as a check failure.
func (ch *Checker) fail(rep *Report, c osspec.Constants, walk int, seed int64, path []osspec.Step, err error) error {
	if !errors.Is(err, ErrViolation) {
		err = fmt.Errorf("%w: %w", ErrViolation, err)
	}

	f := Failure{
		Walk:  walk,
		Seed:  seed,
		Steps: append([]osspec.Step(nil), path...),
		Err:   err,
	}

	if ch.TraceDir != "" {
		path := filepath.Join(ch.TraceDir, fmt.Sprintf("walk-%d-seed-%d.trace", walk, seed))

		if werr := writeTrace(path, c, f); werr != nil {
			ch.Log.WithError(werr).Warn("cannot store trace")
		} else {
			f.Trace = path
		}
	}

	rep.fail(f)

	return err
}

func writeTrace(path string, c osspec.Constants, f Failure) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	v := trace.Verdict{Step: len(f.Steps) - 1, Err: f.Err.Error()}

	var viol *refinement.Violation
	if errors.As(f.Err, &viol) {
		v.Violation = true
		v.Diff = viol.Diff
	}

	return trace.WriteFile(path, trace.Trace{
		Header:  trace.Header{Constants: c, Seed: f.Seed, Walk: f.Walk},
		Steps:   f.Steps,
		Verdict: v,
	})
}
