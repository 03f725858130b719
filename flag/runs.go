package flag

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/vmspec/checker"
	"github.com/bobuhiro11/vmspec/trace"
)

func Parse() error {
	c := CLI{}

	programName := "vmspec"
	programDesc := "vmspec checks that a multi-core virtual memory subsystem refines its abstract model"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run(&c.Globals)

	return err
}

// newChecker builds an initialised checker from the configuration and
// the overrides.
func newChecker(g *Globals, o Overrides, modify func(*checker.Config)) (*checker.Checker, error) {
	c, err := g.load()
	if err != nil {
		return nil, err
	}

	if err := o.apply(&c); err != nil {
		return nil, err
	}

	if modify != nil {
		modify(&c)
	}

	ch := checker.New(c)

	if err := ch.Init(); err != nil {
		return nil, err
	}

	return ch, nil
}

func report(rep *checker.Report, err error) error {
	if rep != nil {
		if perr := rep.Print(os.Stdout); perr != nil {
			return perr
		}
	}

	return err
}

func (cmd *CheckCMD) Run(g *Globals) error {
	ch, err := newChecker(g, cmd.Overrides, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return report(ch.Run(ctx))
}

func (cmd *ExploreCMD) Run(g *Globals) error {
	ch, err := newChecker(g, cmd.Overrides, func(c *checker.Config) {
		if cmd.MaxStates != 0 {
			c.MaxStates = cmd.MaxStates
		}
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return report(ch.Explore(ctx))
}

func (cmd *ReplayCMD) Run(g *Globals) error {
	t, err := trace.ReadFile(cmd.Path)
	if err != nil {
		return err
	}

	ch, err := newChecker(g, Overrides{}, nil)
	if err != nil {
		return err
	}

	if t.Verdict.Err != "" {
		fmt.Printf("recorded verdict at step %d: %s\n", t.Verdict.Step, t.Verdict.Err)

		if t.Verdict.Diff != "" {
			fmt.Println(t.Verdict.Diff)
		}
	}

	return report(ch.Replay(t))
}

func (cmd *ScenarioCMD) Run(g *Globals) error {
	if cmd.List {
		for _, name := range checker.Scenarios() {
			fmt.Printf("%-12s %s\n", name, checker.About(name))
		}

		return nil
	}

	ch, err := newChecker(g, Overrides{}, nil)
	if err != nil {
		return err
	}

	names := checker.Scenarios()
	if cmd.Name != "" {
		names = []string{cmd.Name}
	}

	for _, name := range names {
		fmt.Printf("scenario %s: %s\n", name, checker.About(name))

		if err := report(ch.Scenario(name)); err != nil {
			return err
		}
	}

	return nil
}
