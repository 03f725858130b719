package flag

import (
	"github.com/bobuhiro11/vmspec/checker"
	"github.com/sirupsen/logrus"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config  string `help:"TOML configuration file." short:"c" type:"existingfile" optional:""`
	Verbose bool   `help:"Log every step." short:"v"`
}

// Overrides are the run parameters a command may change on top of the
// configuration file. Zero values keep the configured ones.
type Overrides struct {
	Seed     int64  `help:"Seed of the first walk."`
	Walks    int    `help:"Number of random walks."`
	Depth    int    `help:"Maximum number of steps of a walk."`
	Workers  int    `help:"Walks run at the same time."`
	MemSize  string `help:"Physical memory size: as number[gGmMkK], defaults to bytes." name:"mem-size"`
	TraceDir string `help:"Directory receiving the traces of failed walks." name:"trace-dir" type:"path"`
}

type CLI struct {
	Globals

	Check    CheckCMD    `cmd:"" help:"Check refinement along random walks."`
	Explore  ExploreCMD  `cmd:"" help:"Check refinement on every state reachable within the depth bound."`
	Replay   ReplayCMD   `cmd:"" help:"Replay a recorded trace."`
	Scenario ScenarioCMD `cmd:"" help:"Run built-in scenarios."`
}

type CheckCMD struct {
	Overrides
}

type ExploreCMD struct {
	Overrides

	MaxStates int `help:"Stop expanding after this many distinct states, 0 for no bound." name:"max-states"`
}

type ReplayCMD struct {
	Path string `arg:"" help:"Trace file." type:"existingfile"`
}

type ScenarioCMD struct {
	Name string `arg:"" help:"Scenario to run, all when omitted." optional:""`
	List bool   `help:"List scenarios and exit." short:"l"`
}

// load reads the configuration named by g and sets the log level.
func (g *Globals) load() (checker.Config, error) {
	if g.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if g.Config == "" {
		return checker.DefaultConfig(), nil
	}

	return checker.LoadConfig(g.Config)
}

func (o Overrides) apply(c *checker.Config) error {
	if o.Seed != 0 {
		c.Seed = o.Seed
	}

	if o.Walks != 0 {
		c.Walks = o.Walks
	}

	if o.Depth != 0 {
		c.Depth = o.Depth
	}

	if o.Workers != 0 {
		c.Workers = o.Workers
	}

	if o.TraceDir != "" {
		c.TraceDir = o.TraceDir
	}

	if o.MemSize != "" {
		size, err := ParseSize(o.MemSize)
		if err != nil {
			return err
		}

		c.PhysMemSize = size
	}

	return nil
}
