package checker

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/osspec"
	"github.com/bobuhiro11/vmspec/workload"
)

var ErrConfig = errors.New("invalid configuration")

// Placement puts a thread on a core.
type Placement struct {
	Thread uint64 `toml:"thread"`
	Node   uint32 `toml:"node"`
	Core   uint32 `toml:"core"`
}

// Universe is the set of arguments the checker draws operations from.
type Universe struct {
	Vaddrs []uint64 `toml:"vaddrs"`
	Frames []uint64 `toml:"frames"`
	Sizes  []uint64 `toml:"sizes"`
	Values []uint64 `toml:"values"`
}

type Config struct {
	// Nodes holds the number of cores of each NUMA node.
	Nodes   []uint32 `toml:"nodes"`
	Threads uint64   `toml:"threads"`
	// Placement defaults to spreading threads round robin over the cores.
	Placement []Placement `toml:"placement"`
	// PhysMemSize is the size of physical memory in bytes.
	PhysMemSize uint64 `toml:"phys_mem_size"`

	Seed    int64 `toml:"seed"`
	Walks   int   `toml:"walks"`
	Depth   int   `toml:"depth"`
	Workers int   `toml:"workers"`
	// MaxStates bounds Explore, zero meaning unbounded.
	MaxStates int `toml:"max_states"`

	Universe Universe           `toml:"universe"`
	Programs []workload.Program `toml:"program"`

	// TraceDir receives a trace of every failed walk when set.
	TraceDir string `toml:"trace_dir"`
}

// DefaultConfig is two cores shared by three threads over a small universe
// in which maps race for the same frames.
func DefaultConfig() Config {
	return Config{
		Nodes:       []uint32{2},
		Threads:     3,
		PhysMemSize: 512 << 10,
		Seed:        1,
		Walks:       64,
		Depth:       40,
		Workers:     4,
		Universe: Universe{
			Vaddrs: []uint64{0x1000, 0x2000},
			Frames: []uint64{0x10000, 0x11000},
			Sizes:  []uint64{memory.L3EntrySize},
			Values: []uint64{1, 2},
		},
	}
}

// LoadConfig reads a TOML configuration over the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()

	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return c, fmt.Errorf("load %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return c, fmt.Errorf("load %s: unknown keys %v: %w", path, undecoded, ErrConfig)
	}

	return c, nil
}

// Constants builds the machine constants described by c.
func (c Config) Constants() (osspec.Constants, error) {
	hw := hardware.Constants{
		PhysMemSize: memory.WordIndex(c.PhysMemSize),
		Nodes:       c.Nodes,
	}

	cores := hw.Cores()
	if len(cores) == 0 {
		return osspec.Constants{}, fmt.Errorf("no cores: %w", ErrConfig)
	}

	placement := make(map[uint64]hardware.Core, c.Threads)

	for ult := uint64(0); ult < c.Threads; ult++ {
		placement[ult] = cores[ult%uint64(len(cores))]
	}

	for _, p := range c.Placement {
		if p.Thread >= c.Threads {
			return osspec.Constants{}, fmt.Errorf("placement of thread %d of %d: %w", p.Thread, c.Threads, ErrConfig)
		}

		placement[p.Thread] = hardware.Core{Node: p.Node, ID: p.Core}
	}

	ret := osspec.Constants{HW: hw, ULT2Core: placement, ULTNo: c.Threads}

	if err := ret.Wf(); err != nil {
		return ret, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return ret, nil
}

// Validate checks c before a run.
func (c Config) Validate() error {
	switch {
	case c.Walks < 0, c.Depth <= 0, c.Workers <= 0, c.MaxStates < 0:
		return fmt.Errorf("walks %d, depth %d, workers %d, max states %d: %w",
			c.Walks, c.Depth, c.Workers, c.MaxStates, ErrConfig)
	case c.PhysMemSize == 0 || !memory.Aligned(c.PhysMemSize, memory.WordSize):
		return fmt.Errorf("physical memory size %#x: %w", c.PhysMemSize, ErrConfig)
	}

	for _, p := range c.Programs {
		if p.Thread >= c.Threads {
			return fmt.Errorf("program for thread %d of %d: %w", p.Thread, c.Threads, ErrConfig)
		}
	}

	_, err := c.Constants()

	return err
}
