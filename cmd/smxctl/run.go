package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"github.com/google/subcommands"

	"github.com/smxgo/smxgo/kernel"
)

// runCmd implements "smxctl run <scenario>": boot a kernel and drive one of
// the built-in end-to-end scenarios to completion, printing the dispatch
// trace.
type runCmd struct {
	configPath string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a built-in end-to-end scenario" }
func (*runCmd) Usage() string {
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Sprintf("run [-config file.toml] <scenario>\n  scenarios: %v\n", names)
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "TOML config file overriding the defaults")
}

func (c *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Println(c.Usage())
		return subcommands.ExitUsageError
	}
	fn, ok := scenarios[f.Arg(0)]
	if !ok {
		fmt.Printf("unknown scenario %q\n%s", f.Arg(0), c.Usage())
		return subcommands.ExitUsageError
	}

	cfg, err := loadConfig(c.configPath)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}

	events, err := fn(cfg)
	if err != nil {
		fmt.Printf("scenario %s: %v\n", f.Arg(0), err)
		return subcommands.ExitFailure
	}
	for i, ev := range events {
		fmt.Printf("%3d  %s\n", i, ev)
	}
	return subcommands.ExitSuccess
}

func loadConfig(path string) (kernel.Config, error) {
	if path == "" {
		return kernel.DefaultConfig(), nil
	}
	return kernel.LoadConfig(path)
}
