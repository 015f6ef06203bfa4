package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
)

// profileCmd implements "smxctl profile": run the profile scenario and dump
// the captured profile buffer as a table, optionally appending to a dump
// file guarded by an advisory lock so concurrent smxctl invocations do not
// interleave rows.
type profileCmd struct {
	configPath string
	outPath    string
}

func (*profileCmd) Name() string     { return "profile" }
func (*profileCmd) Synopsis() string { return "run the profiling workload and dump the profile buffer" }
func (*profileCmd) Usage() string {
	return "profile [-config file.toml] [-out dump.txt]\n"
}

func (c *profileCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "TOML config file overriding the defaults")
	f.StringVar(&c.outPath, "out", "", "append the dump to this file instead of stdout")
}

func (c *profileCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}

	events, err := scenarioProfile(cfg)
	if err != nil {
		fmt.Printf("profile: %v\n", err)
		return subcommands.ExitFailure
	}

	if c.outPath == "" {
		c.dump(os.Stdout, events)
		return subcommands.ExitSuccess
	}

	lock := flock.New(c.outPath + ".lock")
	if err := lock.Lock(); err != nil {
		fmt.Printf("profile: lock %s: %v\n", c.outPath, err)
		return subcommands.ExitFailure
	}
	defer lock.Unlock() //nolint:errcheck

	out, err := os.OpenFile(c.outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Printf("profile: open %s: %v\n", c.outPath, err)
		return subcommands.ExitFailure
	}
	defer out.Close()
	c.dump(out, events)
	return subcommands.ExitSuccess
}

func (c *profileCmd) dump(w *os.File, events []string) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	for _, ev := range events {
		fmt.Fprintln(tw, ev)
	}
	tw.Flush()
}
