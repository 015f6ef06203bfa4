// smxctl drives the smxgo kernel model from the command line: it can run the
// built-in end-to-end scenarios, dump a captured profile buffer, or attach a
// live console monitor to a demo workload.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var logLevel = flag.String("log-level", "warn", "logrus level (debug, info, warn, error)")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(profileCmd), "")
	subcommands.Register(new(monitorCmd), "")

	flag.Parse()

	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logrus.SetLevel(lvl)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
