package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/smxgo/smxgo/internal/monitor"
	"github.com/smxgo/smxgo/kernel"
)

// monitorCmd implements "smxctl monitor": boot a kernel, run a demo workload
// in the background, and attach a raw-mode live view of its profile state to
// the terminal until the user quits.
type monitorCmd struct {
	configPath string
	interval   time.Duration
}

func (*monitorCmd) Name() string     { return "monitor" }
func (*monitorCmd) Synopsis() string { return "attach a live console view to a demo workload" }
func (*monitorCmd) Usage() string {
	return "monitor [-config file.toml] [-interval 500ms]\n"
}

func (c *monitorCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "TOML config file overriding the defaults")
	f.DurationVar(&c.interval, "interval", 500*time.Millisecond, "refresh interval")
}

func (c *monitorCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	cfg.RTCFrame = 10

	k, err := kernel.Boot(cfg)
	if err != nil {
		fmt.Printf("monitor: boot: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := c.startWorkload(k); err != nil {
		fmt.Printf("monitor: workload: %v\n", err)
		return subcommands.ExitFailure
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// Drive ticks and dispatch in the background while the monitor owns the
	// terminal.
	g.Go(func() error {
		ticker := time.NewTicker(time.Second / time.Duration(cfg.TicksPerSec))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				k.Tick()
				k.Run(8)
			}
		}
	})

	g.Go(func() error {
		defer cancel()
		return monitor.New(k, c.interval).Run(ctx)
	})

	if err := g.Wait(); err != nil {
		fmt.Printf("monitor: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// startWorkload creates a small steady-state demo: one compute task that
// yields forever and one trusted LSR posted from a simulated periodic
// interrupt source.
func (c *monitorCmd) startWorkload(k *kernel.Kernel) error {
	blip, err := k.LSRCreate("blip", kernel.LSRTrusted, kernel.Nil, func(k *kernel.Kernel, _ uintptr) {
		time.Sleep(20 * time.Microsecond)
	})
	if err != nil {
		return err
	}

	spin, err := k.TaskCreate(kernel.TaskSpec{
		Name:     "spin",
		Priority: 3,
		Entry: func(k *kernel.Kernel, t kernel.Handle, resumed bool) kernel.TaskResult {
			time.Sleep(100 * time.Microsecond)
			k.ISRStart()
			k.Invoke(blip, 0)
			k.ISREnd()
			return kernel.TaskYield
		},
	})
	if err != nil {
		return err
	}
	return k.TaskStart(spin)
}
