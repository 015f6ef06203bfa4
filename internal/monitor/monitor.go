// Package monitor renders a live view of a running kernel's profile state
// on the controlling terminal: idle/work/overhead percentages repainted in
// place, the way an embedded kernel's profile display paints a physical
// console. It puts the terminal into raw mode via
// github.com/containerd/console for flicker-free repainting and restores it
// on exit.
package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/containerd/console"
	"golang.org/x/sync/errgroup"

	"github.com/smxgo/smxgo/kernel"
)

// Monitor periodically repaints a summary of a kernel's dispatch state:
// ready-queue depths, LSR queue occupancy, stack pool occupancy, and the
// most recent profile frames as percentages of the frame length.
type Monitor struct {
	k        *kernel.Kernel
	interval time.Duration
}

// New builds a Monitor over k, refreshing every interval.
func New(k *kernel.Kernel, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Monitor{k: k, interval: interval}
}

// Run attaches to the current console in raw mode and repaints until ctx is
// cancelled or the user presses 'q'. The refresh loop and the keypress
// reader run as an errgroup so either one ending tears the other down.
func (m *Monitor) Run(ctx context.Context) error {
	con, err := console.ConsoleFromFile(os.Stdin)
	if err != nil {
		return fmt.Errorf("monitor: stdin is not a console: %w", err)
	}
	if err := con.SetRaw(); err != nil {
		return fmt.Errorf("monitor: set raw mode: %w", err)
	}
	defer con.Reset() //nolint:errcheck

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			m.paint(con)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, 1)
		for {
			n, err := con.Read(buf)
			if err != nil {
				return nil
			}
			if n == 1 && (buf[0] == 'q' || buf[0] == 3) { // 'q' or ctrl-C
				cancel()
				return nil
			}
		}
	})

	return g.Wait()
}

// paint clears the screen and writes one snapshot. Raw mode means \r\n line
// endings, not \n.
func (m *Monitor) paint(w io.Writer) {
	peek := m.k.Peek()
	frames := m.k.ProfileFrames()

	fmt.Fprint(w, "\x1b[2J\x1b[H")
	fmt.Fprintf(w, "smxgo monitor  (press q to quit)\r\n")
	fmt.Fprintf(w, "%s\r\n\r\n", peek)

	if len(frames) == 0 {
		fmt.Fprintf(w, "no profile frames yet\r\n")
		return
	}

	fmt.Fprintf(w, "%-6s %-8s %-8s %-8s %-8s\r\n", "frame", "isr%", "lsr%", "task%", "ovh%")
	for _, f := range frames {
		total := f.ISR + f.LSR + f.TaskSum + f.Overhead
		if total == 0 {
			continue
		}
		fmt.Fprintf(w, "%-6d %-8.1f %-8.1f %-8.1f %-8.1f\r\n",
			f.Sequence,
			pct(f.ISR, total), pct(f.LSR, total), pct(f.TaskSum, total), pct(f.Overhead, total))
	}
}

func pct(d, total time.Duration) float64 {
	return 100 * float64(d) / float64(total)
}
