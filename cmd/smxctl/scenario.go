package main

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smxgo/smxgo/kernel"
)

// trace collects the dispatch-order events a scenario produces, so run can
// print them and the caller can eyeball them against the expectations in the
// scenario's description.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (tr *trace) add(format string, args ...interface{}) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, fmt.Sprintf(format, args...))
}

func (tr *trace) all() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

type scenarioFunc func(cfg kernel.Config) ([]string, error)

// traceSink records out-of-band error deliveries into the trace, standing in
// for a remote log collector.
type traceSink struct {
	tr *trace
}

func (s *traceSink) Deliver(ev kernel.ErrorEvent) error {
	s.tr.add("sink: %s delivered", ev.Code)
	return nil
}

var scenarios = map[string]scenarioFunc{
	"preempt": scenarioPreempt,
	"flyback": scenarioFlyback,
	"stacks":  scenarioStacks,
	"damage":  scenarioDamage,
	"rtlimit": scenarioRuntimeLimit,
	"profile": scenarioProfile,
}

// scenarioPreempt: a low-priority and a high-priority task; the high one
// waits, the low one fires a simulated interrupt whose LSR wakes the high
// one, and the very next dispatch resumes it.
func scenarioPreempt(cfg kernel.Config) ([]string, error) {
	k, err := kernel.Boot(cfg)
	if err != nil {
		return nil, err
	}
	tr := &trace{}

	high, err := k.TaskCreate(kernel.TaskSpec{
		Name:     "high",
		Priority: 5,
		Entry: func(k *kernel.Kernel, t kernel.Handle, resumed bool) kernel.TaskResult {
			if !resumed {
				tr.add("high: waiting")
				return kernel.TaskBlock
			}
			tr.add("high: resumed")
			return kernel.TaskExit
		},
	})
	if err != nil {
		return nil, err
	}

	wake, err := k.LSRCreate("wake-high", kernel.LSRTrusted, kernel.Nil, func(k *kernel.Kernel, _ uintptr) {
		tr.add("lsr: waking high")
		if err := k.TaskResume(high); err != nil {
			tr.add("lsr: resume failed: %v", err)
		}
	})
	if err != nil {
		return nil, err
	}

	fired := false
	if _, err := k.TaskCreate(kernel.TaskSpec{
		Name:     "low",
		Priority: 1,
		Entry: func(k *kernel.Kernel, t kernel.Handle, resumed bool) kernel.TaskResult {
			if !fired {
				fired = true
				tr.add("low: running, firing interrupt")
				k.ISRStart()
				k.Invoke(wake, 0)
				k.ISREnd()
				return kernel.TaskYield
			}
			tr.add("low: done")
			return kernel.TaskExit
		},
	}); err != nil {
		return nil, err
	}

	if err := startAll(k); err != nil {
		return nil, err
	}
	k.Run(32)
	return tr.all(), nil
}

// scenarioFlyback: an interrupt posts an LSR that starts a higher-priority
// task while a lower-priority one is pending its first dispatch; the LSR
// drain runs first, so the high-priority task wins the dispatch.
func scenarioFlyback(cfg kernel.Config) ([]string, error) {
	k, err := kernel.Boot(cfg)
	if err != nil {
		return nil, err
	}
	tr := &trace{}

	b, err := k.TaskCreate(kernel.TaskSpec{
		Name:     "b",
		Priority: 7,
		Entry: func(k *kernel.Kernel, t kernel.Handle, resumed bool) kernel.TaskResult {
			tr.add("b: ran")
			return kernel.TaskExit
		},
	})
	if err != nil {
		return nil, err
	}

	startB, err := k.LSRCreate("start-b", kernel.LSRTrusted, kernel.Nil, func(k *kernel.Kernel, _ uintptr) {
		tr.add("lsr: starting b")
		if err := k.TaskStart(b); err != nil {
			tr.add("lsr: start failed: %v", err)
		}
	})
	if err != nil {
		return nil, err
	}

	a, err := k.TaskCreate(kernel.TaskSpec{
		Name:     "a",
		Priority: 3,
		Entry: func(k *kernel.Kernel, t kernel.Handle, resumed bool) kernel.TaskResult {
			tr.add("a: ran")
			return kernel.TaskExit
		},
	})
	if err != nil {
		return nil, err
	}
	if err := k.TaskStart(a); err != nil {
		return nil, err
	}

	k.ISRStart()
	k.Invoke(startB, 0)
	k.ISREnd()

	k.Run(16)
	return tr.all(), nil
}

// scenarioStacks: more pooled tasks than stacks; the starved one starts only
// after a finished task's stack has passed through the scan list.
func scenarioStacks(cfg kernel.Config) ([]string, error) {
	cfg.StackPoolSize = 2
	k, err := kernel.Boot(cfg)
	if err != nil {
		return nil, err
	}
	tr := &trace{}

	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("worker%d", i)
		if _, err := k.TaskCreate(kernel.TaskSpec{
			Name:     name,
			Priority: 4,
			Entry: func(k *kernel.Kernel, t kernel.Handle, resumed bool) kernel.TaskResult {
				tr.add("%s: ran (%s)", name, k.Peek())
				return kernel.TaskExit
			},
		}); err != nil {
			return nil, err
		}
	}

	if err := startAll(k); err != nil {
		return nil, err
	}
	k.Run(32)
	return tr.all(), nil
}

// scenarioDamage: corrupt a run-queue level's forward link, then watch the
// scheduler detect it, repair from the back-link chain, and still dispatch
// the task.
func scenarioDamage(cfg kernel.Config) ([]string, error) {
	tr := &trace{}
	k, err := kernel.Boot(cfg,
		kernel.WithErrorHook(func(ev kernel.ErrorEvent) {
			tr.add("error hook: %s (%s)", ev.Code, ev.Detail)
		}),
		kernel.WithErrorSink(&traceSink{tr: tr}, kernel.NewSinkBackoff()),
	)
	if err != nil {
		return nil, err
	}

	if _, err := k.TaskCreate(kernel.TaskSpec{
		Name:     "victim",
		Priority: 5,
		Entry: func(k *kernel.Kernel, t kernel.Handle, resumed bool) kernel.TaskResult {
			tr.add("victim: ran after repair")
			return kernel.TaskExit
		},
	}); err != nil {
		return nil, err
	}
	if err := startAll(k); err != nil {
		return nil, err
	}

	k.DamageRunQueue(5)
	k.Run(8)

	damaged, fixed := k.RunQueueStats()
	tr.add("stats: damaged=%d fixed=%d", damaged, fixed)
	return tr.all(), nil
}

// scenarioRuntimeLimit: a task with a runtime budget is parked off the run
// queue once its accumulated runtime crosses the budget, and resumes only
// when explicitly released.
func scenarioRuntimeLimit(cfg kernel.Config) ([]string, error) {
	k, err := kernel.Boot(cfg)
	if err != nil {
		return nil, err
	}
	tr := &trace{}

	var burner kernel.Handle
	burner, err = k.TaskCreate(kernel.TaskSpec{
		Name:         "burner",
		Priority:     4,
		RuntimeLimit: 2 * time.Millisecond,
		Entry: func(k *kernel.Kernel, t kernel.Handle, resumed bool) kernel.TaskResult {
			time.Sleep(time.Millisecond) // simulated compute
			tr.add("burner: slice")
			return kernel.TaskYield
		},
	})
	if err != nil {
		return nil, err
	}
	if err := startAll(k); err != nil {
		return nil, err
	}

	k.Run(16)
	snap, err := k.TaskPeek(burner)
	if err != nil {
		return nil, err
	}
	tr.add("burner parked: state=%s runtime=%s", snap.State, snap.Runtime)

	unparked := k.ReplenishRuntimeBudgets()
	tr.add("budgets replenished, %d task(s) unparked", unparked)
	k.Run(2)
	return tr.all(), nil
}

// scenarioProfile: several simulated interrupt sources fire concurrently
// while a compute task runs and the tick source advances; the captured
// profile frames account every microsecond to ISR, LSR, task, or overhead.
func scenarioProfile(cfg kernel.Config) ([]string, error) {
	cfg.RTCFrame = 10
	k, err := kernel.Boot(cfg)
	if err != nil {
		return nil, err
	}
	tr := &trace{}

	noop, err := k.LSRCreate("sample", kernel.LSRTrusted, kernel.Nil, func(k *kernel.Kernel, param uintptr) {
		time.Sleep(50 * time.Microsecond)
	})
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	if _, err := k.TaskCreate(kernel.TaskSpec{
		Name:     "compute",
		Priority: 3,
		Entry: func(k *kernel.Kernel, t kernel.Handle, resumed bool) kernel.TaskResult {
			time.Sleep(200 * time.Microsecond)
			select {
			case <-done:
				return kernel.TaskExit
			default:
				return kernel.TaskYield
			}
		},
	}); err != nil {
		return nil, err
	}
	if err := startAll(k); err != nil {
		return nil, err
	}

	// Three interrupt sources racing to post, per the "Invoke is the one
	// concurrency-safe entry point" contract.
	var g errgroup.Group
	for src := 0; src < 3; src++ {
		src := src
		g.Go(func() error {
			for i := 0; i < 20; i++ {
				k.ISRStart()
				k.Invoke(noop, uintptr(src))
				k.ISREnd()
				time.Sleep(100 * time.Microsecond)
			}
			return nil
		})
	}

	for tick := 0; tick < 50; tick++ {
		k.Tick()
		k.Run(4)
		time.Sleep(time.Millisecond)
	}
	close(done)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	k.Run(8)

	for _, f := range k.ProfileFrames() {
		tr.add("frame %d: isr=%s lsr=%s tasks=%s overhead=%s", f.Sequence, f.ISR, f.LSR, f.TaskSum, f.Overhead)
	}
	return tr.all(), nil
}

// startAll starts every dormant task in creation order. Scenario helpers
// create tasks before choosing when to start them; this is the "start them
// all now" default.
func startAll(k *kernel.Kernel) error {
	var firstErr error
	k.RangeTasks(func(h kernel.Handle, name string, state kernel.TaskState) bool {
		if state != kernel.TaskDormant {
			return true
		}
		if err := k.TaskStart(h); err != nil && firstErr == nil {
			firstErr = err
			return false
		}
		return true
	})
	return firstErr
}
