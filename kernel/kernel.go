// Package kernel implements the preemptive, priority-based dispatch core of
// a small real-time multitasking kernel as a deterministic Go state machine:
// a two-tier task/LSR scheduler, the SSR entry/exit protocol, stack
// lifecycle management, a run queue with damage detection and repair,
// runtime-profile accounting, and MPU region-table reload bookkeeping.
package kernel

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kernel is the top-level object wiring together every dispatch-core
// component: control-block pools, run queue, LSR queue, stack pool, MPU
// strategy, profiler, and error manager. It models exactly one CPU: its
// SSR-adjacent methods are not meant to be called concurrently with each
// other (that invariant is enforced by mu, standing in for interrupts
// being disabled), but Invoke (ISR-to-LSR posting) is safe for concurrent
// callers by design.
type Kernel struct {
	mu sync.Mutex

	cfg Config
	log *logrus.Entry

	pools *pools

	rq     *RunQueue
	lq     *LSRQueue
	stacks *StackPool
	mpu    MPU
	prof   *profiler
	errs   *errorManager

	nest  ssrNest
	tb    timebase
	inLSR bool // an LSR body is on the CPU; SSRExitIF must not suspend

	current Handle // currently dispatched task, Nil if none
	booted  bool

	clock func() time.Time // overridable for tests
}

// Option configures a Kernel at Boot time.
type Option func(*Kernel)

// WithErrorHook installs the application's error policy; the core itself
// never decides to kill a task.
func WithErrorHook(hook ErrorHook) Option {
	return func(k *Kernel) { k.errs.hook = hook }
}

// WithErrorSink installs an out-of-band error event sink, delivered via
// github.com/cenkalti/backoff on a detached goroutine.
func WithErrorSink(sink ErrorSink, bo Backoff) Option {
	return func(k *Kernel) {
		k.errs.sink = sink
		k.errs.backoff = bo
	}
}

// WithClock overrides the wall-clock source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(k *Kernel) { k.clock = clock }
}

// WithLogger overrides the default logrus logger.
func WithLogger(log *logrus.Logger) Option {
	return func(k *Kernel) { k.log = log.WithField("component", "smx") }
}

// Boot constructs a Kernel from cfg: allocates every control-block arena,
// the run queue, LSR queue, stack pool, MPU strategy, and profiler. It
// does not start dispatching; call Run (task_sched.go) to enter the
// scheduler loop.
func Boot(cfg Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logrus.New().WithField("component", "smx")

	k := &Kernel{
		cfg:     cfg,
		log:     log,
		pools:   newPools(cfg),
		current: Nil,
		clock:   time.Now,
	}
	k.rq = newRunQueue(log, k.pools, cfg.PriorityLevels)
	k.lq = newLSRQueue(log, cfg.LSRQueueDepth)
	k.stacks = newStackPool(log, cfg)
	k.mpu = newMPU(cfg.Arch)
	k.prof = newProfiler(cfg)
	k.errs = newErrorManager(log, nil, nil, nil)

	for _, opt := range opts {
		opt(k)
	}
	k.booted = true
	return k, nil
}

func (k *Kernel) currentTask() (*Task, bool) {
	if k.current.IsNil() {
		return nil, false
	}
	return k.pools.tasks.Get(k.current)
}

// Now returns the kernel's clock source (overridable via WithClock).
func (k *Kernel) Now() time.Time { return k.clock() }

// Config returns the configuration the kernel was booted with.
func (k *Kernel) Config() Config { return k.cfg }

// ProfileFrames returns the completed profile frames captured so far.
func (k *Kernel) ProfileFrames() []ProfileFrame {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.prof.Frames()
}

// RunQueueStats exposes damage/repair counters for diagnostics and tests.
func (k *Kernel) RunQueueStats() (damaged, fixed int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rq.Stats()
}

// LSRQueueStats exposes LQ depth/overflow counters.
func (k *Kernel) LSRQueueStats() (depth, hwm, overflows int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lq.Len(), k.lq.HighWaterMark(), k.lq.Overflows()
}
