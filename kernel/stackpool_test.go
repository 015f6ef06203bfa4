package kernel

import "testing"

func TestStackRoundTripThroughScan(t *testing.T) {
	k, _ := testKernel(t, func(c *Config) { c.StackPoolSize = 2 })

	h := mustCreate(t, k, TaskSpec{
		Name:     "worker",
		Priority: 3,
		Entry: func(k *Kernel, th Handle, resumed bool) TaskResult {
			k.RecordStackDepth(th, 320)
			return TaskExit
		},
	})
	mustStart(t, k, h)
	k.Run(1)

	// The stack was released to scan at exit, not recycled directly.
	peek := k.Peek()
	if peek.StacksScan != 1 || peek.StacksFree != 1 {
		t.Fatalf("after exit: scan=%d free=%d, want 1/1", peek.StacksScan, peek.StacksFree)
	}

	// Drain the scan entry: the block returns to free and the recorded
	// high-water mark is handed to the commit callback with the old owner.
	var gotOwner Handle
	var gotHWM int
	k.mu.Lock()
	ok := k.stacks.ScanUnbound(func(owner Handle, hwm int) {
		gotOwner, gotHWM = owner, hwm
	})
	k.mu.Unlock()
	if !ok {
		t.Fatalf("ScanUnbound found nothing on the scan list")
	}
	if gotOwner != h || gotHWM != 320 {
		t.Fatalf("ScanUnbound committed owner=%v hwm=%d, want %v/320", gotOwner, gotHWM, h)
	}

	peek = k.Peek()
	if peek.StacksScan != 0 || peek.StacksFree != 2 {
		t.Fatalf("after scan: scan=%d free=%d, want 0/2", peek.StacksScan, peek.StacksFree)
	}
}

func TestOutOfStacksLatchIsOneShot(t *testing.T) {
	k, _ := testKernel(t, nil)
	k.mu.Lock()
	defer k.mu.Unlock()
	if already := k.stacks.LatchOutOfStacks(); already {
		t.Fatalf("latch reported already-set on first use")
	}
	if already := k.stacks.LatchOutOfStacks(); !already {
		t.Fatalf("latch did not hold on second use")
	}
	// Replenishing the free list ends the exhaustion episode.
	blk, ok := k.stacks.GetPoolStack(Nil)
	if !ok {
		t.Fatalf("GetPoolStack failed with full pool")
	}
	k.stacks.ReleasePoolStack(blk, Nil, 0)
	if !k.stacks.ScanUnbound(nil) {
		t.Fatalf("ScanUnbound found nothing after release")
	}
	if already := k.stacks.LatchOutOfStacks(); already {
		t.Fatalf("latch not cleared by scan replenish")
	}
}

func TestStackExhaustionFallbackDispatchesOwner(t *testing.T) {
	var codes []ErrorCode
	k, _ := testKernel(t, func(c *Config) { c.StackPoolSize = 1 }, WithErrorHook(func(ev ErrorEvent) {
		codes = append(codes, ev.Code)
	}))

	var lowRuns int
	low := mustCreate(t, k, TaskSpec{
		Name:     "low",
		Priority: 2,
		Entry: func(k *Kernel, th Handle, resumed bool) TaskResult {
			lowRuns++
			return TaskYield
		},
	})
	mustStart(t, k, low)
	k.Run(1) // binds the only stack to low

	highRan := false
	high := mustCreate(t, k, TaskSpec{
		Name:     "high",
		Priority: 8,
		Entry: func(k *Kernel, th Handle, resumed bool) TaskResult {
			highRan = true
			return TaskExit
		},
	})
	mustStart(t, k, high)

	// high is top but has no stack and none is free; the scheduler must keep
	// dispatching low (which owns one) and must not report OUT_OF_STKS.
	k.Run(3)
	if highRan {
		t.Fatalf("high dispatched without a stack")
	}
	if lowRuns < 3 {
		t.Fatalf("low ran %d times, want the fallback to keep dispatching it", lowRuns)
	}
	for _, c := range codes {
		if c == ErrOutOfStacks {
			t.Fatalf("OUT_OF_STKS reported while a ready task owned a stack")
		}
	}

	// Once low exits, its stack passes through scan and high finally starts.
	if err := k.TaskDelete(low); err != nil {
		t.Fatalf("TaskDelete(low): %v", err)
	}
	k.Run(2)
	if !highRan {
		t.Fatalf("high never dispatched after a stack freed up")
	}
}

func TestOutOfStacksReportedOnceWhenNothingRunnable(t *testing.T) {
	var codes []ErrorCode
	k, _ := testKernel(t, func(c *Config) { c.StackPoolSize = 1 }, WithErrorHook(func(ev ErrorEvent) {
		codes = append(codes, ev.Code)
	}))

	// hog binds the only stack and then blocks, leaving the run queue with a
	// single stackless task and no fallback dispatch candidate.
	hog := mustCreate(t, k, TaskSpec{
		Name:     "hog",
		Priority: 2,
		Entry:    func(k *Kernel, th Handle, resumed bool) TaskResult { return TaskBlock },
	})
	mustStart(t, k, hog)
	k.Run(1)

	starved := mustCreate(t, k, TaskSpec{
		Name:     "starved",
		Priority: 8,
		Entry:    func(k *Kernel, th Handle, resumed bool) TaskResult { return TaskExit },
	})
	mustStart(t, k, starved)

	k.Run(5)
	got := 0
	for _, c := range codes {
		if c == ErrOutOfStacks {
			got++
		}
	}
	if got != 1 {
		t.Fatalf("OUT_OF_STKS reported %d times across repeated failed cycles, want exactly 1 (latched)", got)
	}
}

func TestPermanentStackOverflowLatches(t *testing.T) {
	var codes []ErrorCode
	k, _ := testKernel(t, nil, WithErrorHook(func(ev ErrorEvent) {
		codes = append(codes, ev.Code)
	}))

	h := mustCreate(t, k, TaskSpec{
		Name:     "deep",
		Priority: 3,
		Flags:    TaskFlags{StackPermanent: true, StackCheck: true},
		Entry: func(k *Kernel, th Handle, resumed bool) TaskResult {
			k.RecordStackDepth(th, k.Config().SizeStack)
			return TaskYield
		},
	})
	mustStart(t, k, h)

	k.Run(3)
	overflow := 0
	for _, c := range codes {
		if c == ErrStackOverflow {
			overflow++
		}
	}
	if overflow != 1 {
		t.Fatalf("STK_OVFL reported %d times over repeated dispatches, want exactly 1 (latched)", overflow)
	}

	snap, err := k.TaskPeek(h)
	if err != nil {
		t.Fatalf("TaskPeek: %v", err)
	}
	if !snap.Flags.StackOverflowed {
		t.Fatalf("stk_ovfl not latched on the TCB")
	}
}
