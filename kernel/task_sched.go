package kernel

import (
	"fmt"
	"time"
)

// Run drives the task scheduler for up to maxCycles dispatch cycles: drain
// all pending LSRs, pick the highest-priority ready task, dispatch it once,
// react to what it returned, repeat. It returns the number of cycles
// actually run, which is less than maxCycles if the run queue and LSR queue
// both went empty.
//
// This is a deliberate simplification of real preemptive dispatch: a Go
// function cannot be asynchronously suspended mid-statement the way a real
// CPU is by a timer interrupt, so "preemption" here means "the scheduler
// re-evaluates the top of the run queue between task dispatches," not
// "a running task can be interrupted mid-instruction." Task.Entry closures
// model the suspend points a cooperative task would actually yield at.
func (k *Kernel) Run(maxCycles int) int {
	for i := 0; i < maxCycles; i++ {
		if !k.dispatchOnce() {
			return i
		}
	}
	return maxCycles
}

// dispatchOnce runs one full cycle: drain LSRs, then pick and dispatch the
// top task. It returns false only when there is nothing left to do (run
// queue and LSR queue both empty); a cycle that could not dispatch due to
// stack exhaustion still returns true so Run keeps making progress once a
// stack frees up.
func (k *Kernel) dispatchOnce() bool {
	k.mu.Lock()
	k.drainLSRsLocked()
	if k.cfg.EnableStackScan {
		k.scanBoundOnce()
	}

	top, ok := k.rq.Top()
	if !ok {
		k.mu.Unlock()
		return false
	}

	t, ok := k.pools.tasks.Get(top)
	if !ok {
		// Damage detected; repairTop reports RQ_ERROR and then Q_FIXED or
		// BROKEN_Q per level, so the detection itself only logs.
		k.log.WithField("handle", top).Warn("smx: run queue top resolved to invalid task")
		k.repairTop()
		k.mu.Unlock()
		return true
	}

	// Runtime-limit check: a task whose accounted runtime (its own, or its
	// top-most ancestor's if it is a child) has reached its budget is pulled
	// off the run queue rather than dispatched.
	if limited, limitHandle := k.runtimeLimited(top, t); limited {
		k.rq.Dequeue(top)
		t.State = TaskBlocked
		t.rtParked = true
		k.log.WithFields(map[string]interface{}{
			"task": top, "limit_owner": limitHandle,
		}).Debug("smx: task parked on runtime-limit wait, budget exhausted")
		k.mu.Unlock()
		return true
	}

	if t.stack == nil && !t.Flags.StackPermanent {
		dispatchTop, dispatchTask, ok := k.resolveStartCandidate(top, t)
		if !ok {
			k.mu.Unlock()
			return true
		}
		top, t = dispatchTop, dispatchTask
	}

	k.rq.Dequeue(top)
	t.State = TaskRunning
	k.current = top
	resumed := t.started
	t.started = true
	t.Flags.StackHWMValid = false
	t.rtStart = k.clock()
	k.prof.StartTask(top, t.rtStart)

	if k.cfg.EnableSSMX && t.Regions != nil {
		k.mpu.Reload(t.Regions)
	}

	k.mu.Unlock()

	result := t.Entry(k, top, resumed)

	k.mu.Lock()
	now := k.clock()
	k.prof.EndTask(top, now)
	elapsed := now.Sub(t.rtStart)
	t.runtime += elapsed
	k.accountRuntime(top, t, elapsed)
	k.checkStack(top, t)

	k.current = Nil
	switch result {
	case TaskYield:
		if t.State == TaskSuspended {
			// The task suspended itself mid-dispatch; the suspension takes
			// effect at this yield instead of re-enqueueing.
			break
		}
		t.State = TaskReady
		k.rq.Enqueue(top)
	case TaskBlock:
		if t.State != TaskSuspended {
			t.State = TaskBlocked
		}
	case TaskExit:
		k.finishTask(top, t)
	}

	// LSR flyback: newly posted work must run ahead of whatever gets
	// dispatched next, not after.
	k.drainLSRsLocked()
	k.mu.Unlock()
	return true
}

// resolveStartCandidate handles the start path for a task that has never
// been bound to a stack: try to acquire one directly, then by draining one
// scan-list entry, then by falling back to the highest *lower*-priority
// ready task that already owns a stack (so a temporarily stack-starved
// high-priority task does not stall the whole system), and finally latch
// OUT_OF_STKS exactly once per exhaustion episode if nothing at all is
// dispatchable.
func (k *Kernel) resolveStartCandidate(h Handle, t *Task) (Handle, *Task, bool) {
	if k.acquireStack(h, t) {
		return h, t, true
	}
	if alt, altT, ok := k.rq.FindReadyWithStack(t.Priority-1, func(c Handle) bool {
		ct, ok := k.pools.tasks.Get(c)
		return ok && (ct.stack != nil || ct.Flags.StackPermanent)
	}); ok {
		return alt, altT, true
	}
	if already := k.stacks.LatchOutOfStacks(); !already {
		k.errs.Report(ErrOutOfStacks, h, fmt.Sprintf("task %q cannot start: stack pool exhausted and no ready task owns a stack", t.Name))
	}
	return Nil, nil, false
}

// acquireStack tries GetPoolStack and, if the free list is empty, drains
// exactly one scan-list entry to replenish it and retries once.
func (k *Kernel) acquireStack(h Handle, t *Task) bool {
	if blk, ok := k.stacks.GetPoolStack(h); ok {
		k.bindStack(t, blk)
		return true
	}
	if k.scanUnboundOnce() {
		if blk, ok := k.stacks.GetPoolStack(h); ok {
			k.bindStack(t, blk)
			return true
		}
	}
	return false
}

// bindStack wires a freshly acquired block into t, including rewriting the
// task's last region-array slot to the new stack region.
func (k *Kernel) bindStack(t *Task, blk *StackBlock) {
	t.stack = blk
	t.stackBase = blk.base
	t.stackSize = blk.size
	t.stackPadSize = k.cfg.SizeStackPad
	t.stackHWM = 0
	t.Flags.StackHWMValid = false
	t.Flags.StackOverflowed = false
	if t.Regions != nil && t.Regions.Count > 0 {
		last := &t.Regions.Regions[t.Regions.Count-1]
		last.Base = blk.base
		last.Size = uintptr(blk.size)
	}
}

// scanUnboundOnce drains one scan-list block, committing the previous
// owner's high-water mark only if it is both still valid (not deleted, not
// already re-bound to a new stack) and larger than what is already
// recorded.
func (k *Kernel) scanUnboundOnce() bool {
	return k.stacks.ScanUnbound(func(owner Handle, releasedHWM int) {
		ot, ok := k.pools.tasks.Get(owner)
		if !ok || ot.stack != nil {
			return
		}
		if releasedHWM > ot.stackHWM {
			ot.stackHWM = releasedHWM
		}
		ot.Flags.StackHWMValid = true
	})
}

// scanBoundOnce commits the high-water mark of permanent-stack tasks whose
// stk_hwmv has been cleared since their last dispatch (every resume/start
// clears it).
func (k *Kernel) scanBoundOnce() int {
	return k.stacks.ScanBound(
		func(h Handle) bool {
			ht, ok := k.pools.tasks.Get(h)
			return ok && ht.Flags.StackPermanent && !ht.Flags.StackHWMValid
		},
		func(h Handle) (int, bool) {
			ht, ok := k.pools.tasks.Get(h)
			if !ok {
				return 0, false
			}
			ht.Flags.StackHWMValid = true
			return ht.stackHWM, true
		},
	)
}

// runtimeLimited reports whether a runtime-limited task (using its
// top-most ancestor's accumulator if it is a child) has reached its budget
// and must not be dispatched.
func (k *Kernel) runtimeLimited(h Handle, t *Task) (bool, Handle) {
	if !k.cfg.EnableRTLimit {
		return false, Nil
	}
	limitHandle, limitTask := k.runtimeLimitOwner(h, t)
	if limitTask == nil || limitTask.rtLimit == 0 {
		return false, Nil
	}
	if limitTask.rtUsed >= limitTask.rtLimit {
		return true, limitHandle
	}
	return false, Nil
}

// ReplenishRuntimeBudgets zeroes every task's runtime-limit counter and
// returns tasks parked on an exhausted budget to the run queue. Callers
// drive it from a timekeeping LSR or a tick loop, once per replenish
// period. It returns the number of tasks unparked.
func (k *Kernel) ReplenishRuntimeBudgets() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	k.pools.tasks.Range(func(h Handle, t *Task) bool {
		t.rtUsed = 0
		if t.rtParked {
			t.rtParked = false
			k.rq.Enqueue(h)
			n++
		}
		return true
	})
	return n
}

// runtimeLimitOwner walks parent links to the top-most ancestor, whose
// counter governs every task in the family.
func (k *Kernel) runtimeLimitOwner(h Handle, t *Task) (Handle, *Task) {
	cur, curT := h, t
	for !curT.parent.IsNil() {
		pt, ok := k.pools.tasks.Get(curT.parent)
		if !ok {
			break
		}
		cur, curT = curT.parent, pt
	}
	return cur, curT
}

// accountRuntime credits elapsed CPU time to the runtime-limit counter
// that governs h, routing to the top-most ancestor's counter for a child
// task. t.runtime was already credited by the caller for the dispatched
// task itself; the budget counter (rtUsed) always lives on the limit
// owner.
func (k *Kernel) accountRuntime(h Handle, t *Task, elapsed time.Duration) {
	_, owner := k.runtimeLimitOwner(h, t)
	owner.rtUsed += elapsed
	if owner != t {
		owner.runtime += elapsed
	}
}

// checkStack runs the scheduler's every-exit overflow detection: it
// signals an overflow when the high-water mark has reached the stack's
// usable size. This model has no real stack memory to compare a live
// pointer against a pad word, so the pointer-based half of the hardware
// check collapses into the high-water-mark comparison, which
// RecordStackDepth and the periodic scans keep current.
func (k *Kernel) checkStack(h Handle, t *Task) {
	if !t.Flags.StackCheck || t.stack == nil {
		return
	}
	if t.stackHWM >= t.stackSize && !t.Flags.StackOverflowed {
		t.Flags.StackOverflowed = true
		t.ErrorCode = ErrStackOverflow
		k.errs.Report(ErrStackOverflow, h, fmt.Sprintf("task %q stack high-water mark reached size", t.Name))
	}
}

// RecordStackDepth lets a task's Entry function report how deep its stack
// usage reached during this dispatch, standing in for the hardware
// sentinel-fill scan this software model has no real memory to perform.
// The high-water mark only ever increases.
func (k *Kernel) RecordStackDepth(h Handle, usedBytes int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.pools.tasks.Get(h)
	if !ok {
		return
	}
	if usedBytes > t.stackHWM {
		t.stackHWM = usedBytes
	}
	t.Flags.StackHWMValid = true
}

// finishTask stops a task for good. A pooled (stk_perm=0) task's stack is
// released to scan so a later ScanUnbound pass can commit its high-water
// mark before recycling it; a permanent (stk_perm=1) task's stack is
// detached but never recycled, since it was never meant to return to
// circulation.
func (k *Kernel) finishTask(h Handle, t *Task) {
	if t.stack != nil {
		if t.Flags.StackPermanent {
			k.stacks.removeBound(t.stack)
			t.stack.bound = Nil
		} else {
			k.stacks.ReleasePoolStack(t.stack, h, t.stackHWM)
		}
		t.stack = nil
	}
	t.State = TaskDeleted
	if !t.Flags.HookDisabled && t.Hook != nil {
		t.Hook(h, TaskRunning, TaskDeleted)
	}
	k.pools.tasks.Free(h)
}

// repairTop is called when the run queue's cached top resolves to a handle
// that is no longer a valid task: it repairs whichever level the top cursor
// pointed into, reporting RQ_ERROR for the damage and then Q_FIXED or
// BROKEN_Q, so an operator can distinguish a fixable break from one that
// had to be truncated. It scans from the highest priority (last index) down
// to find the first non-empty level.
func (k *Kernel) repairTop() {
	for level := len(k.rq.levels) - 1; level >= 0; level-- {
		if k.rq.levels[level].count == 0 {
			continue
		}
		if k.rq.CheckLevel(level) {
			continue
		}
		k.errs.Report(ErrRunQueueError, Nil, fmt.Sprintf("run queue level %d damaged", level))
		recovered := k.rq.RepairLevel(level)
		if recovered > 0 {
			k.errs.Report(ErrQueueFixed, Nil, fmt.Sprintf("run queue level %d repaired, %d task(s) recovered", level, recovered))
		} else {
			k.errs.Report(ErrBrokenQueue, Nil, fmt.Sprintf("run queue level %d unrecoverable, emptied", level))
		}
		return
	}
}

// maybeReschedule is called from ssr.go after the outermost SSR frame on
// the current task unwinds. In real hardware this is where a pending
// reschedule (PendSV) is requested if the SSR just made a higher-priority
// task ready; here, since Run's own loop re-evaluates the run queue's top
// before every dispatch anyway, this only needs to log the event for
// diagnostics.
func (k *Kernel) maybeReschedule() {
	cur, ok := k.currentTask()
	if !ok {
		return
	}
	top, ok := k.rq.Top()
	if !ok {
		return
	}
	t, ok := k.pools.tasks.Get(top)
	if !ok || t.Priority <= cur.Priority {
		return
	}
	k.log.WithFields(map[string]interface{}{
		"current":          k.current,
		"current_priority": cur.Priority,
		"ready":            top,
		"ready_priority":   t.Priority,
	}).Debug("smx: higher-priority task ready, reschedule pending")
}
