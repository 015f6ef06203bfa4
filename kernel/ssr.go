package kernel

import (
	"fmt"

	"github.com/pkg/errors"
)

// ssrFrame tracks one nested System Service Request call on the currently
// running task. SSRs may call other SSRs (nesting), and the exit path must
// know whether it is unwinding the current task's outermost frame (run the
// full exit protocol: check for a higher-priority ready task, maybe
// reschedule) or an inner frame, or a frame entered with no current task
// (no reschedule check in either case).
type ssrFrame struct {
	id  uint32
	ret int
}

// ssrNest is the current task's SSR nesting state, mirrored on the Task
// struct as Task.ssrDepth and tracked in full here so SSREnter/SSRExit can
// validate pairing.
type ssrNest struct {
	frames []ssrFrame
}

// SSREnter records entry into SSR id on behalf of the currently running
// task, clears the caller's error field, and returns the nesting depth
// after entry.
func (k *Kernel) SSREnter(id uint32) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ssrEnterLocked(id)
}

func (k *Kernel) ssrEnterLocked(id uint32) int {
	cur, ok := k.currentTask()
	if !ok {
		// SSRs entered with no current task (e.g. during Boot) are valid;
		// they just aren't attributed to any TCB's nest counter.
		k.nest.frames = append(k.nest.frames, ssrFrame{id: id})
		return len(k.nest.frames)
	}
	cur.ErrorCode = ErrOK
	cur.ssrDepth++
	k.nest.frames = append(k.nest.frames, ssrFrame{id: id})
	return cur.ssrDepth
}

// SSRExit pops the current SSR frame, stores the return value, and, if this
// unwinds the outermost frame while running in task context, invokes the
// scheduler to check whether a higher-priority task is now ready (the SSR
// might have just enqueued one). It must be called exactly once per
// matching SSREnter.
func (k *Kernel) SSRExit(rv int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ssrExitLocked(rv)
}

func (k *Kernel) ssrExitLocked(rv int) (int, error) {
	if len(k.nest.frames) == 0 {
		return 0, errors.New("smx: SSRExit with no matching SSREnter")
	}
	n := len(k.nest.frames) - 1
	frame := k.nest.frames[n]
	frame.ret = rv
	k.nest.frames = k.nest.frames[:n]

	cur, hasCur := k.currentTask()
	if hasCur && cur.ssrDepth > 0 {
		cur.ssrDepth--
		cur.ReturnValue = rv
	}
	if hasCur && cur.ssrDepth == 0 {
		k.maybeReschedule()
	}
	return rv, nil
}

// SSRExitIF is the internal exit variant an SSR uses to wait inside the SSR
// itself (the mutex get/release paths need this): unlike SSRExit, it may
// suspend the current task with outer SSR frames still live. When a
// reschedule condition holds (a higher-priority task became ready, or this
// is the outermost frame and LSRs are pending), it saves the return value
// and the nesting depth on the TCB, collapses the live nest to a single
// scheduler frame while the pended work runs, and restores both once the
// task resumes, so the outer SSR frame survives the suspension. From LSR
// context it returns rv untouched: LSRs never suspend.
func (k *Kernel) SSRExitIF(rv int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.inLSR {
		return rv, nil
	}
	if len(k.nest.frames) == 0 {
		return 0, errors.New("smx: SSRExitIF with no matching SSREnter")
	}

	cur, hasCur := k.currentTask()
	if hasCur && k.rescheduleNeeded(cur) {
		cur.ReturnValue = rv
		cur.savedNest = cur.ssrDepth
		saved := k.nest.frames
		k.nest.frames = saved[:1]
		k.drainLSRsLocked()
		k.maybeReschedule()
		// The task resumes here with its saved frame state reinstated; the
		// return value may have been rewritten while it was suspended.
		rv = cur.ReturnValue
		k.nest.frames = saved
		cur.ssrDepth = cur.savedNest
	}

	n := len(k.nest.frames) - 1
	k.nest.frames = k.nest.frames[:n]
	if hasCur && cur.ssrDepth > 0 {
		cur.ssrDepth--
		cur.ReturnValue = rv
	}
	return rv, nil
}

// rescheduleNeeded mirrors the exit test the scheduler applies: a task
// switch is due when a higher-priority task than the current one is ready,
// or when this is the outermost SSR frame and LSRs are waiting to run.
func (k *Kernel) rescheduleNeeded(cur *Task) bool {
	if len(k.nest.frames) == 1 && k.lq.Len() > 0 {
		return true
	}
	top, ok := k.rq.Top()
	if !ok {
		return false
	}
	t, ok := k.pools.tasks.Get(top)
	return ok && t.Priority > cur.Priority
}

// String is a small diagnostic helper that prints the current SSR nest depth
// without exposing ssrFrame.
func (n ssrNest) String() string {
	return fmt.Sprintf("depth=%d", len(n.frames))
}
