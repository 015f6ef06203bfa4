package kernel

import (
	"fmt"
	"time"

	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"
)

// TaskSpec describes a task to be created.
type TaskSpec struct {
	Name         string
	Priority     int
	Entry        func(k *Kernel, t Handle, resumed bool) TaskResult
	Flags        TaskFlags
	RuntimeLimit time.Duration
	Regions      *RegionArray
	Hook         LifecycleHook
	Parent       Handle
}

// TaskCreate allocates a TCB, leaving the task in TaskDormant until
// TaskStart is called: creation is two-phase, allocate then start.
func (k *Kernel) TaskCreate(spec TaskSpec) (Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if spec.Entry == nil {
		return Nil, errors.New("smx: TaskCreate requires a non-nil Entry")
	}
	if spec.Priority < 0 || spec.Priority >= k.cfg.PriorityLevels {
		return Nil, errors.Errorf("smx: priority %d out of range [0,%d)", spec.Priority, k.cfg.PriorityLevels)
	}

	h, t, ok := k.pools.tasks.Alloc()
	if !ok {
		return Nil, errors.New("smx: task control block pool exhausted")
	}
	t.Name = spec.Name
	t.Priority = spec.Priority
	t.Entry = spec.Entry
	t.Flags = spec.Flags
	t.rtLimit = spec.RuntimeLimit
	t.Regions = spec.Regions
	t.Hook = spec.Hook
	t.parent = spec.Parent
	t.State = TaskDormant
	t.link = link{next: Nil, prev: Nil}
	t.residency = residencyNone

	// A pooled (stk_perm=0) task is deliberately left unbound here: the
	// scheduler's start path acquires its stack lazily on first dispatch,
	// which is what lets the out-of-stacks fallback (scan-drain, then
	// dispatch a lower-priority task that already owns a stack) ever come
	// into play. A permanent (stk_perm=1) task owns its stack for its whole
	// lifetime, so it is bound immediately.
	if t.Flags.StackPermanent {
		blk, ok := k.stacks.GetPoolStack(h)
		if !ok {
			k.pools.tasks.Free(h)
			return Nil, errors.New("smx: stack pool exhausted on TaskCreate")
		}
		k.bindStack(t, blk)
	}

	if !t.Flags.HookDisabled && t.Hook != nil {
		t.Hook(h, TaskDeleted, TaskDormant)
	}
	return h, nil
}

// TaskStart moves a dormant task onto the run queue. A task created with
// StartLocked must first be unlocked via TaskUnlock.
func (k *Kernel) TaskStart(h Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, ok := k.pools.tasks.Get(h)
	if !ok {
		return errors.Errorf("smx: TaskStart: invalid handle %v", h)
	}
	if t.State != TaskDormant {
		return errors.Errorf("smx: TaskStart: task %q not dormant (state=%s)", t.Name, t.State)
	}
	if t.Flags.StartLocked {
		return errors.Errorf("smx: TaskStart: task %q is start-locked, call TaskUnlock first", t.Name)
	}
	k.rq.Enqueue(h)
	if !t.Flags.HookDisabled && t.Hook != nil {
		t.Hook(h, TaskDormant, TaskReady)
	}
	return nil
}

// TaskUnlock clears StartLocked, allowing a subsequent TaskStart to succeed.
func (k *Kernel) TaskUnlock(h Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.pools.tasks.Get(h)
	if !ok {
		return errors.Errorf("smx: TaskUnlock: invalid handle %v", h)
	}
	t.Flags.StartLocked = false
	return nil
}

// TaskLock sets StartLocked on a not-yet-started task.
func (k *Kernel) TaskLock(h Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.pools.tasks.Get(h)
	if !ok {
		return errors.Errorf("smx: TaskLock: invalid handle %v", h)
	}
	if t.State != TaskDormant {
		return errors.Errorf("smx: TaskLock: task %q already started", t.Name)
	}
	t.Flags.StartLocked = true
	return nil
}

// TaskSuspend removes a ready task from the run queue without deleting it.
// Suspending the currently running task takes effect as soon as it next
// yields or exits its Entry call.
func (k *Kernel) TaskSuspend(h Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.pools.tasks.Get(h)
	if !ok {
		return errors.Errorf("smx: TaskSuspend: invalid handle %v", h)
	}
	switch t.State {
	case TaskReady:
		k.rq.Dequeue(h)
		t.State = TaskSuspended
	case TaskRunning, TaskBlocked:
		t.State = TaskSuspended
	default:
		return errors.Errorf("smx: TaskSuspend: task %q in state %s cannot be suspended", t.Name, t.State)
	}
	return nil
}

// TaskResume moves a suspended or blocked task back onto the run queue.
func (k *Kernel) TaskResume(h Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.pools.tasks.Get(h)
	if !ok {
		return errors.Errorf("smx: TaskResume: invalid handle %v", h)
	}
	if t.State != TaskSuspended && t.State != TaskBlocked {
		return errors.Errorf("smx: TaskResume: task %q in state %s is not suspended/blocked", t.Name, t.State)
	}
	k.rq.Enqueue(h)
	return nil
}

// TaskDelete removes a task entirely, releasing its stack. Deleting a task
// other than the currently running one takes effect immediately; deleting
// the current task is equivalent to that task returning TaskExit.
func (k *Kernel) TaskDelete(h Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.pools.tasks.Get(h)
	if !ok {
		return errors.Errorf("smx: TaskDelete: invalid handle %v", h)
	}
	if t.residency == residencyRunQueue {
		k.rq.Dequeue(h)
	}
	k.finishTask(h, t)
	return nil
}

// TaskBump changes a task's priority; it is the one dynamic priority
// adjustment this core supports.
func (k *Kernel) TaskBump(h Handle, newPriority int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.pools.tasks.Get(h)
	if !ok {
		return errors.Errorf("smx: TaskBump: invalid handle %v", h)
	}
	if newPriority < 0 || newPriority >= k.cfg.PriorityLevels {
		return errors.Errorf("smx: TaskBump: priority %d out of range", newPriority)
	}
	if t.residency == residencyRunQueue {
		k.rq.Dequeue(h)
		t.Priority = newPriority
		k.rq.Enqueue(h)
	} else {
		t.Priority = newPriority
	}
	return nil
}

// TaskSnapshot is a deep, detached copy of a task's externally-visible
// state, returned by TaskPeek so a caller can inspect it without racing the
// scheduler or accidentally aliasing live region/profile data.
type TaskSnapshot struct {
	Name      string
	Priority  int
	State     TaskState
	Flags     TaskFlags
	Runtime   time.Duration
	ErrorCode ErrorCode
	Regions   *RegionArray
}

// TaskPeek returns a detached, read-only snapshot of a task's state.
// Regions is deep-copied via
// github.com/mohae/deepcopy so a caller cannot observe (or corrupt) the
// live MPU region table through the returned pointer.
func (k *Kernel) TaskPeek(h Handle) (TaskSnapshot, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.pools.tasks.Get(h)
	if !ok {
		return TaskSnapshot{}, errors.Errorf("smx: TaskPeek: invalid handle %v", h)
	}
	snap := TaskSnapshot{
		Name:      t.Name,
		Priority:  t.Priority,
		State:     t.State,
		Flags:     t.Flags,
		Runtime:   t.runtime,
		ErrorCode: t.ErrorCode,
	}
	if t.Regions != nil {
		snap.Regions = deepcopy.Copy(t.Regions).(*RegionArray)
	}
	return snap, nil
}

// SysPeek is a whole-kernel diagnostic snapshot: tick count, run queue
// depth per level, LSR queue depth, and stack pool occupancy.
type SysPeek struct {
	ETime         uint32
	ReadyPerLevel []int
	LSRQueueLen   int
	LSRQueueHWM   int
	StacksFree    int
	StacksScan    int
	StacksBound   int
}

// Peek returns a SysPeek snapshot of the kernel's aggregate state.
func (k *Kernel) Peek() SysPeek {
	k.mu.Lock()
	defer k.mu.Unlock()
	levels := make([]int, len(k.rq.levels))
	for i := range k.rq.levels {
		levels[i] = k.rq.levels[i].count
	}
	return SysPeek{
		ETime:         k.tb.etime,
		ReadyPerLevel: levels,
		LSRQueueLen:   k.lq.Len(),
		LSRQueueHWM:   k.lq.HighWaterMark(),
		StacksFree:    k.stacks.FreeCount(),
		StacksScan:    k.stacks.ScanCount(),
		StacksBound:   k.stacks.BoundCount(),
	}
}

// RangeTasks calls fn for every live task with its handle, name, and state,
// stopping early if fn returns false. The task table is snapshotted under the
// kernel lock first, so fn is free to call back into the kernel (start,
// resume, delete) without deadlocking; the snapshot may be stale by the time
// fn sees it, like any diagnostic view.
func (k *Kernel) RangeTasks(fn func(h Handle, name string, state TaskState) bool) {
	type row struct {
		h     Handle
		name  string
		state TaskState
	}
	k.mu.Lock()
	var rows []row
	k.pools.tasks.Range(func(h Handle, t *Task) bool {
		rows = append(rows, row{h: h, name: t.Name, state: t.State})
		return true
	})
	k.mu.Unlock()
	for _, r := range rows {
		if !fn(r.h, r.name, r.state) {
			return
		}
	}
}

// LSRCreate allocates an LCB. LSRs have no lifecycle beyond existing and
// being posted to; there is no LSRStart. owner is only meaningful for
// LSRSafe: its RegionArray is what gets loaded into the MPU before the LSR
// runs; it is ignored for LSRTrusted, which runs with kernel privilege.
func (k *Kernel) LSRCreate(name string, class LSRClass, owner Handle, fn func(k *Kernel, param uintptr)) (Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if fn == nil {
		return Nil, errors.New("smx: LSRCreate requires a non-nil Fn")
	}
	h, l, ok := k.pools.lsrs.Alloc()
	if !ok {
		return Nil, errors.New("smx: LSR control block pool exhausted")
	}
	l.Name = name
	l.Class = class
	l.Owner = owner
	l.Fn = fn
	return h, nil
}

// LSRSnapshot is a detached diagnostic view of an LCB.
type LSRSnapshot struct {
	Name        string
	Class       LSRClass
	Invocations uint64
}

// LSRPeek returns a snapshot of an LSR's state, the LCB counterpart of
// TaskPeek.
func (k *Kernel) LSRPeek(h Handle) (LSRSnapshot, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.pools.lsrs.Get(h)
	if !ok {
		return LSRSnapshot{}, errors.Errorf("smx: LSRPeek: invalid handle %v", h)
	}
	return LSRSnapshot{Name: l.Name, Class: l.Class, Invocations: l.invocations}, nil
}

// LSRDelete releases an LCB. It is the caller's responsibility to ensure no
// pending LQ post still references h.
func (k *Kernel) LSRDelete(h Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.pools.lsrs.Get(h); !ok {
		return errors.Errorf("smx: LSRDelete: invalid handle %v", h)
	}
	k.pools.lsrs.Free(h)
	return nil
}

// String implements fmt.Stringer for diagnostic printing in cmd/smxctl.
func (s SysPeek) String() string {
	return fmt.Sprintf("etime=%d ready=%v lq=%d/%d stacks=%d free/%d scan/%d bound", s.ETime, s.ReadyPerLevel, s.LSRQueueLen, s.LSRQueueHWM, s.StacksFree, s.StacksScan, s.StacksBound)
}
