package kernel

import "time"

// TaskState is the lifecycle state of a Task.
type TaskState int

const (
	TaskDormant TaskState = iota
	TaskReady
	TaskRunning
	TaskBlocked
	TaskSuspended
	TaskDeleted
)

func (s TaskState) String() string {
	switch s {
	case TaskDormant:
		return "dormant"
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	case TaskSuspended:
		return "suspended"
	case TaskDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// residency records which list (if any) currently owns a Task's link field,
// enforcing the rule that a task is linked into at most one queue at a
// time as a checked field rather than a bare convention.
type residency int

const (
	residencyNone residency = iota
	residencyRunQueue
	residencyWaitList
)

// TaskFlags is the per-task control bitfield. Each field's comment carries
// its classic short mnemonic (stk_perm, stk_chk, ...), which the diagnostic
// tooling and docs use.
type TaskFlags struct {
	StackPermanent   bool // stk_perm: stack is statically assigned, never returned to the pool
	StackCheck       bool // stk_chk: run the high-water-mark/overflow check each time the task's Entry returns
	StackOverflowed  bool // stk_ovfl: latched once an overflow has been reported for this task
	StackHWMValid    bool // stk_hwmv: the high-water mark was set by a scan or RecordStackDepth since the last dispatch, which clears it
	HookDisabled     bool // hookd: suppress the lifecycle hook callback
	UnprivilegedMode bool // umode: task runs in unprivileged/user mode under the MPU
	Trusted          bool // trust: recorded on the TCB only; an LSR's trusted/safe class is set per LSR by LSRCreate, not by this flag
	StartLocked      bool // strt_lockd: task was created pre-locked and must be explicitly unlocked to run
}

// LifecycleHook is invoked on state transitions that the application may
// want to observe (start, suspend, resume, delete). It must not block.
type LifecycleHook func(t Handle, from, to TaskState)

// Task is a task control block. It is always accessed through the arena in
// pools.tasks; callers hold a Handle, not a *Task, across any call that
// might reschedule.
type Task struct {
	link      link
	residency residency

	Name     string
	Priority int // 0 is lowest priority, N-1 is highest
	State    TaskState
	Flags    TaskFlags

	// Entry is invoked as the task's body the first time it is dispatched
	// from TaskDormant/TaskReady into TaskRunning with no prior suspension
	// point recorded; a task that yields via the scheduler's cooperative
	// model resumes by re-entering Entry with resumed=true and must use
	// its own closure state to pick back up, mirroring how a real TCB's
	// saved stack pointer resumes execution mid-function.
	Entry func(k *Kernel, t Handle, resumed bool) TaskResult

	// stack bookkeeping: pad/base/size pointers and the high-water mark
	stack        *StackBlock
	stackBase    uintptr
	stackSize    int
	stackPadSize int
	stackHWM     int // deepest observed usage in bytes

	ReturnValue int // SSR return value holder, read back by the resumer

	ssrDepth  int // nested-SSR depth for this task
	savedNest int // nested SSR depth saved while suspended inside an SSR (SSRExitIF)

	ErrorCode ErrorCode

	Regions *RegionArray // per-task MPU region set, nil if task has none

	Hook LifecycleHook

	started bool // whether Entry has been dispatched at least once

	runtime  time.Duration // accumulated CPU time
	rtLimit  time.Duration // runtime-limit budget per replenish period; zero means unlimited
	rtUsed   time.Duration // rtlimctr: budget consumed since the last replenish
	rtParked bool          // parked off the run queue on an exhausted budget
	rtStart  time.Time     // wall-clock of most recent dispatch-in

	parent Handle // owning task for runtime-limit inheritance, Nil for top-level tasks
}

// TaskResult is what Entry returns to tell the scheduler what to do next.
type TaskResult int

const (
	// TaskYield means the task is not finished; it goes back onto the run
	// queue at its priority level's tail.
	TaskYield TaskResult = iota
	// TaskBlock means the task removed itself from the run queue (e.g. to
	// wait on a semaphore modeled outside this dispatch core) and must be
	// resumed explicitly via Kernel.TaskResume.
	TaskBlock
	// TaskExit means the task is finished; its stack and TCB are released.
	TaskExit
)

// StackBlock is a fixed-size stack slab drawn from the stack pool.
type StackBlock struct {
	base  uintptr
	size  int
	bound Handle // task currently bound to this block, Nil if on scan/free

	// scanOwner is the previous owner's handle while this block sits on the
	// scan list, playing the role the block's payload word plays on real
	// hardware: a next-pointer while free, the previous owner while on scan.
	scanOwner Handle
	// releaseHWM is the previous owner's stack high-water mark observed at
	// release time, carried alongside scanOwner until ScanUnbound commits it.
	releaseHWM int

	next *StackBlock
}

// RegionArray is the per-task MPU region table. The last slot always holds
// the task's stack region and is rewritten on every stack bind.
type RegionArray struct {
	Regions [MaxRegionsPerTask]Region
	Count   int
}

// Region is one MPU region descriptor (base, size-or-limit, attributes),
// abstracted away from the ARMv7-M vs ARMv8-M encoding difference, which is
// the MPU strategy's job.
type Region struct {
	Base  uintptr
	Size  uintptr
	Attrs RegionAttrs
}

// RegionAttrs captures region access-permission bits in an architecture-
// neutral form; the active MPU strategy translates them into the concrete
// register encoding.
type RegionAttrs struct {
	ReadOnly   bool
	Device     bool
	Executable bool
}

// MaxRegionsPerTask bounds RegionArray: the number of regions a task's
// region table can hold.
const MaxRegionsPerTask = 8
