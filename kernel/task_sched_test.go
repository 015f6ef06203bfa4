package kernel

import "testing"

func TestSelfSuspendTakesEffectAtYield(t *testing.T) {
	k, _ := testKernel(t, nil)

	runs := 0
	h := mustCreate(t, k, TaskSpec{
		Name:     "self-susp",
		Priority: 4,
		Entry: func(k *Kernel, th Handle, resumed bool) TaskResult {
			runs++
			if err := k.TaskSuspend(th); err != nil {
				t.Errorf("self TaskSuspend: %v", err)
			}
			return TaskYield
		},
	})
	mustStart(t, k, h)

	k.Run(4)
	if runs != 1 {
		t.Fatalf("task ran %d times after self-suspend, want 1", runs)
	}
	snap, err := k.TaskPeek(h)
	if err != nil {
		t.Fatalf("TaskPeek: %v", err)
	}
	if snap.State != TaskSuspended {
		t.Fatalf("state %s after self-suspend yield, want suspended", snap.State)
	}

	if err := k.TaskResume(h); err != nil {
		t.Fatalf("TaskResume: %v", err)
	}
	k.Run(2)
	if runs != 2 {
		t.Fatalf("task did not run again after resume: %d", runs)
	}
}

func TestStartLockedTaskNeedsUnlock(t *testing.T) {
	k, _ := testKernel(t, nil)
	h := mustCreate(t, k, TaskSpec{
		Name:     "locked",
		Priority: 4,
		Flags:    TaskFlags{StartLocked: true},
		Entry:    func(k *Kernel, th Handle, resumed bool) TaskResult { return TaskExit },
	})
	if err := k.TaskStart(h); err == nil {
		t.Fatalf("TaskStart succeeded on a start-locked task")
	}
	if err := k.TaskUnlock(h); err != nil {
		t.Fatalf("TaskUnlock: %v", err)
	}
	mustStart(t, k, h)
	if got := k.Run(2); got == 0 {
		t.Fatalf("unlocked task never dispatched")
	}
}

func TestTaskBumpMovesBetweenLevels(t *testing.T) {
	k, _ := testKernel(t, nil)
	var order []string

	a := mustCreate(t, k, TaskSpec{Name: "a", Priority: 3, Entry: exitRecorder(&order, "a")})
	b := mustCreate(t, k, TaskSpec{Name: "b", Priority: 5, Entry: exitRecorder(&order, "b")})
	mustStart(t, k, a)
	mustStart(t, k, b)

	// Promote a above b before anything runs; a must now dispatch first.
	if err := k.TaskBump(a, 8); err != nil {
		t.Fatalf("TaskBump: %v", err)
	}
	checkRQInvariant(t, k)
	k.Run(4)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order %v, want [a b] after bump", order)
	}
}

func TestRunStopsWhenIdle(t *testing.T) {
	k, _ := testKernel(t, nil)
	if got := k.Run(10); got != 0 {
		t.Fatalf("Run on an empty kernel did %d cycles, want 0", got)
	}
}

// boundScanProbe runs one dispatch cycle against a suspended permanent-stack
// task (so nothing re-clears stk_hwmv) and reports whether the bound scan
// committed its high-water mark.
func boundScanProbe(t *testing.T, scanEnabled bool) bool {
	t.Helper()
	k, _ := testKernel(t, func(c *Config) { c.EnableStackScan = scanEnabled })
	h := mustCreate(t, k, TaskSpec{
		Name:     "perm",
		Priority: 4,
		Flags:    TaskFlags{StackPermanent: true},
		Entry:    func(k *Kernel, th Handle, resumed bool) TaskResult { return TaskYield },
	})
	mustStart(t, k, h)
	k.Run(1) // dispatch once; the dispatch itself clears stk_hwmv
	if err := k.TaskSuspend(h); err != nil {
		t.Fatalf("TaskSuspend: %v", err)
	}
	k.Run(1) // idle cycle: only the bound scan can touch the flag now

	k.mu.Lock()
	defer k.mu.Unlock()
	task, ok := k.pools.tasks.Get(h)
	if !ok {
		t.Fatalf("task vanished")
	}
	return task.Flags.StackHWMValid
}

func TestStackScanGateControlsBoundScan(t *testing.T) {
	if boundScanProbe(t, false) {
		t.Fatalf("bound scan committed stk_hwmv with CFG_STACK_SCAN off")
	}
	if !boundScanProbe(t, true) {
		t.Fatalf("bound scan did not commit stk_hwmv with CFG_STACK_SCAN on")
	}
}
