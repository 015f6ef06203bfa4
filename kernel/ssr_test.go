package kernel

import "testing"

func TestSSRNestingReturnsToBaseline(t *testing.T) {
	k, _ := testKernel(t, nil)

	var depths []int
	h := mustCreate(t, k, TaskSpec{
		Name:     "caller",
		Priority: 5,
		Entry: func(k *Kernel, th Handle, resumed bool) TaskResult {
			// enter/enter/exit/exit: depth climbs to 2 and unwinds to 0, and
			// each exit hands back the value it was given.
			depths = append(depths, k.SSREnter(10))
			depths = append(depths, k.SSREnter(11))
			if rv, err := k.SSRExit(42); err != nil || rv != 42 {
				t.Errorf("inner SSRExit = %d/%v, want 42/nil", rv, err)
			}
			if rv, err := k.SSRExit(7); err != nil || rv != 7 {
				t.Errorf("outer SSRExit = %d/%v, want 7/nil", rv, err)
			}
			return TaskExit
		},
	})
	mustStart(t, k, h)
	k.Run(1)

	if len(depths) != 2 || depths[0] != 1 || depths[1] != 2 {
		t.Fatalf("nest depths %v, want [1 2]", depths)
	}
	k.mu.Lock()
	frames := len(k.nest.frames)
	k.mu.Unlock()
	if frames != 0 {
		t.Fatalf("SSR nest did not return to baseline: %d frames left", frames)
	}
}

func TestSSRExitWithoutEnterFails(t *testing.T) {
	k, _ := testKernel(t, nil)
	if _, err := k.SSRExit(0); err == nil {
		t.Fatalf("unmatched SSRExit succeeded")
	}
	if _, err := k.SSRExitIF(0); err == nil {
		t.Fatalf("unmatched SSRExitIF succeeded")
	}
}

func TestSSRReturnValueStoredOnTask(t *testing.T) {
	k, _ := testKernel(t, nil)
	h := mustCreate(t, k, TaskSpec{
		Name:     "caller",
		Priority: 5,
		Entry: func(k *Kernel, th Handle, resumed bool) TaskResult {
			k.SSREnter(3)
			k.SSRExit(99)
			return TaskYield
		},
	})
	mustStart(t, k, h)
	k.Run(1)

	k.mu.Lock()
	task, ok := k.pools.tasks.Get(h)
	if !ok {
		k.mu.Unlock()
		t.Fatalf("task gone after yield")
	}
	rv := task.ReturnValue
	k.mu.Unlock()
	if rv != 99 {
		t.Fatalf("ReturnValue = %d, want 99", rv)
	}
}

func TestSSRExitIFOutermostDrainsPendedLSRs(t *testing.T) {
	k, _ := testKernel(t, nil)

	lsrRan := false
	lsr, err := k.LSRCreate("pended", LSRTrusted, Nil, func(k *Kernel, param uintptr) {
		lsrRan = true
	})
	if err != nil {
		t.Fatalf("LSRCreate: %v", err)
	}

	h := mustCreate(t, k, TaskSpec{
		Name:     "waiter",
		Priority: 4,
		Entry: func(k *Kernel, th Handle, resumed bool) TaskResult {
			k.SSREnter(30)
			k.Invoke(lsr, 0) // an interrupt posts work mid-SSR
			rv, err := k.SSRExitIF(77)
			if err != nil || rv != 77 {
				t.Errorf("SSRExitIF = %d/%v, want 77/nil", rv, err)
			}
			if !lsrRan {
				t.Errorf("pended LSR did not run before the waiting task resumed")
			}
			return TaskExit
		},
	})
	mustStart(t, k, h)
	k.Run(2)

	k.mu.Lock()
	frames := len(k.nest.frames)
	k.mu.Unlock()
	if frames != 0 {
		t.Fatalf("frames=%d after ExitIF unwound, want 0", frames)
	}
}

func TestSSRExitIFSuspensionPreservesOuterFrame(t *testing.T) {
	k, _ := testKernel(t, nil)
	var order []string

	high := mustCreate(t, k, TaskSpec{
		Name:     "high",
		Priority: 9,
		Entry: func(k *Kernel, th Handle, resumed bool) TaskResult {
			order = append(order, "high")
			return TaskExit
		},
	})

	waiter := mustCreate(t, k, TaskSpec{
		Name:     "waiter",
		Priority: 2,
		Entry: func(k *Kernel, th Handle, resumed bool) TaskResult {
			order = append(order, "waiter:wait")
			k.SSREnter(40) // outer SSR
			k.SSREnter(41) // inner SSR that decides to wait
			if err := k.TaskStart(high); err != nil {
				t.Errorf("TaskStart(high): %v", err)
			}
			// A higher-priority task is now ready: the internal exit takes
			// the suspend path, then reinstates this task's nest.
			rv, err := k.SSRExitIF(7)
			if err != nil || rv != 7 {
				t.Errorf("SSRExitIF = %d/%v, want 7/nil", rv, err)
			}
			k.mu.Lock()
			frames := len(k.nest.frames)
			depth := 0
			if cur, ok := k.currentTask(); ok {
				depth = cur.ssrDepth
			}
			k.mu.Unlock()
			if frames != 1 || depth != 1 {
				t.Errorf("outer SSR frame lost across suspension: frames=%d depth=%d, want 1/1", frames, depth)
			}
			if rv, err := k.SSRExit(8); err != nil || rv != 8 {
				t.Errorf("outer SSRExit = %d/%v, want 8/nil", rv, err)
			}
			order = append(order, "waiter:resumed")
			return TaskExit
		},
	})
	mustStart(t, k, waiter)
	k.Run(4)

	want := []string{"waiter:wait", "waiter:resumed", "high"}
	if len(order) != len(want) {
		t.Fatalf("order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestSSRExitIFFromLSRIsPassThrough(t *testing.T) {
	k, _ := testKernel(t, nil)

	got := -1
	var gotErr error
	lsr, err := k.LSRCreate("nowait", LSRTrusted, Nil, func(k *Kernel, param uintptr) {
		got, gotErr = k.SSRExitIF(13)
	})
	if err != nil {
		t.Fatalf("LSRCreate: %v", err)
	}
	k.Invoke(lsr, 0)
	k.Run(1)

	if gotErr != nil || got != 13 {
		t.Fatalf("SSRExitIF in LSR context = %d/%v, want pass-through 13/nil", got, gotErr)
	}
}
