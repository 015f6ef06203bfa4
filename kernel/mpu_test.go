package kernel

import "testing"

func TestMPUStrategySelection(t *testing.T) {
	if got := newMPU(ArchARMv7M).Name(); got != "armv7m" {
		t.Fatalf("ARMv7M strategy = %q", got)
	}
	if got := newMPU(ArchARMv8M).Name(); got != "armv8m" {
		t.Fatalf("ARMv8M strategy = %q", got)
	}
}

func TestMPURegionSlotClamping(t *testing.T) {
	regions := &RegionArray{Count: MaxRegionsPerTask}
	if got := (&mpuARMv7M{}).Reload(regions); got != mpuActiveRegionsARMv7M {
		t.Fatalf("ARMv7M loaded %d regions, want clamp at %d", got, mpuActiveRegionsARMv7M)
	}
	if got := (&mpuARMv8M{}).Reload(regions); got != MaxRegionsPerTask {
		t.Fatalf("ARMv8M loaded %d regions, want all %d", got, MaxRegionsPerTask)
	}
}

func TestDispatchReloadsTaskRegions(t *testing.T) {
	k, _ := testKernel(t, nil)

	regions := &RegionArray{Count: 3}
	h := mustCreate(t, k, TaskSpec{
		Name:     "sandboxed",
		Priority: 4,
		Flags:    TaskFlags{UnprivilegedMode: true},
		Regions:  regions,
		Entry:    func(k *Kernel, th Handle, resumed bool) TaskResult { return TaskExit },
	})
	mustStart(t, k, h)
	k.Run(1)

	mpu := k.mpu.(*mpuARMv7M)
	if mpu.lastCount != 3 {
		t.Fatalf("MPU holds %d regions after dispatch, want the task's 3", mpu.lastCount)
	}
}

func TestStackBindRewritesLastRegionSlot(t *testing.T) {
	k, _ := testKernel(t, nil)

	regions := &RegionArray{Count: 2}
	h := mustCreate(t, k, TaskSpec{
		Name:     "sandboxed",
		Priority: 4,
		Flags:    TaskFlags{UnprivilegedMode: true},
		Regions:  regions,
		Entry:    func(k *Kernel, th Handle, resumed bool) TaskResult { return TaskYield },
	})
	mustStart(t, k, h)
	k.Run(1)

	k.mu.Lock()
	task, _ := k.pools.tasks.Get(h)
	last := task.Regions.Regions[task.Regions.Count-1]
	wantBase := task.stack.base
	wantSize := uintptr(task.stack.size)
	k.mu.Unlock()
	if last.Base != wantBase || last.Size != wantSize {
		t.Fatalf("last region slot = %#x/%d, want the bound stack %#x/%d", last.Base, last.Size, wantBase, wantSize)
	}
}

func TestSafeLSRReloadsOwnerRegions(t *testing.T) {
	k, _ := testKernel(t, nil)

	owner := mustCreate(t, k, TaskSpec{
		Name:     "owner",
		Priority: 2,
		Flags:    TaskFlags{UnprivilegedMode: true},
		Regions:  &RegionArray{Count: 5},
		Entry:    func(k *Kernel, th Handle, resumed bool) TaskResult { return TaskBlock },
	})

	ran := false
	safe, err := k.LSRCreate("sandboxed-lsr", LSRSafe, owner, func(k *Kernel, param uintptr) {
		ran = true
	})
	if err != nil {
		t.Fatalf("LSRCreate: %v", err)
	}
	k.Invoke(safe, 0)
	k.Run(1)

	if !ran {
		t.Fatalf("safe LSR never ran")
	}
	mpu := k.mpu.(*mpuARMv7M)
	if mpu.lastCount != 5 {
		t.Fatalf("MPU holds %d regions, want the LSR owner's 5 loaded before it ran", mpu.lastCount)
	}
}
