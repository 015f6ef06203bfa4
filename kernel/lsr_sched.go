package kernel

// Invoke posts lsr to the LSR queue with param, modeling an ISR handing off
// work instead of running it inline. Unlike every other exported method on
// Kernel, Invoke is safe to call concurrently from multiple goroutines: ISR
// posting is the one entry point designed for concurrent callers, modeling
// multiple interrupt sources racing to post.
func (k *Kernel) Invoke(lsr Handle, param uintptr) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lq.Post(lsr, param)
}

// drainLSRsLocked runs every pending LSR to completion before any task is
// dispatched. Trusted LSRs run in-place with kernel privilege. For a safe
// (sandboxed) LSR, if the previous LSR was also safe the MPU is first
// reloaded for the current task and then for the LSR's owner, so every safe
// LSR round-trips the MPU window back through the interrupted task's domain
// before entering its own, the way the real trampoline exits through PendSV
// and comes back. After the whole drain, the MPU is reloaded once more for
// whichever task is about to be dispatched next.
// Must be called with k.mu held; it is released and re-acquired around
// trusted LSR bodies only, since trusted LSRs may run with interrupts
// enabled.
func (k *Kernel) drainLSRsLocked() {
	prevWasSafe := false
	for {
		post, ok := k.lq.Drain()
		if !ok {
			break
		}
		lsr, ok := k.pools.lsrs.Get(post.lsr)
		if !ok {
			k.errs.Report(ErrRunQueueError, Nil, "LSR queue held invalid handle")
			continue
		}

		if lsr.Class == LSRSafe && k.cfg.EnableSSMX {
			if prevWasSafe {
				if ct, ok := k.pools.tasks.Get(k.current); ok && ct.Regions != nil {
					k.mpu.Reload(ct.Regions)
				}
			}
			if owner, ok := k.pools.tasks.Get(lsr.Owner); ok && owner.Regions != nil {
				k.mpu.Reload(owner.Regions)
			}
			prevWasSafe = true
		} else {
			prevWasSafe = false
		}

		k.runLSR(lsr, post.param)
	}
	if !k.cfg.EnableSSMX {
		return
	}
	if top, ok := k.rq.Top(); ok {
		if t, ok := k.pools.tasks.Get(top); ok && t.Regions != nil {
			k.mpu.Reload(t.Regions)
		}
	}
}

func (k *Kernel) runLSR(lsr *LSR, param uintptr) {
	start := k.clock()
	k.prof.Start(scopeLSR, start)
	k.inLSR = true
	defer func() {
		k.inLSR = false
		k.prof.End(scopeLSR, k.clock())
		lsr.invocations++
	}()

	if lsr.Class == LSRTrusted {
		k.mu.Unlock()
		defer k.mu.Lock()
	}
	lsr.Fn(k, param)
}
