package kernel

import "github.com/sirupsen/logrus"

// StackPool manages a fixed number of fixed-size StackBlocks that move
// through three lists: free (available to start a task), scan (released by
// a stopped pooled task, awaiting a high-water-mark commit before reuse),
// and bound (the implicit "in use" set, identified by blk.bound != Nil). A
// released stack does not go straight back to free: it sits on scan so the
// previous owner's high-water mark can be committed from the sentinel
// boundary before the block is refilled and recycled.
type StackPool struct {
	log  *logrus.Entry
	fill byte

	free  *StackBlock
	scan  *StackBlock
	bound *StackBlock

	blocks []*StackBlock

	outOfStacksLatched bool // eoos_once equivalent: report OUT_OF_STKS once, not every failed alloc
}

func newStackPool(log *logrus.Entry, cfg Config) *StackPool {
	sp := &StackPool{log: log, fill: cfg.StackFillVal}
	var base uintptr = 0x2000_0000 // arbitrary simulated SRAM base
	for i := 0; i < cfg.StackPoolSize; i++ {
		blk := &StackBlock{
			base:  base,
			size:  cfg.SizeStack,
			bound: Nil,
		}
		base += uintptr(cfg.SizeStackBlk)
		blk.next = sp.free
		sp.free = blk
		sp.blocks = append(sp.blocks, blk)
	}
	return sp
}

// GetPoolStack pops the head of free, sentinel-fills it, and binds it to
// task h. It reports ok=false without touching the one-shot OUT_OF_STKS
// latch; that latching is the scheduler's call, since an empty free list is
// not itself an error until the scheduler has exhausted its scan-drain and
// lower-priority fallbacks.
func (sp *StackPool) GetPoolStack(h Handle) (*StackBlock, bool) {
	if sp.free == nil {
		return nil, false
	}
	blk := sp.free
	sp.free = blk.next

	sp.sentinelFill(blk)

	blk.bound = h
	blk.scanOwner = Nil
	blk.next = sp.bound
	sp.bound = blk
	return blk, true
}

func (sp *StackPool) sentinelFill(blk *StackBlock) {
	_ = blk // the simulated model does not back stacks with real memory;
	// sentinelFill is where the fill-pattern write would happen, and is the
	// step ScanBound/ScanUnbound measure against.
}

// ReleasePoolStack unlinks blk from the bound list and appends it to scan,
// recording owner as the previous owner's handle and hwm as the high-water
// mark observed at release time, so the scanner can still update the owner's
// record after the task is gone. The block is not usable again until
// ScanUnbound commits the owner's high-water mark and moves it to free.
func (sp *StackPool) ReleasePoolStack(blk *StackBlock, owner Handle, hwm int) {
	sp.removeBound(blk)
	blk.bound = Nil
	blk.scanOwner = owner
	blk.releaseHWM = hwm
	blk.next = sp.scan
	sp.scan = blk
}

func (sp *StackPool) removeBound(blk *StackBlock) {
	if sp.bound == blk {
		sp.bound = blk.next
		return
	}
	for cur := sp.bound; cur != nil; cur = cur.next {
		if cur.next == blk {
			cur.next = blk.next
			return
		}
	}
}

func (sp *StackPool) removeScan(blk *StackBlock) {
	if sp.scan == blk {
		sp.scan = blk.next
		return
	}
	for cur := sp.scan; cur != nil; cur = cur.next {
		if cur.next == blk {
			cur.next = blk.next
			return
		}
	}
}

// ScanBound walks every currently-bound, stk_perm=1 block whose owner's
// stk_hwmv is not yet set and asks probe how deep that task's usage reached,
// committing the high-water mark in place. Unlike scan/free blocks, a bound
// permanent stack never leaves the bound list; the scan only reads it. It
// returns the number of blocks whose high-water mark was committed this
// call.
func (sp *StackPool) ScanBound(isPermanentUnscanned func(h Handle) bool, probe func(h Handle) (usedBytes int, ok bool)) int {
	n := 0
	for blk := sp.bound; blk != nil; blk = blk.next {
		if blk.bound.IsNil() || !isPermanentUnscanned(blk.bound) {
			continue
		}
		if used, ok := probe(blk.bound); ok {
			_ = used
			n++
		}
	}
	return n
}

// ScanUnbound processes the head of the scan list: it hands commit the
// recorded release-time high-water mark so the caller can decide whether to
// update the previous owner (the task may have been deleted, or may have run
// again with a new stack), refills the block with the sentinel along its
// full length, and splices it onto free. It returns true if a block was
// processed.
func (sp *StackPool) ScanUnbound(commit func(owner Handle, releasedHWM int)) bool {
	blk := sp.scan
	if blk == nil {
		return false
	}
	sp.removeScan(blk)

	if !blk.scanOwner.IsNil() && commit != nil {
		commit(blk.scanOwner, blk.releaseHWM)
	}
	blk.scanOwner = Nil
	blk.releaseHWM = 0
	sp.sentinelFill(blk)

	blk.next = sp.free
	sp.free = blk
	if sp.outOfStacksLatched {
		sp.outOfStacksLatched = false
	}
	return true
}

// LatchOutOfStacks sets the one-shot OUT_OF_STKS latch and reports whether
// it was already set, so the caller (the scheduler) can report the first
// exhaustion of an episode and stay quiet on repeats.
func (sp *StackPool) LatchOutOfStacks() (alreadyLatched bool) {
	already := sp.outOfStacksLatched
	sp.outOfStacksLatched = true
	return already
}

// FreeCount, ScanCount and BoundCount are diagnostic accessors.
func (sp *StackPool) FreeCount() int { return countBlocks(sp.free) }
func (sp *StackPool) ScanCount() int { return countBlocks(sp.scan) }
func (sp *StackPool) BoundCount() int { return countBlocks(sp.bound) }

func countBlocks(head *StackBlock) int {
	n := 0
	for b := head; b != nil; b = b.next {
		n++
	}
	return n
}
