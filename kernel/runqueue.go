package kernel

import (
	"github.com/sirupsen/logrus"

	"github.com/smxgo/smxgo/internal/cbpool"
)

// RunQueue is the RQ: one FIFO per priority level, plus a cached top
// cursor. A level's list is walked from head to tail to detect a corrupted
// forward link, and from tail to head by the repair routine, which rebuilds
// the level from the back links only; a level whose back links are broken
// is truncated at the break rather than rebuilt from its forward links.
type RunQueue struct {
	log    *logrus.Entry
	tasks  *poolAccessor
	levels []rqLevel

	top Handle // highest-priority ready task, cached across Enqueue/Dequeue

	damagedLevels int // count of RepairLevel invocations, exported via Stats
	fixedLevels   int
}

type rqLevel struct {
	head, tail Handle
	count      int
}

// poolAccessor narrows *pools down to exactly the task-link access the run
// queue needs, so runqueue.go does not depend on the rest of the arena.
type poolAccessor struct {
	p *pools
}

func (a *poolAccessor) get(h Handle) (*Task, bool) { return a.p.tasks.Get(h) }

func newRunQueue(log *logrus.Entry, p *pools, levels int) *RunQueue {
	rq := &RunQueue{
		log:    log,
		tasks:  &poolAccessor{p: p},
		levels: make([]rqLevel, levels),
		top:    Nil,
	}
	for i := range rq.levels {
		rq.levels[i] = rqLevel{head: Nil, tail: Nil}
	}
	return rq
}

// Enqueue appends h to the tail of its priority level's list, updating top
// if h now outranks the cached top.
func (rq *RunQueue) Enqueue(h Handle) {
	t, ok := rq.tasks.get(h)
	if !ok {
		rq.log.WithField("handle", h).Error("smx: enqueue of invalid task handle")
		return
	}
	lvl := &rq.levels[t.Priority]
	t.link.prev = lvl.tail
	t.link.next = Nil
	t.residency = residencyRunQueue
	if lvl.tail.IsNil() {
		lvl.head = h
	} else if tail, ok := rq.tasks.get(lvl.tail); ok {
		tail.link.next = h
	}
	lvl.tail = h
	lvl.count++
	t.State = TaskReady

	if rq.top.IsNil() {
		rq.top = h
		return
	}
	if top, ok := rq.tasks.get(rq.top); ok && t.Priority > top.Priority {
		rq.top = h
	}
}

// Dequeue removes h from its priority level's list.
func (rq *RunQueue) Dequeue(h Handle) {
	t, ok := rq.tasks.get(h)
	if !ok {
		return
	}
	lvl := &rq.levels[t.Priority]
	if p, ok := rq.tasks.get(t.link.prev); ok {
		p.link.next = t.link.next
	} else {
		lvl.head = t.link.next
	}
	if n, ok := rq.tasks.get(t.link.next); ok {
		n.link.prev = t.link.prev
	} else {
		lvl.tail = t.link.prev
	}
	t.link = link{next: Nil, prev: Nil}
	t.residency = residencyNone
	if lvl.count > 0 {
		lvl.count--
	}
	if rq.top == h {
		rq.recomputeTop()
	}
}

// Top returns the highest-priority ready task: O(1) amortized through the
// cached pointer to the highest-priority non-empty level's head, recomputed
// only when the cache was invalidated.
func (rq *RunQueue) Top() (Handle, bool) {
	if rq.top.IsNil() {
		rq.recomputeTop()
	}
	if rq.top.IsNil() {
		return Nil, false
	}
	return rq.top, true
}

// recomputeTop scans from the highest priority level (the last index) down
// to the lowest, settling on the first non-empty level's head.
func (rq *RunQueue) recomputeTop() {
	for i := len(rq.levels) - 1; i >= 0; i-- {
		if h := rq.levels[i].head; !h.IsNil() {
			rq.top = h
			return
		}
	}
	rq.top = Nil
}

// CheckLevel walks a priority level forward from head and reports whether
// the chain reaches tail in exactly count steps, i.e. whether the level is
// intact.
func (rq *RunQueue) CheckLevel(priority int) bool {
	lvl := &rq.levels[priority]
	if lvl.head.IsNil() && lvl.tail.IsNil() {
		return true
	}
	cur := lvl.head
	steps := 0
	for !cur.IsNil() && steps <= lvl.count+1 {
		t, ok := rq.tasks.get(cur)
		if !ok {
			return false
		}
		if cur == lvl.tail {
			return steps == lvl.count-1
		}
		cur = t.link.next
		steps++
	}
	return false
}

// RepairLevel walks the level backward from tail, which survives a
// corrupted *forward* link (the common case, since most corruption comes
// from a task overrunning its stack into the next link in memory, and the
// back-link of the node after it is untouched), relinking forward pointers
// as it goes and truncating at the first node it cannot reach. It returns
// the number of tasks recovered.
func (rq *RunQueue) RepairLevel(priority int) int {
	lvl := &rq.levels[priority]
	rq.damagedLevels++

	var chain []Handle
	cur := lvl.tail
	seen := map[Handle]bool{}
	for !cur.IsNil() && !seen[cur] {
		t, ok := rq.tasks.get(cur)
		if !ok {
			break
		}
		seen[cur] = true
		chain = append(chain, cur)
		cur = t.link.prev
	}
	// chain is tail..head order; reverse it to rebuild head..tail.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	if len(chain) == 0 {
		lvl.head, lvl.tail, lvl.count = Nil, Nil, 0
		rq.log.WithField("priority", priority).Warn("smx: run queue level unrecoverable, reset to empty")
		// The cached top may itself be the corrupted handle; recompute from
		// the surviving levels unconditionally.
		rq.top = Nil
		rq.recomputeTop()
		return 0
	}

	for i, h := range chain {
		t, ok := rq.tasks.get(h)
		if !ok {
			continue
		}
		if i == 0 {
			t.link.prev = Nil
		} else {
			t.link.prev = chain[i-1]
		}
		if i == len(chain)-1 {
			t.link.next = Nil
		} else {
			t.link.next = chain[i+1]
		}
	}
	lvl.head = chain[0]
	lvl.tail = chain[len(chain)-1]
	lvl.count = len(chain)

	rq.log.WithFields(logrus.Fields{"priority": priority, "recovered": len(chain)}).Warn("smx: run queue level repaired")
	rq.fixedLevels++
	rq.recomputeTop()
	return len(chain)
}

// FindReadyWithStack walks priority levels from startPriority (inclusive)
// down to 0, returning the first ready task for which hasStack reports
// true. It backs the scheduler's out-of-stacks fallback: find a
// lower-priority ready task that already owns a stack and dispatch it,
// preferring the level closest to startPriority.
func (rq *RunQueue) FindReadyWithStack(startPriority int, hasStack func(Handle) bool) (Handle, *Task, bool) {
	if startPriority >= len(rq.levels) {
		startPriority = len(rq.levels) - 1
	}
	for p := startPriority; p >= 0; p-- {
		cur := rq.levels[p].head
		for !cur.IsNil() {
			t, ok := rq.tasks.get(cur)
			if !ok {
				break
			}
			if hasStack(cur) {
				return cur, t, true
			}
			cur = t.link.next
		}
	}
	return Nil, nil, false
}

// Stats reports cumulative damage/repair counters for diagnostics.
func (rq *RunQueue) Stats() (damaged, fixed int) {
	return rq.damagedLevels, rq.fixedLevels
}

// DamageRunQueue overwrites a priority level's head link (and the cached
// top cursor, if it pointed there) with a fabricated out-of-range handle,
// simulating the forward-link corruption RepairLevel exists to catch (a task
// overrunning its stack into the next queue link in memory). The back-link
// chain from the tail is left intact, so a subsequent dispatch exercises the
// detect-report-repair path end to end. Fault injection for the damage
// scenario and tests; never called by the kernel itself.
func (k *Kernel) DamageRunQueue(priority int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if priority < 0 || priority >= len(k.rq.levels) {
		return
	}
	bad := cbpool.Corrupt(0x7fffffff, tagTask)
	if k.rq.top == k.rq.levels[priority].head {
		k.rq.top = bad
	}
	k.rq.levels[priority].head = bad
}
