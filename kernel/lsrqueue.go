package kernel

import "github.com/sirupsen/logrus"

// lsrPost is one (LSR handle, param) entry in the LQ.
type lsrPost struct {
	lsr   Handle
	param uintptr
}

// LSRQueue is the LQ: a bounded FIFO ring buffer that ISRs post into and
// the LSR scheduler drains completely before returning control to the task
// scheduler.
type LSRQueue struct {
	log *logrus.Entry

	buf        []lsrPost
	head, tail int
	count      int

	hwm int // deepest occupancy observed, for capacity tuning

	overflowCount int
}

func newLSRQueue(log *logrus.Entry, depth int) *LSRQueue {
	return &LSRQueue{log: log, buf: make([]lsrPost, depth)}
}

// Post enqueues an LSR invocation. It reports ok=false and increments the
// overflow counter if the queue is full; a post is dropped rather than ever
// blocking an ISR.
func (q *LSRQueue) Post(lsr Handle, param uintptr) bool {
	if q.count == len(q.buf) {
		q.overflowCount++
		q.log.WithField("lsr", lsr).Error("smx: LSR queue overflow, post dropped")
		return false
	}
	q.buf[q.tail] = lsrPost{lsr: lsr, param: param}
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	if q.count > q.hwm {
		q.hwm = q.count
	}
	return true
}

// Drain removes and returns the next pending post, ok=false if empty.
func (q *LSRQueue) Drain() (lsrPost, bool) {
	if q.count == 0 {
		return lsrPost{}, false
	}
	p := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return p, true
}

// Len reports the number of pending posts.
func (q *LSRQueue) Len() int { return q.count }

// HighWaterMark reports the deepest the queue has ever gotten, for
// capacity tuning.
func (q *LSRQueue) HighWaterMark() int { return q.hwm }

// Overflows reports the cumulative count of dropped posts.
func (q *LSRQueue) Overflows() int { return q.overflowCount }
