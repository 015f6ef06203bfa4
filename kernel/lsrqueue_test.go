package kernel

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func testLQ(depth int) *LSRQueue {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return newLSRQueue(log.WithField("component", "test"), depth)
}

func TestLSRQueuePostDrainFIFO(t *testing.T) {
	q := testLQ(4)
	for i := 0; i < 3; i++ {
		if !q.Post(Nil, uintptr(i)) {
			t.Fatalf("Post %d failed", i)
		}
	}
	if q.Len() != 3 || q.HighWaterMark() != 3 {
		t.Fatalf("len=%d hwm=%d, want 3/3", q.Len(), q.HighWaterMark())
	}
	for i := 0; i < 3; i++ {
		p, ok := q.Drain()
		if !ok || p.param != uintptr(i) {
			t.Fatalf("drain %d: got %v/%v", i, p.param, ok)
		}
	}
	if _, ok := q.Drain(); ok {
		t.Fatalf("drain succeeded on empty queue")
	}
}

func TestLSRQueueWrapsAroundRing(t *testing.T) {
	q := testLQ(2)
	for round := 0; round < 5; round++ {
		if !q.Post(Nil, uintptr(round)) {
			t.Fatalf("round %d: post failed", round)
		}
		p, ok := q.Drain()
		if !ok || p.param != uintptr(round) {
			t.Fatalf("round %d: got %v/%v", round, p.param, ok)
		}
	}
	if q.HighWaterMark() != 1 {
		t.Fatalf("hwm=%d after lockstep post/drain, want 1", q.HighWaterMark())
	}
}

func TestLSRQueueOverflowDropsPost(t *testing.T) {
	q := testLQ(2)
	q.Post(Nil, 1)
	q.Post(Nil, 2)
	if q.Post(Nil, 3) {
		t.Fatalf("post accepted beyond capacity")
	}
	if q.Overflows() != 1 {
		t.Fatalf("overflows=%d, want 1", q.Overflows())
	}
	// The queued pairs are intact.
	p, _ := q.Drain()
	if p.param != 1 {
		t.Fatalf("first drain = %v, want 1", p.param)
	}
}

func TestLSRsDrainBeforeNextDispatch(t *testing.T) {
	k, _ := testKernel(t, nil)
	var order []string

	lsr, err := k.LSRCreate("first", LSRTrusted, Nil, func(k *Kernel, param uintptr) {
		order = append(order, "lsr")
	})
	if err != nil {
		t.Fatalf("LSRCreate: %v", err)
	}

	h := mustCreate(t, k, TaskSpec{
		Name:     "task",
		Priority: 5,
		Entry: func(k *Kernel, th Handle, resumed bool) TaskResult {
			order = append(order, "task")
			return TaskExit
		},
	})
	mustStart(t, k, h)

	// The ISR posts after the task is already ready; the LSR still runs
	// first on the next scheduler pass.
	k.ISRStart()
	if !k.Invoke(lsr, 0) {
		t.Fatalf("Invoke failed")
	}
	k.ISREnd()

	k.Run(2)
	if len(order) != 2 || order[0] != "lsr" || order[1] != "task" {
		t.Fatalf("execution order %v, want [lsr task]", order)
	}
}

func TestLSRBatchRunsInPostOrder(t *testing.T) {
	k, _ := testKernel(t, nil)
	var got []uintptr

	lsr, err := k.LSRCreate("collect", LSRTrusted, Nil, func(k *Kernel, param uintptr) {
		got = append(got, param)
	})
	if err != nil {
		t.Fatalf("LSRCreate: %v", err)
	}
	for i := 0; i < 5; i++ {
		k.Invoke(lsr, uintptr(i))
	}
	k.Run(1)
	if len(got) != 5 {
		t.Fatalf("ran %d LSRs, want 5", len(got))
	}
	for i, p := range got {
		if p != uintptr(i) {
			t.Fatalf("post order violated: %v", got)
		}
	}
	snap, err := k.LSRPeek(lsr)
	if err != nil {
		t.Fatalf("LSRPeek: %v", err)
	}
	if snap.Invocations != 5 {
		t.Fatalf("Invocations = %d, want 5", snap.Invocations)
	}
}
