package kernel

import "github.com/smxgo/smxgo/internal/cbpool"

// Handle is any kernel object's arena handle. Which pool it indexes is
// determined by its Tag; see the tagTask..tagEventQueue constants.
type Handle = cbpool.Handle

// Nil is the zero-value "no object" handle, shared by every kernel pool.
var Nil = cbpool.Nil

// Control-block type tags, one per arena. A handle pulled out of a damaged
// link is checked against the tag the reader expected before it is ever
// dereferenced.
const (
	tagTask cbpool.Tag = iota + 1
	tagLSR
	tagSemaphore
	tagQueue
	tagEventGroup
	tagTimer
	tagEventQueue
)

// pools bundles every tagged arena the kernel owns. Capacities come from
// Config at Boot time; nothing is resized afterward.
type pools struct {
	tasks       *cbpool.Pool[Task]
	lsrs        *cbpool.Pool[LSR]
	semaphores  *cbpool.Pool[Semaphore]
	queues      *cbpool.Pool[MsgQueue]
	eventGroups *cbpool.Pool[EventGroup]
	timers      *cbpool.Pool[Timer]
	eventQueues *cbpool.Pool[EventQueueCB]
}

func newPools(cfg Config) *pools {
	return &pools{
		tasks:       cbpool.New[Task](cfg.NumTasks, tagTask),
		lsrs:        cbpool.New[LSR](cfg.NumLSRs, tagLSR),
		semaphores:  cbpool.New[Semaphore](cfg.NumSemaphores, tagSemaphore),
		queues:      cbpool.New[MsgQueue](cfg.NumQueues, tagQueue),
		eventGroups: cbpool.New[EventGroup](cfg.NumEventGroups, tagEventGroup),
		timers:      cbpool.New[Timer](cfg.NumTimers, tagTimer),
		eventQueues: cbpool.New[EventQueueCB](cfg.NumEventQueues, tagEventQueue),
	}
}

// Semaphore, MsgQueue, EventGroup, Timer and EventQueueCB are the other
// object kinds a wait list can reference; the single-queue-residency rule
// applies to them the same as to Task. The dispatch core only needs to know
// they exist and carry a wait-link; it never inspects their kind-specific
// payload, so they are intentionally thin here. Their full semantics live
// with the SSR layers above this package.
type Semaphore struct {
	link  link
	Count int
}

type MsgQueue struct {
	link link
	Cap  int
}

type EventGroup struct {
	link  link
	Flags uint32
}

type Timer struct {
	link    link
	Ticks   uint32
	Periodic bool
}

type EventQueueCB struct {
	link link
}

// link is the single forward/back pointer pair shared by every linkable
// kernel object; an object is linked into at most one queue at a time.
type link struct {
	next, prev Handle
}
