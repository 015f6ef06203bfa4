package kernel

import "time"

// profileScope identifies an accounting bucket that is not per-task: ISR
// or LSR time. Task time is tracked separately via StartTask/EndTask since
// the profile buffer needs a per-task breakdown, not one combined bucket.
type profileScope int

const (
	scopeISR profileScope = iota
	scopeLSR
	numScopes
)

// TaskRuntime is one task's accumulated runtime within a single profile
// frame.
type TaskRuntime struct {
	Task    Handle
	Runtime time.Duration
}

// ProfileFrame is one completed accounting frame, captured every RTCFrame
// ticks: ISR total, LSR total, per-task runtime counts, their sum, and the
// computed overhead remainder.
type ProfileFrame struct {
	Sequence uint64
	ISR      time.Duration
	LSR      time.Duration
	Tasks    []TaskRuntime // per-task rtc this frame; the order of entries is not defined
	TaskSum  time.Duration // sum of the per-task runtime counts
	Overhead time.Duration // the remainder: frame_count - (isr+lsr+sum(task.rtc))
}

// profiler accumulates durations per scope since the last frame boundary
// and, once the first frame primes the baseline (that frame only zeroes the
// accumulators and is discarded), emits completed ProfileFrame values into
// a ring buffer a caller can drain. The accounting identity is exact:
// sum of task runtimes + isr + lsr + overhead equals the frame length, so
// Overhead is always computed as the remainder rather than measured
// independently.
type profiler struct {
	enabled bool

	scopeStart [numScopes]time.Time
	scopeSum   [numScopes]time.Duration
	depth      [numScopes]int // nesting depth, since ISR can interrupt LSR etc.

	taskStart map[Handle]time.Time
	taskSum   map[Handle]time.Duration
	taskDepth map[Handle]int // a task calling back into itself via SSR nesting

	frameStart time.Time
	frameLen   time.Duration
	primed     bool
	sequence   uint64

	ring    []ProfileFrame
	ringPos int
	ringLen int
}

func newProfiler(cfg Config) *profiler {
	return &profiler{
		enabled:   cfg.EnableProfile,
		frameLen:  time.Duration(cfg.RTCFrame) * time.Second / time.Duration(cfg.TicksPerSec),
		ring:      make([]ProfileFrame, cfg.RTCBSize),
		taskStart: make(map[Handle]time.Time),
		taskSum:   make(map[Handle]time.Duration),
		taskDepth: make(map[Handle]int),
	}
}

// Start records the wall-clock time scope became active. Nested scopes (an
// ISR preempting an LSR) track depth so only the outermost Start/End pair
// actually charges time.
func (p *profiler) Start(scope profileScope, now time.Time) {
	if !p.enabled {
		return
	}
	if p.depth[scope] == 0 {
		p.scopeStart[scope] = now
	}
	p.depth[scope]++
}

// End charges the elapsed time to scope's running sum once the outermost
// nesting level exits.
func (p *profiler) End(scope profileScope, now time.Time) {
	if !p.enabled {
		return
	}
	if p.depth[scope] == 0 {
		return
	}
	p.depth[scope]--
	if p.depth[scope] == 0 {
		p.scopeSum[scope] += now.Sub(p.scopeStart[scope])
	}
}

// StartTask and EndTask track per-task accumulators: the scheduler
// dispatches one task at a time, but the profile buffer needs each task's
// own runtime count, not just a combined "task time" bucket.
func (p *profiler) StartTask(h Handle, now time.Time) {
	if !p.enabled {
		return
	}
	if p.taskDepth[h] == 0 {
		p.taskStart[h] = now
	}
	p.taskDepth[h]++
}

func (p *profiler) EndTask(h Handle, now time.Time) {
	if !p.enabled {
		return
	}
	if p.taskDepth[h] == 0 {
		return
	}
	p.taskDepth[h]--
	if p.taskDepth[h] == 0 {
		p.taskSum[h] += now.Sub(p.taskStart[h])
	}
}

// Tick advances the frame clock; once a full RTCFrame interval has elapsed
// it closes out the current frame (discarding the very first one, which
// only exists to establish the baseline) and resets the
// per-scope accumulators for the next frame.
func (p *profiler) Tick(now time.Time) {
	if !p.enabled {
		return
	}
	if p.frameStart.IsZero() {
		p.frameStart = now
		return
	}
	if now.Sub(p.frameStart) < p.frameLen {
		return
	}
	if !p.primed {
		p.primed = true
		p.frameStart = now
		p.resetScopes()
		return
	}
	p.closeFrame(now)
	p.frameStart = now
}

func (p *profiler) resetScopes() {
	for i := range p.scopeSum {
		p.scopeSum[i] = 0
	}
	p.taskSum = make(map[Handle]time.Duration)
}

func (p *profiler) closeFrame(now time.Time) {
	total := now.Sub(p.frameStart)

	var taskSum time.Duration
	tasks := make([]TaskRuntime, 0, len(p.taskSum))
	for h, d := range p.taskSum {
		taskSum += d
		tasks = append(tasks, TaskRuntime{Task: h, Runtime: d})
	}

	overhead := total - p.scopeSum[scopeISR] - p.scopeSum[scopeLSR] - taskSum
	if overhead < 0 {
		overhead = 0
	}

	frame := ProfileFrame{
		Sequence: p.sequence,
		ISR:      p.scopeSum[scopeISR],
		LSR:      p.scopeSum[scopeLSR],
		Tasks:    tasks,
		TaskSum:  taskSum,
		Overhead: overhead,
	}
	p.sequence++
	p.ring[p.ringPos] = frame
	p.ringPos = (p.ringPos + 1) % len(p.ring)
	if p.ringLen < len(p.ring) {
		p.ringLen++
	}
	p.resetScopes()
}

// Frames returns the completed frames currently held in the ring buffer,
// oldest first.
func (p *profiler) Frames() []ProfileFrame {
	out := make([]ProfileFrame, 0, p.ringLen)
	start := (p.ringPos - p.ringLen + len(p.ring)) % len(p.ring)
	for i := 0; i < p.ringLen; i++ {
		out = append(out, p.ring[(start+i)%len(p.ring)])
	}
	return out
}
