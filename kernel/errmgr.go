package kernel

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrorCode enumerates the error-kind codes the scheduler can report.
type ErrorCode int

const (
	ErrOK ErrorCode = iota
	ErrStackOverflow
	ErrMainStackOverflow
	ErrOutOfStacks
	ErrRunQueueError
	ErrBrokenQueue
	ErrQueueFixed
	ErrHeapInitFail
)

func (c ErrorCode) String() string {
	switch c {
	case ErrOK:
		return "OK"
	case ErrStackOverflow:
		return "STK_OVFL"
	case ErrMainStackOverflow:
		return "MSTK_OVFL"
	case ErrOutOfStacks:
		return "OUT_OF_STKS"
	case ErrRunQueueError:
		return "RQ_ERROR"
	case ErrBrokenQueue:
		return "BROKEN_Q"
	case ErrQueueFixed:
		return "Q_FIXED"
	case ErrHeapInitFail:
		return "HEAP_INIT_FAIL"
	default:
		return "UNKNOWN"
	}
}

// Severity classifies an ErrorCode for the hook and the log level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityRecoverable
	SeverityFatalToTask
	SeverityFatalToKernel
)

func (c ErrorCode) Severity() Severity {
	switch c {
	case ErrQueueFixed:
		return SeverityInfo
	case ErrOutOfStacks, ErrRunQueueError, ErrBrokenQueue:
		return SeverityRecoverable
	case ErrStackOverflow:
		return SeverityFatalToTask
	case ErrMainStackOverflow, ErrHeapInitFail:
		return SeverityFatalToKernel
	default:
		return SeverityInfo
	}
}

// ErrorEvent is what the error manager hands to the registered hook and, if
// configured, to an external sink.
type ErrorEvent struct {
	Code     ErrorCode
	Severity Severity
	Task     Handle // Nil if the error did not originate inside a task's SSR frame
	Detail   string
}

func (e ErrorEvent) Error() string {
	return errors.Wrapf(errSentinel(e.Code), "smx: %s: %s", e.Code, e.Detail).Error()
}

type errSentinel ErrorCode

func (e errSentinel) Error() string { return ErrorCode(e).String() }

// ErrorSink receives error events for out-of-band delivery (e.g. a remote log
// collector). Delivery is best-effort and happens off the dispatch path.
type ErrorSink interface {
	Deliver(ErrorEvent) error
}

// ErrorHook is the application-supplied policy invoked synchronously for
// every reported error. The core never decides to kill a task on its own;
// the hook does, by calling back into the kernel if it wants to.
type ErrorHook func(ErrorEvent)

// errorManager receives codes from the scheduler and forwards them to the
// external hook/sink. It does no latching of its own: latching (stk_ovfl,
// eoos_once) lives on the TCB and in the stack pool's out-of-stacks flag
// respectively. The hook sees every report; the rate limiter only throttles
// delivery to the external sink, for every error code alike.
type errorManager struct {
	mu   sync.Mutex
	log  *logrus.Entry
	hook ErrorHook
	sink ErrorSink

	limiter *rate.Limiter

	backoff Backoff
}

// Backoff is the minimal surface smxgo needs from a retry policy; it is
// satisfied directly by github.com/cenkalti/backoff's policies.
type Backoff interface {
	NextBackOff() time.Duration
	Reset()
}

// NewSinkBackoff returns the default retry policy for ErrorSink delivery: an
// exponential backoff bounded well under the delivery deadline, so a flaky
// sink gets a handful of retries and a wedged one is abandoned.
func NewSinkBackoff() Backoff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 3 * time.Second
	return bo
}

func newErrorManager(log *logrus.Entry, hook ErrorHook, sink ErrorSink, bo Backoff) *errorManager {
	if hook == nil {
		hook = func(ErrorEvent) {}
	}
	return &errorManager{
		log:     log,
		hook:    hook,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 4),
		backoff: bo,
	}
}

// Report logs at a level keyed to severity, invokes the hook synchronously,
// and, if a sink is configured, schedules a throttled, retried delivery on a
// detached goroutine so a wedged sink can never stall the scheduler.
func (m *errorManager) Report(code ErrorCode, task Handle, detail string) {
	ev := ErrorEvent{Code: code, Severity: code.Severity(), Task: task, Detail: detail}

	entry := m.log.WithFields(logrus.Fields{
		"code":     code.String(),
		"severity": ev.Severity,
	})
	switch ev.Severity {
	case SeverityInfo:
		entry.Info(detail)
	case SeverityRecoverable:
		entry.Warn(detail)
	default:
		entry.Error(detail)
	}

	m.hook(ev)

	if m.sink == nil {
		return
	}
	if !m.limiter.Allow() {
		return
	}
	go m.deliver(ev)
}

func (m *errorManager) deliver(ev ErrorEvent) {
	m.mu.Lock()
	bo := m.backoff
	m.mu.Unlock()
	if bo == nil {
		_ = m.sink.Deliver(ev)
		return
	}
	bo.Reset()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := m.sink.Deliver(ev); err == nil {
			return
		}
		d := bo.NextBackOff()
		if d < 0 || time.Now().Add(d).After(deadline) {
			return
		}
		time.Sleep(d)
	}
}
