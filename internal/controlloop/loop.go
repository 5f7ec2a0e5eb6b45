package controlloop

import (
	"runtime/debug"
)

// Handler is invoked once per simulator instruction. It returns done=true
// when the current branch has reached a terminal condition (clean exit,
// bug found, or progress failure per spec.md §7) — Dispatch then moves the
// Loop to PhaseTerminating and rejects further events until Resume is
// called. A non-nil error aborts the branch immediately without flipping
// phase, leaving that decision to the caller.
type Handler func() (done bool, err error)

// Loop is the single-threaded dispatch core spec.md §5 describes: driven
// synchronously, one Machine instruction callback at a time, with no
// internal goroutines and no shared mutable state. It descends from the
// teacher's eventloop.Loop (eventloop/loop.go), but everything that existed
// there solely to arbitrate between concurrent producers — the chunked
// ingress queues, the I/O poller, the timer heap, the wake pipe, the
// fast-path/slow-path split — has no counterpart here, since there is
// exactly one caller. What survives is the shape: a guarded lifecycle
// Phase, panic recovery at the dispatch boundary, and aggregate Metrics.
type Loop struct {
	opts    *loopOptions
	phase   Phase
	metrics Metrics
}

// New constructs an idle Loop.
func New(opts ...Option) *Loop {
	return &Loop{opts: resolveOptions(opts), phase: PhaseIdle}
}

// Start transitions the Loop from PhaseIdle to PhaseRunning. It is an error
// to Start a Loop more than once, or after it has terminated.
func (l *Loop) Start() error {
	switch l.phase {
	case PhaseIdle:
		l.phase = PhaseRunning
		return nil
	case PhaseTerminated:
		return ErrTerminated
	default:
		return ErrAlreadyRunning
	}
}

// Phase reports the Loop's current lifecycle state.
func (l *Loop) Phase() Phase { return l.phase }

// Metrics returns a snapshot of the dispatch counters.
func (l *Loop) Metrics() Metrics { return l.metrics }

// Dispatch synchronously runs h for the instruction event currently being
// delivered by the Machine. It is the sole entry point into the engine's
// per-instruction logic (spec.md §5: "all component updates for that PP's
// transition are complete before the next instruction is requested from
// the Machine") — h is expected to update ThreadTable/MemTracker/LockSet/
// VectorClock, consult the Arbiter, and run DPOR/RaceEngine as needed,
// returning done=true once the branch has ended.
//
// A panic escaping h is recovered, logged at LevelEmergency, wrapped in a
// *PanicError and returned — matching the teacher's safeExecute, but
// escalating instead of absorbing: an invariant violation in the core is
// fatal by design (spec.md §7, row 1), so the Loop also moves to
// PhaseTerminated rather than continuing to accept events.
func (l *Loop) Dispatch(h Handler) (err error) {
	if !l.phase.CanDispatch() {
		if l.phase.IsTerminal() {
			return ErrTerminated
		}
		return ErrNotRunning
	}
	l.metrics.recordEvent()
	if h == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Value: r, Stack: debug.Stack()}
			l.metrics.recordPanicRecovered()
			l.logPanic(perr)
			l.phase = PhaseTerminated
			err = perr
		}
	}()

	done, herr := h()
	if herr != nil {
		return herr
	}
	if done {
		l.metrics.recordBranchCompleted()
		l.phase = PhaseTerminating
	}
	return nil
}

// RecordPreemptionPoint increments the preemption-point counter. Called by
// the per-event Handler once the Arbiter confirms the current instruction
// is a PP (spec.md §4.4).
func (l *Loop) RecordPreemptionPoint() { l.metrics.recordPP() }

// RecordBugFound increments the bug counter. Called by the per-event
// Handler when a branch terminates in a reported FoundABug (spec.md §7).
func (l *Loop) RecordBugFound() { l.metrics.recordBugFound() }

// Finish completes the transition from PhaseTerminating to PhaseTerminated,
// once the caller has finished emitting the branch's final estimate or bug
// report (spec.md §5: "the core finalizes the current estimate and
// terminates the simulation cleanly"). It is idempotent on an
// already-terminated Loop only in the sense of returning ErrTerminated,
// matching Dispatch's rejection of further events.
func (l *Loop) Finish() error {
	switch l.phase {
	case PhaseTerminating:
		l.phase = PhaseTerminated
		return nil
	case PhaseTerminated:
		return ErrTerminated
	default:
		return ErrNotRunning
	}
}

// Resume moves a Loop back from PhaseTerminating to PhaseRunning without
// ever reaching PhaseTerminated — used when the Explorer finds another
// branch to take (spec.md §7: "the Explorer attempts another branch") and
// the engine rewinds rather than quitting.
func (l *Loop) Resume() error {
	if l.phase != PhaseTerminating {
		return ErrNotRunning
	}
	l.phase = PhaseRunning
	return nil
}

func (l *Loop) logPanic(perr *PanicError) {
	logger := loggerOrNoOp(l.opts.logger)
	logger.Emerg().
		Str("stack", string(perr.Stack)).
		Err(perr).
		Log("controlloop: recovered panic in dispatch")
}
