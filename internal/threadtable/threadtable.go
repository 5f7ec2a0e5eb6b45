// Package threadtable replicates the guest scheduler's runqueue,
// sleep-queue, and descheduled-queue, plus per-thread action flags and
// sync state, as specified in spec.md §3 (Thread) and §4.1 (ThreadTable).
package threadtable

import (
	"github.com/bblum/landslide-simics-sub000/internal/lockset"
	"github.com/bblum/landslide-simics-sub000/internal/vclock"
)

// Status is a thread's scheduling state.
type Status uint8

const (
	StatusRunnable Status = iota
	StatusRunning
	StatusDescheduled
	StatusSleeping
	StatusVanished
)

func (s Status) String() string {
	switch s {
	case StatusRunnable:
		return "runnable"
	case StatusRunning:
		return "running"
	case StatusDescheduled:
		return "descheduled"
	case StatusSleeping:
		return "sleeping"
	case StatusVanished:
		return "vanished"
	default:
		return "unknown"
	}
}

// ActionFlags records the transient conditions spec.md §3 lists:
// currently inside the timer handler, context switcher, fork path, vanish
// path, a mutex lock/unlock call, malloc/free, or readline. These flags
// give scheduler-internal code a free pass on otherwise-racy accesses
// (consumed by the Engine's memory-access filter and internal/arbiter).
type ActionFlags struct {
	InTimer         bool
	InContextSwitch bool
	InFork          bool
	InVanish        bool
	InMutexOp       bool
	InMalloc        bool
	InFree          bool
	InReadline      bool
}

// AnySchedulerAction reports whether any scheduler-internal flag is set,
// the condition the Arbiter uses to suppress PPs inside scheduler code
// (spec.md §4.1).
func (f ActionFlags) AnySchedulerAction() bool {
	return f.InTimer || f.InContextSwitch || f.InFork || f.InVanish
}

// Thread is one guest thread's replicated scheduling and synchronization
// state (spec.md §3).
type Thread struct {
	TID    uint32
	Status Status
	Flags  ActionFlags

	LastSyscall string
	BlockedOn   uint32 // address this thread is spinning on, 0 if none

	KernelLocks *lockset.Set
	UserLocks   *lockset.Set
	Clock       *vclock.Clock

	YieldCount int
	XchgCount  int

	// forking/vanishing latch the thread's own intent to fork/exit so
	// the next on_thread_runnable/descheduling call on related tids is
	// interpreted correctly (spec.md §4.1).
	forking   bool
	vanishing bool
}

func newThread(tid uint32, sameKind lockset.SameKindPolicy) *Thread {
	return &Thread{
		TID:         tid,
		Status:      StatusRunnable,
		KernelLocks: lockset.New(sameKind),
		UserLocks:   lockset.New(sameKind),
		Clock:       vclock.New(),
	}
}

func (t *Thread) clone() *Thread {
	c := *t
	c.KernelLocks = t.KernelLocks.Clone()
	c.UserLocks = t.UserLocks.Clone()
	c.Clock = t.Clock.Copy()
	return &c
}

// Table is the replica of the guest's runqueue, sleep-queue, and
// descheduled-queue, indexed by tid (spec.md §4.1).
type Table struct {
	threads  map[uint32]*Thread
	runqueue []uint32
	deschedq []uint32
	sleepq   []uint32

	current uint32
	pending uint32 // tid expected next by on_thread_switch, not yet seen runnable

	sameKind lockset.SameKindPolicy

	// vanishedPendingFree holds a tid that vanished but whose Thread is
	// retained (delayed free) until another thread is next observed
	// running (spec.md §4.1, on_thread_descheduling).
	vanishedPendingFree uint32
	hasVanishedPending  bool
}

// New returns an empty Table. sameKind is forwarded to every Thread's
// lock sets; nil selects lockset.DefaultSameKind.
func New(sameKind lockset.SameKindPolicy) *Table {
	return &Table{threads: make(map[uint32]*Thread), sameKind: sameKind}
}

// Current returns the currently-running thread, creating it as the
// initial thread if the table is empty.
func (tb *Table) Current() *Thread {
	if th, ok := tb.threads[tb.current]; ok {
		return th
	}
	th := newThread(tb.current, tb.sameKind)
	th.Status = StatusRunning
	tb.threads[tb.current] = th
	return th
}

// Get returns the Thread for tid, or nil if unknown.
func (tb *Table) Get(tid uint32) (*Thread, bool) {
	th, ok := tb.threads[tid]
	return th, ok
}

// All returns every known thread, including vanished ones pending delayed
// free.
func (tb *Table) All() map[uint32]*Thread { return tb.threads }

func removeFromQueue(q []uint32, tid uint32) []uint32 {
	for i, v := range q {
		if v == tid {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}

func containsQueue(q []uint32, tid uint32) bool {
	for _, v := range q {
		if v == tid {
			return true
		}
	}
	return false
}

// MarkForking sets the forking intent on the currently-running thread,
// consumed by the next OnThreadRunnable call (spec.md §4.1).
func (tb *Table) MarkForking() { tb.Current().forking = true }

// MarkVanishing sets the vanishing intent on the currently-running
// thread, consumed by the next OnThreadDescheduling call.
func (tb *Table) MarkVanishing() { tb.Current().vanishing = true }

// OnThreadRunnable implements spec.md §4.1's on_thread_runnable(tid): if
// the current thread is mid-fork, tid is a brand-new child thread placed
// on the runqueue; otherwise tid transitions from the descheduled queue
// to the runqueue.
func (tb *Table) OnThreadRunnable(tid uint32) *Thread {
	cur := tb.Current()
	if cur.forking {
		cur.forking = false
		th := newThread(tid, tb.sameKind)
		tb.threads[tid] = th
		tb.runqueue = append(tb.runqueue, tid)
		return th
	}
	th, ok := tb.threads[tid]
	if !ok {
		th = newThread(tid, tb.sameKind)
		tb.threads[tid] = th
	}
	th.Status = StatusRunnable
	tb.deschedq = removeFromQueue(tb.deschedq, tid)
	tb.sleepq = removeFromQueue(tb.sleepq, tid)
	if !containsQueue(tb.runqueue, tid) {
		tb.runqueue = append(tb.runqueue, tid)
	}
	if tb.pending == tid {
		tb.pending = 0
	}
	return th
}

// OnThreadDescheduling implements on_thread_descheduling(tid): if the
// thread is mid-vanish it is removed from the table, but the Thread value
// is retained (delayed free) until another thread is next observed
// running, matching the original's deferred-reap behavior surfaced from
// original_source (spec.md §4.1, §3 supplemented features).
func (tb *Table) OnThreadDescheduling(tid uint32) {
	th, ok := tb.threads[tid]
	if !ok {
		return
	}
	tb.runqueue = removeFromQueue(tb.runqueue, tid)
	if th.vanishing {
		th.Status = StatusVanished
		tb.vanishedPendingFree = tid
		tb.hasVanishedPending = true
		return
	}
	th.Status = StatusDescheduled
	tb.deschedq = append(tb.deschedq, tid)
}

// OnThreadSwitch implements on_thread_switch(new_tid): if new_tid is
// already on the runqueue, current simply updates; otherwise new_tid is
// remembered as pending so the next OnThreadRunnable call for it is
// recognized as a switch-to rather than a late-observed runnable.
func (tb *Table) OnThreadSwitch(newTID uint32) {
	tb.reapVanishedIfAny()
	if containsQueue(tb.runqueue, newTID) {
		tb.current = newTID
		if th, ok := tb.threads[newTID]; ok {
			th.Status = StatusRunning
		}
		return
	}
	tb.pending = newTID
	tb.current = newTID
}

func (tb *Table) reapVanishedIfAny() {
	if tb.hasVanishedPending {
		delete(tb.threads, tb.vanishedPendingFree)
		tb.hasVanishedPending = false
	}
}

// Sleep moves tid from the runqueue to the sleep queue.
func (tb *Table) Sleep(tid uint32) {
	th, ok := tb.threads[tid]
	if !ok {
		return
	}
	th.Status = StatusSleeping
	tb.runqueue = removeFromQueue(tb.runqueue, tid)
	tb.sleepq = append(tb.sleepq, tid)
}

// Runqueue returns the current runnable-thread ids, in scheduling order.
func (tb *Table) Runqueue() []uint32 { return tb.runqueue }

// OnTimerEntering/OnTimerExiting and the sibling pairs below toggle the
// matching per-thread action flag (spec.md §4.1).
func (tb *Table) OnTimerEntering()  { tb.Current().Flags.InTimer = true }
func (tb *Table) OnTimerExiting()   { tb.Current().Flags.InTimer = false }

func (tb *Table) OnContextSwitchEntering() { tb.Current().Flags.InContextSwitch = true }
func (tb *Table) OnContextSwitchExiting()  { tb.Current().Flags.InContextSwitch = false }

func (tb *Table) OnForkEntering() { tb.Current().Flags.InFork = true }
func (tb *Table) OnForkExiting()  { tb.Current().Flags.InFork = false }

func (tb *Table) OnVanishEntering() { tb.Current().Flags.InVanish = true }

func (tb *Table) OnSleepEntering() { tb.Sleep(tb.current) }

func (tb *Table) OnReadlineEntering() { tb.Current().Flags.InReadline = true }
func (tb *Table) OnReadlineExiting()  { tb.Current().Flags.InReadline = false }

// Clone returns a deep, independent copy of the table (taken at every PP,
// spec.md §4.6).
func (tb *Table) Clone() *Table {
	out := New(tb.sameKind)
	out.current = tb.current
	out.pending = tb.pending
	out.vanishedPendingFree = tb.vanishedPendingFree
	out.hasVanishedPending = tb.hasVanishedPending
	out.runqueue = append([]uint32{}, tb.runqueue...)
	out.deschedq = append([]uint32{}, tb.deschedq...)
	out.sleepq = append([]uint32{}, tb.sleepq...)
	for tid, th := range tb.threads {
		out.threads[tid] = th.clone()
	}
	return out
}
