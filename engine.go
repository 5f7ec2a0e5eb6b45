package landslide

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bblum/landslide-simics-sub000/internal/arbiter"
	"github.com/bblum/landslide-simics-sub000/internal/controlloop"
	"github.com/bblum/landslide-simics-sub000/internal/dpor"
	"github.com/bblum/landslide-simics-sub000/internal/estimator"
	"github.com/bblum/landslide-simics-sub000/internal/explorer"
	"github.com/bblum/landslide-simics-sub000/internal/haxtree"
	"github.com/bblum/landslide-simics-sub000/internal/lockset"
	"github.com/bblum/landslide-simics-sub000/internal/memtracker"
	"github.com/bblum/landslide-simics-sub000/internal/threadtable"
	"github.com/bblum/landslide-simics-sub000/internal/vclock"
	"github.com/joeycumines/logiface"
)

// Event is the sealed union of instruction-level occurrences the Machine
// reports to the Engine, once per executed instruction (spec.md §2's Flow
// paragraph, §9 "model with sum types").
type Event interface {
	event()
}

// InstructionEvent reports that eip was fetched and is about to execute.
type InstructionEvent struct {
	EIP uint32
}

func (InstructionEvent) event() {}

// MemAccessEvent reports a memory access at physical address pa (mapped
// from virtual address va) by the current thread (spec.md §4.2
// mem_access).
type MemAccessEvent struct {
	PA, VA uint32
	Write  bool
}

func (MemAccessEvent) event() {}

// SyscallEvent records that the current thread just invoked syscall,
// tracked as Thread.LastSyscall (spec.md §3).
type SyscallEvent struct {
	Syscall string
}

func (SyscallEvent) event() {}

// AssertionFailureEvent reports a test-harness-observed assertion or
// kernel panic, classified by kind (spec.md §7, "guest-observed bug").
type AssertionFailureEvent struct {
	Kind    BugKind
	Message string
}

func (AssertionFailureEvent) event() {}

// BranchCompleteEvent reports that the guest test workload ran to
// completion on the current branch without a detected bug (spec.md §2,
// "branch termination (clean exit...)").
type BranchCompleteEvent struct{}

func (BranchCompleteEvent) event() {}

// transition records one completed transition along the current branch,
// keyed by the depth of the Hax node it departs from — the data DPOR.Scan
// needs to compare the new transition against every ancestor transition
// (spec.md §4.5).
type transition struct {
	tid      uint32
	accesses map[uint32]*memtracker.MemAccess
	runnable map[uint32]bool
}

// Engine is the single value, passed by reference through every
// operation, that replaces the original source's file-scope statics
// (spec.md §9). It owns every leaf and mid-tier component and drives them
// from one per-instruction entry point, HandleEvent.
type Engine struct {
	opts    *engineOptions
	machine Machine
	profile *GuestProfile
	jobs    JobChannel
	logger  *logiface.Logger[logiface.Event]

	threads    *threadtable.Table
	kernelMem  *memtracker.MemTracker
	userMem    *memtracker.MemTracker
	lockClocks *vclock.LockClocks
	arb        *arbiter.Arbiter
	races      *dpor.Table
	race       *dpor.Engine
	tree       *haxtree.Tree
	leaf       *haxtree.Node
	exp        *explorer.Explorer
	est        *estimator.Estimator
	loop       *controlloop.Loop

	branch            []transition // branch[i] is the transition departing h_i
	totalInstructions uint64
	instrSinceLastPP  uint64
	ppCount           uint64
	branchCount       uint64

	lastPPEIP    uint32
	hasLastPPEIP bool

	stopped             bool
	explorationComplete bool
	heapAtBranchStart   uint32
	traceDir            string
	nextTraceN          int
	startedAt           time.Time
}

// NewEngine wires every component together per spec.md §2's dependency
// order (leaves first): LockSet/VectorClock are constructed per-thread and
// per-lock by ThreadTable and LockClocks respectively; MemTracker (x2);
// ThreadTable; Arbiter; DPOR; the Hax arena; Explorer; Estimator; and
// finally the ControlLoop dispatch core.
func NewEngine(opts ...Option) (*Engine, error) {
	cfg := resolveOptions(opts)
	if cfg.machine == nil {
		return nil, ErrNoMachine
	}
	if cfg.profile == nil {
		return nil, ErrNoGuestProfile
	}
	if cfg.jobs == nil {
		return nil, ErrNoJobChannel
	}

	e := &Engine{
		opts:       cfg,
		machine:    cfg.machine,
		profile:    cfg.profile,
		jobs:       cfg.jobs,
		logger:     loggerOrNoOp(cfg.logger),
		threads:    threadtable.New(cfg.sameKind),
		kernelMem:  memtracker.New(),
		userMem:    memtracker.New(),
		lockClocks: vclock.NewLockClocks(),
		races:      dpor.NewTable(),
		exp:        explorer.New(),
		est:        estimator.New(),
		traceDir:   "traces",
	}
	e.arb = arbiter.New(cfg.profile, cfg.maxYields, cfg.maxXchgs)
	e.race = dpor.NewEngine(e.races, cfg.profile.IsDRIgnored)
	e.tree, e.leaf = haxtree.NewTree(e.snapshot())
	e.loop = controlloop.New(
		controlloop.WithLogger(e.logger),
		controlloop.WithMetrics(true),
	)
	e.heapAtBranchStart = e.liveHeapSize()
	return e, nil
}

func (e *Engine) snapshot() haxtree.Snapshot {
	return haxtree.Snapshot{
		Threads:    e.threads.Clone(),
		KernelMem:  e.kernelMem.Clone(),
		UserMem:    e.userMem.Clone(),
		LockClocks: e.lockClocks.Clone(),
	}
}

func (e *Engine) liveHeapSize() uint32 {
	return e.kernelMem.LiveHeapSize() + e.userMem.LiveHeapSize()
}

// Start transitions the ControlLoop to running and acknowledges startup
// to the outer driver (spec.md §6, ThunderbirdsAreGo).
func (e *Engine) Start() error {
	if err := e.loop.Start(); err != nil {
		return err
	}
	e.startedAt = time.Now()
	return e.jobs.Send(ThunderbirdsAreGo{})
}

// Loop exposes the underlying ControlLoop, chiefly for Metrics() and
// Phase() introspection by callers and tests.
func (e *Engine) Loop() *controlloop.Loop { return e.loop }

// HandleEvent is the Machine's per-instruction callback into the core
// (spec.md §2's Flow paragraph): it is the one entry point every
// component update, PP detection, and branch-termination decision flows
// through. The ControlLoop's done/Resume protocol (DESIGN.md's
// internal/controlloop entry) models spec.md §4.7's "on abandoning a
// branch, the Explorer attempts another branch": each branch boundary is
// one Dispatch-done cycle, resumed immediately unless the whole tree is
// now all_explored.
func (e *Engine) HandleEvent(ev Event) error {
	if err := e.loop.Dispatch(func() (bool, error) {
		done, err := e.dispatch(ev)
		if err != nil {
			return false, &InvariantError{Op: "HandleEvent", Err: err}
		}
		return done, nil
	}); err != nil {
		return err
	}
	if e.loop.Phase() != controlloop.PhaseTerminating {
		return nil
	}
	if !e.explorationComplete {
		return e.loop.Resume()
	}
	if err := e.loop.Finish(); err != nil {
		return err
	}
	return e.machine.Quit(0)
}

// dispatch returns done == true exactly when the event just ended the
// current branch (clean exit, bug found, or no-progress), per spec.md
// §4.7. Whether exploration as a whole is finished is tracked separately
// in e.explorationComplete, decided inside endBranch.
func (e *Engine) dispatch(ev Event) (done bool, err error) {
	switch v := ev.(type) {
	case InstructionEvent:
		return e.onInstruction(v.EIP)
	case MemAccessEvent:
		return e.onMemAccess(v)
	case SyscallEvent:
		e.threads.Current().LastSyscall = v.Syscall
		return false, nil
	case AssertionFailureEvent:
		return e.onBugFound(v.Kind, v.Message)
	case BranchCompleteEvent:
		return e.onCleanExit()
	default:
		return false, fmt.Errorf("unknown event type %T", ev)
	}
}

func (e *Engine) onInstruction(eip uint32) (done bool, err error) {
	e.totalInstructions++
	e.instrSinceLastPP++

	if e.checkNoProgress() {
		return e.onBugFound(BugNoProgress, "no preemption point reached within the progress bound")
	}

	th := e.threads.Current()
	if err := e.applySchedulerAction(eip, th); err != nil {
		return false, err
	}

	voluntary := e.profile.IsVoluntaryReschedule(eip)
	decision := e.arb.Classify(eip, th, voluntary)
	if !decision.IsPP {
		return false, nil
	}
	return e.onPreemptionPoint(eip, decision)
}

// readTCBTID resolves the tid of the thread whose TCB pointer currently sits
// at GuestProfile.CurrentTCBAddr (spec.md §6's "current-TCB address" /
// "tid = tid_from_tcb(tcb_addr)"), the one mechanism a GuestProfile exposes
// for mapping a guest scheduling event back to a tid. ok is false when the
// profile hasn't configured CurrentTCBAddr/TIDFromTCB, e.g. in tests that
// drive the Engine with a single already-current thread.
func (e *Engine) readTCBTID() (tid uint32, ok bool, err error) {
	if e.profile.CurrentTCBAddr == 0 || e.profile.TIDFromTCB == nil {
		return 0, false, nil
	}
	raw, err := e.machine.ReadPhysMem(e.profile.CurrentTCBAddr, 4)
	if err != nil {
		return 0, false, err
	}
	if len(raw) < 4 {
		return 0, false, nil
	}
	return e.profile.TID(binary.LittleEndian.Uint32(raw)), true, nil
}

// applySchedulerAction routes a matched GuestProfile range to the
// corresponding ThreadTable/LockSet/MemTracker update (spec.md §4.1-§4.3).
// ContextSwitchEnd, RunqueueAdd, and RunqueueRemove each resolve the tid
// they operate on via readTCBTID rather than th.TID: the thread being
// switched to, woken, or descheduled is not generally ThreadTable's
// current thread at the instant its watched eip fires.
func (e *Engine) applySchedulerAction(eip uint32, th *threadtable.Thread) error {
	switch e.profile.Classify(eip) {
	case ActionThreadFork:
		e.threads.MarkForking()
	case ActionVanish:
		e.threads.MarkVanishing()
	case ActionSleep:
		e.threads.OnSleepEntering()
	case ActionTimerWrapBegin:
		e.threads.OnTimerEntering()
	case ActionTimerWrapEnd:
		e.threads.OnTimerExiting()
	case ActionContextSwitchBegin:
		e.threads.OnContextSwitchEntering()
	case ActionContextSwitchEnd:
		e.threads.OnContextSwitchExiting()
		tid, ok, err := e.readTCBTID()
		if err != nil {
			return err
		}
		if ok {
			e.threads.OnThreadSwitch(tid)
		}
	case ActionRunqueueAdd:
		tid, ok, err := e.readTCBTID()
		if err != nil {
			return err
		}
		if ok {
			e.threads.OnThreadRunnable(tid)
		}
	case ActionRunqueueRemove:
		tid, ok, err := e.readTCBTID()
		if err != nil {
			return err
		}
		if ok {
			e.threads.OnThreadDescheduling(tid)
		}
	case ActionSchedulerInitExit:
		// The bootstrap thread never passes through a watched
		// RunqueueAdd eip of its own; seed it onto the runqueue once
		// scheduler initialization finishes running.
		e.threads.OnThreadRunnable(th.TID)
	case ActionMutexLockEnter, ActionMutexUnlockEnter,
		ActionCondWaitEnter, ActionCondSignalEnter, ActionCondBroadcastEnter,
		ActionSemWaitEnter, ActionSemSignalEnter,
		ActionRWLockLockEnter, ActionRWLockUnlockEnter:
		th.Flags.InMutexOp = true
	case ActionMutexLockExit, ActionMutexUnlockExit,
		ActionCondWaitExit, ActionCondSignalExit, ActionCondBroadcastExit,
		ActionSemWaitExit, ActionSemSignalExit,
		ActionRWLockLockExit, ActionRWLockUnlockExit:
		th.Flags.InMutexOp = false
	}
	return nil
}

// checkNoProgress reports NO PROGRESS once the instructions executed since
// the last preemption point exceed noProgressN times the average number
// of instructions between preemption points observed so far.
func (e *Engine) checkNoProgress() bool {
	avg := uint64(1)
	if e.ppCount > 0 {
		avg = e.totalInstructions / e.ppCount
		if avg == 0 {
			avg = 1
		}
	}
	threshold := avg * uint64(e.opts.noProgressN)
	return e.instrSinceLastPP > threshold
}

func (e *Engine) onMemAccess(ev MemAccessEvent) (done bool, err error) {
	th := e.threads.Current()
	if th.Flags.AnySchedulerAction() || th.Flags.InMalloc || th.Flags.InFree {
		return false, nil
	}
	mt, loc := e.addressSpaceFor(ev.VA)
	locks := th.KernelLocks
	if e.profile.IsUserMemory(ev.VA) {
		locks = th.UserLocks
	}

	if chunk, ok := mt.LookupFreed(ev.PA); ok {
		verb := "read from"
		if ev.Write {
			verb = "write to"
		}
		return e.onBugFound(BugUseAfterFree, fmt.Sprintf(
			"%s freed address %#x (chunk %#x, allocated at %s, freed at %s)",
			verb, ev.PA, chunk.Base, formatStack(chunk.AllocStack), formatStack(chunk.FreeStack)))
	}

	mt.Record(ev.PA, ev.Write, locks, loc)
	return false, nil
}

// formatStack renders a captured guest call stack as a bracketed list of
// hex frame addresses, for inclusion in bug-report messages (spec.md §4.2,
// "the allocation stack trace, the free stack trace").
func formatStack(stack []uint32) string {
	if len(stack) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, frame := range stack {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%#x", frame)
	}
	b.WriteByte(']')
	return b.String()
}

func (e *Engine) addressSpaceFor(va uint32) (*memtracker.MemTracker, memtracker.CodeLocation) {
	loc := memtracker.CodeLocation{LastSyscall: e.threads.Current().LastSyscall}
	if e.profile.IsKernelMemory(va) {
		return e.kernelMem, loc
	}
	return e.userMem, loc
}

func (e *Engine) mergedAccesses() map[uint32]*memtracker.MemAccess {
	out := make(map[uint32]*memtracker.MemAccess, len(e.kernelMem.Accesses())+len(e.userMem.Accesses()))
	for addr, ma := range e.kernelMem.Accesses() {
		out[addr] = ma
	}
	for addr, ma := range e.userMem.Accesses() {
		out[addr] = ma
	}
	return out
}

func (e *Engine) runnableSet(excludeTID uint32) map[uint32]bool {
	out := make(map[uint32]bool)
	for _, tid := range e.threads.Runqueue() {
		if tid == excludeTID {
			continue
		}
		if th, ok := e.threads.Get(tid); ok && !e.arb.Blocked(th) {
			out[tid] = true
		}
	}
	return out
}

func (e *Engine) onPreemptionPoint(eip uint32, decision arbiter.Decision) (done bool, err error) {
	th := e.threads.Current()
	tid := th.TID

	if decision.Voluntary && e.hasLastPPEIP && e.lastPPEIP == eip {
		th.YieldCount++
	} else {
		th.YieldCount = 0
	}
	e.lastPPEIP, e.hasLastPPEIP = eip, true

	accesses := e.mergedAccesses()
	node := e.placeOrCreateChild(e.leaf, tid, eip, e.totalInstructions, decision.Voluntary)
	if decision.HasDataRaceEIP {
		node.MarkPreemptionPoint(decision.DataRaceEIP, true)
	}

	depth := e.leaf.Depth
	if depth < len(e.branch) {
		e.branch = e.branch[:depth]
	}
	e.branch = append(e.branch, transition{tid: tid, accesses: accesses, runnable: e.runnableSet(tid)})

	e.kernelMem.ResetPerPP()
	e.userMem.ResetPerPP()
	e.leaf = node
	e.ppCount++
	e.instrSinceLastPP = 0
	e.loop.RecordPreemptionPoint()

	path := e.tree.PathFromRoot(node)
	reports, reorderings := e.race.Scan(
		e.tree, path, tid, accesses,
		func(i int) (uint32, map[uint32]*memtracker.MemAccess, bool) {
			if i < 0 || i >= len(e.branch) {
				return 0, nil, false
			}
			return e.branch[i].tid, e.branch[i].accesses, true
		},
		func(i int, candidateTID uint32) bool {
			if i < 0 || i >= len(e.branch) {
				return false
			}
			return e.branch[i].runnable[candidateTID]
		},
	)
	for _, r := range reorderings {
		known := false
		for _, eip := range e.profile.SpeculativeDREIPs {
			known = known || eip == r.RaceEIPLater
		}
		if !known {
			e.profile.SpeculativeDREIPs = append(e.profile.SpeculativeDREIPs, r.RaceEIPLater)
		}
	}
	for _, r := range reports {
		if err := e.jobs.Send(DataRaceMsg{EIP: r.EIPLater, TID: tid, Confirmed: r.Confirmed}); err != nil {
			return false, err
		}
	}

	nextTID, ok := e.arb.ChooseNext(e.threads, tid, decision.Voluntary)
	if !ok {
		return e.onBugFound(BugDeadlock, "no runnable thread available at preemption point")
	}
	if nextTID != tid {
		if err := e.machine.InjectTimerInterrupt(true); err != nil {
			return false, err
		}
	}
	return false, nil
}

// placeOrCreateChild fills an existing DPOR-tagged sibling placeholder
// for tid under parent if one exists uncaptured, otherwise creates a
// fresh child. This keeps MarkedChildren accounting (spec.md §4.8)
// correct across repeated visits to a tagged-but-not-yet-taken sibling.
func (e *Engine) placeOrCreateChild(parent *haxtree.Node, tid uint32, eip uint32, totalInstr uint64, voluntary bool) *haxtree.Node {
	for _, c := range e.tree.Children(parent) {
		if c.IsPreemptionPoint && c.ChosenThread == tid && c.Captured.Threads == nil {
			c.EIP = eip
			c.TotalInstructions = totalInstr
			c.Voluntary = voluntary
			c.Captured = e.snapshot()
			return c
		}
	}
	return e.tree.NewChild(parent, tid, eip, totalInstr, voluntary, e.snapshot())
}

// onBugFound implements spec.md §7's guest-observed-bug row: write a
// trace, report FoundABug, terminate the branch, and move on unless
// configured to stop. It always ends the current branch, so it always
// returns done == true on success.
func (e *Engine) onBugFound(kind BugKind, message string) (done bool, err error) {
	filename, err := e.writeTrace(kind, message)
	if err != nil {
		return false, err
	}
	e.loop.RecordBugFound()
	if err := e.jobs.Send(FoundABugMsg{TraceFilename: filename, Kind: kind}); err != nil {
		return false, err
	}
	if err := e.endBranch(); err != nil {
		return false, err
	}
	return true, nil
}

// onCleanExit implements the clean-exit branch-termination case (spec.md
// §2): compare the branch's final live-heap size against its starting
// size and report a leak if it grew, then end the branch either way.
func (e *Engine) onCleanExit() (done bool, err error) {
	if live := e.liveHeapSize(); live > e.heapAtBranchStart {
		return e.onBugFound(BugLeak, fmt.Sprintf("leaked %d bytes", live-e.heapAtBranchStart))
	}
	if err := e.endBranch(); err != nil {
		return false, err
	}
	return true, nil
}

// writeTrace renders the current leaf's root-to-leaf path as the
// persistent ANSI trace plus an HTML twin (spec.md §6, SPEC_FULL §3).
func (e *Engine) writeTrace(kind BugKind, message string) (string, error) {
	if err := os.MkdirAll(e.traceDir, 0o755); err != nil {
		return "", err
	}
	e.nextTraceN++
	base := filepath.Join(e.traceDir, fmt.Sprintf("trace-%03d", e.nextTraceN))
	textPath, htmlPath := base+".txt", base+".html"

	f, err := os.Create(textPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	fmt.Fprintf(f, "%s: %s\n", kind, message)
	if err := haxtree.WriteTrace(f, e.tree, e.leaf); err != nil {
		return "", err
	}

	hf, err := os.Create(htmlPath)
	if err != nil {
		return "", err
	}
	defer hf.Close()
	fmt.Fprintf(hf, "<pre>%s: %s</pre>\n", kind, message)
	if err := haxtree.WriteTraceHTML(hf, e.tree, e.leaf); err != nil {
		return "", err
	}

	e.logger.Warning().Str("trace", textPath).Log("landslide: bug found")
	return textPath, nil
}

// endBranch implements spec.md §4.7/§9's branch-abandonment sequence:
// mark the leaf all_explored, propagate, record the branch's contribution
// to the Estimator, report progress, then ask the Explorer where to go
// next — rewinding there, or marking exploration complete if the tree is
// now fully explored (or the outer driver asked to abort). It never
// reports done itself; the caller (onBugFound/onCleanExit) always ends
// the branch it was invoked for.
func (e *Engine) endBranch() error {
	e.branchCount++
	e.exp.MarkTerminal(e.leaf)
	e.exp.Propagate(e.tree, e.leaf)
	elapsed := uint64(time.Since(e.startedAt).Microseconds())
	if prev := e.est.Estimate(e.tree).ElapsedMicros; elapsed > prev {
		elapsed -= prev
	} else {
		elapsed = 0
	}
	e.est.RecordBranch(e.tree, e.leaf, elapsed)

	snap := e.est.Estimate(e.tree)
	if err := e.jobs.Send(EstimateMsg{
		Proportion:    snap.Proportion,
		Branches:      snap.Branches,
		TotalMicros:   snap.TotalMicros,
		ElapsedMicros: snap.ElapsedMicros,
		P99LatencyUs:  snap.P99LatencyUs,
	}); err != nil {
		return err
	}

	if e.opts.stopOnFirst && e.loop.Metrics().BugsFound > 0 {
		e.explorationComplete = true
		return nil
	}
	if err := e.pollShouldContinue(); err != nil {
		return err
	}
	if e.stopped {
		e.explorationComplete = true
		return nil
	}

	ancestor, tid, found := e.exp.FindNext(e.tree, e.leaf)
	if !found {
		e.explorationComplete = true
		return nil
	}
	return e.rewindTo(ancestor, tid)
}

func (e *Engine) pollShouldContinue() error {
	if err := e.jobs.Send(ShouldContinueMsg{}); err != nil {
		return err
	}
	reply, err := e.jobs.Recv()
	if err != nil {
		return err
	}
	if r, ok := reply.(ShouldContinueReply); ok && r.Abort {
		e.stopped = true
	}
	return nil
}

// rewindTo implements Save/Restore's longjmp (spec.md §4.6): the Machine
// rewinds first, then component state is restored from the target node's
// captured snapshot, then the chosen sibling is queued with the Arbiter.
func (e *Engine) rewindTo(target *haxtree.Node, tid uint32) error {
	if target.Bookmark == nil {
		return ErrUnknownBookmark
	}
	if err := e.machine.RewindTo(target.Bookmark); err != nil {
		return err
	}
	e.threads = target.Captured.Threads.Clone()
	e.kernelMem = target.Captured.KernelMem.Clone()
	e.userMem = target.Captured.UserMem.Clone()
	e.lockClocks = target.Captured.LockClocks.Clone()
	e.arb.QueueChoice(tid)
	e.leaf = target
	e.instrSinceLastPP = 0
	e.heapAtBranchStart = e.liveHeapSize()
	depth := target.Depth
	if depth < len(e.branch) {
		e.branch = e.branch[:depth]
	}
	return nil
}

// BookmarkCurrent asks the Machine for a bookmark and attaches it to the
// current leaf, to be called by the Machine driver immediately after
// HandleEvent returns for a preemption-point InstructionEvent (spec.md
// §4.6: "at each PP, snapshot state and ask the Machine for a bookmark").
func (e *Engine) BookmarkCurrent() error {
	handle, err := e.machine.BookmarkHere()
	if err != nil {
		return err
	}
	e.leaf.Bookmark = handle
	return nil
}

// lockOp is the shared helper behind OnMutexLock and OnMutexUnlock: it
// routes an observed lock acquire/release through the current thread's
// LockSet and the LockClocks in one call, following the protocol
// described in spec.md §4.3.
func (e *Engine) lockOp(kind lockset.Kind, addr uint32, acquire bool, inUser bool) error {
	th := e.threads.Current()
	set := th.KernelLocks
	if inUser {
		set = th.UserLocks
	}
	if acquire {
		if err := set.Add(addr, kind); err != nil {
			return err
		}
		e.lockClocks.Acquire(addr, th.TID, th.Clock)
		return nil
	}
	set.Remove(addr, kind)
	e.lockClocks.Release(addr, th.TID, th.Clock)
	return nil
}

// OnMutexLock records a successful mutex acquisition by the current
// thread at addr (spec.md §4.3).
func (e *Engine) OnMutexLock(addr uint32, inUser bool) error {
	return e.lockOp(lockset.KindMutex, addr, true, inUser)
}

// OnMutexUnlock records a mutex release by the current thread at addr.
func (e *Engine) OnMutexUnlock(addr uint32, inUser bool) error {
	return e.lockOp(lockset.KindMutex, addr, false, inUser)
}

// OnAllocEnter routes a malloc-family entry through the right
// MemTracker for the current address space (spec.md §4.2).
func (e *Engine) OnAllocEnter(size uint32, inUser bool) error {
	th := e.threads.Current()
	th.Flags.InMalloc = true
	mt := e.kernelMem
	if inUser {
		mt = e.userMem
	}
	return mt.AllocEnter(th.TID, size, false)
}

// OnAllocExit completes an allocator call, attaching the current call
// stack (spec.md §4.2).
func (e *Engine) OnAllocExit(base uint32, stack []uint32, inUser bool) {
	th := e.threads.Current()
	th.Flags.InMalloc = false
	mt := e.kernelMem
	if inUser {
		mt = e.userMem
	}
	mt.AllocExit(th.TID, base, stack, false)
}

// OnFreeEnter routes a free-family entry through the right MemTracker and
// returns its local classification (spec.md §4.2). Pass the result to
// ClassifyFreeResult to resolve it into a bug report.
func (e *Engine) OnFreeEnter(base uint32, stack []uint32, inUser bool) (memtracker.FreeResult, error) {
	th := e.threads.Current()
	th.Flags.InFree = true
	mt := e.kernelMem
	if inUser {
		mt = e.userMem
	}
	return mt.FreeEnter(th.TID, base, stack), nil
}

// ClassifyFreeResult turns a FreeResult local to the current MemTracker
// into a bug report, walking ancestor snapshots when the address wasn't
// found locally (spec.md §4.2: "free of unallocated" requires checking
// that the chunk was never live anywhere up the branch, not just in the
// current MemTracker). The caller feeds the result back in as an
// AssertionFailureEvent via HandleEvent, since only HandleEvent may end a
// branch.
func (e *Engine) ClassifyFreeResult(base uint32, r memtracker.FreeResult, inUser bool) (kind BugKind, message string, isBug bool) {
	switch {
	case r.DoubleFree != nil:
		return BugDoubleFree, fmt.Sprintf("double free of %#x", base), true
	case r.InteriorPointer != nil:
		return BugInteriorPointerFree, fmt.Sprintf("free of interior pointer %#x (chunk base %#x)", base, r.InteriorPointer.Base), true
	case r.NeedsAncestorSearch:
		for _, n := range e.tree.Ancestors(e.leaf) {
			mt := n.Captured.KernelMem
			if inUser {
				mt = n.Captured.UserMem
			}
			if mt == nil {
				continue
			}
			if _, ok := mt.LookupFreed(base); ok {
				return BugDoubleFree, fmt.Sprintf("double free of %#x (freed on an ancestor branch)", base), true
			}
		}
		return BugFreeOfUnallocated, fmt.Sprintf("free of never-allocated address %#x", base), true
	default:
		return 0, "", false
	}
}

// OnFreeExit clears the current thread's in-free flag.
func (e *Engine) OnFreeExit(inUser bool) {
	th := e.threads.Current()
	th.Flags.InFree = false
	mt := e.kernelMem
	if inUser {
		mt = e.userMem
	}
	mt.FreeExit(th.TID)
}
