package landslide

// Register names a guest CPU register the core reads or writes directly
// (spec.md §6).
type Register string

// BookmarkHandle is an opaque value returned by Machine.BookmarkHere that
// lets the engine later rewind execution to the exact state at which it
// was taken (spec.md §6, Bookmark in the GLOSSARY). The core never
// inspects its contents — it is stored on the Hax node that requested it
// (internal/haxtree.Node.Bookmark) and handed back verbatim to RewindTo.
type BookmarkHandle any

// Machine is the simulator the engine drives: one CPU, one memory,
// deliberately excluded from the core per spec.md §1 and accessed only
// through this interface (spec.md §6). Implementations are expected to
// call back into the engine's per-instruction entry point
// (Engine.HandleEvent) once per executed instruction; everything below is
// what the engine, in turn, is allowed to ask the Machine to do.
type Machine interface {
	// ReadRegister/WriteRegister access guest CPU register state.
	ReadRegister(name Register) (uint32, error)
	WriteRegister(name Register, value uint32) error

	// ReadPhysMem/WritePhysMem access guest physical memory directly.
	ReadPhysMem(addr uint32, length int) ([]byte, error)
	WritePhysMem(addr uint32, data []byte) error

	// ReadByte reads one byte of guest memory via a page-table walk,
	// for user-space virtual addresses (spec.md §6).
	ReadByte(va uint32) (byte, error)

	// InjectTimerInterrupt synthesizes a timer frame and redirects
	// execution to the guest's timer-handler entry point. immediate
	// selects immediate-frame-injection over the stall-cycle variant
	// (spec.md §6).
	InjectTimerInterrupt(immediate bool) error

	// InjectKeypress synthesizes a keyboard interrupt delivering ch, used
	// to trigger the initial test case (spec.md §6).
	InjectKeypress(ch byte) error

	// DelayInstructionByOne inserts a jump-to-self bridge, deferring an
	// otherwise-impending preemption point by one instruction (spec.md
	// §6) — used when the engine needs one more instruction's worth of
	// information before committing to a scheduling decision.
	DelayInstructionByOne() error

	// BookmarkHere captures the Machine's full state so a later RewindTo
	// can restore exactly this point (spec.md §6, §9 "exceptions/panics
	// for control flow": the rewind is an explicit API boundary, not
	// exception-based control flow).
	BookmarkHere() (BookmarkHandle, error)

	// RewindTo restores the Machine to the state captured by handle.
	// Machine-rewind must complete before the engine mutates any of its
	// own component state in response (spec.md §5).
	RewindTo(handle BookmarkHandle) error

	// BreakSimulation halts the simulator without exiting the host
	// process, e.g. to hand control to an attached debugger.
	BreakSimulation() error

	// Quit terminates the simulator process with exitCode (spec.md §6
	// exit codes: 0 no bug, 1 bug found, 2 usage error, 3 crashed).
	Quit(exitCode int) error
}
