// Command landslide is a thin CLI wrapper around the exploration engine.
// It owns flag parsing, process exit codes, and a minimal stdout
// JobChannel; everything else is in the root package. A production
// build wires WithMachine to a Simics client module driving real guest
// instructions; that bridge lives outside this repository (spec.md §1
// excludes the simulator from the core), so -self-test below drives a
// tiny in-memory scenario instead, to prove the wiring end to end.
package main

import (
	"flag"
	"fmt"
	"os"

	landslide "github.com/bblum/landslide-simics-sub000"
	"github.com/bblum/landslide-simics-sub000/internal/testmachine"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run parses flags, builds an Engine, drives it, and returns the process
// exit code (spec.md §6: 0 no bug, 1 bug found, 2 usage error, 3
// crashed).
func run(args []string) int {
	fs := flag.NewFlagSet("landslide", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -self-test [flags]\n", os.Args[0])
		fs.PrintDefaults()
	}

	selfTest := fs.Bool("self-test", false, "run a tiny in-memory scenario instead of requiring a Simics Machine")
	stopOnFirst := fs.Bool("stop-on-first-bug", false, "stop exploring after the first bug is found")
	maxYields := fs.Int("max-yields", 0, "consecutive-yield threshold before a thread is blocked (0 = spec default)")
	maxXchgs := fs.Int("max-xchgs", 0, "consecutive-xchg threshold before a thread is blocked (0 = spec default)")
	noProgressN := fs.Int("no-progress-multiplier", 0, "instructions-since-last-PP multiplier before NO PROGRESS fires (0 = spec default)")
	quietLog := fs.Bool("quiet-log", false, "disable the stumpy-backed structured logger")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 || !*selfTest {
		fs.Usage()
		return 2
	}

	jobs := &stdoutJobChannel{}
	opts := []landslide.Option{
		landslide.WithMachine(testmachine.New()),
		landslide.WithGuestProfile(selfTestProfile()),
		landslide.WithJobChannel(jobs),
		landslide.WithStopOnFirstBug(*stopOnFirst),
	}
	if *maxYields > 0 {
		opts = append(opts, landslide.WithMaxYields(*maxYields))
	}
	if *maxXchgs > 0 {
		opts = append(opts, landslide.WithMaxXchgs(*maxXchgs))
	}
	if *noProgressN > 0 {
		opts = append(opts, landslide.WithNoProgressMultiplier(*noProgressN))
	}
	if !*quietLog {
		opts = append(opts, landslide.WithLogger(landslide.DefaultLogger()))
	}

	engine, err := landslide.NewEngine(opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "landslide:", err)
		return 2
	}
	if err := engine.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "landslide:", err)
		return 3
	}

	if err := engine.HandleEvent(landslide.InstructionEvent{EIP: selfTestSleepEIP}); err != nil {
		fmt.Fprintln(os.Stderr, "landslide:", err)
		return 3
	}
	if err := engine.BookmarkCurrent(); err != nil {
		fmt.Fprintln(os.Stderr, "landslide:", err)
		return 3
	}
	if err := engine.HandleEvent(landslide.BranchCompleteEvent{}); err != nil {
		fmt.Fprintln(os.Stderr, "landslide:", err)
		return 3
	}

	if jobs.bugsFound > 0 {
		return 1
	}
	return 0
}

// selfTestSleepEIP is the single voluntary-reschedule eip the -self-test
// scenario's lone instruction triggers, driving one preemption point and
// a clean exit through the full component chain.
const selfTestSleepEIP = 0x1000

func selfTestProfile() *landslide.GuestProfile {
	p := landslide.NewGuestProfile()
	p.Scheduler.Sleep = landslide.EIPRange{Low: selfTestSleepEIP, High: selfTestSleepEIP + 1}
	p.KernelMemory = landslide.FixedAddressSplit(0) // everything is user memory
	return p.Compile()
}

// stdoutJobChannel is the minimal JobChannel a standalone CLI run uses
// absent the outer iterative-deepening driver spec.md §1 excludes from
// this repository: it prints bug, data-race, progress-estimate and
// startup messages to stdout, ignores every other message, and never asks
// the run to abort.
type stdoutJobChannel struct {
	bugsFound int
}

func (c *stdoutJobChannel) Send(msg landslide.JobMessage) error {
	switch m := msg.(type) {
	case landslide.FoundABugMsg:
		c.bugsFound++
		fmt.Printf("FOUND A BUG: %s (%s)\n", m.Kind, m.TraceFilename)
	case landslide.DataRaceMsg:
		fmt.Printf("DATA RACE: eip=%#x tid=%d confirmed=%v\n", m.EIP, m.TID, m.Confirmed)
	case landslide.EstimateMsg:
		fmt.Printf("progress: %.2f%% (%d branches, p99 %.0fus/branch)\n", m.Proportion*100, m.Branches, m.P99LatencyUs)
	case landslide.ThunderbirdsAreGo:
		fmt.Println("landslide: engine started")
	}
	return nil
}

func (c *stdoutJobChannel) Recv() (landslide.JobMessage, error) {
	return landslide.ShouldContinueReply{Abort: false}, nil
}
