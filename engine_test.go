package landslide_test

import (
	"testing"

	"github.com/bblum/landslide-simics-sub000/internal/controlloop"
	"github.com/bblum/landslide-simics-sub000/internal/testmachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bblum/landslide-simics-sub000"
)

// fakeJobs is a deterministic JobChannel recording everything sent and
// answering ShouldContinueMsg with a canned reply.
type fakeJobs struct {
	sent  []landslide.JobMessage
	abort bool
}

func (f *fakeJobs) Send(msg landslide.JobMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeJobs) Recv() (landslide.JobMessage, error) {
	return landslide.ShouldContinueReply{Abort: f.abort}, nil
}

func (f *fakeJobs) foundBugs() []landslide.FoundABugMsg {
	var out []landslide.FoundABugMsg
	for _, m := range f.sent {
		if b, ok := m.(landslide.FoundABugMsg); ok {
			out = append(out, b)
		}
	}
	return out
}

func newTestProfile() *landslide.GuestProfile {
	p := landslide.NewGuestProfile()
	p.Scheduler.Sleep = landslide.EIPRange{Low: 100, High: 101}
	p.KernelMemory = func(addr uint32) bool { return addr < 0x1000 }
	return p.Compile()
}

func newTestEngine(t *testing.T, jobs *fakeJobs) (*landslide.Engine, *testmachine.Machine) {
	t.Helper()
	m := testmachine.New()
	e, err := landslide.NewEngine(
		landslide.WithMachine(m),
		landslide.WithGuestProfile(newTestProfile()),
		landslide.WithJobChannel(jobs),
	)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	return e, m
}

func TestNewEngineRequiresMachineProfileAndJobs(t *testing.T) {
	_, err := landslide.NewEngine()
	assert.ErrorIs(t, err, landslide.ErrNoMachine)

	_, err = landslide.NewEngine(landslide.WithMachine(testmachine.New()))
	assert.ErrorIs(t, err, landslide.ErrNoGuestProfile)

	_, err = landslide.NewEngine(
		landslide.WithMachine(testmachine.New()),
		landslide.WithGuestProfile(newTestProfile()),
	)
	assert.ErrorIs(t, err, landslide.ErrNoJobChannel)
}

func TestEngineCleanExitWithNoForksEndsExploration(t *testing.T) {
	jobs := &fakeJobs{}
	e, m := newTestEngine(t, jobs)

	require.NoError(t, e.HandleEvent(landslide.InstructionEvent{EIP: 100}))
	require.NoError(t, e.BookmarkCurrent())

	require.NoError(t, e.HandleEvent(landslide.BranchCompleteEvent{}))

	assert.True(t, m.Quit_)
	assert.Equal(t, 0, m.QuitCode)
	assert.Empty(t, jobs.foundBugs())

	var sawEstimate bool
	for _, msg := range jobs.sent {
		if _, ok := msg.(landslide.EstimateMsg); ok {
			sawEstimate = true
		}
	}
	assert.True(t, sawEstimate)
}

func TestEngineAssertionFailureReportsBugAndEndsBranch(t *testing.T) {
	jobs := &fakeJobs{}
	e, m := newTestEngine(t, jobs)

	require.NoError(t, e.HandleEvent(landslide.InstructionEvent{EIP: 100}))
	require.NoError(t, e.BookmarkCurrent())

	require.NoError(t, e.HandleEvent(landslide.AssertionFailureEvent{
		Kind:    landslide.BugUserspacePanic,
		Message: "kernel.c:42 assertion failed",
	}))

	bugs := jobs.foundBugs()
	require.Len(t, bugs, 1)
	assert.Equal(t, landslide.BugUserspacePanic, bugs[0].Kind)
	assert.NotEmpty(t, bugs[0].TraceFilename)
	assert.True(t, m.Quit_)
}

func TestEngineStopOnFirstBugEndsExplorationImmediately(t *testing.T) {
	jobs := &fakeJobs{}
	m := testmachine.New()
	e, err := landslide.NewEngine(
		landslide.WithMachine(m),
		landslide.WithGuestProfile(newTestProfile()),
		landslide.WithJobChannel(jobs),
		landslide.WithStopOnFirstBug(true),
	)
	require.NoError(t, err)
	require.NoError(t, e.Start())

	require.NoError(t, e.HandleEvent(landslide.InstructionEvent{EIP: 100}))
	require.NoError(t, e.BookmarkCurrent())
	require.NoError(t, e.HandleEvent(landslide.AssertionFailureEvent{Kind: landslide.BugDeadlock, Message: "boom"}))

	assert.Equal(t, controlloop.PhaseTerminated, e.Loop().Phase())
	assert.True(t, m.Quit_)
}

func TestEngineAbortViaJobChannelEndsExploration(t *testing.T) {
	jobs := &fakeJobs{abort: true}
	e, m := newTestEngine(t, jobs)

	require.NoError(t, e.HandleEvent(landslide.InstructionEvent{EIP: 100}))
	require.NoError(t, e.BookmarkCurrent())
	require.NoError(t, e.HandleEvent(landslide.BranchCompleteEvent{}))

	assert.True(t, m.Quit_)
	assert.Equal(t, controlloop.PhaseTerminated, e.Loop().Phase())
}

func TestEngineMutexLockUnlockRoundTrips(t *testing.T) {
	jobs := &fakeJobs{}
	e, _ := newTestEngine(t, jobs)

	require.NoError(t, e.OnMutexLock(0x2000, true))
	require.NoError(t, e.OnMutexUnlock(0x2000, true))
}

func TestEngineAllocAndFreeRoundTrip(t *testing.T) {
	jobs := &fakeJobs{}
	e, _ := newTestEngine(t, jobs)

	require.NoError(t, e.OnAllocEnter(16, true))
	e.OnAllocExit(0x3000, nil, true)

	result, err := e.OnFreeEnter(0x3000, nil, true)
	require.NoError(t, err)
	assert.True(t, result.OK)
	e.OnFreeExit(true)

	_, _, isBug := e.ClassifyFreeResult(0x3000, result, true)
	assert.False(t, isBug)
}

func TestEngineDoubleFreeIsClassifiedAsBug(t *testing.T) {
	jobs := &fakeJobs{}
	e, _ := newTestEngine(t, jobs)

	require.NoError(t, e.OnAllocEnter(16, true))
	e.OnAllocExit(0x4000, nil, true)
	_, err := e.OnFreeEnter(0x4000, nil, true)
	require.NoError(t, err)
	e.OnFreeExit(true)

	result, err := e.OnFreeEnter(0x4000, nil, true)
	require.NoError(t, err)
	kind, msg, isBug := e.ClassifyFreeResult(0x4000, result, true)
	assert.True(t, isBug)
	assert.Equal(t, landslide.BugDoubleFree, kind)
	assert.NotEmpty(t, msg)
}

func TestEngineReadFromFreedAddressIsUseAfterFree(t *testing.T) {
	jobs := &fakeJobs{}
	e, _ := newTestEngine(t, jobs)

	require.NoError(t, e.OnAllocEnter(16, true))
	e.OnAllocExit(0x5000, []uint32{0x100}, true)
	result, err := e.OnFreeEnter(0x5000, []uint32{0x200}, true)
	require.NoError(t, err)
	require.True(t, result.OK)
	e.OnFreeExit(true)

	require.NoError(t, e.HandleEvent(landslide.MemAccessEvent{PA: 0x5000, VA: 0x5000, Write: false}))

	bugs := jobs.foundBugs()
	require.Len(t, bugs, 1)
	assert.Equal(t, landslide.BugUseAfterFree, bugs[0].Kind)
}

func TestEngineWriteToFreedAddressIsUseAfterFree(t *testing.T) {
	jobs := &fakeJobs{}
	e, _ := newTestEngine(t, jobs)

	require.NoError(t, e.OnAllocEnter(16, true))
	e.OnAllocExit(0x6000, []uint32{0x100}, true)
	result, err := e.OnFreeEnter(0x6000, []uint32{0x200}, true)
	require.NoError(t, err)
	require.True(t, result.OK)
	e.OnFreeExit(true)

	require.NoError(t, e.HandleEvent(landslide.MemAccessEvent{PA: 0x6000, VA: 0x6000, Write: true}))

	bugs := jobs.foundBugs()
	require.Len(t, bugs, 1)
	assert.Equal(t, landslide.BugUseAfterFree, bugs[0].Kind)
}

func TestDefaultLoggerIsUsable(t *testing.T) {
	logger := landslide.DefaultLogger()
	require.NotNil(t, logger)
}
