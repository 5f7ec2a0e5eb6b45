package threadtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentCreatesInitialThread(t *testing.T) {
	tb := New(nil)
	th := tb.Current()
	require.NotNil(t, th)
	assert.Equal(t, StatusRunning, th.Status)
}

func TestForkCreatesChildOnRunnable(t *testing.T) {
	tb := New(nil)
	tb.Current() // tid 0
	tb.MarkForking()
	child := tb.OnThreadRunnable(1)
	require.NotNil(t, child)
	assert.Equal(t, StatusRunnable, child.Status)
	assert.Contains(t, tb.Runqueue(), uint32(1))
}

func TestDeschedulingMovesToDeschedQueue(t *testing.T) {
	tb := New(nil)
	tb.Current()
	tb.MarkForking()
	tb.OnThreadRunnable(1)
	tb.OnThreadDescheduling(1)
	th, ok := tb.Get(1)
	require.True(t, ok)
	assert.Equal(t, StatusDescheduled, th.Status)
	assert.NotContains(t, tb.Runqueue(), uint32(1))
}

func TestVanishingRemovesButRetainsUntilNextSwitch(t *testing.T) {
	tb := New(nil)
	tb.Current()
	tb.MarkForking()
	tb.OnThreadRunnable(1)
	tb.OnThreadSwitch(1)

	tb.MarkVanishing()
	tb.OnThreadDescheduling(1)
	th, ok := tb.Get(1)
	require.True(t, ok, "delayed free: thread retained immediately after vanish")
	assert.Equal(t, StatusVanished, th.Status)

	tb.OnThreadSwitch(0)
	_, ok = tb.Get(1)
	assert.False(t, ok, "reaped once another thread is observed running")
}

func TestThreadSwitchToKnownRunnable(t *testing.T) {
	tb := New(nil)
	tb.Current()
	tb.MarkForking()
	tb.OnThreadRunnable(1)
	tb.OnThreadSwitch(1)
	th, _ := tb.Get(1)
	assert.Equal(t, StatusRunning, th.Status)
}

func TestSleepMovesOffRunqueue(t *testing.T) {
	tb := New(nil)
	tb.Current()
	tb.OnSleepEntering()
	th, _ := tb.Get(0)
	assert.Equal(t, StatusSleeping, th.Status)
	assert.NotContains(t, tb.Runqueue(), uint32(0))
}

func TestActionFlagsToggle(t *testing.T) {
	tb := New(nil)
	tb.OnTimerEntering()
	assert.True(t, tb.Current().Flags.InTimer)
	assert.True(t, tb.Current().Flags.AnySchedulerAction())
	tb.OnTimerExiting()
	assert.False(t, tb.Current().Flags.InTimer)
}

func TestCloneIsIndependent(t *testing.T) {
	tb := New(nil)
	tb.Current()
	clone := tb.Clone()

	tb.MarkForking()
	tb.OnThreadRunnable(5)

	_, onOriginal := tb.Get(5)
	_, onClone := clone.Get(5)
	assert.True(t, onOriginal)
	assert.False(t, onClone)
}

func TestCloneDeepCopiesLockSets(t *testing.T) {
	tb := New(nil)
	th := tb.Current()
	require.NoError(t, th.KernelLocks.Add(0x1000, 0))

	clone := tb.Clone()
	cloneTh, _ := clone.Get(0)
	require.NoError(t, cloneTh.KernelLocks.Add(0x2000, 0))

	assert.Equal(t, 1, th.KernelLocks.Len())
	assert.Equal(t, 2, cloneTh.KernelLocks.Len())
}
