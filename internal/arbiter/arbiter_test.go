package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bblum/landslide-simics-sub000/internal/threadtable"
)

type fakeProfile struct {
	watched    []Range
	whitelist  []Range
	blacklist  []Range
	specEIPs   []uint32
	mask       []uint32
}

func (p fakeProfile) WatchedRanges() []Range             { return p.watched }
func (p fakeProfile) Whitelist() []Range                 { return p.whitelist }
func (p fakeProfile) Blacklist() []Range                 { return p.blacklist }
func (p fakeProfile) SpeculativeDataRaceEIPs() []uint32   { return p.specEIPs }
func (p fakeProfile) ExplicitMask() []uint32              { return p.mask }

func TestClassifyWatchedRangeIsPP(t *testing.T) {
	p := fakeProfile{watched: []Range{{Low: 0x1000, High: 0x1010}}}
	a := New(p, 0, 0)
	th := &threadtable.Thread{}
	d := a.Classify(0x1004, th, false)
	assert.True(t, d.IsPP)
}

func TestClassifyOutsideWatchedRangeIsNotPP(t *testing.T) {
	p := fakeProfile{watched: []Range{{Low: 0x1000, High: 0x1010}}}
	a := New(p, 0, 0)
	th := &threadtable.Thread{}
	d := a.Classify(0x2000, th, false)
	assert.False(t, d.IsPP)
}

func TestClassifySchedulerInternalNeverPP(t *testing.T) {
	p := fakeProfile{watched: []Range{{Low: 0x1000, High: 0x1010}}}
	a := New(p, 0, 0)
	th := &threadtable.Thread{}
	th.Flags.InContextSwitch = true
	d := a.Classify(0x1004, th, false)
	assert.False(t, d.IsPP)
}

func TestClassifyVoluntaryRescheduleIsPP(t *testing.T) {
	p := fakeProfile{}
	a := New(p, 0, 0)
	th := &threadtable.Thread{}
	d := a.Classify(0x9999, th, true)
	assert.True(t, d.IsPP)
	assert.True(t, d.Voluntary)
}

func TestClassifyBlacklistSuppressesWatched(t *testing.T) {
	p := fakeProfile{
		watched:   []Range{{Low: 0x1000, High: 0x2000}},
		blacklist: []Range{{Low: 0x1000, High: 0x2000}},
	}
	a := New(p, 0, 0)
	th := &threadtable.Thread{}
	d := a.Classify(0x1500, th, false)
	assert.False(t, d.IsPP)
}

func TestClassifySpeculativeDataRaceEIP(t *testing.T) {
	p := fakeProfile{specEIPs: []uint32{0xcafe}}
	a := New(p, 0, 0)
	th := &threadtable.Thread{}
	d := a.Classify(0xcafe, th, false)
	assert.True(t, d.IsPP)
	assert.True(t, d.HasDataRaceEIP)
	assert.Equal(t, uint32(0xcafe), d.DataRaceEIP)
}

func TestChooseNextPrefersQueuedChoice(t *testing.T) {
	a := New(fakeProfile{}, 0, 0)
	tb := threadtable.New(nil)
	tb.Current()
	a.QueueChoice(42)
	tid, ok := a.ChooseNext(tb, 0, false)
	require.True(t, ok)
	assert.Equal(t, uint32(42), tid)
}

func TestChooseNextContinuesCurrentOnVoluntary(t *testing.T) {
	a := New(fakeProfile{}, 0, 0)
	tb := threadtable.New(nil)
	tb.Current()
	tid, ok := a.ChooseNext(tb, 0, true)
	require.True(t, ok)
	assert.Equal(t, uint32(0), tid)
}

func TestChooseNextFallsBackToFirstRunnable(t *testing.T) {
	a := New(fakeProfile{}, 0, 0)
	tb := threadtable.New(nil)
	tb.Current()
	tb.MarkForking()
	tb.OnThreadRunnable(1)
	tid, ok := a.ChooseNext(tb, 0, false)
	require.True(t, ok)
	assert.Equal(t, uint32(1), tid)
}

func TestBlockedAfterTooManyYields(t *testing.T) {
	a := New(fakeProfile{}, 2, 2)
	th := &threadtable.Thread{YieldCount: 2}
	assert.True(t, a.Blocked(th))
}

func TestChooseNextSkipsBlockedThread(t *testing.T) {
	a := New(fakeProfile{}, 1, 1)
	tb := threadtable.New(nil)
	cur := tb.Current()
	cur.YieldCount = 5
	tb.MarkForking()
	tb.OnThreadRunnable(1)

	tid, ok := a.ChooseNext(tb, 0, false)
	require.True(t, ok)
	assert.Equal(t, uint32(1), tid)
}
