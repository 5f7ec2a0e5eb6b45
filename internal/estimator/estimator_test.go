package estimator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bblum/landslide-simics-sub000/internal/haxtree"
	"github.com/bblum/landslide-simics-sub000/internal/memtracker"
	"github.com/bblum/landslide-simics-sub000/internal/threadtable"
	"github.com/bblum/landslide-simics-sub000/internal/vclock"
)

func freshSnapshot() haxtree.Snapshot {
	return haxtree.Snapshot{
		Threads:    threadtable.New(nil),
		KernelMem:  memtracker.New(),
		UserMem:    memtracker.New(),
		LockClocks: vclock.NewLockClocks(),
	}
}

func TestQuantileEstimatorTracksApproximateMedian(t *testing.T) {
	qe := newQuantileEstimator(0.5)
	for i := 1; i <= 1000; i++ {
		qe.Update(float64(i))
	}
	med := qe.Quantile()
	assert.InDelta(t, 500, med, 50)
}

func TestRecordBranchSingleChildAccumulatesFullWeight(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	child := tree.NewChild(root, 1, 0x1000, 10, false, freshSnapshot())

	e := New()
	e.RecordBranch(tree, child, 100)

	assert.InDelta(t, 1.0, root.Proportion, 1e-9)
	assert.InDelta(t, 1.0, child.Proportion, 1e-9)
	assert.Equal(t, uint64(100), root.CumulativeMicros)
}

func TestRecordBranchSplitsWeightAcrossTaggedSiblings(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	childA := tree.NewChild(root, 1, 0x1000, 10, false, freshSnapshot())
	tree.TagSibling(root, 2, 0xdead, true)

	e := New()
	e.RecordBranch(tree, childA, 100)

	assert.InDelta(t, 0.5, root.Proportion, 1e-9, "two marked children: each leaf worth half")
}

func TestEstimateProjectsTotalFromProportion(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	child := tree.NewChild(root, 1, 0x1000, 10, false, freshSnapshot())

	e := New()
	e.RecordBranch(tree, child, 100)

	snap := e.Estimate(tree)
	require.Equal(t, uint64(1), snap.Branches)
	assert.InDelta(t, 1.0, snap.Proportion, 1e-9)
	assert.Equal(t, uint64(100), snap.TotalMicros)
}

func TestEstimateZeroProportionYieldsNoProjection(t *testing.T) {
	tree, _ := haxtree.NewTree(freshSnapshot())
	e := New()
	snap := e.Estimate(tree)
	assert.Equal(t, uint64(0), snap.TotalMicros)
}
