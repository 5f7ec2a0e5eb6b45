package explorer

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

func TestFindNextPicksTaggedUnexploredSibling(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	child := tree.NewChild(root, 1, 0x1000, 10, false, freshSnapshot())
	tree.TagSibling(root, 2, 0xdead, true)

	e := New()
	ancestor, tid, found := e.FindNext(tree, child)
	require.True(t, found)
	assert.Equal(t, root.ID, ancestor.ID)
	assert.Equal(t, uint32(2), tid)
}

func TestFindNextReturnsFalseWhenNothingUntaken(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	child := tree.NewChild(root, 1, 0x1000, 10, false, freshSnapshot())

	e := New()
	_, _, found := e.FindNext(tree, child)
	assert.False(t, found)
}

func TestPropagateMarksParentExploredWhenAllChildrenDone(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	child := tree.NewChild(root, 1, 0x1000, 10, false, freshSnapshot())

	e := New()
	e.MarkTerminal(child)
	e.Propagate(tree, child)
	assert.True(t, root.AllExplored)
}

func TestPropagateStopsAtUnfinishedSibling(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	child := tree.NewChild(root, 1, 0x1000, 10, false, freshSnapshot())
	tagged := tree.TagSibling(root, 2, 0xdead, true)
	_ = tagged

	e := New()
	e.MarkTerminal(child)
	e.Propagate(tree, child)
	assert.False(t, root.AllExplored, "root not done while the tagged sibling is unexplored")
}

func TestCompleteReflectsRootState(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	e := New()
	assert.False(t, e.Complete(tree))
	e.MarkTerminal(root)
	assert.True(t, e.Complete(tree))
}

func TestFullExplorationConvergesOnRootAllExplored(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	child := tree.NewChild(root, 1, 0x1000, 10, false, freshSnapshot())
	tagged := tree.TagSibling(root, 2, 0xdead, true)

	e := New()
	e.MarkTerminal(child)
	e.Propagate(tree, child)
	require.False(t, e.Complete(tree))

	e.MarkTerminal(tagged)
	e.Propagate(tree, tagged)
	assert.True(t, e.Complete(tree))
}
