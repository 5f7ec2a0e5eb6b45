package dpor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bblum/landslide-simics-sub000/internal/haxtree"
	"github.com/bblum/landslide-simics-sub000/internal/lockset"
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

func accessSet(addr uint32, write bool, eip uint32, interruptsOn bool) map[uint32]*memtracker.MemAccess {
	return map[uint32]*memtracker.MemAccess{
		addr: {
			Addr:      addr,
			AnyWrites: write,
			Count:     1,
			Records: []memtracker.LocksetAtAccess{
				{
					Locks: lockset.New(nil),
					Loc:   memtracker.CodeLocation{EIP: eip, InterruptsOn: interruptsOn},
					Chunk: memtracker.ChunkInfo{},
				},
			},
		},
	}
}

func TestObserveConfirmsOnInverseOrdering(t *testing.T) {
	tbl := NewTable()
	_, confirmed := tbl.Observe(0x100, 0x200)
	assert.False(t, confirmed)
	_, confirmed = tbl.Observe(0x200, 0x100)
	assert.True(t, confirmed)
}

func TestObserveSamePairTwiceDoesNotReconfirm(t *testing.T) {
	tbl := NewTable()
	tbl.Observe(0x100, 0x200)
	tbl.Observe(0x200, 0x100)
	_, confirmed := tbl.Observe(0x100, 0x200)
	assert.False(t, confirmed)
}

func TestScanSkipsSameThreadTransitions(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	child := tree.NewChild(root, 1, 0x1000, 10, false, freshSnapshot())
	path := []*haxtree.Node{root, child}

	newAccesses := accessSet(0x500, true, 0xbeef, true)
	eng := NewEngine(NewTable(), nil)
	reports, reorderings := eng.Scan(tree, path, 1, newAccesses,
		func(depth int) (uint32, map[uint32]*memtracker.MemAccess, bool) {
			return 1, accessSet(0x500, true, 0xdead, true), true
		}, nil)
	assert.Empty(t, reports)
	assert.Empty(t, reorderings)
	assert.False(t, child.Conflicts[0])
}

func TestScanMarksHappensBeforeWhenNoConflict(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	child := tree.NewChild(root, 2, 0x1000, 10, false, freshSnapshot())
	path := []*haxtree.Node{root, child}

	newAccesses := accessSet(0x500, true, 0xbeef, true)
	eng := NewEngine(NewTable(), nil)
	eng.Scan(tree, path, 2, newAccesses,
		func(depth int) (uint32, map[uint32]*memtracker.MemAccess, bool) {
			return 1, accessSet(0x600, true, 0xdead, true), true
		}, nil)
	assert.True(t, child.HappensBefore[0])
}

func TestScanDetectsConflictAndTagsReordering(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	child := tree.NewChild(root, 2, 0x1000, 10, false, freshSnapshot())
	path := []*haxtree.Node{root, child}

	newAccesses := accessSet(0x500, true, 0xbeef, true)
	eng := NewEngine(NewTable(), nil)
	reports, reorderings := eng.Scan(tree, path, 2, newAccesses,
		func(depth int) (uint32, map[uint32]*memtracker.MemAccess, bool) {
			return 1, accessSet(0x500, true, 0xdead, true), true
		},
		func(depth int, tid uint32) bool { return true })

	require.Empty(t, reports, "first ordering is only suspected, not confirmed yet")
	require.Len(t, reorderings, 1)
	assert.Equal(t, uint32(1), reorderings[0].TID)
	assert.True(t, child.Conflicts[0])
}

func TestScanIgnoresDRIgnoredRanges(t *testing.T) {
	tree, root := haxtree.NewTree(freshSnapshot())
	child := tree.NewChild(root, 2, 0x1000, 10, false, freshSnapshot())
	path := []*haxtree.Node{root, child}

	newAccesses := accessSet(0x500, true, 0xbeef, true)
	eng := NewEngine(NewTable(), func(eip uint32) bool { return eip == 0xbeef })
	_, reorderings := eng.Scan(tree, path, 2, newAccesses,
		func(depth int) (uint32, map[uint32]*memtracker.MemAccess, bool) {
			return 1, accessSet(0x500, true, 0xdead, true), true
		},
		func(depth int, tid uint32) bool { return true })
	assert.Empty(t, reorderings)
}

func TestChunkIDChangedDetected(t *testing.T) {
	na := accessSet(0x700, true, 0x1, true)
	na[0x700].Records[0].Chunk = memtracker.ChunkInfo{Kind: memtracker.ChunkSingle, IDs: []memtracker.ChunkID{2}}
	ea := accessSet(0x700, true, 0x2, true)
	ea[0x700].Records[0].Chunk = memtracker.ChunkInfo{Kind: memtracker.ChunkSingle, IDs: []memtracker.ChunkID{1}}

	conflicts := findConflicts(na, ea, nil)
	require.Len(t, conflicts, 1)
	assert.True(t, conflicts[0].ChunkIDChanged)
}
