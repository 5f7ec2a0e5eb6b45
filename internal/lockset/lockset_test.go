package lockset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRemoveContains(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(0x1000, KindMutex))
	require.True(t, s.Contains(0x1000, KindMutex))
	require.Equal(t, 1, s.Len())

	require.True(t, s.Remove(0x1000, KindMutex))
	require.False(t, s.Contains(0x1000, KindMutex))
	require.False(t, s.Remove(0x1000, KindMutex))
}

func TestAddSortedNoDuplicateKeys(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(0x2000, KindMutex))
	require.NoError(t, s.Add(0x1000, KindMutex))
	require.NoError(t, s.Add(0x1000, KindSemaphore))

	entries := s.Entries()
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i-1].less(entries[i]))
	}
}

func TestRecursiveLockIsFatal(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(0x1000, KindMutex))
	err := s.Add(0x1000, KindMutex)
	require.Error(t, err)
	var rle *RecursiveLockError
	require.ErrorAs(t, err, &rle)
	// the set must be unchanged by the failed add
	require.Equal(t, 1, s.Len())
}

func TestRWLockKindsShareAddressByDefault(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(0x1000, KindRWLockRead))
	err := s.Add(0x1000, KindRWLockWrite)
	require.Error(t, err, "default policy treats rwlock-read/write as the same kind")
}

func TestMutexAndSemaphoreCanShareAddress(t *testing.T) {
	// A mutex and a semaphore at the same address are tolerated because
	// the kinds differ (spec.md §3).
	s := New(nil)
	require.NoError(t, s.Add(0x1000, KindMutex))
	require.NoError(t, s.Add(0x1000, KindSemaphore))
	require.Equal(t, 2, s.Len())
}

func TestCompareAndIntersect(t *testing.T) {
	a := New(nil)
	require.NoError(t, a.Add(0x1000, KindMutex))
	require.NoError(t, a.Add(0x2000, KindMutex))

	b := New(nil)
	require.NoError(t, b.Add(0x1000, KindMutex))

	assert.Equal(t, CompareSuperset, a.Compare(b))
	assert.Equal(t, CompareSubset, b.Compare(a))

	c := a.Clone()
	assert.Equal(t, CompareEqual, a.Compare(c))

	require.NoError(t, b.Add(0x3000, KindMutex))
	assert.Equal(t, CompareDifferent, a.Compare(b))

	inter := a.Intersect(b)
	require.Len(t, inter, 1)
	assert.Equal(t, uint32(0x1000), inter[0].Addr)
}

func TestCloneIsIndependent(t *testing.T) {
	a := New(nil)
	require.NoError(t, a.Add(0x1000, KindMutex))
	b := a.Clone()
	require.NoError(t, b.Add(0x2000, KindMutex))
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 2, b.Len())
}
