// Package memtracker implements the live/freed heap-chunk indices and the
// per-PP shared-memory access tracker described in spec.md §3/§4.2. One
// MemTracker instance covers a single address space (kernel or user); the
// engine owns two.
package memtracker

import (
	"fmt"

	"github.com/google/btree"

	"github.com/bblum/landslide-simics-sub000/internal/lockset"
)

// ChunkID is a globally-unique heap-chunk identifier, assigned in
// allocation order.
type ChunkID uint64

// HeapChunk is an allocated region: base address, length, the id assigned
// at allocation, and the guest call-stacks captured at allocation and (once
// freed) at free. Arena marks chunks that back the malloc arena itself, for
// guests that layer malloc over a page allocator (spec.md §3).
type HeapChunk struct {
	ID         ChunkID
	Base, Len  uint32
	AllocStack []uint32
	FreeStack  []uint32 // nil until freed
	Arena      bool
}

func (c HeapChunk) Contains(addr uint32) bool {
	return addr >= c.Base && addr < c.Base+c.Len
}

func (c HeapChunk) End() uint32 { return c.Base + c.Len }

func less(a, b *HeapChunk) bool { return a.Base < b.Base }

// ChunkInfoKind classifies how a memory access relates to the heap, per the
// LocksetAtAccess chunk-id field of spec.md §3.
type ChunkInfoKind uint8

const (
	ChunkNotInHeap ChunkInfoKind = iota
	ChunkSingle
	ChunkMultiple
)

// ChunkInfo records which heap chunk(s), if any, an access's address has
// been associated with across the coalesced accesses in one MemAccess
// record.
type ChunkInfo struct {
	Kind ChunkInfoKind
	IDs  []ChunkID // populated only when Kind == ChunkSingle or ChunkMultiple
}

func notInHeap() ChunkInfo { return ChunkInfo{Kind: ChunkNotInHeap} }

func singleChunk(id ChunkID) ChunkInfo { return ChunkInfo{Kind: ChunkSingle, IDs: []ChunkID{id}} }

// merge folds another observation of chunk membership into ci.
func (ci ChunkInfo) merge(other ChunkInfo) ChunkInfo {
	if other.Kind == ChunkNotInHeap {
		if ci.Kind == ChunkNotInHeap {
			return ci
		}
	}
	ids := append(append([]ChunkID{}, ci.IDs...), other.IDs...)
	ids = dedupeIDs(ids)
	if len(ids) <= 1 {
		if len(ids) == 0 {
			return notInHeap()
		}
		return ChunkInfo{Kind: ChunkSingle, IDs: ids}
	}
	return ChunkInfo{Kind: ChunkMultiple, IDs: ids}
}

func dedupeIDs(ids []ChunkID) []ChunkID {
	seen := make(map[ChunkID]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// CodeLocation is the context captured alongside a lockset at the moment of
// an access: the code location, interrupt state, most recent syscall, the
// caller of the most recent call, and whether a sync primitive at this
// address is mid init/destroy (spec.md §3, LocksetAtAccess).
type CodeLocation struct {
	EIP            uint32
	InterruptsOn   bool
	LastSyscall    string
	LastCallCaller uint32
	SyncInitting   bool
	SyncDestroying bool
}

// LocksetAtAccess is one coalesced record of "this address was accessed
// under this lockset, at this location, with this chunk membership".
type LocksetAtAccess struct {
	Locks *lockset.Set
	Loc   CodeLocation
	Chunk ChunkInfo
}

// MemAccess accumulates every distinct access to one address since the
// last PP (spec.md §3).
type MemAccess struct {
	Addr      uint32
	AnyWrites bool
	Count     int
	Records   []LocksetAtAccess
}

// MemTracker tracks one address space's live/freed heap chunks and the
// in-flight MemAccess set for the current transition.
type MemTracker struct {
	live  *btree.BTreeG[*HeapChunk]
	freed *btree.BTreeG[*HeapChunk]

	accesses map[uint32]*MemAccess

	inAlloc map[uint32]uint32 // never populated; pending holds the in-alloc state
	inFree  map[uint32]struct{}

	nextID  ChunkID
	pending map[uint32]uint32 // tid -> size, set by AllocEnter until AllocExit
}

// New returns an empty MemTracker for one address space.
func New() *MemTracker {
	return &MemTracker{
		live:     btree.NewG(32, less),
		freed:    btree.NewG(32, less),
		accesses: make(map[uint32]*MemAccess),
		inAlloc:  make(map[uint32]uint32),
		inFree:   make(map[uint32]struct{}),
		pending:  make(map[uint32]uint32),
		nextID:   1,
	}
}

// ReentrancyError reports an allocator entered from a thread that is
// already inside the allocator (spec.md §4.2 bug-detection invariants).
type ReentrancyError struct {
	TID uint32
	Op  string
}

func (e *ReentrancyError) Error() string {
	return fmt.Sprintf("reentrant allocator bug: tid %d re-entered %s", e.TID, e.Op)
}

// AllocEnter records that tid has entered the allocator requesting size
// bytes. It is a fatal invariant violation for the same thread to re-enter
// (spec.md §4.2), unless allowReentrant is set by policy.
func (m *MemTracker) AllocEnter(tid, size uint32, allowReentrant bool) error {
	if _, busy := m.inFree[tid]; busy {
		return &ReentrancyError{TID: tid, Op: "alloc-while-in-free"}
	}
	if _, busy := m.pending[tid]; busy && !allowReentrant {
		return &ReentrancyError{TID: tid, Op: "alloc"}
	}
	m.pending[tid] = size
	return nil
}

// AllocExit completes an allocation. base == 0 indicates out-of-memory,
// which is recorded as non-fatal (oom == true, chunk == nil).
func (m *MemTracker) AllocExit(tid uint32, base uint32, stack []uint32, arena bool) (chunk *HeapChunk, oom bool) {
	size, ok := m.pending[tid]
	delete(m.pending, tid)
	if !ok {
		size = 0
	}
	if base == 0 {
		return nil, true
	}
	c := &HeapChunk{ID: m.nextID, Base: base, Len: size, AllocStack: stack, Arena: arena}
	m.nextID++
	m.live.ReplaceOrInsert(c)
	return c, false
}

// FreeResult is the outcome of FreeEnter against this MemTracker's own
// live/freed indices only. When NeedsAncestorSearch is true, the address was
// not found locally and the caller (the engine, which owns the Hax tree)
// must search ancestor snapshots per spec.md §4.2 before concluding
// FREE OF UNALLOCATED.
type FreeResult struct {
	OK                  bool
	DoubleFree          *HeapChunk // set if base matches a locally known freed chunk
	InteriorPointer     *HeapChunk // set if base falls inside a live chunk but isn't its base
	NeedsAncestorSearch bool
}

// FreeEnter looks up base among live and freed chunks in this address
// space and classifies the result (spec.md §4.2). On success the chunk is
// moved from live to freed, coalescing adjacent frees, and FreeStack is
// attached.
func (m *MemTracker) FreeEnter(tid uint32, base uint32, stack []uint32) FreeResult {
	m.inFree[tid] = struct{}{}

	if c, ok := m.live.Get(&HeapChunk{Base: base}); ok {
		m.live.Delete(c)
		freed := *c
		freed.FreeStack = stack
		m.insertFreedCoalesced(&freed)
		return FreeResult{OK: true}
	}

	// Check for an interior-pointer free: base falls inside some live
	// chunk's range but isn't its base address.
	var interior *HeapChunk
	m.live.DescendLessOrEqual(&HeapChunk{Base: base}, func(item *HeapChunk) bool {
		if item.Contains(base) {
			interior = item
		}
		return false
	})
	if interior != nil {
		return FreeResult{InteriorPointer: interior}
	}

	if c, ok := m.freed.Get(&HeapChunk{Base: base}); ok {
		return FreeResult{DoubleFree: c}
	}

	return FreeResult{NeedsAncestorSearch: true}
}

// insertFreedCoalesced inserts a freed chunk, merging it with an abutting
// neighbor on either side (spec.md §4.2: "coalescing adjacent frees").
func (m *MemTracker) insertFreedCoalesced(c *HeapChunk) {
	var prev *HeapChunk
	m.freed.DescendLessOrEqual(&HeapChunk{Base: c.Base}, func(item *HeapChunk) bool {
		if item.End() == c.Base {
			prev = item
		}
		return item.Base == c.Base
	})
	if prev != nil {
		m.freed.Delete(prev)
		c.Base = prev.Base
		c.Len += prev.Len
	}
	var next *HeapChunk
	m.freed.AscendGreaterOrEqual(&HeapChunk{Base: c.End()}, func(item *HeapChunk) bool {
		if item.Base == c.End() {
			next = item
		}
		return false
	})
	if next != nil {
		m.freed.Delete(next)
		c.Len += next.Len
	}
	m.freed.ReplaceOrInsert(c)
}

// LookupFreed returns the freed chunk containing base in this address
// space's own freed index (no ancestor walk).
func (m *MemTracker) LookupFreed(base uint32) (*HeapChunk, bool) {
	var found *HeapChunk
	m.freed.DescendLessOrEqual(&HeapChunk{Base: base}, func(item *HeapChunk) bool {
		if item.Contains(base) {
			found = item
		}
		return false
	})
	return found, found != nil
}

// LookupLive returns the live chunk containing addr, if any.
func (m *MemTracker) LookupLive(addr uint32) (*HeapChunk, bool) {
	var found *HeapChunk
	m.live.DescendLessOrEqual(&HeapChunk{Base: addr}, func(item *HeapChunk) bool {
		if item.Contains(addr) {
			found = item
		}
		return false
	})
	return found, found != nil
}

// Record adds one observed access to addr into the per-PP MemAccess set,
// coalescing it into an existing compatible record where possible (spec.md
// §3's coalescing rule).
func (m *MemTracker) Record(addr uint32, write bool, locks *lockset.Set, loc CodeLocation) {
	chunk := notInHeap()
	if c, ok := m.LookupLive(addr); ok {
		chunk = singleChunk(c.ID)
	}

	ma, ok := m.accesses[addr]
	if !ok {
		ma = &MemAccess{Addr: addr}
		m.accesses[addr] = ma
	}
	ma.Count++
	if write {
		ma.AnyWrites = true
	}

	entry := LocksetAtAccess{Locks: locks.Clone(), Loc: loc, Chunk: chunk}
	ma.Records = coalesce(ma.Records, entry, write)
}

// coalesce folds entry into records per the subset/equal merge rule of
// spec.md §3: a new access under lockset L' subsumes an existing record
// under lockset L when L ⊆ L' (or L' ⊆ L) and the new access is a read,
// or L == L'; the merged record keeps the narrower (more conservative)
// lockset, since a smaller held-lockset is the weaker guarantee and the
// one relevant to race detection. Records carry no read/write flag, so
// only the new access is checked: a read merges into a subset/superset
// record whether that record came from a read or a write.
func coalesce(records []LocksetAtAccess, entry LocksetAtAccess, write bool) []LocksetAtAccess {
	for i, e := range records {
		cmp := e.Locks.Compare(entry.Locks)
		switch cmp {
		case lockset.CompareEqual:
			records[i].Chunk = e.Chunk.merge(entry.Chunk)
			return records
		case lockset.CompareSubset, lockset.CompareSuperset:
			if !write {
				// new access is a read: keep whichever lockset is the subset (weaker).
				if cmp == lockset.CompareSuperset {
					records[i].Locks = entry.Locks
					records[i].Loc = entry.Loc
				}
				records[i].Chunk = e.Chunk.merge(entry.Chunk)
				return records
			}
		}
	}
	return append(records, entry)
}

// Accesses returns the MemAccess records observed since the last PP.
func (m *MemTracker) Accesses() map[uint32]*MemAccess { return m.accesses }

// ResetPerPP clears the per-PP MemAccess set; called once a PP's accesses
// have been consumed by the DPOR race engine and a new Hax snapshot taken
// (spec.md §4.6).
func (m *MemTracker) ResetPerPP() {
	m.accesses = make(map[uint32]*MemAccess)
}

// LiveHeapSize sums the length of every live chunk, used for the
// clean-branch-end leak check (spec.md §4.2).
func (m *MemTracker) LiveHeapSize() uint32 {
	var total uint32
	m.live.Ascend(func(c *HeapChunk) bool {
		total += c.Len
		return true
	})
	return total
}

// InFree reports whether tid is currently inside a free() call in this
// address space. AllocEnter reads the same state directly.
func (m *MemTracker) InFree(tid uint32) bool {
	_, ok := m.inFree[tid]
	return ok
}

// FreeExit clears tid's in-free flag.
func (m *MemTracker) FreeExit(tid uint32) { delete(m.inFree, tid) }

// Clone returns a deep, independent copy of the live and freed indices
// (the per-PP MemAccess set is intentionally reset, not copied, since a
// Hax snapshot captures state as of a PP boundary where no accesses are
// pending — spec.md §4.6).
func (m *MemTracker) Clone() *MemTracker {
	out := New()
	out.nextID = m.nextID
	m.live.Ascend(func(c *HeapChunk) bool {
		cp := *c
		out.live.ReplaceOrInsert(&cp)
		return true
	})
	m.freed.Ascend(func(c *HeapChunk) bool {
		cp := *c
		out.freed.ReplaceOrInsert(&cp)
		return true
	})
	return out
}
