// Package vclock implements FastTrack-style per-thread vector clocks and
// the per-lock clock table (LockClocks) used to derive happens-before
// relations across mutex hand-offs, as specified in spec.md §4.3/§4.5.
package vclock

// fastSlots is the number of thread ids tracked inline before falling back
// to the slow-path tail map; most test workloads in the corpus (§3, Thread)
// involve a handful of threads, so the common case never allocates.
const fastSlots = 8

// Clock is a mapping from thread id (tid) to logical timestamp. Bottom is 0
// for every tid not yet observed. The zero value is a valid empty clock.
type Clock struct {
	fast [fastSlots]uint64
	slow map[uint32]uint64
}

// New returns an empty VectorClock (all timestamps at bottom).
func New() *Clock {
	return &Clock{}
}

// Get returns the timestamp recorded for tid.
func (c *Clock) Get(tid uint32) uint64 {
	if int(tid) < fastSlots {
		return c.fast[tid]
	}
	if c.slow == nil {
		return 0
	}
	return c.slow[tid]
}

func (c *Clock) set(tid uint32, v uint64) {
	if int(tid) < fastSlots {
		c.fast[tid] = v
		return
	}
	if c.slow == nil {
		c.slow = make(map[uint32]uint64)
	}
	c.slow[tid] = v
}

// Inc increments the timestamp for tid and returns the new value.
func (c *Clock) Inc(tid uint32) uint64 {
	v := c.Get(tid) + 1
	c.set(tid, v)
	return v
}

// unionTIDs returns the set of thread ids with a non-bottom timestamp in either
// clock, used by Merge/HappensBefore/Eq to iterate only the relevant domain.
func unionTIDs(a, b *Clock) []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	add := func(tid uint32) {
		if _, ok := seen[tid]; !ok {
			seen[tid] = struct{}{}
			out = append(out, tid)
		}
	}
	for tid, v := range a.fast {
		if v != 0 {
			add(uint32(tid))
		}
	}
	for tid, v := range a.slow {
		if v != 0 {
			add(tid)
		}
	}
	for tid, v := range b.fast {
		if v != 0 {
			add(uint32(tid))
		}
	}
	for tid, v := range b.slow {
		if v != 0 {
			add(tid)
		}
	}
	return out
}

// Join merges src into c in place, taking the pointwise max (dst := dst ⊔
// src). Join is idempotent (Join(c,c) leaves c unchanged) and monotone
// (the result dominates both operands pointwise), as required by spec.md
// §8's Universal Invariants.
func (c *Clock) Join(src *Clock) {
	for _, tid := range unionTIDs(c, src) {
		if v := src.Get(tid); v > c.Get(tid) {
			c.set(tid, v)
		}
	}
}

// Merge is an alias for dst.Join(src), matching spec.md §3's naming
// (`merge(dst, src)` pointwise max).
func Merge(dst, src *Clock) { dst.Join(src) }

// HappensBefore reports whether c ≤ other pointwise, i.e. every event c has
// observed, other has also observed (c happens-before-or-equal other).
// HappensBefore(a, a) is always true, and the relation is transitive,
// matching spec.md §8.
func (c *Clock) HappensBefore(other *Clock) bool {
	for _, tid := range unionTIDs(c, other) {
		if c.Get(tid) > other.Get(tid) {
			return false
		}
	}
	return true
}

// Eq reports whether c and other hold identical timestamps for every tid.
func (c *Clock) Eq(other *Clock) bool {
	return c.HappensBefore(other) && other.HappensBefore(c)
}

// Copy returns an independent deep copy of c (snapshots must not alias,
// spec.md §5).
func (c *Clock) Copy() *Clock {
	out := &Clock{fast: c.fast}
	if c.slow != nil {
		out.slow = make(map[uint32]uint64, len(c.slow))
		for k, v := range c.slow {
			out.slow[k] = v
		}
	}
	return out
}

// LockClocks maps a lock's guest address to the VectorClock snapshotted at
// the most recent release, implementing spec.md §4.3's LockClocks. It is
// backed by internal/memtracker's ordered index infrastructure conceptually,
// but since the corpus's example usage of an address-keyed ordered
// structure (google/btree) is reserved here for the heap-chunk indices
// which need range queries, LockClocks — a pure key lookup with no range
// queries — uses a plain map, matching the smaller-problem sizing the
// teacher applies (e.g. eventloop's registry uses a map, not a tree, for
// its promise-id lookup).
type LockClocks struct {
	byAddr map[uint32]*Clock
}

// NewLockClocks returns an empty LockClocks table.
func NewLockClocks() *LockClocks {
	return &LockClocks{byAddr: make(map[uint32]*Clock)}
}

// Get returns the clock stored for addr, or an empty clock if none has been
// released yet.
func (lc *LockClocks) Get(addr uint32) *Clock {
	if c, ok := lc.byAddr[addr]; ok {
		return c
	}
	return New()
}

// Set stores clock (a copy) for addr, called on mutex release (spec.md
// §4.3: "on mutex release, the releasing thread's clock is stored").
func (lc *LockClocks) Set(addr uint32, clock *Clock) {
	lc.byAddr[addr] = clock.Copy()
}

// Acquire implements the acquire half of the release/acquire protocol: the
// stored clock for addr is merged into acquirer's clock, and the acquirer's
// own timestamp is incremented (spec.md §4.3).
func (lc *LockClocks) Acquire(addr uint32, acquirerTID uint32, acquirer *Clock) {
	acquirer.Join(lc.Get(addr))
	acquirer.Inc(acquirerTID)
}

// Release implements the release half: the releasing thread's clock is
// snapshotted into the table, then the releaser's own timestamp advances.
func (lc *LockClocks) Release(addr uint32, releaserTID uint32, releaser *Clock) {
	lc.Set(addr, releaser)
	releaser.Inc(releaserTID)
}

// Clone returns an independent deep copy, used when a Hax node snapshots
// LockClocks state (spec.md §4.6).
func (lc *LockClocks) Clone() *LockClocks {
	out := NewLockClocks()
	for addr, c := range lc.byAddr {
		out.byAddr[addr] = c.Copy()
	}
	return out
}
