// Package dpor implements the dynamic partial-order-reduction race engine
// described in spec.md §4.5: a bottom-up scan of the ancestor chain from a
// freshly-created Hax node, conflict detection between MemAccess records,
// the confirmed/suspected DataRace table, and DPOR reordering tags.
package dpor

import (
	"github.com/bblum/landslide-simics-sub000/internal/haxtree"
	"github.com/bblum/landslide-simics-sub000/internal/memtracker"
)

// RacePairKey identifies a DataRace record by the pair of code locations
// involved, ordered (lower, higher) so both orderings of the same pair of
// eips hash to the same key (spec.md §3, DataRace).
type RacePairKey struct {
	Lower, Higher uint32
}

func pairKey(a, b uint32) RacePairKey {
	if a <= b {
		return RacePairKey{Lower: a, Higher: b}
	}
	return RacePairKey{Lower: b, Higher: a}
}

// DataRace records which orderings of a conflicting (eip, eip) pair have
// been witnessed, and whether it has been confirmed (both orderings seen)
// or is merely suspected.
type DataRace struct {
	Key             RacePairKey
	SeenLowerFirst  bool
	SeenHigherFirst bool
	Confirmed       bool
	Reported        bool
}

// Table is the DataRace confirmation table, keyed by RacePairKey, shared
// across the whole exploration (spec.md §4.5 step 5).
type Table struct {
	races map[RacePairKey]*DataRace
}

// NewTable returns an empty DataRace table.
func NewTable() *Table { return &Table{races: make(map[RacePairKey]*DataRace)} }

// Observe records that eipEarlier executed before eipLater for the
// conflicting access pair, returning the DataRace entry and whether this
// observation newly confirmed it (spec.md §4.5: "if the inverse pair was
// already seen, mark the DataRace confirmed").
func (t *Table) Observe(eipEarlier, eipLater uint32) (race *DataRace, newlyConfirmed bool) {
	key := pairKey(eipEarlier, eipLater)
	r, ok := t.races[key]
	if !ok {
		r = &DataRace{Key: key}
		t.races[key] = r
	}
	if eipEarlier <= eipLater {
		r.SeenLowerFirst = true
	} else {
		r.SeenHigherFirst = true
	}
	if r.SeenLowerFirst && r.SeenHigherFirst && !r.Confirmed {
		r.Confirmed = true
		return r, true
	}
	return r, false
}

// Reordering is the result of DPOR step 5: the ancestor node that must
// have a speculative sibling tagged, and the tid of the conflicting
// thread that sibling should run.
type Reordering struct {
	AncestorDepth int
	TID           uint32
	RaceEIPEarlier, RaceEIPLater uint32
	ChunkIDChanged               bool
}

// Conflict reports that two transitions' MemAccess records conflict at
// addr: the accessing locksets have empty intersection, at least one
// access is a write, and at least one access had interrupts enabled
// (spec.md §4.5 step 3).
type Conflict struct {
	Addr           uint32
	EarlierEIP     uint32
	LaterEIP       uint32
	ChunkIDChanged bool
}

// DRIgnoreFunc reports whether eip falls within a DR-ignored function
// range, supplied by GuestProfile.
type DRIgnoreFunc func(eip uint32) bool

// findConflicts compares the new node's MemAccess set against an earlier
// transition's, returning every conflicting address per spec.md §4.5
// step 3.
func findConflicts(newAccesses, earlierAccesses map[uint32]*memtracker.MemAccess, ignored DRIgnoreFunc) []Conflict {
	var out []Conflict
	for addr, na := range newAccesses {
		ea, ok := earlierAccesses[addr]
		if !ok {
			continue
		}
		if !na.AnyWrites && !ea.AnyWrites {
			continue
		}
		if !locksetsDisjointAcrossAll(na, ea) {
			continue
		}
		if !anyInterruptsOn(na) && !anyInterruptsOn(ea) {
			continue
		}
		earlierEIP, laterEIP := ea.Records[len(ea.Records)-1].Loc.EIP, na.Records[len(na.Records)-1].Loc.EIP
		if ignored != nil && (ignored(earlierEIP) || ignored(laterEIP)) {
			continue
		}
		out = append(out, Conflict{
			Addr:           addr,
			EarlierEIP:     earlierEIP,
			LaterEIP:       laterEIP,
			ChunkIDChanged: chunkIDChanged(na, ea),
		})
	}
	return out
}

// locksetsDisjointAcrossAll reports whether every pairing of the two
// MemAccess's recorded locksets has an empty intersection — the
// conservative reading of spec.md §4.5's "both sets of access-locksets
// for that address have empty intersection".
func locksetsDisjointAcrossAll(a, b *memtracker.MemAccess) bool {
	for _, ra := range a.Records {
		for _, rb := range b.Records {
			if len(ra.Locks.Intersect(rb.Locks)) != 0 {
				return false
			}
		}
	}
	return true
}

func anyInterruptsOn(ma *memtracker.MemAccess) bool {
	for _, r := range ma.Records {
		if r.Loc.InterruptsOn {
			return true
		}
	}
	return false
}

// chunkIDChanged reports whether the two accesses' chunk membership
// differs, i.e. a chunk was freed and another allocated at the same
// address between them (spec.md §4.5's additional rule).
func chunkIDChanged(a, b *memtracker.MemAccess) bool {
	aIDs, bIDs := chunkIDSet(a), chunkIDSet(b)
	if len(aIDs) == 0 || len(bIDs) == 0 {
		return false
	}
	for id := range aIDs {
		if _, ok := bIDs[id]; ok {
			return false
		}
	}
	return true
}

func chunkIDSet(ma *memtracker.MemAccess) map[memtracker.ChunkID]struct{} {
	out := make(map[memtracker.ChunkID]struct{})
	for _, r := range ma.Records {
		for _, id := range r.Chunk.IDs {
			out[id] = struct{}{}
		}
	}
	return out
}

// Engine runs the bottom-up DPOR scan (spec.md §4.5).
type Engine struct {
	table  *Table
	ignore DRIgnoreFunc
}

// NewEngine returns a RaceEngine sharing the given DataRace table.
// ignore may be nil (no DR-ignored ranges).
func NewEngine(table *Table, ignore DRIgnoreFunc) *Engine {
	return &Engine{table: table, ignore: ignore}
}

// Report is emitted to the JobChannel when a DataRace is newly confirmed.
type Report struct {
	EIPEarlier, EIPLater uint32
	Confirmed            bool
}

// Scan walks the ancestor chain of newNode (spec.md §4.5 steps 1-5).
// transitionAccesses supplies, for each ancestor depth i, the MemAccess
// set of the transition T_i from h_i to its child on the current branch,
// and its tid; a T_i whose tid equals newTID is skipped (step 2's
// "non-interleaving" skip). transitionRunnable(i, tid), when non-nil,
// reports whether tid was runnable at ancestor i; a reordering is only
// produced where it is.
//
// Scan returns every newly-confirmed DataRace (to report to the
// JobChannel) and every Reordering; it tags each reordering's sibling on
// the ancestor itself, via tree.TagSibling.
func (e *Engine) Scan(
	tree *haxtree.Tree,
	path []*haxtree.Node, // root-to-new-node inclusive, new node last
	newTID uint32,
	newAccesses map[uint32]*memtracker.MemAccess,
	transitionAccesses func(depth int) (tid uint32, accesses map[uint32]*memtracker.MemAccess, ok bool),
	transitionRunnable func(depth int, tid uint32) bool,
) (reports []Report, reorderings []Reordering) {
	newNode := path[len(path)-1]
	for i := newNode.Depth - 1; i >= 0; i-- {
		tid, earlierAccesses, ok := transitionAccesses(i)
		if !ok {
			continue
		}
		if tid == newTID {
			continue // same thread: non-interleaving, skip (step 2)
		}
		conflicts := findConflicts(newAccesses, earlierAccesses, e.ignore)
		if len(conflicts) == 0 {
			newNode.HappensBefore[i] = true
			continue
		}
		newNode.Conflicts[i] = true
		for _, c := range conflicts {
			race, newlyConfirmed := e.table.Observe(c.EarlierEIP, c.LaterEIP)
			if newlyConfirmed && !race.Reported {
				race.Reported = true
				reports = append(reports, Report{EIPEarlier: c.EarlierEIP, EIPLater: c.LaterEIP, Confirmed: true})
			}
			if transitionRunnable == nil || transitionRunnable(i, tid) {
				tree.TagSibling(path[i], tid, c.LaterEIP, true)
				reorderings = append(reorderings, Reordering{
					AncestorDepth:  i,
					TID:            tid,
					RaceEIPEarlier: c.EarlierEIP,
					RaceEIPLater:   c.LaterEIP,
					ChunkIDChanged: c.ChunkIDChanged,
				})
			}
		}
	}
	return reports, reorderings
}
