// Package haxtree implements the choice-tree arena: Hax nodes keyed by an
// integer NodeID rather than pointer-linked parent/child references, per
// spec.md §9's "cyclic tree structure" design note. The arena owns every
// node; nodes refer to each other only by id.
package haxtree

import (
	"fmt"
	"io"

	"github.com/bblum/landslide-simics-sub000/internal/memtracker"
	"github.com/bblum/landslide-simics-sub000/internal/threadtable"
	"github.com/bblum/landslide-simics-sub000/internal/vclock"
)

// NodeID identifies a Hax node within a Tree's arena. The zero value
// never names a real node; Root always has a positive id.
type NodeID uint64

// Snapshot bundles the deep-copied component state captured at a PP
// (spec.md §4.6): ThreadTable, kernel/user MemTracker, and LockClocks.
// UserSync state and the symbol-table pointer are carried as opaque
// values, since their shape is owned by the Machine (§6), not the core.
type Snapshot struct {
	Threads    *threadtable.Table
	KernelMem  *memtracker.MemTracker
	UserMem    *memtracker.MemTracker
	LockClocks *vclock.LockClocks
	UserSync   any
	Symtab     any
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Threads:    s.Threads.Clone(),
		KernelMem:  s.KernelMem.Clone(),
		UserMem:    s.UserMem.Clone(),
		LockClocks: s.LockClocks.Clone(),
		UserSync:   s.UserSync,
		Symtab:     s.Symtab,
	}
}

// Node is one preemption point in the choice tree (spec.md §3, Hax).
type Node struct {
	ID       NodeID
	ParentID NodeID // 0 for the root
	Children []NodeID

	EIP               uint32
	TotalInstructions uint64
	ChosenThread      uint32 // tid whose transition produced this node
	IsRoot            bool
	Voluntary         bool
	Depth             int

	Captured Snapshot

	// DPOR vectors, sized to Depth (spec.md §8 invariant).
	Conflicts     []bool
	HappensBefore []bool

	AllExplored       bool
	IsPreemptionPoint bool
	DataRaceEIP       uint32
	HasDataRaceEIP    bool

	// TriggerCount counts how many times this eip has been chosen as a
	// PP across the whole run; it is printed in trace lines and does not
	// feed the NO PROGRESS check.
	TriggerCount int

	// Estimation state (spec.md §4.8).
	MarkedChildren   int
	Proportion       float64
	CumulativeMicros uint64

	// Bookmark is the opaque handle returned by Machine.BookmarkHere,
	// keyed to this node so Save/Restore can ask the Machine to rewind
	// here (spec.md §6). Typed as `any` since the Machine interface and
	// its BookmarkHandle type live in the root package, which imports
	// haxtree — not the reverse.
	Bookmark any
}

// Tree is the arena owning every Node, keyed by NodeID (spec.md §9).
type Tree struct {
	nodes  map[NodeID]*Node
	nextID NodeID
	rootID NodeID

	// triggerCounts tracks, across the whole run (not just one node's
	// lifetime), how many times each eip has been chosen as a PP.
	triggerCounts map[uint32]int
}

// NewTree allocates an empty arena and creates the root node from the
// given initial snapshot.
func NewTree(initial Snapshot) (*Tree, *Node) {
	t := &Tree{
		nodes:         make(map[NodeID]*Node),
		triggerCounts: make(map[uint32]int),
	}
	t.nextID = 1
	root := &Node{
		ID:       t.nextID,
		IsRoot:   true,
		Captured: initial.clone(),
	}
	t.nodes[root.ID] = root
	t.rootID = root.ID
	t.nextID++
	return t, root
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node { return t.nodes[t.rootID] }

// Get returns the node for id, or false if unknown.
func (t *Tree) Get(id NodeID) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Parent returns the parent of n, or (nil, false) if n is the root.
func (t *Tree) Parent(n *Node) (*Node, bool) {
	if n.IsRoot {
		return nil, false
	}
	p, ok := t.nodes[n.ParentID]
	return p, ok
}

// Children returns the child nodes of n in creation order.
func (t *Tree) Children(n *Node) []*Node {
	out := make([]*Node, 0, len(n.Children))
	for _, id := range n.Children {
		if c, ok := t.nodes[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// NewChild creates a new Hax node under parent at a PP, deep-copying
// captured and sizing the DPOR vectors to the child's depth (spec.md
// §4.6, §8). The child's TriggerCount is seeded from the running
// per-eip total, and that total is incremented.
func (t *Tree) NewChild(parent *Node, chosenTID uint32, eip uint32, totalInstr uint64, voluntary bool, captured Snapshot) *Node {
	depth := parent.Depth + 1
	t.triggerCounts[eip]++
	child := &Node{
		ID:                t.nextID,
		ParentID:          parent.ID,
		EIP:               eip,
		TotalInstructions: totalInstr,
		ChosenThread:       chosenTID,
		Voluntary:          voluntary,
		Depth:              depth,
		Captured:           captured.clone(),
		Conflicts:          make([]bool, depth),
		HappensBefore:      make([]bool, depth),
		TriggerCount:       t.triggerCounts[eip],
	}
	t.nextID++
	t.nodes[child.ID] = child
	parent.Children = append(parent.Children, child.ID)
	parent.MarkedChildren++
	return child
}

// MarkPreemptionPoint sets IsPreemptionPoint, optionally attaching the eip
// of the data race that demanded this speculative PP (spec.md §4.5's DPOR
// reordering, applied retroactively to an already-created node).
func (n *Node) MarkPreemptionPoint(dataRaceEIP uint32, hasDataRaceEIP bool) {
	n.IsPreemptionPoint = true
	if hasDataRaceEIP {
		n.DataRaceEIP = dataRaceEIP
		n.HasDataRaceEIP = true
	}
}

// TagSibling implements the DPOR reordering tag of spec.md §4.5 step 5:
// "set a sibling in h_k to chosen_thread = T_i.tid with
// is_preemption_point = true". The tagged sibling is a real child of
// parent, created without captured state — its Snapshot is filled in once
// Save/Restore actually rewinds to parent and the Machine executes this
// thread's transition. Returns the existing tagged child if one for tid
// already exists, to keep tagging idempotent across repeated DPOR scans.
func (t *Tree) TagSibling(parent *Node, tid uint32, dataRaceEIP uint32, hasDataRaceEIP bool) *Node {
	for _, id := range parent.Children {
		if c, ok := t.nodes[id]; ok && c.IsPreemptionPoint && c.ChosenThread == tid {
			return c
		}
	}
	depth := parent.Depth + 1
	child := &Node{
		ID:                t.nextID,
		ParentID:          parent.ID,
		ChosenThread:      tid,
		Depth:             depth,
		Conflicts:         make([]bool, depth),
		HappensBefore:     make([]bool, depth),
		IsPreemptionPoint: true,
		DataRaceEIP:       dataRaceEIP,
		HasDataRaceEIP:    hasDataRaceEIP,
	}
	t.nextID++
	t.nodes[child.ID] = child
	parent.Children = append(parent.Children, child.ID)
	parent.MarkedChildren++
	return child
}

// Ancestors returns the path from n up to (and including) the root, with
// n first.
func (t *Tree) Ancestors(n *Node) []*Node {
	var out []*Node
	cur := n
	for {
		out = append(out, cur)
		if cur.IsRoot {
			return out
		}
		p, ok := t.Parent(cur)
		if !ok {
			return out
		}
		cur = p
	}
}

// PathFromRoot returns the root-to-n path, root first.
func (t *Tree) PathFromRoot(n *Node) []*Node {
	anc := t.Ancestors(n)
	out := make([]*Node, len(anc))
	for i, a := range anc {
		out[len(anc)-1-i] = a
	}
	return out
}

// WriteTrace renders the root-to-leaf path as the persistent trace format
// specified by spec.md §6: one `Choice N: at eip 0xHHHHHHHH, trigger_count
// D, TID T` line per preemption point, with ANSI color escapes, matching
// original_source's id/found_a_bug.c trace writer.
func WriteTrace(w io.Writer, t *Tree, leaf *Node) error {
	const (
		ansiCyan   = "\x1b[36m"
		ansiReset  = "\x1b[0m"
	)
	path := t.PathFromRoot(leaf)
	n := 0
	for _, node := range path {
		if node.IsRoot {
			continue
		}
		n++
		if _, err := fmt.Fprintf(w, "%sChoice %d:%s at eip 0x%08x, trigger_count %d, TID %d\n",
			ansiCyan, n, ansiReset, node.EIP, node.TriggerCount, node.ChosenThread); err != nil {
			return err
		}
	}
	return nil
}

// WriteTraceHTML renders the same trace as WriteTrace, wrapping each line
// in a `<span>` instead of ANSI escapes, supplementing spec.md §6 with the
// dual text/HTML emission present in original_source but outside spec.md's
// explicit scope.
func WriteTraceHTML(w io.Writer, t *Tree, leaf *Node) error {
	path := t.PathFromRoot(leaf)
	n := 0
	for _, node := range path {
		if node.IsRoot {
			continue
		}
		n++
		if _, err := fmt.Fprintf(w, "<span class=\"choice\">Choice %d: at eip 0x%08x, trigger_count %d, TID %d</span><br>\n",
			n, node.EIP, node.TriggerCount, node.ChosenThread); err != nil {
			return err
		}
	}
	return nil
}
