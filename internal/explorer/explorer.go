// Package explorer implements the ancestor walk that picks the next
// branch to explore, and the all_explored bookkeeping that detects when
// the whole choice tree has been covered, per spec.md §4.7.
package explorer

import "github.com/bblum/landslide-simics-sub000/internal/haxtree"

// Explorer walks the choice tree looking for untaken tagged siblings.
type Explorer struct{}

// New returns an Explorer. It holds no state of its own; all state lives
// in the haxtree.Tree it is given.
func New() *Explorer { return &Explorer{} }

// MarkTerminal marks a leaf all_explored because its branch has ended
// (clean exit, bug found, or no-progress abort) — the base case of the
// all_explored propagation described in spec.md §4.7.
func (e *Explorer) MarkTerminal(leaf *haxtree.Node) {
	leaf.AllExplored = true
}

// Propagate recomputes all_explored bits walking from node up to the
// root: a node is all-explored iff every one of its children (the
// originally-taken transition, plus any DPOR-tagged siblings) is itself
// all-explored. Propagation stops at the first ancestor that isn't fully
// explored yet.
func (e *Explorer) Propagate(tree *haxtree.Tree, node *haxtree.Node) {
	cur := node
	for {
		parent, ok := tree.Parent(cur)
		if !ok {
			return
		}
		allDone := true
		for _, c := range tree.Children(parent) {
			if !c.AllExplored {
				allDone = false
				break
			}
		}
		parent.AllExplored = allDone
		if !allDone {
			return
		}
		cur = parent
	}
}

// FindNext walks up from leaf looking for the first ancestor with a
// tagged-but-unexplored sibling (spec.md §4.7). It returns that ancestor
// and the tid of the chosen sibling, to be handed to Save/Restore for a
// rewind.
func (e *Explorer) FindNext(tree *haxtree.Tree, leaf *haxtree.Node) (ancestor *haxtree.Node, tid uint32, found bool) {
	for _, node := range tree.Ancestors(leaf) {
		for _, c := range tree.Children(node) {
			if c.IsPreemptionPoint && !c.AllExplored {
				return node, c.ChosenThread, true
			}
		}
	}
	return nil, 0, false
}

// Complete reports whether the root is all_explored, i.e. exploration of
// the whole tree is finished (spec.md §4.7).
func (e *Explorer) Complete(tree *haxtree.Tree) bool {
	return tree.Root().AllExplored
}
