// Package estimator implements the branch-proportion/ETA projection of
// spec.md §4.8: each leaf's weight is folded into every ancestor's
// proportion-of-tree-explored, and elapsed time per branch is used to
// project total run time. A streaming quantile estimator (quantile.go,
// the P² algorithm) additionally tracks the distribution of per-branch
// elapsed microseconds for diagnostics.
package estimator

import "github.com/bblum/landslide-simics-sub000/internal/haxtree"

// Estimator accumulates proportion-of-tree and elapsed-time statistics
// across the whole exploration.
type Estimator struct {
	totalElapsedMicros uint64
	totalTransitions   uint64
	latency            *quantileEstimator // P99 elapsed-microseconds-per-branch
}

// New returns an Estimator tracking the P99 latency of branches.
func New() *Estimator {
	return &Estimator{latency: newQuantileEstimator(0.99)}
}

// RecordBranch is called when a branch terminates at leaf, having taken
// elapsedMicros since the previous branch ended (or since the start, for
// the first branch). It walks root-to-leaf, adding the new leaf's weight
// (1 / product of marked-children counts along the path) to the
// Proportion of every node on the path, and accumulates CumulativeMicros
// (spec.md §4.8).
func (e *Estimator) RecordBranch(tree *haxtree.Tree, leaf *haxtree.Node, elapsedMicros uint64) {
	e.totalElapsedMicros += elapsedMicros
	e.totalTransitions++
	e.latency.Update(float64(elapsedMicros))

	path := tree.PathFromRoot(leaf)
	weight := 1.0
	for _, node := range path {
		if node.MarkedChildren > 1 {
			weight /= float64(node.MarkedChildren)
		}
	}
	for _, node := range path {
		node.Proportion += weight
		node.CumulativeMicros += elapsedMicros
	}
}

// Snapshot is the point-in-time estimate reported via the JobChannel's
// Estimate message (spec.md §6).
type Snapshot struct {
	Proportion    float64
	Branches      uint64
	TotalMicros   uint64
	ElapsedMicros uint64
	P99LatencyUs  float64
}

// Estimate projects the total exploration time from the root's
// proportion-of-tree-explored and the elapsed time so far: projected
// total = proportion⁻¹ × elapsed (spec.md §4.8).
func (e *Estimator) Estimate(tree *haxtree.Tree) Snapshot {
	root := tree.Root()
	snap := Snapshot{
		Proportion:    root.Proportion,
		Branches:      e.totalTransitions,
		ElapsedMicros: e.totalElapsedMicros,
		P99LatencyUs:  e.latency.Quantile(),
	}
	if root.Proportion > 0 {
		snap.TotalMicros = uint64(float64(e.totalElapsedMicros) / root.Proportion)
	}
	return snap
}
