package controlloop

// Metrics tracks simple dispatch-loop counters. Latency-distribution
// tracking (the teacher's P-Square-backed LatencyMetrics) now belongs to
// internal/estimator, which uses the same algorithm for per-branch
// latency; its proportion/ETA projection (spec.md §4.8) is computed
// directly, without P². controlloop's own metrics are
// just counts, since there's exactly one caller and no queue to measure.
type Metrics struct {
	EventsDispatched  uint64
	PreemptionPoints  uint64
	BranchesCompleted uint64
	BugsFound         uint64
	PanicsRecovered   uint64
}

func (m *Metrics) recordEvent()           { m.EventsDispatched++ }
func (m *Metrics) recordPP()               { m.PreemptionPoints++ }
func (m *Metrics) recordBranchCompleted() { m.BranchesCompleted++ }
func (m *Metrics) recordBugFound()         { m.BugsFound++ }
func (m *Metrics) recordPanicRecovered()   { m.PanicsRecovered++ }
