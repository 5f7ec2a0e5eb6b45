// Package arbiter implements preemption-point classification and
// next-thread selection, as specified in spec.md §4.4. It is invoked at
// every simulator instruction.
package arbiter

import "github.com/bblum/landslide-simics-sub000/internal/threadtable"

// Range is a half-open eip interval [Low, High).
type Range struct {
	Low, High uint32
}

func (r Range) contains(eip uint32) bool { return eip >= r.Low && eip < r.High }

// Profile is the subset of GuestProfile the Arbiter consults: compiled
// watched-eip ranges, within-function whitelist/blacklist ranges, the
// speculative data-race eips, and the explicit PP mask. It is satisfied structurally by
// the root package's GuestProfile, avoiding an import cycle (spec.md §6,
// supplemented per SPEC_FULL §3's "PPRanges" compilation step).
type Profile interface {
	WatchedRanges() []Range
	Whitelist() []Range
	Blacklist() []Range
	SpeculativeDataRaceEIPs() []uint32
	ExplicitMask() []uint32
}

const (
	// DefaultTooManyYields is the default consecutive-yield threshold
	// past which a thread is declared yield-loop-blocked (spec.md §4.4,
	// scenario 6).
	DefaultTooManyYields = 10
	// DefaultTooManyXchgs mirrors DefaultTooManyYields for busy xchg
	// spins, per spec.md §4.4.
	DefaultTooManyXchgs = 10
)

// Decision is the Arbiter's verdict at one instruction.
type Decision struct {
	IsPP      bool
	Voluntary bool
	// DataRaceEIP is set when this PP matches a speculative-data-race
	// eip registered by a prior DPOR pass (spec.md §4.4 (c)).
	DataRaceEIP    uint32
	HasDataRaceEIP bool
}

// Arbiter classifies instructions as preemption points and picks the next
// thread to run at each one (spec.md §4.4).
type Arbiter struct {
	profile       Profile
	maxYields     int
	maxXchgs      int
	queuedTID     uint32
	hasQueuedTID  bool
}

// New returns an Arbiter consulting profile for watched/whitelisted/
// blacklisted ranges. maxYields/maxXchgs of 0 select the spec defaults.
func New(profile Profile, maxYields, maxXchgs int) *Arbiter {
	if maxYields <= 0 {
		maxYields = DefaultTooManyYields
	}
	if maxXchgs <= 0 {
		maxXchgs = DefaultTooManyXchgs
	}
	return &Arbiter{profile: profile, maxYields: maxYields, maxXchgs: maxXchgs}
}

// QueueChoice records the sibling tid chosen by the Explorer after a
// rewind, consumed by the next ChooseNext call (spec.md §4.4, §4.6 step 3).
func (a *Arbiter) QueueChoice(tid uint32) {
	a.queuedTID = tid
	a.hasQueuedTID = true
}

func inAnyRange(ranges []Range, eip uint32) bool {
	for _, r := range ranges {
		if r.contains(eip) {
			return true
		}
	}
	return false
}

func inAnyMask(mask []uint32, eip uint32) bool {
	for _, m := range mask {
		if m == eip {
			return true
		}
	}
	return false
}

// Classify determines whether eip is a PP, per spec.md §4.4's four
// conditions (a)-(d), filtered by the within-function whitelist/
// blacklist and by the never-a-PP scheduler-internal window.
func (a *Arbiter) Classify(eip uint32, th *threadtable.Thread, voluntaryReschedule bool) Decision {
	if th.Flags.AnySchedulerAction() || th.Flags.InTimer {
		return Decision{}
	}

	if len(a.profile.Blacklist()) > 0 && inAnyRange(a.profile.Blacklist(), eip) {
		return Decision{}
	}

	watched := inAnyRange(a.profile.WatchedRanges(), eip)
	if len(a.profile.Whitelist()) > 0 {
		watched = watched && inAnyRange(a.profile.Whitelist(), eip)
	}
	if watched {
		return Decision{IsPP: true, Voluntary: voluntaryReschedule}
	}

	if voluntaryReschedule {
		return Decision{IsPP: true, Voluntary: true}
	}

	if inAnyMask(a.profile.SpeculativeDataRaceEIPs(), eip) {
		return Decision{IsPP: true, DataRaceEIP: eip, HasDataRaceEIP: true}
	}

	if inAnyMask(a.profile.ExplicitMask(), eip) {
		return Decision{IsPP: true}
	}

	return Decision{}
}

// Blocked reports whether th has crossed the yield/xchg thresholds and
// must be refused until another thread writes to an address in its
// access set (spec.md §4.4).
func (a *Arbiter) Blocked(th *threadtable.Thread) bool {
	return th.YieldCount >= a.maxYields || th.XchgCount >= a.maxXchgs
}

// ChooseNext selects the next thread to run at a PP: a queued Explorer
// choice takes priority; otherwise the current thread continues if this
// was a voluntary reschedule point, else the first runnable,
// non-blocked thread is chosen (spec.md §4.4).
func (a *Arbiter) ChooseNext(tb *threadtable.Table, currentTID uint32, voluntary bool) (uint32, bool) {
	if a.hasQueuedTID {
		tid := a.queuedTID
		a.hasQueuedTID = false
		return tid, true
	}

	if voluntary {
		if th, ok := tb.Get(currentTID); ok && !a.Blocked(th) {
			return currentTID, true
		}
	}

	for _, tid := range tb.Runqueue() {
		th, ok := tb.Get(tid)
		if !ok || a.Blocked(th) {
			continue
		}
		return tid, true
	}
	return 0, false
}
