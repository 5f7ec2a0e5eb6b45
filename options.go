package landslide

import (
	"github.com/bblum/landslide-simics-sub000/internal/lockset"
	"github.com/joeycumines/logiface"
)

// engineOptions holds configuration applied when an Engine is constructed
// (functional-options shape carried over from eventloop/options.go, per
// DESIGN.md's root-package entry).
type engineOptions struct {
	machine      Machine
	profile      *GuestProfile
	jobs         JobChannel
	logger       *logiface.Logger[logiface.Event]
	maxYields    int
	maxXchgs     int
	noProgressN  int
	stopOnFirst  bool
	sameKind     lockset.SameKindPolicy
}

// defaultMaxYields is TOO_MANY_YIELDS (spec.md §5): the yield-loop
// transition count after which the Arbiter declares a thread blocked.
const defaultMaxYields = 10

// defaultMaxXchgs is TOO_MANY_XCHGS (spec.md §5): the same treatment for
// spin-on-atomic-exchange loops.
const defaultMaxXchgs = 10

// defaultNoProgressMultiplier is the "2000 x average_triggers" factor
// spec.md §8's broadcast-test example and §7's progress-failure row use
// to bound how long a branch may run since its last preemption point
// without being declared stalled.
const defaultNoProgressMultiplier = 2000

// Option configures an Engine instance.
type Option interface {
	apply(*engineOptions)
}

type optionFunc func(*engineOptions)

func (f optionFunc) apply(o *engineOptions) { f(o) }

// WithMachine supplies the simulator the Engine drives (required).
func WithMachine(m Machine) Option {
	return optionFunc(func(o *engineOptions) { o.machine = m })
}

// WithGuestProfile supplies the guest-specific watched ranges and address
// classifiers (required); callers must call GuestProfile.Compile first.
func WithGuestProfile(p *GuestProfile) Option {
	return optionFunc(func(o *engineOptions) { o.profile = p })
}

// WithJobChannel supplies the channel used to report progress and bugs to
// the outer driver (required).
func WithJobChannel(j JobChannel) Option {
	return optionFunc(func(o *engineOptions) { o.jobs = j })
}

// WithLogger sets the structured logger used for Engine diagnostics. The
// zero-value *logiface.Logger is used (disabled) if this option is never
// applied.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(o *engineOptions) { o.logger = logger })
}

// WithMaxYields overrides TOO_MANY_YIELDS (spec.md §5, default 10).
func WithMaxYields(n int) Option {
	return optionFunc(func(o *engineOptions) { o.maxYields = n })
}

// WithMaxXchgs overrides TOO_MANY_XCHGS (spec.md §5, default 10).
func WithMaxXchgs(n int) Option {
	return optionFunc(func(o *engineOptions) { o.maxXchgs = n })
}

// WithNoProgressMultiplier overrides the "N x average_triggers"
// instructions-since-last-PP threshold (spec.md §7/§8, default 2000).
func WithNoProgressMultiplier(n int) Option {
	return optionFunc(func(o *engineOptions) { o.noProgressN = n })
}

// WithStopOnFirstBug configures whether the Explorer halts after the
// first bug found, versus continuing to explore other branches (spec.md
// §7, "the Explorer may continue if configured not to stop on first
// bug").
func WithStopOnFirstBug(stop bool) Option {
	return optionFunc(func(o *engineOptions) { o.stopOnFirst = stop })
}

// WithSameKindPolicy overrides the lockset kind-equality policy used for
// recursive-lock detection (spec.md §9 Open Question (c), default
// treats rwlock-read and rwlock-write as the same kind).
func WithSameKindPolicy(policy lockset.SameKindPolicy) Option {
	return optionFunc(func(o *engineOptions) { o.sameKind = policy })
}

func resolveOptions(opts []Option) *engineOptions {
	cfg := &engineOptions{
		maxYields:   defaultMaxYields,
		maxXchgs:    defaultMaxXchgs,
		noProgressN: defaultNoProgressMultiplier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(cfg)
		}
	}
	return cfg
}
