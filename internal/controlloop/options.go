// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package controlloop

import "github.com/joeycumines/logiface"

// loopOptions holds configuration applied when a Loop is constructed.
type loopOptions struct {
	logger          *logiface.Logger[logiface.Event]
	metricsEnabled  bool
}

// Option configures a Loop instance (the functional-options shape carried
// over from eventloop/options.go, retargeted to this package's much
// smaller configuration surface).
type Option interface {
	apply(*loopOptions)
}

type optionFunc func(*loopOptions)

func (f optionFunc) apply(o *loopOptions) { f(o) }

// WithLogger sets the structured logger used for dispatch diagnostics
// and recovered-panic reports.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(o *loopOptions) { o.logger = logger })
}

// WithMetrics records the given flag in the Loop's options. The flag is
// not consulted: the Loop always keeps its aggregate (not per-phase)
// counters, retrievable via Loop.Metrics().
func WithMetrics(enabled bool) Option {
	return optionFunc(func(o *loopOptions) { o.metricsEnabled = enabled })
}

func resolveOptions(opts []Option) *loopOptions {
	cfg := &loopOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(cfg)
		}
	}
	return cfg
}
