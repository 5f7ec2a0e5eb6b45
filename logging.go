package landslide

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// loggerOrNoOp returns logger, or the zero-value *logiface.Logger[Event]
// (disabled: every call is a no-op) if logger is nil, matching
// internal/controlloop's loggerOrNoOp.
func loggerOrNoOp(logger *logiface.Logger[logiface.Event]) *logiface.Logger[logiface.Event] {
	if logger != nil {
		return logger
	}
	return &logiface.Logger[logiface.Event]{}
}

// DefaultLogger returns the stumpy-backed JSON logger used when a caller
// wants output but has no logger of its own (e.g. cmd/landslide). Engine
// itself defaults to the disabled logger via loggerOrNoOp, so callers
// must opt in explicitly with WithLogger(landslide.DefaultLogger()).
// Logger[*stumpy.Event] is narrowed to the generic Logger[logiface.Event]
// via (*Logger[E]).Logger, the same adapter the teacher's sql/export
// package relies on to hold a backend-agnostic *logiface.Logger[Event]
// field.
func DefaultLogger() *logiface.Logger[logiface.Event] {
	return stumpy.L.New(stumpy.L.WithStumpy()).Logger()
}
