package controlloop

import "github.com/joeycumines/logiface"

// loggerOrNoOp returns logger, or the zero-value *logiface.Logger[Event]
// (disabled: every call is a no-op) if logger is nil. This replaces the
// teacher's hand-rolled global-logger/LogLevel/LogEntry framework
// (eventloop/logging.go) — logiface already provides the structured,
// leveled logging surface the teacher reaches for elsewhere (e.g.
// sql/export's `x.Logger.Debug().Log(...)` idiom), so there is no reason
// to reimplement a parallel one here.
func loggerOrNoOp(logger *logiface.Logger[logiface.Event]) *logiface.Logger[logiface.Event] {
	if logger != nil {
		return logger
	}
	return &logiface.Logger[logiface.Event]{}
}
