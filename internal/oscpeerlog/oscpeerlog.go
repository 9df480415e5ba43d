// Package oscpeerlog provides the small per-subsystem logger helper used
// across this module, in the spirit of the retrieved arpad codebase's
// logging.Get(subsystem) registry, but scoped to a single peer's logger
// (via WithLogger) instead of a package-global one, so two peers in the
// same process never share or race over logging state.
package oscpeerlog

import "log/slog"

// Subsystem names the component a logger is scoped to.
type Subsystem string

const (
	Dispatch  Subsystem = "dispatch"
	Call      Subsystem = "call"
	Transport Subsystem = "transport"
	Scheduler Subsystem = "scheduler"
)

// For derives the logger a subsystem should use from a peer's base logger.
// A nil base falls back to slog.Default().
func For(base *slog.Logger, s Subsystem) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("subsystem", string(s)))
}
