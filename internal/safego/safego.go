// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"

	"github.com/headcount/headcount/internal/telemetry"
)

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged rather than crashing the process.
func Go(fn func()) {
	GoNamed("anonymous", fn)
}

// GoNamed is Go with a name that is attached to the log record and the
// goroutine_panics_recovered_total metric. Per-connection pumps and background
// jobs use it so one misbehaving organization cannot take the process down.
func GoNamed(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Recover is deferred at the top of a goroutine that is not started through Go.
func Recover(name string) {
	if r := recover(); r != nil {
		telemetry.PanicsRecoveredTotal.WithLabelValues(name).Inc()
		slog.Error("recovered panic in background goroutine",
			"goroutine", name, "panic", r, "stack", string(debug.Stack()))
	}
}
