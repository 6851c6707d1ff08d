// Package recovery keeps a panicking background loop from taking the whole
// session down. Every long-lived goroutine the engine spawns (transport
// receive, retransmit timer, ack flush, event-queue poll) defers
// RecoverWithLog so a single bad packet or handler bug surfaces as an error
// log with a stack, not a process crash.
package recovery

import (
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers a panic in the current goroutine and logs it with
// the loop's name and a stack trace. Deferred at the top of each background
// loop:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "circuit.retransmitLoop")
//	    ...
//	}()
//
// The goroutine still exits; callers that need the loop restarted own that
// decision.
func RecoverWithLog(logger *slog.Logger, name string) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("panic recovered",
		slog.String("goroutine", name),
		slog.Any("panic", r),
		slog.String("stack", string(debug.Stack())))
}
