// Package engine defines the scheduling abstraction for the core's
// recurring background work — the verification cache's garbage-collection
// tick and the Olm manager's unwedging key-claim scan — so adapters
// (Temporal, in-memory) can be swapped without touching the components
// that own the work.
package engine

import (
	"context"
	"time"
)

type (
	// Sweep binds a recurring handler to a logical name and interval. The
	// handler must be idempotent: durable backends re-run it after process
	// restarts and may retry a failed run.
	Sweep struct {
		// Name is the logical identifier registered with the engine (e.g.
		// "verification-gc").
		Name string
		// Every is the interval between runs.
		Every time.Duration
		// Timeout bounds a single run. Zero means the backend default.
		Timeout time.Duration
		// Handler performs one run of the sweep. Errors are logged and the
		// sweep continues on its next tick.
		Handler func(ctx context.Context) error
	}

	// Engine schedules registered sweeps. Register every sweep before
	// calling Start; Close stops all scheduling.
	Engine interface {
		// RegisterSweep records a sweep definition. Returns an error if the
		// name is empty or already registered, or the handler is nil.
		RegisterSweep(ctx context.Context, s Sweep) error
		// Start begins running all registered sweeps.
		Start(ctx context.Context) error
		// Close stops scheduling and waits for in-flight runs to return.
		Close(ctx context.Context) error
	}
)
