// Package connectivity tracks whether the Zeke backend is reachable.
package connectivity

import "context"

// Monitor tracks backend reachability for the sync engine.
//
// The monitor probes the backend on an interval and caches the result.
// Reads are instant and never touch the network; the cached value is what
// the rest of the engine consults before attempting any remote work.
//
// Subscribers are notified on state transitions only, each on its own
// goroutine. A slow or panicking subscriber never blocks the monitor or
// other subscribers.
type Monitor interface {
	// IsOnline returns the cached connectivity state.
	//
	// This never blocks and never probes; it reflects the most recent
	// probe or hint.
	IsOnline() bool

	// OnChange registers a callback invoked whenever connectivity flips.
	//
	// The callback receives the new state and runs on its own goroutine.
	// The returned function unsubscribes; calling it more than once is
	// harmless.
	//
	// Example:
	//   off := monitor.OnChange(func(online bool) { ... })
	//   defer off()
	OnChange(fn func(online bool)) (unsubscribe func())

	// Refresh probes immediately, updates the cached state, and returns
	// the fresh result. Used by forced syncs that need current truth
	// rather than the last poll.
	Refresh(ctx context.Context) bool

	// SetOnline overrides the cached state directly.
	//
	// Transport layers call this with hints: a connection refused proves
	// offline without waiting for the next probe, a successful response
	// proves online.
	SetOnline(online bool)

	// Start runs the probe loop until ctx is cancelled. An initial probe
	// fires immediately so the cache is warm before the first tick.
	Start(ctx context.Context)
}
