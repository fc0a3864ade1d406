// Package adapter defines the AdapterLogic contract and the AdapterHandle
// supervisor that wraps any implementation with a uniform lifecycle:
// init, run, retry with backoff, and exactly-once AdapterStopped
// acknowledgement (spec.md §4.2).
package adapter

import (
	"context"

	"github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/events"
)

// Logic is the small capability set every adapter must implement. Prefix
// must be a stable, constant zone-id prefix and logging tag for the
// lifetime of the process.
type Logic interface {
	// Prefix is the adapter's static zone-id prefix and logging tag.
	Prefix() string
	// Init performs one-shot, idempotent setup. A failure here is fatal:
	// the handle does not retry and does not call Run; it still publishes
	// AdapterStopped on its way out.
	Init(ctx context.Context) error
	// Run is the adapter's long-running session loop. It returns when the
	// session ends, normally (nil) or with a fatal error. ctx is cancelled
	// on shutdown or ahead of a retry attempt; b is the shared bus.
	Run(ctx context.Context, b *bus.Bus) error
	// HandleCommand synchronously dispatches a control command against a
	// zone this adapter owns.
	HandleCommand(ctx context.Context, zoneID string, cmd events.Command) (events.Response, error)
}
