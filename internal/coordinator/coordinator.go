// Package coordinator owns the bus and the running set of adapter handles.
// It constructs, starts, and stops adapters, exposes the bus that the
// aggregator/reporter/SSE layer subscribe to (the daemon wires those), and
// routes synchronous commands to the adapter that owns the target zone
// (spec.md §4.4).
package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/muse-bridge/bridge/internal/adapter"
	"github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/events"
	xglog "github.com/muse-bridge/bridge/internal/log"
	"github.com/muse-bridge/bridge/internal/metrics"
	"github.com/muse-bridge/bridge/internal/telemetry"
)

var tracer = telemetry.Tracer("coordinator")

// Error kinds from spec.md §7's taxonomy that the router can produce.
var (
	ErrUnknownZone        = errors.New("unknown zone")
	ErrAdapterNotAvailable = errors.New("adapter not available")
	ErrTimeout            = errors.New("command timed out")
)

const (
	// CommandTimeout bounds a single synchronous adapter command (spec.md §5).
	CommandTimeout = 10 * time.Second
	// ShutdownGrace bounds how long the coordinator waits for every started
	// adapter to ACK with AdapterStopped before cancelling stragglers.
	ShutdownGrace = 10 * time.Second
)

type runningAdapter struct {
	logic  adapter.Logic
	handle *adapter.Handle
	cancel context.CancelFunc
}

// Coordinator owns the bus and the set of running adapter handles.
type Coordinator struct {
	Bus *bus.Bus

	mu       sync.RWMutex
	adapters map[string]*runningAdapter
	group    *errgroup.Group
	groupCtx context.Context
}

// New constructs a Coordinator around a freshly created bus.
func New(bufferSize int) *Coordinator {
	return &Coordinator{
		Bus:      bus.New(bufferSize),
		adapters: make(map[string]*runningAdapter),
	}
}

// StartAdapter wraps logic in an AdapterHandle (retrying on Run failure when
// retry is true) and spawns it. It is safe to call before or after Run: while
// Run is active the handle is spawned under Run's errgroup, otherwise in a
// plain goroutine.
func (c *Coordinator) StartAdapter(ctx context.Context, logic adapter.Logic, retry bool) {
	prefix := logic.Prefix()
	handle := adapter.New(logic, c.Bus, retry)
	childCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.adapters[prefix] = &runningAdapter{logic: logic, handle: handle, cancel: cancel}
	g := c.group
	c.mu.Unlock()

	logger := xglog.WithComponent("coordinator")
	run := func() error {
		if err := handle.Run(childCtx); err != nil {
			logger.Error().Err(err).Str("prefix", prefix).Str("event", "adapter.fatal").Msg("adapter exited fatally")
		}
		return nil
	}

	if g != nil {
		g.Go(run)
	} else {
		go func() { _ = run() }()
	}
}

// StopAdapter cancels and forgets the running adapter for prefix, if any.
// This is what lets internal/settings toggle an adapter off at runtime
// (SPEC_FULL.md §5) without waiting for a full coordinator Shutdown.
func (c *Coordinator) StopAdapter(prefix string) {
	c.mu.Lock()
	ra, ok := c.adapters[prefix]
	if ok {
		delete(c.adapters, prefix)
	}
	c.mu.Unlock()

	if ok {
		ra.cancel()
	}
}

// Run installs an errgroup tied to ctx, under which every adapter started
// from then on is spawned, and blocks until ctx is done, then waits for those
// adapters to return. Adapters started before Run are not in the group.
// StartAdapter swallows all adapter errors so the process survives a single
// backend's fatal failure, so Run returns only once ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	c.mu.Lock()
	c.group = g
	c.groupCtx = gctx
	c.mu.Unlock()

	<-ctx.Done()
	return g.Wait()
}

// Shutdown publishes ShuttingDown, waits (bounded) for every started adapter
// to ACK with AdapterStopped, then cancels any stragglers (spec.md §4.4).
func (c *Coordinator) Shutdown(ctx context.Context) {
	logger := xglog.WithComponent("coordinator")

	c.mu.RLock()
	pending := make(map[string]bool, len(c.adapters))
	for prefix := range c.adapters {
		pending[prefix] = true
	}
	c.mu.RUnlock()

	if len(pending) == 0 {
		c.Bus.Publish(events.ShuttingDown{})
		return
	}

	recv := c.Bus.Subscribe()
	defer recv.Unsubscribe()

	c.Bus.Publish(events.ShuttingDown{})

	deadline := time.Now().Add(ShutdownGrace)
	for len(pending) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		event, _, ok := recv.Recv(waitCtx)
		cancel()
		if !ok {
			break
		}
		if stopped, isStopped := event.(events.AdapterStopped); isStopped {
			delete(pending, stopped.Adapter)
		}
	}

	if len(pending) > 0 {
		logger.Warn().Int("stragglers", len(pending)).Str("event", "shutdown.force_cancel").
			Msg("cancelling adapters that did not ACK shutdown in time")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for prefix := range pending {
		if ra, ok := c.adapters[prefix]; ok {
			ra.cancel()
		}
	}
}

// Route implements the command router: extract the prefix from zone_id,
// look up the owning adapter, and delegate with a bounded timeout.
func (c *Coordinator) Route(ctx context.Context, zoneID string, cmd events.Command) (events.Response, error) {
	ctx, span := tracer.Start(ctx, "coordinator.route")
	defer span.End()
	span.SetAttributes(attribute.String("zone_id", zoneID), attribute.String("action", string(cmd.Action)))

	start := time.Now()
	prefix := prefixOf(zoneID)
	if prefix == "" {
		metrics.CommandLatency.WithLabelValues(string(cmd.Action), "unknown_zone").Observe(time.Since(start).Seconds())
		span.SetStatus(codes.Error, ErrUnknownZone.Error())
		return events.Response{}, ErrUnknownZone
	}

	c.mu.RLock()
	ra, ok := c.adapters[prefix]
	c.mu.RUnlock()
	if !ok {
		metrics.CommandLatency.WithLabelValues(string(cmd.Action), "adapter_not_available").Observe(time.Since(start).Seconds())
		span.SetStatus(codes.Error, ErrAdapterNotAvailable.Error())
		return events.Response{}, ErrAdapterNotAvailable
	}

	cmdCtx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	resp, err := ra.logic.HandleCommand(cmdCtx, zoneID, cmd)
	outcome := "ok"
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		outcome = "timeout"
		err = ErrTimeout
	} else if err != nil {
		outcome = "error"
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.CommandLatency.WithLabelValues(string(cmd.Action), outcome).Observe(time.Since(start).Seconds())
	return resp, err
}

// RunCommandResponder subscribes to the bus for ControlCommand events (the
// MCP dispatcher's async command envelope) and answers each with a
// CommandResult derived from Route's outcome, until ctx is done. This is
// what makes internal/mcp's correlation table ever actually resolve instead
// of deterministically timing out: without a responder, nothing on the bus
// ever publishes CommandResult.
func (c *Coordinator) RunCommandResponder(ctx context.Context) {
	recv := c.Bus.Subscribe()
	defer recv.Unsubscribe()

	for {
		event, _, ok := recv.Recv(ctx)
		if !ok {
			return
		}
		cc, isControlCommand := event.(events.ControlCommand)
		if !isControlCommand {
			continue
		}
		go c.respond(ctx, cc)
	}
}

func (c *Coordinator) respond(ctx context.Context, cc events.ControlCommand) {
	resp, err := c.Route(ctx, cc.ZoneID, cc.Cmd)
	result := events.CommandResult{ID: cc.ID, OK: err == nil}
	if err != nil {
		result.Error = err.Error()
	} else {
		result.OK = resp.OK
		if !resp.OK {
			result.Error = resp.Error
		}
	}
	c.Bus.Publish(result)
}

// prefixOf extracts the substring before the first ':' in zoneID, or "" if
// zoneID has no ':'.
func prefixOf(zoneID string) string {
	i := strings.IndexByte(zoneID, ':')
	if i < 0 {
		return ""
	}
	return zoneID[:i]
}
