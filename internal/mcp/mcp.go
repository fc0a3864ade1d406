// Package mcp implements the Model Context Protocol command surface: a
// request/response correlation table over the bus's async ControlCommand /
// CommandResult events, with orphan GC, plus singleflight collapsing of
// duplicate concurrent tool calls (spec.md §9 "per-request correlation").
package mcp

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/events"
	xglog "github.com/muse-bridge/bridge/internal/log"
)

const (
	// gcInterval is how often the correlation table is swept for orphans.
	gcInterval = 60 * time.Second
	// orphanAge is how long an un-answered correlation entry survives
	// before its one-shot channel is closed and the entry is dropped.
	orphanAge = 2 * time.Minute
)

// ErrCorrelationTimeout is returned when no CommandResult arrives before
// ctx's deadline.
var ErrCorrelationTimeout = errors.New("mcp: no response received for command")

type pendingEntry struct {
	ch      chan events.CommandResult
	created time.Time
}

// Dispatcher correlates outbound ControlCommand events with their eventual
// CommandResult on the bus, and collapses duplicate concurrent calls.
type Dispatcher struct {
	bus *bus.Bus

	mu      sync.Mutex
	pending map[string]*pendingEntry

	group singleflight.Group
}

// NewDispatcher builds a Dispatcher. It does not listen on the bus by
// itself: call Run in a goroutine to start the listener and GC.
func NewDispatcher(b *bus.Bus) *Dispatcher {
	return &Dispatcher{
		bus:     b,
		pending: make(map[string]*pendingEntry),
	}
}

// Run consumes CommandResult events off the bus and periodically GCs
// orphaned correlation entries, until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	logger := xglog.WithComponent("mcp")
	recv := d.bus.Subscribe()
	defer recv.Unsubscribe()

	gc := time.NewTicker(gcInterval)
	defer gc.Stop()

	eventCh := make(chan events.Event)
	go func() {
		defer close(eventCh)
		for {
			event, _, ok := recv.Recv(ctx)
			if !ok {
				return
			}
			select {
			case eventCh <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Str("event", "mcp.start").Msg("command correlation dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.drainAll()
			return
		case event, ok := <-eventCh:
			if !ok {
				d.drainAll()
				return
			}
			if result, isResult := event.(events.CommandResult); isResult {
				d.resolve(result)
			}
		case <-gc.C:
			n := d.collectOrphans()
			if n > 0 {
				logger.Debug().Int("evicted", n).Str("event", "mcp.gc").Msg("evicted orphaned command correlations")
			}
		}
	}
}

func (d *Dispatcher) resolve(result events.CommandResult) {
	d.mu.Lock()
	entry, ok := d.pending[result.ID]
	if ok {
		delete(d.pending, result.ID)
	}
	d.mu.Unlock()

	if ok {
		entry.ch <- result
		close(entry.ch)
	}
}

// collectOrphans evicts correlation entries older than orphanAge, returning
// how many were evicted.
func (d *Dispatcher) collectOrphans() int {
	cutoff := time.Now().Add(-orphanAge)
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, entry := range d.pending {
		if entry.created.Before(cutoff) {
			close(entry.ch)
			delete(d.pending, id)
			n++
		}
	}
	return n
}

func (d *Dispatcher) drainAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, entry := range d.pending {
		close(entry.ch)
		delete(d.pending, id)
	}
}

// Dispatch publishes a ControlCommand for zoneID and blocks until a matching
// CommandResult arrives or ctx is cancelled. Concurrent identical calls
// (same zoneID+action+value+query) are collapsed into a single in-flight
// command via singleflight.
func (d *Dispatcher) Dispatch(ctx context.Context, zoneID string, cmd events.Command) (events.Response, error) {
	key := zoneID + "|" + string(cmd.Action) + "|" + strconv.FormatFloat(cmd.Value, 'g', -1, 64) + "|" + cmd.Query
	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.dispatchOnce(ctx, zoneID, cmd)
	})
	if err != nil {
		return events.Response{}, err
	}
	return v.(events.Response), nil
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, zoneID string, cmd events.Command) (events.Response, error) {
	id := uuid.NewString()
	entry := &pendingEntry{ch: make(chan events.CommandResult, 1), created: time.Now()}

	d.mu.Lock()
	d.pending[id] = entry
	d.mu.Unlock()

	d.bus.Publish(events.ControlCommand{ID: id, ZoneID: zoneID, Cmd: cmd})
	d.bus.Publish(events.CommandReceived{ID: id})

	select {
	case result := <-entry.ch:
		if !result.OK {
			return events.Response{OK: false, Error: result.Error}, errors.New(result.Error)
		}
		return events.Response{OK: true}, nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return events.Response{}, ErrCorrelationTimeout
	}
}
