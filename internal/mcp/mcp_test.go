package mcp

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchResolvesOnCommandResult(t *testing.T) {
	b := bus.New(16)
	d := NewDispatcher(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	recv := b.Subscribe()
	defer recv.Unsubscribe()
	for b.SubscriberCount() < 2 {
		time.Sleep(time.Millisecond)
	}

	go func() {
		for {
			event, _, ok := recv.Recv(ctx)
			if !ok {
				return
			}
			if cc, isControl := event.(events.ControlCommand); isControl {
				b.Publish(events.CommandResult{ID: cc.ID, OK: true})
			}
		}
	}()

	resp, err := d.Dispatch(context.Background(), "roon:1", events.Command{Action: events.ActionPlay})
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

func TestDispatchPropagatesCommandError(t *testing.T) {
	b := bus.New(16)
	d := NewDispatcher(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	recv := b.Subscribe()
	defer recv.Unsubscribe()
	for b.SubscriberCount() < 2 {
		time.Sleep(time.Millisecond)
	}

	go func() {
		for {
			event, _, ok := recv.Recv(ctx)
			if !ok {
				return
			}
			if cc, isControl := event.(events.ControlCommand); isControl {
				b.Publish(events.CommandResult{ID: cc.ID, OK: false, Error: "backend refused"})
			}
		}
	}()

	_, err := d.Dispatch(context.Background(), "roon:1", events.Command{Action: events.ActionPlay})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend refused")
}

func TestDispatchTimesOutWithoutResult(t *testing.T) {
	b := bus.New(16)
	d := NewDispatcher(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	dispatchCtx, dispatchCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer dispatchCancel()

	_, err := d.Dispatch(dispatchCtx, "roon:1", events.Command{Action: events.ActionPlay})
	assert.ErrorIs(t, err, ErrCorrelationTimeout)
}

func TestCollectOrphansEvictsStaleEntries(t *testing.T) {
	b := bus.New(16)
	d := NewDispatcher(b)

	d.mu.Lock()
	d.pending["old"] = &pendingEntry{ch: make(chan events.CommandResult, 1), created: time.Now().Add(-orphanAge - time.Second)}
	d.pending["fresh"] = &pendingEntry{ch: make(chan events.CommandResult, 1), created: time.Now()}
	d.mu.Unlock()

	evicted := d.collectOrphans()
	assert.Equal(t, 1, evicted)

	d.mu.Lock()
	_, oldStillThere := d.pending["old"]
	_, freshStillThere := d.pending["fresh"]
	d.mu.Unlock()
	assert.False(t, oldStillThere)
	assert.True(t, freshStillThere)
}

func TestConcurrentIdenticalDispatchesCollapse(t *testing.T) {
	b := bus.New(16)
	d := NewDispatcher(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	recv := b.Subscribe()
	defer recv.Unsubscribe()
	for b.SubscriberCount() < 2 {
		time.Sleep(time.Millisecond)
	}

	var controlCommandsSeen atomic.Int32
	go func() {
		for {
			event, _, ok := recv.Recv(ctx)
			if !ok {
				return
			}
			if cc, isControl := event.(events.ControlCommand); isControl {
				controlCommandsSeen.Add(1)
				// Simulate a slow backend so the second Dispatch call has a
				// chance to arrive before this one resolves.
				time.Sleep(100 * time.Millisecond)
				b.Publish(events.CommandResult{ID: cc.ID, OK: true})
			}
		}
	}()

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = d.Dispatch(context.Background(), "roon:1", events.Command{Action: events.ActionPlay})
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	assert.Equal(t, int32(1), controlCommandsSeen.Load(), "identical concurrent dispatches must collapse into one ControlCommand")
}
