package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/muse-bridge/bridge/internal/adapter"
	busp "github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLogic struct {
	prefix  string
	respond func(zoneID string, cmd events.Command) (events.Response, error)
}

func (s *stubLogic) Prefix() string                          { return s.prefix }
func (s *stubLogic) Init(ctx context.Context) error           { return nil }
func (s *stubLogic) Run(ctx context.Context, b *busp.Bus) error {
	<-ctx.Done()
	return nil
}
func (s *stubLogic) HandleCommand(ctx context.Context, zoneID string, cmd events.Command) (events.Response, error) {
	if s.respond != nil {
		return s.respond(zoneID, cmd)
	}
	return events.Response{OK: true}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRoutePrefixExtraction(t *testing.T) {
	c := New(16)
	logic := &stubLogic{prefix: "roon"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartAdapter(ctx, logic, false)

	waitFor(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		_, ok := c.adapters["roon"]
		return ok
	})

	resp, err := c.Route(context.Background(), "roon:zone1", events.Command{Action: events.ActionPlay})
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

func TestRouteUnknownZone(t *testing.T) {
	c := New(16)
	_, err := c.Route(context.Background(), "no-colon-here", events.Command{Action: events.ActionPlay})
	assert.ErrorIs(t, err, ErrUnknownZone)
}

func TestRouteAdapterNotAvailable(t *testing.T) {
	c := New(16)
	_, err := c.Route(context.Background(), "lms:zone1", events.Command{Action: events.ActionPlay})
	assert.ErrorIs(t, err, ErrAdapterNotAvailable)
}

func TestRoutePropagatesAdapterError(t *testing.T) {
	c := New(16)
	wantErr := errors.New("backend refused")
	logic := &stubLogic{
		prefix: "roon",
		respond: func(zoneID string, cmd events.Command) (events.Response, error) {
			return events.Response{}, wantErr
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartAdapter(ctx, logic, false)

	waitFor(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		_, ok := c.adapters["roon"]
		return ok
	})

	_, err := c.Route(context.Background(), "roon:zone1", events.Command{Action: events.ActionPlay})
	assert.ErrorIs(t, err, wantErr)
}

func TestShutdownWaitsForAdapterStopped(t *testing.T) {
	c := New(16)
	logic := &stubLogic{prefix: "roon"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartAdapter(ctx, logic, false)

	waitFor(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		_, ok := c.adapters["roon"]
		return ok
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	c.Shutdown(shutdownCtx)
}

func TestShutdownWithNoAdaptersPublishesShuttingDown(t *testing.T) {
	c := New(16)
	recv := c.Bus.Subscribe()
	defer recv.Unsubscribe()

	c.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, _, ok := recv.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, events.ShuttingDown{}, e)
}

var _ = adapter.Logic(&stubLogic{})
