package adapter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	busp "github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogic struct {
	prefix string

	initErr error

	mu       sync.Mutex
	runCalls int
	runFunc  func(ctx context.Context, b *busp.Bus) error
}

func (f *fakeLogic) Prefix() string { return f.prefix }

func (f *fakeLogic) Init(ctx context.Context) error { return f.initErr }

func (f *fakeLogic) Run(ctx context.Context, b *busp.Bus) error {
	f.mu.Lock()
	f.runCalls++
	fn := f.runFunc
	f.mu.Unlock()
	return fn(ctx, b)
}

func (f *fakeLogic) HandleCommand(ctx context.Context, zoneID string, cmd events.Command) (events.Response, error) {
	return events.Response{OK: true}, nil
}

func (f *fakeLogic) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runCalls
}

func waitForCondition(t *testing.T, cond func() bool) {
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

func TestHandlePublishesAdapterStoppedOnInitFailure(t *testing.T) {
	b := busp.New(8)
	recv := b.Subscribe()
	defer recv.Unsubscribe()

	logic := &fakeLogic{prefix: "test", initErr: errors.New("boom")}
	h := New(logic, b, false)

	err := h.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, h.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, _, ok := recv.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, events.AdapterStopped{Adapter: "test"}, e)
}

func TestHandleRetriesWithBackoffOnRunFailure(t *testing.T) {
	var attempts atomic.Int32
	logic := &fakeLogic{
		prefix: "test",
		runFunc: func(ctx context.Context, b *busp.Bus) error {
			n := attempts.Add(1)
			if n < 3 {
				return errors.New("transient")
			}
			<-ctx.Done()
			return nil
		},
	}
	b := busp.New(8)
	h := New(logic, b, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	// initialBackoff(1s) + 2s = at least 3s before the 3rd attempt fires.
	waitForConditionWithin(t, 10*time.Second, func() bool { return attempts.Load() >= 3 })
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handle did not stop after cancellation")
	}
}

func waitForConditionWithin(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHandleStopsOnShuttingDownEvent(t *testing.T) {
	started := make(chan struct{})
	logic := &fakeLogic{
		prefix: "test",
		runFunc: func(ctx context.Context, b *busp.Bus) error {
			close(started)
			<-ctx.Done()
			return nil
		},
	}
	b := busp.New(8)
	recv := b.Subscribe()
	defer recv.Unsubscribe()

	h := New(logic, b, true)
	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	<-started
	b.Publish(events.ShuttingDown{})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not stop after ShuttingDown")
	}
	assert.Equal(t, 1, logic.calls())
}

func TestHandleDoesNotRetryWhenRetryDisabled(t *testing.T) {
	logic := &fakeLogic{
		prefix: "test",
		runFunc: func(ctx context.Context, b *busp.Bus) error {
			return errors.New("fatal")
		},
	}
	b := busp.New(8)
	h := New(logic, b, false)

	err := h.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, logic.calls())
}
