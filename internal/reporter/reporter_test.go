package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	busp "github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAggregator struct {
	mu    sync.Mutex
	zones map[string]events.Zone
}

func newFakeAggregator() *fakeAggregator {
	return &fakeAggregator{zones: make(map[string]events.Zone)}
}

func (f *fakeAggregator) GetZone(zoneID string) (events.Zone, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zones[zoneID]
	return z, ok
}

func (f *fakeAggregator) set(z events.Zone) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zones[z.ZoneID] = z
}

type captureServer struct {
	mu       sync.Mutex
	requests []events.IngestRequest
	authHdrs []string
}

func newCaptureServer() (*httptest.Server, *captureServer) {
	cap := &captureServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req events.IngestRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		cap.mu.Lock()
		cap.requests = append(cap.requests, req)
		cap.authHdrs = append(cap.authHdrs, r.Header.Get("Authorization"))
		cap.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	return srv, cap
}

func (c *captureServer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *captureServer) last() events.IngestRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func waitForCount(t *testing.T, c *captureServer, n int) {
	t.Helper()
	deadline := time.Now().Add(batchFlushInterval + time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least %d requests, got %d", n, c.count())
}

// Scenario 4: reporter debounce (spec.md §8.4).
func TestReporterDebouncesDuplicateEvents(t *testing.T) {
	srv, cap := newCaptureServer()
	defer srv.Close()

	agg := newFakeAggregator()
	agg.set(events.Zone{ZoneID: "roon:1", ZoneName: "Den", Source: "roon"})

	r := New("test-license", agg, WithIngestURL(srv.URL))

	b := busp.New(32)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, b)
		close(done)
	}()
	for b.SubscriberCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	title := "X"
	artist := "Y"
	album := "Z"
	for i := 0; i < 10; i++ {
		b.Publish(events.NowPlayingChanged{ZoneID: "roon:1", Title: &title, Artist: &artist, Album: &album})
	}

	time.Sleep(200 * time.Millisecond)
	// Run no longer auto-flushes on ctx cancellation (that would race the
	// coordinator's shutdown ordering); the caller flushes explicitly once
	// Run has stopped, same as cmd/bridged/main.go does after coordinator
	// shutdown completes.
	cancel()
	<-done
	r.Flush(context.Background())

	waitForCount(t, cap, 1)
	assert.Equal(t, 1, cap.count(), "ten identical events within the debounce window must produce exactly one POST")

	req := cap.last()
	require.Len(t, req.Events, 1)
	assert.Equal(t, "now_playing_changed", req.Events[0].EventType)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(req.Events[0].Payload, &payload))
	assert.Equal(t, "Den", payload["zone_name"])
	assert.Equal(t, "roon", payload["source"])
}

// Scenario 5: reporter batch flush (spec.md §8.5).
func TestReporterBatchFlushesOnTimer(t *testing.T) {
	srv, cap := newCaptureServer()
	defer srv.Close()

	agg := newFakeAggregator()
	r := New("test-license", agg, WithIngestURL(srv.URL))

	b := busp.New(32)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, b)
	for b.SubscriberCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 9; i++ {
		b.Publish(events.ZoneRemoved{ZoneID: zoneIDFor(i)})
	}

	waitForCount(t, cap, 1)
	req := cap.last()
	assert.Len(t, req.Events, 9)
}

func zoneIDFor(i int) string {
	return "roon:" + string(rune('a'+i))
}

func TestReporterDisabledByDefaultDropsEvents(t *testing.T) {
	srv, cap := newCaptureServer()
	defer srv.Close()

	agg := newFakeAggregator()
	r := New("", agg, WithIngestURL(srv.URL))

	b := busp.New(32)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, b)

	b.Publish(events.ZoneRemoved{ZoneID: "roon:1"})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, cap.count())
}

func TestReporterClearsStateOnDisable(t *testing.T) {
	agg := newFakeAggregator()
	r := New("license", agg)

	r.pendingMu.Lock()
	r.pending = append(r.pending, events.IngestEvent{EventType: "x"})
	r.pendingMu.Unlock()

	r.SetLicense(context.Background(), "")

	r.pendingMu.Lock()
	n := len(r.pending)
	r.pendingMu.Unlock()
	assert.Equal(t, 0, n, "disabling must clear the pending batch")
}

func TestReporterDropsChattyAndInternalKinds(t *testing.T) {
	agg := newFakeAggregator()
	r := New("license", agg)

	for _, e := range []events.Event{
		events.SeekPositionChanged{ZoneID: "roon:1", PositionMS: 1000},
		events.ShuttingDown{},
		events.HealthCheck{Adapter: "roon", OK: true},
		events.CommandReceived{ID: "1"},
		events.CommandResult{ID: "1", OK: true},
		events.AdapterStopping{Adapter: "roon"},
		events.AdapterStopped{Adapter: "roon"},
		events.ZonesFlushed{Adapter: "roon"},
		events.ControlCommand{ID: "1", ZoneID: "roon:1"},
	} {
		_, ok := r.convert(e)
		assert.False(t, ok, "%T must not be forwarded", e)
	}
}
