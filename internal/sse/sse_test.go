package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeHTTPStreamsMuseEvents(t *testing.T) {
	b := bus.New(8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeHTTP(w, r, b)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	client := &http.Client{}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	b.Publish(events.ZoneRemoved{ZoneID: "roon:1"})

	buf := make([]byte, 512)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)

	line := string(buf[:n])
	assert.Contains(t, line, "data: ")

	jsonPart := line[len("data: "):]
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(jsonPart[:len(jsonPart)-2]), &env))
	assert.Equal(t, "ZoneRemoved", env.Type)
}

func TestServeHTTPSkipsNonMuseEvents(t *testing.T) {
	b := bus.New(8)
	received := make(chan string, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go Subscribe(ctx, b, func(kind string, payload []byte) {
		received <- kind
	})

	time.Sleep(20 * time.Millisecond)
	b.Publish(events.HealthCheck{Adapter: "roon", OK: true})
	b.Publish(events.ZoneRemoved{ZoneID: "roon:1"})

	select {
	case kind := <-received:
		assert.Equal(t, "ZoneRemoved", kind, "HealthCheck is not a MuseEvent and must not be delivered")
	case <-time.After(1 * time.Second):
		t.Fatal("expected at least one MuseEvent delivery")
	}
}
