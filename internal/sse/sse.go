// Package sse implements the consumer-facing event stream: each subscriber
// gets a fresh bus receiver, and every MuseEvent-eligible BusEvent is
// written as a single `data: <json>\n\n` line (spec.md §4.6, §6).
package sse

import (
	"context"
	"fmt"
	"net/http"

	"github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/events"
	xglog "github.com/muse-bridge/bridge/internal/log"
)

// ServeHTTP streams bus events as Server-Sent Events to w. It blocks until
// the client disconnects, the request context is cancelled, or the
// subscriber is dropped for lagging.
func ServeHTTP(w http.ResponseWriter, r *http.Request, b *bus.Bus) {
	logger := xglog.WithComponent("sse")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	recv := b.Subscribe()
	defer recv.Unsubscribe()

	ctx := r.Context()
	for {
		event, lagged, ok := recv.Recv(ctx)
		if !ok {
			return
		}
		if lagged > 0 {
			// A lagged SSE subscriber is closed per spec.md §4.6: the client
			// must reconnect and resync via REST rather than receive a gap.
			logger.Warn().Int("lagged", lagged).Str("event", "sse.client_dropped").
				Msg("dropping lagged SSE subscriber")
			return
		}
		if !events.IsMuseEvent(event) {
			continue
		}

		data, err := events.EncodeMuseEvent(event)
		if err != nil {
			logger.Warn().Err(err).Str("event", "sse.encode_failed").Msg("failed to encode event for SSE")
			continue
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// Subscribe wires a bus subscription to a callback for every MuseEvent,
// useful outside of an HTTP handler (tests, alternate transports).
func Subscribe(ctx context.Context, b *bus.Bus, onEvent func(kind string, payload []byte)) {
	recv := b.Subscribe()
	defer recv.Unsubscribe()

	for {
		event, lagged, ok := recv.Recv(ctx)
		if !ok || lagged > 0 {
			return
		}
		if !events.IsMuseEvent(event) {
			continue
		}
		data, err := events.EncodeMuseEvent(event)
		if err != nil {
			continue
		}
		onEvent(string(event.Kind()), data)
	}
}
