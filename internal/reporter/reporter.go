// Package reporter implements the EventReporter: a license-gated, debounced,
// batched, fire-and-forget forwarder that enriches per-zone events from the
// aggregator before shipping them to a remote ingest endpoint (spec.md §4.5).
package reporter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/events"
	xglog "github.com/muse-bridge/bridge/internal/log"
	"github.com/muse-bridge/bridge/internal/metrics"
	"github.com/muse-bridge/bridge/internal/resilience"
	"github.com/muse-bridge/bridge/internal/telemetry"
)

var tracer = telemetry.Tracer("reporter")

const (
	// DefaultIngestURL is used when no override is configured.
	DefaultIngestURL = "https://muse-ingest.ohlabs.ai/ingest"

	debounceWindow      = 5 * time.Second
	debounceJanitorEvery = 30 * time.Second
	debounceExpiry       = 2 * debounceWindow

	maxBatchSize         = 10
	batchFlushInterval   = 5 * time.Second
	httpClientTimeout    = 10 * time.Second
)

// ZoneLookup is the subset of the aggregator's read surface the reporter
// needs for enrichment.
type ZoneLookup interface {
	GetZone(zoneID string) (events.Zone, bool)
}

// Reporter is the EventReporter.
type Reporter struct {
	client     *http.Client
	breaker    *resilience.CircuitBreaker
	ingestURL  string
	aggregator ZoneLookup

	mu      sync.Mutex
	license string

	pendingMu sync.Mutex
	pending   []events.IngestEvent

	debounce debouncer

	now func() time.Time
}

// Option configures a Reporter at construction time.
type Option func(*Reporter)

// WithIngestURL overrides the default ingest endpoint.
func WithIngestURL(url string) Option {
	return func(r *Reporter) { r.ingestURL = url }
}

// WithRedisDebounce backs the debounce table with the given Redis client
// instead of the in-process map, so multiple replicas share one debounce
// window. Nothing in the settings layer or the daemon supplies this option;
// without it the in-process map is used.
func WithRedisDebounce(client *redis.Client) Option {
	return func(r *Reporter) { r.debounce = newRedisDebouncer(client) }
}

// New builds a Reporter. license may be empty, in which case the reporter
// stays disabled until SetLicense is called with a non-empty value.
func New(license string, aggregator ZoneLookup, opts ...Option) *Reporter {
	r := &Reporter{
		client:     &http.Client{Timeout: httpClientTimeout},
		breaker:    resilience.NewCircuitBreaker("reporter-ingest", 5, 3, time.Minute, 30*time.Second),
		ingestURL:  DefaultIngestURL,
		aggregator: aggregator,
		license:    license,
		debounce:   newMemDebouncer(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsEnabled reports whether a non-empty license is set.
func (r *Reporter) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.license != ""
}

// SetLicense enables or disables the reporter at runtime. Disabling clears
// the pending batch and debounce table immediately, per spec.md §4.5's
// state-transition rule, so stale events don't leak on re-enable.
func (r *Reporter) SetLicense(ctx context.Context, license string) {
	r.mu.Lock()
	wasEnabled := r.license != ""
	r.license = license
	nowEnabled := r.license != ""
	r.mu.Unlock()

	if wasEnabled && !nowEnabled {
		r.pendingMu.Lock()
		r.pending = nil
		r.pendingMu.Unlock()
		r.debounce.clear(ctx)
	}
}

func (r *Reporter) licenseValue() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.license
}

// Run subscribes to the bus and processes events until ctx is done, then
// returns without flushing: the coordinator's shutdown sequence is
// publish-ShuttingDown -> wait for every AdapterStopped -> cancel
// stragglers -> *then* flush the reporter, so the final flush is the
// caller's job via Flush, invoked only once that sequence has completed
// (spec.md §4.4/§4.5). Flushing here too would race the coordinator's
// bounded wait instead of strictly following it.
func (r *Reporter) Run(ctx context.Context, b *bus.Bus) {
	logger := xglog.WithComponent("reporter")
	recv := b.Subscribe()
	defer recv.Unsubscribe()

	janitor := time.NewTicker(debounceJanitorEvery)
	defer janitor.Stop()
	flushTimer := time.NewTicker(batchFlushInterval)
	defer flushTimer.Stop()

	logger.Info().Bool("enabled", r.IsEnabled()).Str("event", "reporter.start").Msg("reporter started")

	eventCh := make(chan events.Event)
	go func() {
		defer close(eventCh)
		for {
			e, _, ok := recv.Recv(ctx)
			if !ok {
				return
			}
			select {
			case eventCh <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("event", "reporter.stop").Msg("reporter stopped")
			return

		case e, ok := <-eventCh:
			if !ok {
				return
			}
			if !r.IsEnabled() {
				continue
			}
			r.intake(ctx, e)

		case <-janitor.C:
			if md, ok := r.debounce.(*memDebouncer); ok {
				md.janitor(debounceExpiry)
			}

		case <-flushTimer.C:
			r.pendingMu.Lock()
			empty := len(r.pending) == 0
			r.pendingMu.Unlock()
			if !empty {
				r.flush(ctx)
			}
		}
	}
}

func (r *Reporter) intake(ctx context.Context, e events.Event) {
	ie, ok := r.convert(e)
	if !ok {
		return
	}

	key := debounceKey(ie)
	if r.debounce.seen(ctx, key, debounceWindow) {
		metrics.ReporterEventsDebounced.Inc()
		return
	}

	r.pendingMu.Lock()
	r.pending = append(r.pending, ie)
	full := len(r.pending) >= maxBatchSize
	r.pendingMu.Unlock()

	metrics.ReporterEventsForwarded.Inc()

	if full {
		r.flush(ctx)
	}
}

// convert implements BusEvent -> IngestEvent per spec.md §4.5, enriching
// NowPlayingChanged from the aggregator. Kinds not matched below (the
// chatty SeekPositionChanged, and the internal lifecycle/command-plane
// events) are never forwarded.
func (r *Reporter) convert(e events.Event) (events.IngestEvent, bool) {
	ts := uint64(r.now().Unix())

	switch ev := e.(type) {
	case events.NowPlayingChanged:
		payload := map[string]any{
			"zone_id":   ev.ZoneID,
			"title":     ev.Title,
			"artist":    ev.Artist,
			"album":     ev.Album,
			"image_key": ev.ImageKey,
		}
		if zone, ok := r.aggregator.GetZone(ev.ZoneID); ok {
			payload["zone_name"] = zone.ZoneName
			payload["source"] = zone.Source
			if zone.NowPlaying != nil {
				payload["duration_secs"] = zone.NowPlaying.DurationSecs
				if zone.NowPlaying.Metadata != nil {
					payload["format"] = zone.NowPlaying.Metadata.Format
					payload["sample_rate"] = zone.NowPlaying.Metadata.SampleRateH
					payload["bit_depth"] = zone.NowPlaying.Metadata.BitDepth
				}
			}
		}
		return marshal(events.KindNowPlayingChanged, ts, payload)

	case events.HqpPipelineChanged:
		return marshal(events.KindHqpPipelineChanged, ts, map[string]any{
			"host": ev.Host, "filter": ev.Filter, "shaper": ev.Shaper, "rate": ev.Rate,
		})

	case events.ZoneDiscovered:
		return marshal(events.KindZoneDiscovered, ts, map[string]any{
			"zone_id": ev.Zone.ZoneID, "zone_name": ev.Zone.ZoneName,
			"state": ev.Zone.State, "source": ev.Zone.Source,
			"is_controllable": ev.Zone.IsControllable, "is_seekable": ev.Zone.IsSeekable,
		})

	case events.ZoneUpdated:
		return marshal(events.KindZoneUpdated, ts, map[string]any{
			"zone_id": ev.ZoneID, "display_name": ev.DisplayName, "state": ev.State,
		})

	case events.ZoneRemoved:
		return marshal(events.KindZoneRemoved, ts, map[string]any{"zone_id": ev.ZoneID})

	case events.VolumeChanged:
		return marshal(events.KindVolumeChanged, ts, map[string]any{
			"output_id": ev.OutputID, "value": ev.Value, "is_muted": ev.IsMuted,
		})

	case events.AdapterConnected:
		return marshal(events.KindAdapterConnected, ts, map[string]any{
			"adapter": ev.Adapter, "details": ev.Details,
		})

	case events.AdapterDisconnected:
		return marshal(events.KindAdapterDisconnected, ts, map[string]any{
			"adapter": ev.Adapter, "reason": ev.Reason,
		})

	case events.LegacyAdapterEvent:
		return marshal(events.Kind("legacy_"+ev.Adapter+"_"+ev.SubType), ts, ev.Payload)

	default:
		return events.IngestEvent{}, false
	}
}

func marshal(kind events.Kind, ts uint64, payload map[string]any) (events.IngestEvent, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return events.IngestEvent{}, false
	}
	return events.IngestEvent{
		EventType: events.SnakeCase(kind),
		Timestamp: ts,
		Payload:   raw,
	}, true
}

func debounceKey(ie events.IngestEvent) string {
	h := sha256.New()
	h.Write([]byte(ie.EventType))
	h.Write(ie.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// flush hands the pending batch off to doFlush fire-and-forget: errors are
// logged and never cause retry, re-queueing, or subscriber death. Used by
// Run's normal batch-size/interval triggers, where nothing is waiting on
// completion.
func (r *Reporter) flush(ctx context.Context) {
	batch, spanCtx, span, ok := r.takeBatch(ctx)
	if !ok {
		return
	}
	go r.doFlush(spanCtx, span, batch)
}

// Flush delivers the pending batch synchronously and returns only once
// delivery (or its failure) is complete. This is the coordinator shutdown
// sequence's last step: call it only after the coordinator has published
// ShuttingDown and every adapter has ACKed AdapterStopped, so no adapter is
// still emitting events the reporter might otherwise race.
func (r *Reporter) Flush(ctx context.Context) {
	batch, spanCtx, span, ok := r.takeBatch(ctx)
	if !ok {
		return
	}
	r.doFlush(spanCtx, span, batch)
}

func (r *Reporter) takeBatch(ctx context.Context) ([]events.IngestEvent, context.Context, trace.Span, bool) {
	license := r.licenseValue()
	if license == "" {
		return nil, ctx, nil, false
	}

	r.pendingMu.Lock()
	batch := r.pending
	r.pending = nil
	r.pendingMu.Unlock()

	if len(batch) == 0 {
		return nil, ctx, nil, false
	}

	spanCtx, span := tracer.Start(ctx, "reporter.flush")
	span.SetAttributes(attribute.Int("batch_size", len(batch)))
	return batch, spanCtx, span, true
}

func (r *Reporter) doFlush(spanCtx context.Context, span trace.Span, batch []events.IngestEvent) {
	defer span.End()

	logger := xglog.WithComponent("reporter")
	license := r.licenseValue()

	body, err := json.Marshal(events.IngestRequest{Events: batch})
	if err != nil {
		logger.Warn().Err(err).Str("event", "reporter.marshal_failed").Msg("failed to marshal ingest batch")
		metrics.ReporterFlushes.WithLabelValues("marshal_error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return
	}

	err = r.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(spanCtx, http.MethodPost, r.ingestURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+license)
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("ingest proxy returned status %d", resp.StatusCode)
		}
		return nil
	})

	if err != nil {
		logger.Warn().Err(err).Int("batch_size", len(batch)).Str("event", "reporter.flush_failed").
			Msg("failed to deliver event batch to ingest proxy")
		metrics.ReporterFlushes.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return
	}

	logger.Debug().Int("batch_size", len(batch)).Str("event", "reporter.flush_ok").Msg("delivered event batch")
	metrics.ReporterFlushes.WithLabelValues("ok").Inc()
}
