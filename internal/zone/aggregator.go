// Package zone implements the ZoneAggregator: the authoritative in-memory
// projection that folds bus events into a deterministic per-zone snapshot
// store (spec.md §4.3).
package zone

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/events"
	xglog "github.com/muse-bridge/bridge/internal/log"
	"github.com/muse-bridge/bridge/internal/metrics"
)

// Aggregator owns the zone_id -> Zone map behind a read/write guard. It runs
// a single task subscribed to the bus, so mutations are sequentially
// consistent with the order events arrive on its subscriber.
type Aggregator struct {
	mu    sync.RWMutex
	zones map[string]events.Zone

	bus *bus.Bus
	now func() int64
}

// New constructs an Aggregator against the given bus. It does not start
// consuming events until Run is called.
func New(b *bus.Bus) *Aggregator {
	return &Aggregator{
		zones: make(map[string]events.Zone),
		bus:   b,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// Run subscribes to the bus and applies events until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	logger := xglog.WithComponent("zone-aggregator")
	recv := a.bus.Subscribe()
	defer recv.Unsubscribe()

	logger.Info().Str("event", "aggregator.start").Msg("zone aggregator started")
	for {
		event, lagged, ok := recv.Recv(ctx)
		if !ok {
			logger.Info().Str("event", "aggregator.stop").Msg("zone aggregator stopped")
			return
		}
		if lagged > 0 {
			logger.Warn().Int("lagged", lagged).Msg("aggregator subscriber lagged, continuing")
		}
		a.apply(event)
	}
}

// apply implements the event-to-state rules table of spec.md §4.3.
func (a *Aggregator) apply(event events.Event) {
	switch e := event.(type) {
	case events.ZoneDiscovered:
		a.mu.Lock()
		z := e.Zone
		z.LastUpdated = a.now()
		a.zones[z.ZoneID] = z
		a.mu.Unlock()
		a.publishCount()

	case events.ZoneUpdated:
		a.mu.Lock()
		if z, ok := a.zones[e.ZoneID]; ok {
			z.ZoneName = e.DisplayName
			z.State = e.State
			z.LastUpdated = a.now()
			a.zones[e.ZoneID] = z
		}
		a.mu.Unlock()

	case events.ZoneRemoved:
		a.mu.Lock()
		delete(a.zones, e.ZoneID)
		a.mu.Unlock()
		a.publishCount()

	case events.ZonesFlushed:
		a.mu.Lock()
		prefix := e.Adapter + ":"
		for id := range a.zones {
			if strings.HasPrefix(id, prefix) {
				delete(a.zones, id)
			}
		}
		a.mu.Unlock()
		a.publishCount()

	case events.NowPlayingChanged:
		a.mu.Lock()
		if z, ok := a.zones[e.ZoneID]; ok {
			if e.AnyFieldSet() {
				np := events.NowPlaying{}
				if e.Title != nil {
					np.Title = *e.Title
				}
				if e.Artist != nil {
					np.Artist = *e.Artist
				}
				if e.Album != nil {
					np.Album = *e.Album
				}
				if e.ImageKey != nil {
					np.ImageKey = *e.ImageKey
				}
				z.NowPlaying = &np
			} else {
				z.NowPlaying = nil
			}
			z.LastUpdated = a.now()
			a.zones[e.ZoneID] = z
		}
		a.mu.Unlock()

	case events.SeekPositionChanged:
		a.mu.Lock()
		if z, ok := a.zones[e.ZoneID]; ok && z.NowPlaying != nil {
			secs := float64(e.PositionMS) / 1000.0
			np := *z.NowPlaying
			np.SeekPositionSecs = &secs
			z.NowPlaying = &np
			z.LastUpdated = a.now()
			a.zones[e.ZoneID] = z
		}
		a.mu.Unlock()

	case events.VolumeChanged:
		a.mu.Lock()
		for id, z := range a.zones {
			if z.VolumeControl == nil || z.VolumeControl.OutputID != e.OutputID {
				continue
			}
			vc := *z.VolumeControl
			vc.Value = e.Value
			vc.IsMuted = e.IsMuted
			z.VolumeControl = &vc
			z.LastUpdated = a.now()
			a.zones[id] = z
		}
		a.mu.Unlock()

	case events.AdapterDisconnected:
		// Per the open question in spec.md §9(ii), the aggregator itself
		// emits ZonesFlushed on disconnect so every adapter behaves
		// uniformly regardless of whether it remembers to do so itself.
		a.bus.Publish(events.ZonesFlushed{Adapter: e.Adapter})
		a.apply(events.ZonesFlushed{Adapter: e.Adapter})
	}
}

func (a *Aggregator) publishCount() {
	a.mu.RLock()
	n := len(a.zones)
	a.mu.RUnlock()
	metrics.ZoneCount.Set(float64(n))
}

// GetZones returns a snapshot of every known zone.
func (a *Aggregator) GetZones() []events.Zone {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]events.Zone, 0, len(a.zones))
	for _, z := range a.zones {
		out = append(out, z.Clone())
	}
	return out
}

// GetZone returns a snapshot of a single zone, if known.
func (a *Aggregator) GetZone(zoneID string) (events.Zone, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	z, ok := a.zones[zoneID]
	if !ok {
		return events.Zone{}, false
	}
	return z.Clone(), true
}

// FindByOutputID returns the zone_id of the (first) zone bound to the given
// volume output, if any.
func (a *Aggregator) FindByOutputID(outputID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for id, z := range a.zones {
		if z.VolumeControl != nil && z.VolumeControl.OutputID == outputID {
			return id, true
		}
	}
	return "", false
}
