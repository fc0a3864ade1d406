package events

import (
	"encoding/json"
	"fmt"
)

// MuseEvent is the SSE wire-format subset of BusEvent (spec.md §4.6/§6).
// Events outside this set are never emitted over SSE.
var museKinds = map[Kind]bool{
	KindZoneDiscovered:      true,
	KindZoneUpdated:         true,
	KindZoneRemoved:         true,
	KindNowPlayingChanged:   true,
	KindSeekPositionChanged: true,
	KindVolumeChanged:       true,
	KindAdapterConnected:    true,
	KindAdapterDisconnected: true,
	KindHqpPipelineChanged:  true,
}

// IsMuseEvent reports whether a BusEvent crosses the SSE wire boundary.
func IsMuseEvent(e Event) bool {
	return museKinds[e.Kind()]
}

// wireEnvelope is the stable `{"type": "...", "payload": {...}}` shape.
type wireEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// EncodeMuseEvent serializes a BusEvent into its SSE wire JSON form. It
// returns an error if the event is not part of the MuseEvent subset.
func EncodeMuseEvent(e Event) ([]byte, error) {
	if !IsMuseEvent(e) {
		return nil, fmt.Errorf("events: %s is not a MuseEvent variant", e.Kind())
	}

	var payload any
	switch v := e.(type) {
	case ZoneDiscovered:
		payload = struct {
			Zone Zone `json:"zone"`
		}{v.Zone}
	case ZoneUpdated:
		payload = v
	case ZoneRemoved:
		payload = v
	case NowPlayingChanged:
		payload = nowPlayingChangedPayload(v)
	case SeekPositionChanged:
		payload = struct {
			ZoneID   string `json:"zone_id"`
			Position int64  `json:"position"`
		}{v.ZoneID, v.PositionMS}
	case VolumeChanged:
		payload = v
	case AdapterConnected:
		payload = adapterConnectedPayload(v)
	case AdapterDisconnected:
		payload = adapterDisconnectedPayload(v)
	case HqpPipelineChanged:
		payload = v
	default:
		return nil, fmt.Errorf("events: unhandled MuseEvent variant %T", e)
	}

	return json.Marshal(wireEnvelope{Type: string(e.Kind()), Payload: payload})
}

func nowPlayingChangedPayload(v NowPlayingChanged) any {
	type np struct {
		ZoneID   string  `json:"zone_id"`
		Title    *string `json:"title,omitempty"`
		Artist   *string `json:"artist,omitempty"`
		Album    *string `json:"album,omitempty"`
		ImageKey *string `json:"image_key,omitempty"`
	}
	return np{v.ZoneID, v.Title, v.Artist, v.Album, v.ImageKey}
}

func adapterConnectedPayload(v AdapterConnected) any {
	type p struct {
		Adapter string  `json:"adapter"`
		Details *string `json:"details,omitempty"`
	}
	out := p{Adapter: v.Adapter}
	if v.Details != "" {
		out.Details = &v.Details
	}
	return out
}

func adapterDisconnectedPayload(v AdapterDisconnected) any {
	type p struct {
		Adapter string  `json:"adapter"`
		Reason  *string `json:"reason,omitempty"`
	}
	out := p{Adapter: v.Adapter}
	if v.Reason != "" {
		out.Reason = &v.Reason
	}
	return out
}

// DecodeMuseEvent parses a wire envelope back into a concrete BusEvent,
// used by consumer-side tests to assert round-trip fidelity.
func DecodeMuseEvent(data []byte) (Event, error) {
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch Kind(env.Type) {
	case KindZoneDiscovered:
		var p struct {
			Zone Zone `json:"zone"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return ZoneDiscovered{Zone: p.Zone}, nil
	case KindZoneUpdated:
		var v ZoneUpdated
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KindZoneRemoved:
		var v ZoneRemoved
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KindNowPlayingChanged:
		var p struct {
			ZoneID   string  `json:"zone_id"`
			Title    *string `json:"title"`
			Artist   *string `json:"artist"`
			Album    *string `json:"album"`
			ImageKey *string `json:"image_key"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return NowPlayingChanged{p.ZoneID, p.Title, p.Artist, p.Album, p.ImageKey}, nil
	case KindSeekPositionChanged:
		var p struct {
			ZoneID   string `json:"zone_id"`
			Position int64  `json:"position"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return SeekPositionChanged{p.ZoneID, p.Position}, nil
	case KindVolumeChanged:
		var v VolumeChanged
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KindAdapterConnected:
		var p struct {
			Adapter string  `json:"adapter"`
			Details *string `json:"details"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		v := AdapterConnected{Adapter: p.Adapter}
		if p.Details != nil {
			v.Details = *p.Details
		}
		return v, nil
	case KindAdapterDisconnected:
		var p struct {
			Adapter string  `json:"adapter"`
			Reason  *string `json:"reason"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		v := AdapterDisconnected{Adapter: p.Adapter}
		if p.Reason != nil {
			v.Reason = *p.Reason
		}
		return v, nil
	case KindHqpPipelineChanged:
		var v HqpPipelineChanged
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("events: unknown MuseEvent type %q", env.Type)
	}
}
