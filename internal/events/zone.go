// Package events defines the tagged-union event and zone types shared by the
// bus, the zone aggregator, the event reporter, and the SSE/ingest wire
// formats.
package events

// PlaybackState is the normalized playback state of a zone.
type PlaybackState string

const (
	StatePlaying   PlaybackState = "playing"
	StatePaused    PlaybackState = "paused"
	StateStopped   PlaybackState = "stopped"
	StateLoading   PlaybackState = "loading"
	StateBuffering PlaybackState = "buffering"
	StateUnknown   PlaybackState = "unknown"
)

// ParsePlaybackState normalizes a free-form adapter state string.
func ParsePlaybackState(s string) PlaybackState {
	switch PlaybackState(s) {
	case StatePlaying, StatePaused, StateStopped, StateLoading, StateBuffering:
		return PlaybackState(s)
	default:
		return StateUnknown
	}
}

// VolumeScale identifies the unit a VolumeControl's value is expressed in.
type VolumeScale string

const (
	ScaleDecibel    VolumeScale = "decibel"
	ScalePercentage VolumeScale = "percentage"
	ScaleLinear     VolumeScale = "linear"
	ScaleUnknown    VolumeScale = "unknown"
)

// VolumeControl describes a zone's (or output's) volume state.
type VolumeControl struct {
	Value    float64     `json:"value"`
	Min      float64     `json:"min"`
	Max      float64     `json:"max"`
	Step     float64     `json:"step"`
	IsMuted  bool        `json:"is_muted"`
	Scale    VolumeScale `json:"scale"`
	OutputID string      `json:"output_id,omitempty"`
}

// TrackMetadata carries optional format/tagging detail for the current track.
type TrackMetadata struct {
	Format      string `json:"format,omitempty"`
	SampleRateH uint32 `json:"sample_rate_hz,omitempty"`
	BitDepth    uint8  `json:"bit_depth,omitempty"`
	BitrateKbps uint32 `json:"bitrate_kbps,omitempty"`
	Genre       string `json:"genre,omitempty"`
	Composer    string `json:"composer,omitempty"`
	TrackNumber uint32 `json:"track_number,omitempty"`
	DiscNumber  uint32 `json:"disc_number,omitempty"`
}

// NowPlaying describes the track currently loaded in a zone.
type NowPlaying struct {
	Title             string         `json:"title"`
	Artist            string         `json:"artist"`
	Album             string         `json:"album"`
	ImageKey          string         `json:"image_key,omitempty"`
	SeekPositionSecs  *float64       `json:"seek_position_seconds,omitempty"`
	DurationSecs      *float64       `json:"duration_seconds,omitempty"`
	Metadata          *TrackMetadata `json:"metadata,omitempty"`
}

// Zone is the authoritative, adapter-agnostic projection of a playback
// destination, as maintained by the zone aggregator.
type Zone struct {
	ZoneID        string         `json:"zone_id"`
	ZoneName      string         `json:"zone_name"`
	Source        string         `json:"source"`
	State         PlaybackState  `json:"state"`
	VolumeControl *VolumeControl `json:"volume_control,omitempty"`
	NowPlaying    *NowPlaying    `json:"now_playing,omitempty"`
	Metadata      *TrackMetadata `json:"metadata,omitempty"`

	IsControllable   bool `json:"is_controllable"`
	IsSeekable       bool `json:"is_seekable"`
	IsPlayAllowed    bool `json:"is_play_allowed"`
	IsPauseAllowed   bool `json:"is_pause_allowed"`
	IsNextAllowed    bool `json:"is_next_allowed"`
	IsPreviousAllowed bool `json:"is_previous_allowed"`

	// LastUpdated is a millisecond epoch timestamp, monotonic per zone.
	LastUpdated int64 `json:"last_updated"`
}

// Clone returns a deep copy of the zone, safe to hand to readers outside the
// aggregator's write lock.
func (z Zone) Clone() Zone {
	out := z
	if z.VolumeControl != nil {
		vc := *z.VolumeControl
		out.VolumeControl = &vc
	}
	if z.NowPlaying != nil {
		np := *z.NowPlaying
		if z.NowPlaying.Metadata != nil {
			md := *z.NowPlaying.Metadata
			np.Metadata = &md
		}
		if z.NowPlaying.SeekPositionSecs != nil {
			v := *z.NowPlaying.SeekPositionSecs
			np.SeekPositionSecs = &v
		}
		if z.NowPlaying.DurationSecs != nil {
			v := *z.NowPlaying.DurationSecs
			np.DurationSecs = &v
		}
		out.NowPlaying = &np
	}
	if z.Metadata != nil {
		md := *z.Metadata
		out.Metadata = &md
	}
	return out
}

// Prefix returns the adapter prefix encoded in a zone id
// ("<adapter_prefix>:<native_id>"), or "" if the id has no separator.
func Prefix(zoneID string) string {
	for i := 0; i < len(zoneID); i++ {
		if zoneID[i] == ':' {
			return zoneID[:i]
		}
	}
	return ""
}
