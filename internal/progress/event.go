package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported progress event kinds. These mirror the "type" field of the
// PROGRESS lines printed by the clip generation child process.
const (
	KindProgress          Kind = "progress"
	KindPlaylistExtracted Kind = "playlist_extracted"
	KindSongComplete      Kind = "song_complete"
	KindStepPerformance   Kind = "step_performance"
	KindCompletion        Kind = "completion"
	KindError             Kind = "error"
)

// TotalUnknown is the sentinel carried on the wire as the string "unknown"
// when the driver has not yet counted the playlist.
const TotalUnknown = -1

// Total is an item count that may be unknown. It marshals to a JSON number
// when known and to the string "unknown" otherwise.
type Total int64

// Known reports whether the count has been established.
func (t Total) Known() bool {
	return t >= 0
}

// MarshalJSON implements json.Marshaler.
func (t Total) MarshalJSON() ([]byte, error) {
	if !t.Known() {
		return []byte(`"unknown"`), nil
	}
	return json.Marshal(int64(t))
}

// UnmarshalJSON implements json.Unmarshaler, accepting either a number or
// the "unknown" sentinel string.
func (t *Total) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte(`"unknown"`)) || bytes.Equal(data, []byte("null")) {
		*t = TotalUnknown
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("total must be a number or \"unknown\": %w", err)
	}
	if n < 0 {
		*t = TotalUnknown
		return nil
	}
	*t = Total(n)
	return nil
}

// SongResult describes one finished track. Field names mirror the
// catalog entries the clip generator writes for each song.
type SongResult struct {
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	Album           string `json:"album,omitempty"`
	ClipPath        string `json:"clip_path"`
	FullPath        string `json:"full_path,omitempty"`
	DurationSeconds int    `json:"duration,omitempty"`
	ClipStart       int    `json:"clip_start,omitempty"`
	ClipEnd         int    `json:"clip_end,omitempty"`
}

// Event captures a single snapshot of clip job progress. Events are
// immutable after creation; enrichment (rate, ETA) happens on the client
// side without mutating the original.
type Event struct {
	// Kind denotes which milestone the event represents.
	Kind Kind `json:"type"`
	// OwnerID scopes the event to the user whose job produced it.
	OwnerID string `json:"owner_id,omitempty"`
	// Current counts items completed so far.
	Current int64 `json:"current"`
	// Total is the expected item count, or TotalUnknown.
	Total Total `json:"total"`
	// Percent is the driver-reported completion percentage (0-100).
	Percent float64 `json:"percentage"`
	// Step is the human-readable stage label (downloading, clipping, ...).
	Step string `json:"step,omitempty"`
	// SongTitle labels the item currently being processed.
	SongTitle string `json:"song_title,omitempty"`
	// Song carries the finished item's metadata; set on song_complete
	// events only.
	Song *SongResult `json:"song,omitempty"`
	// TS is the timestamp recorded by the emitter.
	TS time.Time `json:"timestamp"`
	// Succeeded and Failed summarize the run; only set on completion.
	Succeeded int64 `json:"successful,omitempty"`
	Failed    int64 `json:"failed,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse per-kind validation on Event payloads so that
// illegal field combinations are rejected at the boundary.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Current < 0 {
		return errors.New("current must be >= 0")
	}
	switch e.Kind {
	case KindProgress:
		if e.Step == "" {
			return errors.New("progress requires step")
		}
	case KindPlaylistExtracted:
		if !e.Total.Known() {
			return errors.New("playlist extraction requires a known total")
		}
	case KindSongComplete:
		if e.Song == nil {
			return errors.New("song completion requires a song payload")
		}
		if e.Song.Title == "" || e.Song.ClipPath == "" {
			return errors.New("song completion requires title and clip path")
		}
	case KindStepPerformance:
		if e.Step == "" {
			return errors.New("step performance requires step")
		}
	case KindCompletion:
		if e.Succeeded < 0 || e.Failed < 0 {
			return errors.New("completion counts must be >= 0")
		}
	case KindError:
		if e.Note == "" {
			return errors.New("error event requires note")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// Terminal reports whether the event ends the job from the client's
// perspective.
func (e Event) Terminal() bool {
	return e.Kind == KindCompletion
}
