package progress

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTotalUnknownRoundTrip verifies the "unknown" sentinel survives JSON
// in both directions.
func TestTotalUnknownRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Total(TotalUnknown))
	require.NoError(t, err)
	require.JSONEq(t, `"unknown"`, string(data))

	var back Total
	require.NoError(t, json.Unmarshal([]byte(`"unknown"`), &back))
	require.False(t, back.Known())
}

// TestTotalKnown verifies a counted total marshals as a plain number.
func TestTotalKnown(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Total(25))
	require.NoError(t, err)
	require.Equal(t, "25", string(data))

	var back Total
	require.NoError(t, json.Unmarshal([]byte("25"), &back))
	require.True(t, back.Known())
	require.EqualValues(t, 25, back)
}

// TestTotalRejectsGarbage ensures a non-numeric, non-sentinel total fails
// to decode.
func TestTotalRejectsGarbage(t *testing.T) {
	t.Parallel()

	var total Total
	require.Error(t, json.Unmarshal([]byte(`"soon"`), &total))
}

// TestEventDecodeChildLine decodes the JSON shape printed by the clip
// generation child process.
func TestEventDecodeChildLine(t *testing.T) {
	t.Parallel()

	payload := `{
		"type": "progress",
		"current": 3,
		"total": "unknown",
		"percentage": 12.5,
		"step": "downloading",
		"song_title": "Bohemian Rhapsody",
		"timestamp": "2026-08-25T10:00:00Z"
	}`
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(payload), &evt))
	require.Equal(t, KindProgress, evt.Kind)
	require.EqualValues(t, 3, evt.Current)
	require.False(t, evt.Total.Known())
	require.Equal(t, "downloading", evt.Step)
	require.NoError(t, evt.Validate())
}

// TestEventValidatePerKind exercises the per-kind field requirements.
func TestEventValidatePerKind(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{
			name: "progress without step",
			evt:  Event{Kind: KindProgress, TS: ts},

			wantErr: true,
		},
		{
			name:    "playlist extraction with unknown total",
			evt:     Event{Kind: KindPlaylistExtracted, Total: TotalUnknown, TS: ts},
			wantErr: true,
		},
		{
			name: "playlist extraction with count",
			evt:  Event{Kind: KindPlaylistExtracted, Total: 25, TS: ts},
		},
		{
			name:    "song completion without payload",
			evt:     Event{Kind: KindSongComplete, Current: 1, TS: ts},
			wantErr: true,
		},
		{
			name:    "song completion without clip path",
			evt:     Event{Kind: KindSongComplete, Current: 1, Song: &SongResult{Title: "Africa"}, TS: ts},
			wantErr: true,
		},
		{
			name: "song completion with payload",
			evt: Event{Kind: KindSongComplete, Current: 1, TS: ts,
				Song: &SongResult{Title: "Africa", Artist: "Toto", ClipPath: "/clips/africa.mp3"}},
		},
		{
			name:    "error without note",
			evt:     Event{Kind: KindError, TS: ts},
			wantErr: true,
		},
		{
			name: "completion with counts",
			evt:  Event{Kind: KindCompletion, Succeeded: 23, Failed: 2, TS: ts},
		},
		{
			name:    "missing timestamp",
			evt:     Event{Kind: KindProgress, Step: "clipping"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			evt:     Event{Kind: Kind("telemetry"), TS: ts},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

// TestEventTerminal confirms only completion events end a job.
func TestEventTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, Event{Kind: KindCompletion}.Terminal())
	require.False(t, Event{Kind: KindProgress}.Terminal())
	require.False(t, Event{Kind: KindError}.Terminal())
}
