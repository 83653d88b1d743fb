package driver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/whatsthattune/clipworks/internal/progress"
)

// TestParseLineProgress parses a well-formed progress report.
func TestParseLineProgress(t *testing.T) {
	t.Parallel()

	line := `PROGRESS: {"type":"progress","current":5,"total":25,"percentage":20,"step":"clipping","song_title":"Take On Me","timestamp":"2026-08-25T10:00:00Z"}`
	evt, isProgress, err := ParseLine(line)
	require.True(t, isProgress)
	require.NoError(t, err)
	require.Equal(t, progress.KindProgress, evt.Kind)
	require.EqualValues(t, 5, evt.Current)
	require.EqualValues(t, 25, evt.Total)
	require.Equal(t, "Take On Me", evt.SongTitle)
}

// TestParseLineUnknownTotal accepts the "unknown" sentinel before the
// playlist has been counted.
func TestParseLineUnknownTotal(t *testing.T) {
	t.Parallel()

	line := `PROGRESS: {"type":"progress","current":0,"total":"unknown","percentage":0,"step":"extracting","timestamp":"2026-08-25T10:00:00Z"}`
	evt, isProgress, err := ParseLine(line)
	require.True(t, isProgress)
	require.NoError(t, err)
	require.False(t, evt.Total.Known())
}

// TestParseLineSongComplete decodes the finished-item payload.
func TestParseLineSongComplete(t *testing.T) {
	t.Parallel()

	line := `PROGRESS: {"type":"song_complete","current":1,"total":3,"percentage":33.3,"song":{"title":"Take On Me","artist":"a-ha","album":"Hunting High and Low","clip_path":"/clips/take-on-me.mp3","duration":225,"clip_start":45,"clip_end":75},"timestamp":"2026-08-25T10:01:00Z"}`
	evt, isProgress, err := ParseLine(line)
	require.True(t, isProgress)
	require.NoError(t, err)
	require.Equal(t, progress.KindSongComplete, evt.Kind)
	require.NotNil(t, evt.Song)
	require.Equal(t, "Take On Me", evt.Song.Title)
	require.Equal(t, "a-ha", evt.Song.Artist)
	require.Equal(t, "/clips/take-on-me.mp3", evt.Song.ClipPath)
	require.Equal(t, 225, evt.Song.DurationSeconds)
}

// TestParseLineIgnoresPlainOutput leaves non-progress output untouched.
func TestParseLineIgnoresPlainOutput(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		"",
		"downloading audio stream 5/25",
		"[youtube] extracting player response",
		"PROGRESSIVE metadata found", // prefix requires the separator
	} {
		_, isProgress, err := ParseLine(line)
		require.False(t, isProgress, "line %q", line)
		require.NoError(t, err)
	}
}

// TestParseLineMalformedJSON flags a progress-prefixed line that cannot
// be decoded.
func TestParseLineMalformedJSON(t *testing.T) {
	t.Parallel()

	_, isProgress, err := ParseLine(`PROGRESS: {"type":"progress",`)
	require.True(t, isProgress)
	require.Error(t, err)
}

// TestParseLineInvalidEvent flags a decodable line that fails validation.
func TestParseLineInvalidEvent(t *testing.T) {
	t.Parallel()

	_, isProgress, err := ParseLine(`PROGRESS: {"type":"progress","current":1,"total":10,"timestamp":"2026-08-25T10:00:00Z"}`)
	require.True(t, isProgress)
	require.Error(t, err)
}

// TestParseLineTrimsWhitespace tolerates leading whitespace from buffered
// child output.
func TestParseLineTrimsWhitespace(t *testing.T) {
	t.Parallel()

	line := "  PROGRESS: {\"type\":\"completion\",\"current\":25,\"total\":25,\"percentage\":100,\"successful\":23,\"failed\":2,\"timestamp\":\"2026-08-25T10:30:00Z\"}"
	evt, isProgress, err := ParseLine(line)
	require.True(t, isProgress)
	require.NoError(t, err)
	require.Equal(t, progress.KindCompletion, evt.Kind)
	require.EqualValues(t, 23, evt.Succeeded)
	require.EqualValues(t, 2, evt.Failed)
}
