package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whatsthattune/clipworks/internal/hub"
	"github.com/whatsthattune/clipworks/internal/progress"
	"github.com/whatsthattune/clipworks/internal/retryq"
	"github.com/whatsthattune/clipworks/internal/store"
)

// recordingApplier captures every applied operation.
type recordingApplier struct {
	mu  sync.Mutex
	ops []store.Operation
}

func (a *recordingApplier) Apply(_ context.Context, op store.Operation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = append(a.ops, op)
	return nil
}

func (a *recordingApplier) Ops() []store.Operation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]store.Operation(nil), a.ops...)
}

func (a *recordingApplier) states() []store.URLState {
	var states []store.URLState
	for _, op := range a.Ops() {
		if status, ok := op.(store.UpdateStatus); ok {
			states = append(states, status.State)
		}
	}
	return states
}

func testRunner(t *testing.T, script string) (*Runner, *hub.Hub, *recordingApplier) {
	t.Helper()
	applier := &recordingApplier{}
	queue := retryq.New(retryq.Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, applier, nil)
	progressHub := hub.New(nil, nil, nil)
	runner, err := NewRunner(Config{
		Command: []string{"/bin/sh", "-c", script},
	}, progressHub, queue, nil)
	require.NoError(t, err)
	t.Cleanup(runner.Close)
	return runner, progressHub, applier
}

const happyScript = `
echo "starting up"
echo 'PROGRESS: {"type":"playlist_extracted","current":0,"total":2,"percentage":0,"timestamp":"2026-08-25T10:00:00Z"}'
echo 'PROGRESS: {"type":"progress","current":1,"total":2,"percentage":50,"step":"clipping","song_title":"Take On Me","timestamp":"2026-08-25T10:01:00Z"}'
echo 'PROGRESS: {"type":"completion","current":2,"total":2,"percentage":100,"successful":2,"failed":0,"timestamp":"2026-08-25T10:02:00Z"}'
`

// TestRunnerStreamsProgress runs a scripted child end to end: events reach
// the hub and lifecycle transitions reach the store.
func TestRunnerStreamsProgress(t *testing.T) {
	t.Parallel()

	runner, progressHub, applier := testRunner(t, happyScript)

	_, err := runner.Start(context.Background(), Job{
		OwnerID:     "owner-1",
		PlaylistURL: "https://youtube.com/playlist?list=abc",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !runner.Running("owner-1")
	}, 5*time.Second, 10*time.Millisecond)

	// No connection was open, so the last event sits in the snapshot slot.
	evt, ok := progressHub.Snapshots().Get("owner-1")
	require.True(t, ok)
	require.Equal(t, progress.KindCompletion, evt.Kind)
	require.EqualValues(t, 2, evt.Succeeded)
	require.Equal(t, "owner-1", evt.OwnerID)

	require.Eventually(t, func() bool {
		states := applier.states()
		return len(states) == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []store.URLState{store.URLPending, store.URLProcessing, store.URLDone}, applier.states())
}

const quizScript = `
echo 'PROGRESS: {"type":"playlist_extracted","current":0,"total":3,"percentage":0,"timestamp":"2026-08-25T10:00:00Z"}'
echo 'PROGRESS: {"type":"song_complete","current":1,"total":3,"percentage":33.3,"song":{"title":"Take On Me","artist":"a-ha","album":"Hunting High and Low","clip_path":"/clips/take-on-me.mp3","full_path":"/downloads/take-on-me.mp3","duration":225,"clip_start":45,"clip_end":75},"timestamp":"2026-08-25T10:01:00Z"}'
echo 'PROGRESS: {"type":"song_complete","current":2,"total":3,"percentage":66.7,"song":{"title":"Africa","artist":"Toto","clip_path":"/clips/africa.mp3"},"timestamp":"2026-08-25T10:02:00Z"}'
echo 'PROGRESS: {"type":"song_complete","current":3,"total":3,"percentage":100,"song":{"title":"Hey Jude","artist":"The Beatles","clip_path":"/clips/hey-jude.mp3"},"timestamp":"2026-08-25T10:03:00Z"}'
echo 'PROGRESS: {"type":"completion","current":3,"total":3,"percentage":100,"successful":3,"failed":0,"timestamp":"2026-08-25T10:04:00Z"}'
`

// TestRunnerPersistsSongsAndQuiz commits a song row per finished item and
// one game batch once the run completes.
func TestRunnerPersistsSongsAndQuiz(t *testing.T) {
	t.Parallel()

	runner, _, applier := testRunner(t, quizScript)

	_, err := runner.Start(context.Background(), Job{
		OwnerID:     "owner-1",
		PlaylistURL: "https://youtube.com/playlist?list=abc",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !runner.Running("owner-1")
	}, 5*time.Second, 10*time.Millisecond)

	var songs []store.Song
	var batches []store.InsertBatch
	for _, op := range applier.Ops() {
		switch o := op.(type) {
		case store.InsertRecord:
			song, ok := o.Record.(store.Song)
			require.True(t, ok)
			songs = append(songs, song)
		case store.InsertBatch:
			batches = append(batches, o)
		}
	}
	require.Len(t, songs, 3)
	require.Equal(t, "Take On Me", songs[0].Title)
	require.Equal(t, "a-ha", songs[0].Artist)
	require.Equal(t, "/clips/take-on-me.mp3", songs[0].ClipPath)
	require.Equal(t, 225, songs[0].DurationSeconds)
	require.Equal(t, "owner-1", songs[0].OwnerID)

	require.Len(t, batches, 1)
	records := batches[0].Records
	require.Len(t, records, 4)
	game, ok := records[0].(store.Game)
	require.True(t, ok)
	require.Equal(t, "owner-1", game.OwnerID)
	require.Equal(t, "medium", game.Difficulty)
	require.Equal(t, 3, game.QuestionCount)

	titles := map[string]bool{"Take On Me": true, "Africa": true, "Hey Jude": true}
	for _, rec := range records[1:] {
		q, ok := rec.(store.Question)
		require.True(t, ok)
		require.Equal(t, game.ID, q.GameID)
		require.True(t, titles[q.CorrectAnswer])
		require.Contains(t, q.Options, q.CorrectAnswer)
		require.Len(t, q.Options, 6)
	}
}

// TestRunnerSkipsQuizForSmallRuns persists the songs but no game when
// fewer than three finished.
func TestRunnerSkipsQuizForSmallRuns(t *testing.T) {
	t.Parallel()

	script := `
echo 'PROGRESS: {"type":"song_complete","current":1,"total":1,"percentage":100,"song":{"title":"Africa","artist":"Toto","clip_path":"/clips/africa.mp3"},"timestamp":"2026-08-25T10:01:00Z"}'
echo 'PROGRESS: {"type":"completion","current":1,"total":1,"percentage":100,"successful":1,"failed":0,"timestamp":"2026-08-25T10:02:00Z"}'
`
	runner, _, applier := testRunner(t, script)

	_, err := runner.Start(context.Background(), Job{
		OwnerID:     "owner-1",
		PlaylistURL: "https://youtube.com/playlist?list=abc",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !runner.Running("owner-1")
	}, 5*time.Second, 10*time.Millisecond)

	inserted := 0
	for _, op := range applier.Ops() {
		switch op.(type) {
		case store.InsertRecord:
			inserted++
		case store.InsertBatch:
			t.Fatal("no game batch expected for a single-song run")
		}
	}
	require.Equal(t, 1, inserted)
}

// TestRunnerSynthesizesCompletion ends the job even when the child never
// prints a completion report.
func TestRunnerSynthesizesCompletion(t *testing.T) {
	t.Parallel()

	runner, progressHub, applier := testRunner(t, `echo "no progress at all"`)

	_, err := runner.Start(context.Background(), Job{
		OwnerID:     "owner-1",
		PlaylistURL: "https://youtube.com/playlist?list=abc",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		evt, ok := progressHub.Snapshots().Get("owner-1")
		return ok && evt.Kind == progress.KindCompletion
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		states := applier.states()
		return len(states) == 2 && states[1] == store.URLDone
	}, 5*time.Second, 10*time.Millisecond)
}

// TestRunnerRecordsChildFailure marks the URL failed when the child exits
// non-zero.
func TestRunnerRecordsChildFailure(t *testing.T) {
	t.Parallel()

	runner, _, applier := testRunner(t, `echo "boom" >&2; exit 3`)

	_, err := runner.Start(context.Background(), Job{
		OwnerID:     "owner-1",
		PlaylistURL: "https://youtube.com/playlist?list=abc",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		states := applier.states()
		return len(states) == 2 && states[1] == store.URLFailed
	}, 5*time.Second, 10*time.Millisecond)
}

// TestRunnerRejectsSecondJobPerOwner enforces the one-job-per-owner slot.
func TestRunnerRejectsSecondJobPerOwner(t *testing.T) {
	t.Parallel()

	runner, _, _ := testRunner(t, `sleep 5`)

	_, err := runner.Start(context.Background(), Job{
		OwnerID:     "owner-1",
		PlaylistURL: "https://youtube.com/playlist?list=abc",
	})
	require.NoError(t, err)

	_, err = runner.Start(context.Background(), Job{
		OwnerID:     "owner-1",
		PlaylistURL: "https://youtube.com/playlist?list=other",
	})
	require.ErrorIs(t, err, ErrJobActive)

	// A different owner is unaffected.
	_, err = runner.Start(context.Background(), Job{
		OwnerID:     "owner-2",
		PlaylistURL: "https://youtube.com/playlist?list=abc",
	})
	require.NoError(t, err)
}

// TestRunnerCancelKillsChild stops a running job and frees the owner slot.
func TestRunnerCancelKillsChild(t *testing.T) {
	t.Parallel()

	runner, _, _ := testRunner(t, `sleep 60`)

	_, err := runner.Start(context.Background(), Job{
		OwnerID:     "owner-1",
		PlaylistURL: "https://youtube.com/playlist?list=abc",
	})
	require.NoError(t, err)
	require.True(t, runner.Running("owner-1"))

	require.True(t, runner.Cancel("owner-1"))
	require.Eventually(t, func() bool {
		return !runner.Running("owner-1")
	}, 5*time.Second, 10*time.Millisecond)

	require.False(t, runner.Cancel("owner-1"))
}

// TestJobValidate rejects incomplete submissions.
func TestJobValidate(t *testing.T) {
	t.Parallel()

	require.Error(t, Job{PlaylistURL: "u"}.Validate())
	require.Error(t, Job{OwnerID: "o"}.Validate())
	require.Error(t, Job{OwnerID: "o", PlaylistURL: "u", SongCount: -1}.Validate())
	require.NoError(t, Job{OwnerID: "o", PlaylistURL: "u"}.Validate())
}
